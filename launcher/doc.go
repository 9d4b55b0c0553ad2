/*
Package launcher defines the process API that the childproc adapters run on top of.

Implementations live in subpackages: local runs processes on the host with os/exec, docker runs them inside an existing container,
and the agent package provides a client that runs them on a remote process agent.
*/
package launcher
