/*
Package process provides a client and server for a remote process runner which streams stdin (client->server) and stdout & stderr (server->client). It uses WebSockets for bidi messaging so only requires an HTTP server.

Processes are scoped to the WebSocket connection: if the connection dies for any reason, the process is killed.

There are two messages in this protocol: "request" messages are sent client->server, and "response" messages are sent server->client. The schema for these messages is described in types.go.

The protocol proceeds as follows:

 1. The client opens a WebSocket connection with the server.
 2. The client sends a request message containing the start request: a correlation ID, the command and args, and optionally env, dir and which stdio streams to discard.
 3. The server responds with the PID of the process, or with the error that prevented it from starting, in which case the exchange ends.
 4. The client and server then exchange messages containing stdin, stdout, and stderr bytes while the process runs. The client may also send signals.
 5. When the process exits, the server sends a response message with Exited=true and the ExitCode.
 6. The client initiates closing of the WebSocket connection.

The server does not buffer any stdout or stderr, which generally means that the client must read them to completion before the process will exit cleanly.
The Client is a launcher.Launcher, so remote processes can be started through the same adapters as local ones.
*/
package process
