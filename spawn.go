package childproc

import "fmt"

// Spawn starts command with args and streams its output.
//
// Outputs selected with WithCapture are accumulated into the result. Every chunk is also delivered
// to the process's Streams, which progress callbacks can listen to.
// The future resolves when the process exits with a successful code (0 unless WithSuccessfulExitCodes
// is given) and rejects with an *ExitError otherwise, or with a *StartError if the process could not be started.
func Spawn(command string, args []string, opts ...Option) (*Future, error) {
	if command == "" {
		return nil, ErrEmptyCommand
	}
	o := buildOptions(opts)

	stdio := StdioPipe
	if o.stdioSet {
		stdio = o.stdio
	}
	capture, err := o.captureSet(stdio)
	if err != nil {
		return nil, err
	}

	c := &call{
		mode:    modeSpawn,
		display: commandString(command, args),
		command: command,
		args:    args,
		o:       o,
		stdio:   stdio,
		capture: capture,
	}
	return c.start(), nil
}

// Fork starts modulePath with a message channel to it, and otherwise behaves like Spawn.
//
// The child connects to the channel with ipc.Connect. Messages it sends are delivered to callbacks registered
// with Process.OnMessage, all of them before the future settles. If the channel is still open shortly after the child
// exits, e.g. because a grandchild inherited it, the parent closes its side and later messages are lost.
// Stdout and stderr are inherited unless WithSilent or WithStdio is given, so capturing requires one of them.
// With WithExecPath, the module is run as an argument of the given runtime.
func Fork(modulePath string, args []string, opts ...Option) (*Future, error) {
	if modulePath == "" {
		return nil, ErrEmptyCommand
	}
	o := buildOptions(opts)

	if !o.launcher.Capabilities().Channel {
		return nil, fmt.Errorf("%w: %T", ErrChannelUnsupported, o.launcher)
	}

	stdio := StdioInherit
	if o.stdioSet {
		stdio = o.stdio
	}
	capture, err := o.captureSet(stdio)
	if err != nil {
		return nil, err
	}

	command, cmdArgs := modulePath, args
	if o.execPath != "" {
		command = o.execPath
		cmdArgs = append([]string{modulePath}, args...)
	}

	c := &call{
		mode:    modeFork,
		display: commandString(command, cmdArgs),
		command: command,
		args:    cmdArgs,
		o:       o,
		stdio:   stdio,
		capture: capture,
		channel: true,
	}
	return c.start(), nil
}
