package launcher

import (
	"context"
	"errors"
	"io"
	"os"
	"strconv"
)

// ErrSignalUnsupported is returned by procs that cannot deliver signals.
var ErrSignalUnsupported = errors.New("launcher: signals are not supported")

// Request describes a process to launch.
type Request struct {
	Command string
	Args    []string
	// Env is appended to the launcher's base environment.
	Env []string
	Dir string

	// Stdin is copied to the process's stdin. A nil Stdin means the process reads from the null device.
	Stdin io.Reader
	// Stdout and Stderr receive the process's output. A nil writer discards the output.
	Stdout io.Writer
	Stderr io.Writer

	// Channel requests a bidirectional message channel with the process.
	// Only valid when the launcher's Capabilities report Channel support.
	Channel bool
}

// Proc is a launched process.
type Proc interface {
	Pid() int
	// Wait blocks until the process exits and its output has been fully written.
	// The error is non-nil unless the process exited with status 0.
	// The exit code is -1 if the process did not exit normally (killed by a signal, lost connection, etc.).
	Wait() (int, error)
	Signal(sig os.Signal) error
}

// ChannelProc is implemented by procs launched with Request.Channel.
type ChannelProc interface {
	Proc
	Channel() io.ReadWriteCloser
}

type Capabilities struct {
	// Channel is true if the launcher can open a message channel with its processes.
	Channel bool
}

// Launcher starts processes.
// Launch returns an error only if the process could not be started at all.
type Launcher interface {
	Launch(ctx context.Context, req Request) (Proc, error)
	Capabilities() Capabilities
}

// ExitStatusError reports a non-zero exit status for launchers that have no native error for it.
type ExitStatusError struct {
	Code int
}

func (e *ExitStatusError) Error() string { return "exit status " + strconv.Itoa(e.Code) }
