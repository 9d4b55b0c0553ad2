package childproc

import (
	"errors"
	"fmt"
)

// Configuration errors. These are returned synchronously by the adapters, before any process is started.
var (
	ErrEmptyCommand = errors.New("childproc: empty command")

	// ErrInvalidCapture is returned when an unknown output is captured,
	// or when a captured output is not piped (e.g. inherited stdio).
	ErrInvalidCapture = errors.New("childproc: invalid capture")

	// ErrChannelUnsupported is returned by Fork when the launcher cannot open a message channel.
	ErrChannelUnsupported = errors.New("childproc: launcher does not support message channels")
)

var (
	// ErrNoChannel is returned by Process.Send when the process has no message channel.
	ErrNoChannel = errors.New("childproc: process has no message channel")

	// ErrNotStarted is returned when signaling a process that could not be started.
	ErrNotStarted = errors.New("childproc: process was not started")

	// ErrMaxBuffer is wrapped by the ExitError of Exec and ExecFile when an output exceeds the max buffer size.
	ErrMaxBuffer = errors.New("maxBuffer length exceeded")
)

// ExitError is the rejection of a process that exited with an unsuccessful code.
//
// Code is the exit code, or -1 if the process did not exit normally.
// Stdout and Stderr hold the captured outputs; use Captured to tell an empty output from one that was not captured.
type ExitError struct {
	Code    int
	Command string
	Process *Process
	Stdout  string
	Stderr  string
	// Err is the error reported by the launcher, if any.
	Err error

	captured captureSet
	msg      string
}

func (e *ExitError) Error() string { return e.msg }

func (e *ExitError) Unwrap() error { return e.Err }

// Captured reports whether o was captured into the error.
func (e *ExitError) Captured(o Output) bool { return e.captured.has(o) }

// StartError is the rejection of a process that could not be started at all, e.g. because the executable was not found.
type StartError struct {
	Command string
	Process *Process
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("`%s` could not be started: %s", e.Command, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// ExitCode extracts the exit code from an error chain containing *ExitError.
// Returns (0, false) if the error does not contain an ExitError.
func ExitCode(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}
