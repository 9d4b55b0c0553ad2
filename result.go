package childproc

import "fmt"

// Output names a standard output stream of a process.
type Output string

const (
	Stdout Output = "stdout"
	Stderr Output = "stderr"
)

// Stdio selects what happens to a process's stdout and stderr.
type Stdio int

const (
	// StdioPipe delivers output to the process's Streams, where it can be captured or listened to.
	StdioPipe Stdio = iota
	// StdioInherit writes output directly to this process's stdout and stderr.
	StdioInherit
	// StdioIgnore discards output.
	StdioIgnore
)

func (s Stdio) String() string {
	switch s {
	case StdioPipe:
		return "pipe"
	case StdioInherit:
		return "inherit"
	case StdioIgnore:
		return "ignore"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type captureSet uint8

const (
	captureStdout captureSet = 1 << iota
	captureStderr
)

func (c captureSet) has(o Output) bool {
	switch o {
	case Stdout:
		return c&captureStdout != 0
	case Stderr:
		return c&captureStderr != 0
	}
	return false
}

// Result is the fulfillment value of a process future.
type Result struct {
	Process *Process
	// Stdout and Stderr hold the captured outputs. An output that was not captured is empty,
	// use Captured to tell it apart from an empty captured output.
	Stdout   string
	Stderr   string
	ExitCode int

	captured captureSet
}

// Captured reports whether o was captured into the result.
func (r *Result) Captured(o Output) bool { return r.captured.has(o) }
