package childproc

import (
	"runtime"
	"strings"
)

// Exec runs command through a shell and buffers both outputs.
//
// The future resolves with the outputs when the command exits with code 0, and rejects with an *ExitError otherwise.
// The error is non-nil only if the options are invalid; failures to start the shell are rejections.
func Exec(command string, opts ...Option) (*Future, error) {
	if strings.TrimSpace(command) == "" {
		return nil, ErrEmptyCommand
	}
	o := buildOptions(opts)

	shell, args := shellCommand(o.shell, command)
	c := &call{
		mode:     modeExec,
		display:  command,
		command:  shell,
		args:     args,
		o:        o,
		stdio:    StdioPipe,
		capture:  captureStdout | captureStderr,
		buffered: true,
	}
	return c.start(), nil
}

// ExecFile runs file with args, without a shell, and buffers both outputs.
// It settles the same way as Exec.
func ExecFile(file string, args []string, opts ...Option) (*Future, error) {
	if file == "" {
		return nil, ErrEmptyCommand
	}
	o := buildOptions(opts)

	c := &call{
		mode:     modeExecFile,
		display:  commandString(file, args),
		command:  file,
		args:     args,
		o:        o,
		stdio:    StdioPipe,
		capture:  captureStdout | captureStderr,
		buffered: true,
	}
	return c.start(), nil
}

func shellCommand(shell, command string) (string, []string) {
	if shell != "" {
		return shell, []string{"-c", command}
	}
	if runtime.GOOS == "windows" {
		return "cmd.exe", []string{"/d", "/s", "/c", command}
	}
	return "/bin/sh", []string{"-c", command}
}
