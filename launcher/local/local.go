package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/guseggert/childproc/ipc"
	"github.com/guseggert/childproc/launcher"
)

// Launcher runs processes directly on the underlying host with os/exec.
// Processes are not sandboxed; they inherit the host's environment unless Env is set.
type Launcher struct {
	// Env is the base environment for launched processes. When nil, os.Environ() is used.
	Env []string
}

func New() *Launcher {
	return &Launcher{}
}

func (l *Launcher) Capabilities() launcher.Capabilities {
	return launcher.Capabilities{Channel: true}
}

func (l *Launcher) env(req launcher.Request, extra ...string) []string {
	if l.Env == nil && len(req.Env) == 0 && len(extra) == 0 {
		// exec.Cmd uses os.Environ() for a nil Env
		return nil
	}
	base := l.Env
	if base == nil {
		base = os.Environ()
	}
	env := make([]string, 0, len(base)+len(req.Env)+len(extra))
	env = append(env, base...)
	env = append(env, req.Env...)
	return append(env, extra...)
}

// Launch starts the process. If ctx is canceled before the process exits, the process is killed.
func (l *Launcher) Launch(ctx context.Context, req launcher.Request) (launcher.Proc, error) {
	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = req.Dir
	cmd.Stdin = req.Stdin
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr

	var channel io.ReadWriteCloser
	var childFiles []*os.File
	if req.Channel {
		// the child reads from fd 3 and writes to fd 4
		childR, parentW, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("creating channel pipe: %w", err)
		}
		parentR, childW, err := os.Pipe()
		if err != nil {
			childR.Close()
			parentW.Close()
			return nil, fmt.Errorf("creating channel pipe: %w", err)
		}
		childFiles = []*os.File{childR, childW}
		cmd.ExtraFiles = childFiles
		channel = ipc.FileConn(parentR, parentW)
		cmd.Env = l.env(req, ipc.EnvFDs+"="+ipc.FormatFDs(3, 4))
	} else {
		cmd.Env = l.env(req)
	}

	err := cmd.Start()
	for _, f := range childFiles {
		f.Close()
	}
	if err != nil {
		if channel != nil {
			channel.Close()
		}
		return nil, fmt.Errorf("starting %q: %w", req.Command, err)
	}

	p := &proc{
		cmd:     cmd,
		channel: channel,
		done:    make(chan struct{}),
	}
	go p.wait()

	// kill the process if the context is canceled
	go func() {
		select {
		case <-ctx.Done():
			cmd.Process.Kill()
		case <-p.done:
		}
	}()

	return p, nil
}

type proc struct {
	cmd     *exec.Cmd
	channel io.ReadWriteCloser

	done chan struct{}
	code int
	err  error
}

func (p *proc) wait() {
	defer close(p.done)
	err := p.cmd.Wait()
	if err == nil {
		return
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		p.code = exitErr.ExitCode()
	} else {
		p.code = -1
	}
	p.err = err
}

func (p *proc) Pid() int { return p.cmd.Process.Pid }

func (p *proc) Wait() (int, error) {
	<-p.done
	return p.code, p.err
}

func (p *proc) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	return p.cmd.Process.Signal(sig)
}

// Channel returns the parent side of the message channel, or nil if the process was launched without one.
func (p *proc) Channel() io.ReadWriteCloser { return p.channel }
