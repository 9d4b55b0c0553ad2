package childproc

import (
	"context"
	"fmt"
	"os"

	"github.com/guseggert/childproc/future"
	"github.com/guseggert/childproc/launcher"
	"github.com/guseggert/childproc/metrics"
)

const (
	modeExec     = "exec"
	modeExecFile = "exec_file"
	modeSpawn    = "spawn"
	modeFork     = "fork"
)

// call is a single adapter invocation. It owns exactly one process.
type call struct {
	mode string
	// display is the command line used in error messages
	display string
	command string
	args    []string

	o        *options
	stdio    Stdio
	capture  captureSet
	buffered bool
	channel  bool
}

// start launches the process and returns its future.
// Launch failures are reported through the future, never synchronously.
func (c *call) start() *Future {
	var fopts []future.Option
	if c.o.unhandled != nil {
		fopts = append(fopts, future.WithUnhandledHandler(c.o.unhandled))
	}
	if c.o.releaseDelay >= 0 {
		fopts = append(fopts, future.WithAutoRelease(c.o.releaseDelay))
	}
	d := future.New[*Process, *Result](fopts...)
	f := d.Future()
	gate := d.Notified()

	p := newProcess(c.command, c.args, gate, c.o.log)

	req := launcher.Request{
		Command: c.command,
		Args:    c.args,
		Env:     c.o.env,
		Dir:     c.o.dir,
		Stdin:   c.o.stdin,
		Channel: c.channel,
	}
	switch c.stdio {
	case StdioPipe:
		p.stdout = newStream(gate)
		p.stderr = newStream(gate)
		req.Stdout = p.stdout
		req.Stderr = p.stderr
	case StdioInherit:
		req.Stdout = os.Stdout
		req.Stderr = os.Stderr
	}

	// the accumulators are the first listeners, registered before any progress callback can run
	var stdout, stderr *accumulator
	if c.capture.has(Stdout) {
		stdout = c.newAccumulator(p, Stdout)
		p.stdout.Listen(stdout.write)
	}
	if c.capture.has(Stderr) {
		stderr = c.newAccumulator(p, Stderr)
		p.stderr.Listen(stderr.write)
	}

	finish := c.o.metrics.Start(c.mode)

	proc, err := c.o.launcher.Launch(context.Background(), req)

	// the Deferred is fresh, so this cannot fail
	_ = d.Attach(p)
	for _, cb := range c.o.progress {
		f.Progress(cb)
	}

	if err != nil {
		p.log.Debugw("process failed to start", "Command", c.display, "Error", err)
		go func() {
			<-gate
			p.markExited(-1)
			finish(metrics.OutcomeStartError)
			d.Reject(c.startError(p, err))
		}()
		return f
	}

	p.setProc(proc)
	if c.channel {
		if cp, ok := proc.(launcher.ChannelProc); ok && cp.Channel() != nil {
			p.openChannel(cp.Channel())
		}
	}
	p.log.Debugw("process started", "PID", proc.Pid(), "Command", c.display)

	go func() {
		code, waitErr := proc.Wait()
		// a process without output must still not exit before progress is delivered
		<-gate
		p.drainMessages(messageDrainTimeout)
		p.markExited(code)
		p.log.Debugw("process exited", "PID", proc.Pid(), "ExitCode", code)

		res, err := c.outcome(p, code, waitErr, stdout, stderr)
		if err != nil {
			finish(metrics.OutcomeExitError)
			d.Reject(err)
			return
		}
		finish(metrics.OutcomeSuccess)
		d.Resolve(res)
	}()

	return f
}

func (c *call) newAccumulator(p *Process, o Output) *accumulator {
	a := &accumulator{}
	if c.buffered && c.o.maxBuffer > 0 {
		a.limit = c.o.maxBuffer
		a.onOverflow = func() {
			p.log.Debugf("%s exceeded max buffer of %d bytes, killing process", o, c.o.maxBuffer)
			if err := p.Kill(); err != nil {
				p.log.Debugf("error killing process: %s", err)
			}
		}
	}
	return a
}

func (c *call) outcome(p *Process, code int, waitErr error, stdout, stderr *accumulator) (*Result, error) {
	res := &Result{
		Process:  p,
		ExitCode: code,
		captured: c.capture,
	}
	if stdout != nil {
		res.Stdout = stdout.String()
	}
	if stderr != nil {
		res.Stderr = stderr.String()
	}

	if c.buffered {
		cause := waitErr
		if stdout != nil && stdout.overflowed() {
			cause = fmt.Errorf("%s %w", Stdout, ErrMaxBuffer)
		} else if stderr != nil && stderr.overflowed() {
			cause = fmt.Errorf("%s %w", Stderr, ErrMaxBuffer)
		}
		if cause == nil {
			return res, nil
		}
		return nil, c.exitError(res, cause, fmt.Sprintf("%s `%s` (exited with error code %d)", cause, c.display, code))
	}

	if code >= 0 && c.o.isSuccess(code) && (code != 0 || waitErr == nil) {
		return res, nil
	}
	return nil, c.exitError(res, waitErr, fmt.Sprintf("`%s` failed with code %d", c.display, code))
}

// startError is the rejection of a process that could not be started.
// The buffered adapters report it as an ExitError with the platform message, wrapping the StartError.
func (c *call) startError(p *Process, err error) error {
	startErr := &StartError{Command: c.display, Process: p, Err: err}
	if !c.buffered {
		return startErr
	}
	res := &Result{Process: p, ExitCode: -1, captured: c.capture}
	return c.exitError(res, startErr, fmt.Sprintf("%s `%s` (exited with error code %d)", err, c.display, -1))
}

func (c *call) exitError(res *Result, cause error, msg string) *ExitError {
	return &ExitError{
		Code:     res.ExitCode,
		Command:  c.display,
		Process:  res.Process,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Err:      cause,
		captured: res.captured,
		msg:      msg,
	}
}

func (o *options) captureSet(stdio Stdio) (captureSet, error) {
	var set captureSet
	for _, out := range o.capture {
		switch out {
		case Stdout:
			set |= captureStdout
		case Stderr:
			set |= captureStderr
		default:
			return 0, fmt.Errorf("%w: unknown output %q", ErrInvalidCapture, out)
		}
		if stdio != StdioPipe {
			return 0, fmt.Errorf("%w: %s is not piped (stdio is %s)", ErrInvalidCapture, out, stdio)
		}
	}
	return set, nil
}
