package childproc

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/childproc/ipc"
	"github.com/guseggert/childproc/launcher"
	"go.uber.org/zap"
)

// Process is the handle of a child process started by one of the adapters.
//
// Output, messages and the exit are delivered only after the progress callbacks registered
// on the process's future have returned, so a callback can attach listeners without missing anything.
// It is safe for concurrent use.
type Process struct {
	id      string
	command string
	args    []string
	log     *zap.SugaredLogger
	gate    <-chan struct{}

	stdout *Stream
	stderr *Stream

	m          sync.Mutex
	proc       launcher.Proc
	channel    *ipc.Channel
	onMessage  []func(ipc.Message)
	messagesCh chan struct{}

	exited   chan struct{}
	exitCode int
}

func newProcess(command string, args []string, gate <-chan struct{}, log *zap.SugaredLogger) *Process {
	id := uuid.NewString()
	return &Process{
		id:       id,
		command:  command,
		args:     args,
		log:      log.With("ID", id),
		gate:     gate,
		exited:   make(chan struct{}),
		exitCode: -1,
	}
}

// ID is a unique identifier of this process, assigned when it is launched.
func (p *Process) ID() string { return p.id }

// Pid returns the OS process ID, or 0 if the process could not be started.
func (p *Process) Pid() int {
	p.m.Lock()
	defer p.m.Unlock()
	if p.proc == nil {
		return 0
	}
	return p.proc.Pid()
}

// Command returns the executable that was launched. For Exec this is the shell.
func (p *Process) Command() string { return p.command }

// Args returns a copy of the arguments passed to Command.
func (p *Process) Args() []string { return append([]string(nil), p.args...) }

// Stdout returns the process's standard output, or nil if it is not piped.
func (p *Process) Stdout() *Stream { return p.stdout }

// Stderr returns the process's standard error, or nil if it is not piped.
func (p *Process) Stderr() *Stream { return p.stderr }

// OnMessage registers fn to be called with each message the process sends over its channel.
// Messages are only received from processes started with Fork.
func (p *Process) OnMessage(fn func(msg ipc.Message)) {
	p.m.Lock()
	defer p.m.Unlock()
	p.onMessage = append(p.onMessage, fn)
}

// Send sends v as a message to the process. It returns ErrNoChannel unless the process was started with Fork.
func (p *Process) Send(v any) error {
	p.m.Lock()
	channel := p.channel
	p.m.Unlock()
	if channel == nil {
		return ErrNoChannel
	}
	return channel.Send(v)
}

// Signal sends sig to the process.
func (p *Process) Signal(sig os.Signal) error {
	p.m.Lock()
	proc := p.proc
	p.m.Unlock()
	if proc == nil {
		return ErrNotStarted
	}
	return proc.Signal(sig)
}

// Kill sends os.Kill to the process.
func (p *Process) Kill() error {
	return p.Signal(os.Kill)
}

// Exited returns a channel that is closed once the exit of the process has been delivered.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// ExitCode returns the exit code of the process, or -1 if it has not exited or did not exit normally.
func (p *Process) ExitCode() int {
	select {
	case <-p.exited:
		return p.exitCode
	default:
		return -1
	}
}

func (p *Process) String() string {
	return commandString(p.command, p.args)
}

func (p *Process) setProc(proc launcher.Proc) {
	p.m.Lock()
	defer p.m.Unlock()
	p.proc = proc
}

// openChannel starts receiving messages from rwc.
// Messages are dispatched to OnMessage listeners once the gate opens.
func (p *Process) openChannel(rwc io.ReadWriteCloser) {
	channel := ipc.NewChannel(rwc)
	done := make(chan struct{})

	p.m.Lock()
	p.channel = channel
	p.messagesCh = done
	p.m.Unlock()

	go func() {
		defer close(done)
		for {
			msg, err := channel.Receive()
			if errors.Is(err, ipc.ErrInvalidMessage) {
				p.log.Debugf("dropping message: %s", err)
				continue
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					p.log.Debugf("message channel closed with error: %s", err)
				}
				return
			}
			<-p.gate

			p.m.Lock()
			listeners := make([]func(ipc.Message), len(p.onMessage))
			copy(listeners, p.onMessage)
			p.m.Unlock()

			for _, l := range listeners {
				l(msg)
			}
		}
	}()
}

// messageDrainTimeout bounds how long the exit of a forked process waits for its side of the channel to close.
// A grandchild that inherited the channel keeps it open past the exit.
const messageDrainTimeout = 100 * time.Millisecond

// drainMessages waits for the message pump to reach the end of the channel, up to timeout.
// After that the parent side is closed, and messages the child has not finished sending are lost.
func (p *Process) drainMessages(timeout time.Duration) {
	done := p.messagesDone()
	select {
	case <-done:
		return
	case <-time.After(timeout):
	}

	p.m.Lock()
	channel := p.channel
	p.m.Unlock()
	p.log.Debugf("message channel still open %s after exit, closing it", timeout)
	if err := channel.Close(); err != nil {
		p.log.Debugf("error closing message channel: %s", err)
	}
	<-done
}

// messagesDone returns a channel that is closed once every message has been dispatched.
func (p *Process) messagesDone() <-chan struct{} {
	p.m.Lock()
	defer p.m.Unlock()
	if p.messagesCh == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.messagesCh
}

func (p *Process) markExited(code int) {
	p.exitCode = code
	close(p.exited)

	p.m.Lock()
	channel := p.channel
	p.m.Unlock()
	if channel != nil {
		channel.Close()
	}
}

func commandString(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}
