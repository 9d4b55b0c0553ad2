package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/guseggert/childproc/launcher"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrRemoteStart is wrapped by the error of Launch when the server could not start the process.
var ErrRemoteStart = errors.New("remote process could not be started")

// Client launches processes on a Server.
type Client struct {
	HTTPClient *http.Client
	URL        string
	Logger     *zap.SugaredLogger
}

func (c *Client) Capabilities() launcher.Capabilities {
	return launcher.Capabilities{}
}

// Launch starts the process on the server. The process is killed if ctx is canceled before it exits.
// Stdin is copied to the process until it returns an error or io.EOF, and the process may not exit before that.
func (c *Client) Launch(ctx context.Context, req launcher.Request) (launcher.Proc, error) {
	if req.Channel {
		return nil, errors.New("message channels are not supported by remote processes")
	}
	id := uuid.NewString()
	log := c.Logger.With("ID", id)

	log.Debugw("dialing WebSocket for run", "URL", c.URL)
	wsConn, _, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Debugf("dial error: %s", err)
		return nil, fmt.Errorf("establishing WebSocket conn to run: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(ctx)
	runner := &clientProcRunner{
		conn:   wsConn,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		req:    req,
		id:     id,

		stdout: req.Stdout,
		stderr: req.Stderr,
		stdin:  req.Stdin,

		done: make(chan struct{}),
	}

	err = runner.start()
	if err != nil {
		runner.close(websocket.StatusNormalClosure, "")
		cancel()
		return nil, err
	}
	return runner, nil
}

// clientProcRunner is the client side of one remote process. It implements launcher.Proc.
type clientProcRunner struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()
	req    launcher.Request
	id     string
	pid    int

	stderr io.Writer
	stdout io.Writer
	stdin  io.Reader

	done chan struct{}
	code int
	err  error

	closeConnOnce sync.Once
}

func (r *clientProcRunner) start() error {
	err := wsjson.Write(r.ctx, r.conn, procRequestMessage{
		Start: &startRequest{
			ID:            r.id,
			Command:       r.req.Command,
			Args:          r.req.Args,
			Env:           r.req.Env,
			Dir:           r.req.Dir,
			DiscardStdin:  r.stdin == nil,
			DiscardStdout: r.stdout == nil,
			DiscardStderr: r.stderr == nil,
		},
	})
	if err != nil {
		return fmt.Errorf("writing first message: %w", err)
	}

	var resp procResponseMessage
	err = wsjson.Read(r.ctx, r.conn, &resp)
	if err != nil {
		return fmt.Errorf("reading first message: %w", err)
	}
	if resp.Started == nil {
		return errors.New("first message contained no start response")
	}
	if resp.Started.Error != "" {
		return fmt.Errorf("%w: %s", ErrRemoteStart, resp.Started.Error)
	}
	r.pid = resp.Started.PID
	r.log.Debugw("remote process started", "PID", r.pid)

	go r.readMessages()
	if r.stdin != nil {
		go r.writeStdin()
	}
	return nil
}

func (r *clientProcRunner) Pid() int { return r.pid }

// Wait returns once the exit has been received and all output has been written.
func (r *clientProcRunner) Wait() (int, error) {
	<-r.done
	return r.code, r.err
}

func (r *clientProcRunner) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("%w: %s", launcher.ErrSignalUnsupported, sig)
	}
	select {
	case <-r.done:
		return os.ErrProcessDone
	default:
	}
	return wsjson.Write(r.ctx, r.conn, procRequestMessage{Signal: s})
}

func (r *clientProcRunner) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	r.closeConnOnce.Do(func() {
		err := r.conn.Close(code, reason)
		if err != nil {
			r.log.Debugf("error closing conn: %s", err)
		}
	})
}

// readMessages writes output as it arrives, so it is all written by the time the exit is received.
func (r *clientProcRunner) readMessages() {
	defer close(r.done)
	defer r.cancel()

	for {
		var msg procResponseMessage
		err := wsjson.Read(r.ctx, r.conn, &msg)
		if websocket.CloseStatus(err) != -1 {
			r.code, r.err = -1, fmt.Errorf("conn unexpectedly closed: %w", err)
			return
		}
		if err != nil {
			r.log.Debugf("message reader got error: %s", err)
			r.code, r.err = -1, err
			r.close(websocket.StatusInternalError, err.Error())
			return
		}
		if len(msg.Stdout) > 0 && r.stdout != nil {
			if _, err := r.stdout.Write(msg.Stdout); err != nil {
				r.log.Debugf("stdout got write error: %s", err)
				r.stdout = nil
			}
		}
		if len(msg.Stderr) > 0 && r.stderr != nil {
			if _, err := r.stderr.Write(msg.Stderr); err != nil {
				r.log.Debugf("stderr got write error: %s", err)
				r.stderr = nil
			}
		}
		if msg.Exited {
			r.log.Debugw("remote process exited", "ExitCode", msg.ExitCode, "TimeMS", msg.TimeMS)
			r.code = msg.ExitCode
			switch {
			case msg.ExitCode > 0:
				r.err = &launcher.ExitStatusError{Code: msg.ExitCode}
			case msg.Error != "":
				r.err = errors.New(msg.Error)
			}
			r.close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func (r *clientProcRunner) writeStdin() {
	writer := &wsJSONWriter{
		log:  r.log.Named("stdin_writer"),
		ctx:  r.ctx,
		conn: r.conn,
		writeMsg: func(b []byte) any {
			return procRequestMessage{Stdin: b}
		},
		closeMsg: func() any {
			return procRequestMessage{StdinDone: true}
		},
	}
	defer writer.Close()
	_, err := io.Copy(writer, r.stdin)
	r.log.Debugw("done copying stdin", "Error", err)
}
