package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/childproc/launcher"
	"github.com/guseggert/childproc/metrics"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// metricsMode labels the processes the server launches.
const metricsMode = "agent"

// closeTimeout is how long the server waits for the client to close the connection after the exit was sent.
const closeTimeout = 5 * time.Second

// Server runs processes on behalf of WebSocket clients, one process per connection.
type Server struct {
	Log      *zap.SugaredLogger
	Launcher launcher.Launcher
	// Metrics is optional.
	Metrics *metrics.Metrics
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)
	s.Log.Debug("accepted WebSocket conn")

	// the process is killed when this handler returns
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	runner := &serverProcRunner{
		log:      s.Log,
		launcher: s.Launcher,
		metrics:  s.Metrics,
		conn:     wsConn,
		ctx:      ctx,
		cancel:   cancel,
		stdinCh:  make(chan []byte),
	}
	runner.run()
}

type serverProcRunner struct {
	log      *zap.SugaredLogger
	launcher launcher.Launcher
	metrics  *metrics.Metrics
	conn     *websocket.Conn
	ctx      context.Context
	cancel   func()

	proc launcher.Proc

	stdin   io.WriteCloser
	stdinCh chan []byte

	wg sync.WaitGroup

	closeConnOnce sync.Once
}

func (r *serverProcRunner) run() {
	finish := r.metrics.Start(metricsMode)

	startTime := time.Now()
	err := r.readFirstMessageAndStart()
	if err != nil {
		r.log.Debugf("error starting process: %s", err)
		finish(metrics.OutcomeStartError)
		if werr := wsjson.Write(r.ctx, r.conn, procResponseMessage{Started: &startResponse{Error: err.Error()}}); werr != nil {
			r.log.Debugf("error sending start error: %s", werr)
		}
		r.close(websocket.StatusNormalClosure, "")
		return
	}
	r.log.Debugw("process started", "PID", r.proc.Pid())

	r.wg.Add(2)
	go r.readMessages()
	go r.waitAndWriteResult(startTime, finish)
	if r.stdin != nil {
		r.wg.Add(1)
		go r.readStdin()
	}

	r.wg.Wait()
}

func (r *serverProcRunner) close(code websocket.StatusCode, reason string) {
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

func (r *serverProcRunner) readFirstMessageAndStart() error {
	var msg procRequestMessage
	err := wsjson.Read(r.ctx, r.conn, &msg)
	if err != nil {
		return fmt.Errorf("reading first message: %w", err)
	}
	if msg.Start == nil {
		return errors.New("first message contained no start request")
	}
	req := msg.Start
	if req.Command == "" {
		return errors.New("start request contained no command")
	}
	r.log = r.log.With("ID", req.ID)
	r.log.Debugw("got start request", "Command", req.Command, "Args", req.Args)

	lreq := launcher.Request{
		Command: req.Command,
		Args:    req.Args,
		Env:     req.Env,
		Dir:     req.Dir,
	}
	if !req.DiscardStdout {
		lreq.Stdout = &wsJSONWriter{
			log:  r.log.Named("stdout_writer"),
			ctx:  r.ctx,
			conn: r.conn,
			writeMsg: func(b []byte) any {
				return procResponseMessage{Stdout: b}
			},
		}
	}
	if !req.DiscardStderr {
		lreq.Stderr = &wsJSONWriter{
			log:  r.log.Named("stderr_writer"),
			ctx:  r.ctx,
			conn: r.conn,
			writeMsg: func(b []byte) any {
				return procResponseMessage{Stderr: b}
			},
		}
	}
	if !req.DiscardStdin {
		stdinR, stdinW := io.Pipe()
		lreq.Stdin = stdinR
		r.stdin = stdinW
	}

	proc, err := r.launcher.Launch(r.ctx, lreq)
	if err != nil {
		return err
	}
	r.proc = proc

	return wsjson.Write(r.ctx, r.conn, procResponseMessage{Started: &startResponse{PID: proc.Pid()}})
}

func (r *serverProcRunner) readMessages() {
	defer r.wg.Done()

	closedStdin := r.stdin == nil
	closeStdin := func() {
		if !closedStdin {
			close(r.stdinCh)
			closedStdin = true
		}
	}
	defer closeStdin()

	for {
		var msg procRequestMessage
		err := wsjson.Read(r.ctx, r.conn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			r.log.Debug("got normal closure from client, wrapping up")
			r.cancel()
			return
		}
		if err != nil {
			r.log.Debugf("message reader got error: %s", err)
			// the client is gone, so is the process
			r.cancel()
			r.close(websocket.StatusInternalError, err.Error())
			return
		}
		if len(msg.Stdin) > 0 && !closedStdin {
			r.stdinCh <- msg.Stdin
		}
		if msg.StdinDone {
			closeStdin()
		}
		if msg.Signal != 0 {
			r.log.Debugw("signaling process", "Signal", msg.Signal)
			if err := r.proc.Signal(msg.Signal); err != nil {
				r.log.Debugf("error signaling process: %s", err)
			}
		}
	}
}

func (r *serverProcRunner) waitAndWriteResult(startTime time.Time, finish func(string)) {
	defer r.wg.Done()

	code, err := r.proc.Wait()
	resp := procResponseMessage{
		Exited:   true,
		ExitCode: code,
		TimeMS:   time.Since(startTime).Milliseconds(),
	}
	if err != nil {
		resp.Error = err.Error()
		finish(metrics.OutcomeExitError)
	} else {
		finish(metrics.OutcomeSuccess)
	}

	r.log.Debugw("process exited, sending result", "PID", r.proc.Pid(), "ExitCode", code)
	err = wsjson.Write(r.ctx, r.conn, resp)
	if err != nil {
		r.log.Debugf("error sending exit code: %s", err)
		r.cancel()
		return
	}

	// the client initiates the close
	select {
	case <-r.ctx.Done():
	case <-time.After(closeTimeout):
		r.log.Debug("client did not close the connection, closing")
		r.close(websocket.StatusNormalClosure, "")
	}
}

func (r *serverProcRunner) readStdin() {
	defer r.wg.Done()
	defer r.stdin.Close()
	for b := range r.stdinCh {
		_, err := r.stdin.Write(b)
		if err != nil {
			r.log.Debugf("stdin reader got write error: %s", err)
			// keep draining so the message reader never blocks
			for range r.stdinCh {
			}
			return
		}
	}
}
