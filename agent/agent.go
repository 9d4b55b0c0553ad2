package agent

import (
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/childproc/agent/process"
	"github.com/guseggert/childproc/launcher"
	"github.com/guseggert/childproc/launcher/local"
	"github.com/guseggert/childproc/metrics"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Agent is an HTTPS agent that runs processes on behalf of remote clients.
// The agent requires mTLS for both traffic encryption and authz.
// When a token is set, every request must also carry it as a bearer token.
type Agent struct {
	logger *zap.SugaredLogger

	tlsConfig *tls.Config
	token     string

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string
	launcher                launcher.Launcher

	registry   *prometheus.Registry
	httpServer *http.Server

	closed        chan struct{}
	closeOnce     sync.Once
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(a *Agent)

// WithHeartbeatTimeout sets how long the agent waits for a heartbeat before calling the heartbeat failure handler.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(a *Agent) {
		a.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(a *Agent) {
		a.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

// WithToken requires requests to carry the bearer token s.
func WithToken(s string) Option {
	return func(a *Agent) {
		a.token = s
	}
}

// WithLauncher sets the launcher that starts the processes. Defaults to a local launcher.
func WithLauncher(l launcher.Launcher) Option {
	return func(a *Agent) {
		a.launcher = l
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("agent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

func HeartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	os.Exit(1)
}

// New constructs a new agent. Its server cert and key are certs.Server, and it accepts clients whose certs are signed by certs.CA.
func New(certs *Certs, opts ...Option) (*Agent, error) {
	if certs == nil {
		return nil, errors.New("certs are required")
	}
	tlsConfig, err := ServerTLSConfig(certs.CA.CertPEMBytes, certs.Server.CertPEMBytes, certs.Server.KeyPEMBytes)
	if err != nil {
		return nil, fmt.Errorf("building server TLS config: %w", err)
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &Agent{
		logger:           logger.Named("agent").Sugar(),
		tlsConfig:        tlsConfig,
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "0.0.0.0:8080",
		launcher:         local.New(),
		registry:         prometheus.NewRegistry(),
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.httpServer = &http.Server{Handler: a.handler()}
	return a, nil
}

// startHeartbeatCheck starts a goroutine that calls the heartbeat failure handler when a heartbeat times out.
func (a *Agent) startHeartbeatCheck() {
	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	if a.heartbeatFailureHandler == nil {
		return
	}

	interval := time.Second
	if a.heartbeatTimeout < 10*time.Second {
		interval = a.heartbeatTimeout / 10
	}
	if interval <= 0 {
		interval = time.Millisecond
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				a.logger.Debugw("heartbeat timed out", "LastHeartbeat", lastHeartbeat)
				a.heartbeatFailureHandler()
				return
			}
		}
	}()
}

func (a *Agent) handler() http.Handler {
	procServer := &process.Server{
		Log:      a.logger.Desugar().Named("proc_server").Sugar(),
		Launcher: a.launcher,
		Metrics:  metrics.New(a.registry),
	}

	router := httprouter.New()
	router.GET("/heartbeat", a.authorize(a.heartbeat))
	router.GET("/proc", a.authorize(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		procServer.ServeHTTP(w, r)
	}))
	router.Handler(http.MethodGet, "/metrics", a.authorizeHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
	return router
}

func (a *Agent) runHTTPServer() error {
	tcpListener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	err = a.httpServer.Serve(tls.NewListener(tcpListener, a.tlsConfig))
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run runs the agent and returns once it has stopped.
func (a *Agent) Run() error {
	a.logger.Infow("starting agent", "ListenAddr", a.listenAddr, "Authz", a.token != "")
	a.startHeartbeatCheck()
	return a.runHTTPServer()
}

func (a *Agent) authorized(r *http.Request) bool {
	if a.token == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) == 1
}

func (a *Agent) authorize(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		if !a.authorized(r) {
			a.logger.Debugw("rejecting unauthorized request", "Path", r.URL.Path, "RemoteAddr", r.RemoteAddr)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h(w, r, params)
	}
}

func (a *Agent) authorizeHandler(h http.Handler) http.Handler {
	handle := a.authorize(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		h.ServeHTTP(w, r)
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handle(w, r, nil)
	})
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// Stop closes the HTTP server. Processes keep running until their client disconnects.
func (a *Agent) Stop() error {
	a.closeOnce.Do(func() { close(a.closed) })
	return a.httpServer.Close()
}
