package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/childproc/agent/process"
	"github.com/guseggert/childproc/launcher"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// ErrUnauthorized is returned when the agent rejects the client's token.
var ErrUnauthorized = errors.New("agent rejected the request as unauthorized")

// Client talks to an Agent. It is a launcher.Launcher that starts processes on the agent's host.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	token                    string
	customizeRetryableClient func(*retryablehttp.Client)
	procClient               *process.Client

	waitInterval time.Duration

	startHeartbeatOnce sync.Once
	stopHeartbeatOnce  sync.Once
	stopHeartbeat      chan struct{}
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

// WithClientToken sets the bearer token sent with every request.
func WithClientToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// tokenTransport adds the bearer token to every request.
type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.token == "" {
		return t.base.RoundTrip(r)
	}
	r = r.Clone(r.Context())
	r.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(r)
}

// NewClient builds a client of the agent listening on addr ("host:port").
// It presents certs.Client and trusts agents whose certs are signed by certs.CA.
func NewClient(log *zap.SugaredLogger, certs *Certs, addr string, opts ...ClientOption) (*Client, error) {
	if certs == nil {
		return nil, errors.New("certs are required")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing agent address %q: %w", addr, err)
	}

	// Always dial addr, so that the URL can carry the name in the agent's cert instead of its address.
	// The agent's cert is not signed by a public CA, so the name does not need to resolve.
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	dialCtx := func(ctx context.Context, network, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", addr)
	}

	tlsConfig, err := ClientTLSConfig(certs.CA.CertPEMBytes, certs.Client.CertPEMBytes, certs.Client.KeyPEMBytes)
	if err != nil {
		return nil, fmt.Errorf("building client TLS config: %w", err)
	}

	c := &Client{
		Logger:        log.Named("agent_client"),
		baseURL:       "https://" + net.JoinHostPort(serverName, port),
		waitInterval:  100 * time.Millisecond,
		stopHeartbeat: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &tokenTransport{
			token: c.token,
			base: &http.Transport{
				DialContext:     dialCtx,
				TLSClientConfig: tlsConfig,
			},
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: log}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	c.procClient = &process.Client{
		HTTPClient: c.HTTPClient,
		URL:        c.baseURL + "/proc",
		Logger:     log.Named("proc_client"),
	}

	return c, nil
}

func (c *Client) Capabilities() launcher.Capabilities {
	return c.procClient.Capabilities()
}

// Launch starts a process on the agent's host.
func (c *Client) Launch(ctx context.Context, req launcher.Request) (launcher.Proc, error) {
	return c.procClient.Launch(ctx, req)
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
}

// WaitForServer sends heartbeats until one succeeds, the agent rejects the token, or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			if errors.Is(err, ErrUnauthorized) {
				return err
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// StartHeartbeat sends a heartbeat every interval until StopHeartbeat is called.
func (c *Client) StartHeartbeat(interval time.Duration) {
	c.startHeartbeatOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-c.stopHeartbeat:
					return
				case <-ticker.C:
				}
				err := c.SendHeartbeat(context.Background())
				if err != nil {
					c.Logger.Debugf("heartbeat error: %s", err)
				}
			}
		}()
	})
}

func (c *Client) StopHeartbeat() {
	c.stopHeartbeatOnce.Do(func() { close(c.stopHeartbeat) })
}
