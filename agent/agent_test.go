package agent

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/childproc/agent/process"
	"github.com/guseggert/childproc/launcher"
	"github.com/guseggert/childproc/internal/net"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

// runAgent runs an agent with certs on an ephemeral port and returns its address.
func runAgent(t *testing.T, certs *Certs, opts ...Option) (*Agent, string) {
	t.Helper()
	addr, err := net.EphemeralAddr()
	require.NoError(t, err)

	agent, err := New(certs, append([]Option{WithListenAddr(addr)}, opts...)...)
	require.NoError(t, err)

	go agent.Run()
	t.Cleanup(func() {
		require.NoError(t, agent.Stop())
	})
	return agent, addr
}

// startAgent runs an agent on an ephemeral port and returns a client of it.
func startAgent(t *testing.T, agentOpts []Option, clientOpts ...ClientOption) (*Agent, *Client) {
	t.Helper()
	certs, err := GenerateCerts(time.Hour)
	require.NoError(t, err)
	agent, addr := runAgent(t, certs, agentOpts...)

	client, err := NewClient(log, certs, addr, clientOpts...)
	require.NoError(t, err)
	return agent, client
}

func TestNegativeCertAuthz(t *testing.T) {
	// ensure that clients with certs signed by some other CA are rejected
	ctx := context.Background()
	serverCerts, err := GenerateCerts(time.Hour)
	require.NoError(t, err)
	_, addr := runAgent(t, serverCerts)

	clientCerts, err := GenerateCerts(time.Hour)
	require.NoError(t, err)
	clientCerts.CA = serverCerts.CA
	client, err := NewClient(log, clientCerts, addr, WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	require.NoError(t, err)

	err = client.SendHeartbeat(ctx)
	require.Error(t, err)
	assert.ErrorContains(t, err, "tls")
	assert.NotErrorIs(t, err, ErrUnauthorized)

	_, err = client.Launch(ctx, launcher.Request{Command: "echo"})
	require.Error(t, err)
}

func TestNegativeServerAuthn(t *testing.T) {
	// ensure that clients do not talk to agents whose certs are signed by some other CA
	ctx := context.Background()
	serverCerts, err := GenerateCerts(time.Hour)
	require.NoError(t, err)
	_, addr := runAgent(t, serverCerts)

	clientCerts, err := GenerateCerts(time.Hour)
	require.NoError(t, err)
	client, err := NewClient(log, clientCerts, addr, WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	require.NoError(t, err)

	err = client.SendHeartbeat(ctx)
	assert.ErrorContains(t, err, "certificate")
}

func TestCertDir(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	certs, err := GenerateCerts(time.Hour)
	require.NoError(t, err)
	require.NoError(t, certs.WriteDir(dir))

	info, err := os.Stat(filepath.Join(dir, ServerKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	serverCerts, err := ReadServerCerts(dir)
	require.NoError(t, err)
	assert.Nil(t, serverCerts.Client.KeyPEMBytes)
	_, addr := runAgent(t, serverCerts)

	clientCerts, err := ReadClientCerts(dir)
	require.NoError(t, err)
	assert.Nil(t, clientCerts.Server.KeyPEMBytes)
	client, err := NewClient(log, clientCerts, addr)
	require.NoError(t, err)
	require.NoError(t, client.WaitForServer(ctx))

	var stdout bytes.Buffer
	proc, err := client.Launch(ctx, launcher.Request{Command: "echo", Args: []string{"over tls"}, Stdout: &stdout})
	require.NoError(t, err)
	_, err = proc.Wait()
	require.NoError(t, err)
	assert.Equal(t, "over tls\n", stdout.String())

	_, err = ReadServerCerts(t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNegativeAuthz(t *testing.T) {
	// ensure that clients with the wrong token are rejected
	ctx := context.Background()
	_, client := startAgent(t,
		[]Option{WithToken("right")},
		WithClientToken("wrong"),
		WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
			r.RetryMax = 0
		}),
	)

	err := client.WaitForServer(ctx)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = client.Launch(ctx, launcher.Request{Command: "echo"})
	require.Error(t, err)
}

func TestCommand(t *testing.T) {
	ctx := context.Background()

	_, client := startAgent(t, []Option{WithToken("token")}, WithClientToken("token"))
	require.NoError(t, client.WaitForServer(ctx))

	cases := []struct {
		name          string
		cmd           string
		args          []string
		stdin         string
		env           []string
		captureStdout bool
		captureStderr bool

		expStdout string
		expStderr string
		expCode   int
	}{
		{
			name:          "happy case",
			cmd:           "echo",
			args:          []string{"hello"},
			captureStdout: true,
			expStdout:     "hello\n",
		},
		{
			name: "happy case, no stdout writer",
			cmd:  "echo",
			args: []string{"hello"},
		},
		{
			name:          "happy case with stdout and stderr writers",
			cmd:           "sh",
			args:          []string{"-c", "printf foo; printf bar 1>&2"},
			captureStdout: true,
			captureStderr: true,
			expStdout:     "foo",
			expStderr:     "bar",
		},
		{
			name: "happy case with no stderr and stdout writers",
			cmd:  "sh",
			args: []string{"-c", "printf foo; printf bar 1>&2"},
		},
		{
			name:          "stdin to stdout",
			cmd:           "sh",
			args:          []string{"-c", "read line; echo $line bar"},
			stdin:         "foo",
			captureStdout: true,
			expStdout:     "foo bar\n",
		},
		{
			name:          "env",
			cmd:           "sh",
			args:          []string{"-c", `printf "$FOO"`},
			env:           []string{"FOO=bar"},
			captureStdout: true,
			expStdout:     "bar",
		},
		{
			name:          "large output",
			cmd:           "head",
			args:          []string{"-c", "100000", "/dev/zero"},
			captureStdout: true,
			expStdout:     string(make([]byte, 100000)),
		},
		{
			name:          "nonzero exit",
			cmd:           "sh",
			args:          []string{"-c", "printf out; exit 3"},
			captureStdout: true,
			expStdout:     "out",
			expCode:       3,
		},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			req := launcher.Request{
				Command: c.cmd,
				Args:    c.args,
				Env:     c.env,
			}

			var stdoutBuf, stderrBuf bytes.Buffer
			if c.captureStdout {
				req.Stdout = &stdoutBuf
			}
			if c.captureStderr {
				req.Stderr = &stderrBuf
			}
			if c.stdin != "" {
				req.Stdin = strings.NewReader(c.stdin)
			}

			proc, err := client.Launch(ctx, req)
			require.NoError(t, err)
			assert.NotZero(t, proc.Pid())

			code, err := proc.Wait()
			assert.Equal(t, c.expCode, code)
			if c.expCode == 0 {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, &launcher.ExitStatusError{Code: c.expCode}, err)
			}

			assert.Equal(t, c.expStdout, stdoutBuf.String())
			assert.Equal(t, c.expStderr, stderrBuf.String())
		})
	}
}

func TestStartError(t *testing.T) {
	ctx := context.Background()
	_, client := startAgent(t, nil)
	require.NoError(t, client.WaitForServer(ctx))

	_, err := client.Launch(ctx, launcher.Request{Command: filepath.Join(t.TempDir(), "nonexistent")})
	require.ErrorIs(t, err, process.ErrRemoteStart)
	assert.ErrorContains(t, err, "no such file or directory")
}

func TestSignal(t *testing.T) {
	ctx := context.Background()
	_, client := startAgent(t, nil)
	require.NoError(t, client.WaitForServer(ctx))

	proc, err := client.Launch(ctx, launcher.Request{Command: "sleep", Args: []string{"60"}})
	require.NoError(t, err)

	require.NoError(t, proc.Signal(syscall.SIGKILL))
	code, err := proc.Wait()
	assert.Equal(t, -1, code)
	assert.ErrorContains(t, err, "killed")
	assert.ErrorIs(t, proc.Signal(os.Interrupt), os.ErrProcessDone)
}

func TestChannelUnsupported(t *testing.T) {
	_, client := startAgent(t, nil)
	assert.False(t, client.Capabilities().Channel)

	_, err := client.Launch(context.Background(), launcher.Request{Command: "echo", Channel: true})
	assert.Error(t, err)
}

func TestMetricsEndpoint(t *testing.T) {
	ctx := context.Background()
	_, client := startAgent(t, []Option{WithToken("token")}, WithClientToken("token"))
	require.NoError(t, client.WaitForServer(ctx))

	proc, err := client.Launch(ctx, launcher.Request{Command: "true"})
	require.NoError(t, err)
	_, err = proc.Wait()
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+"/metrics", nil)
		if err != nil {
			return false
		}
		resp, err := client.HTTPClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}
		return strings.Contains(string(b), `childproc_processes_finished_total{mode="agent",outcome="success"} 1`)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestHeartbeatFailure(t *testing.T) {
	failed := make(chan struct{})
	startAgent(t, []Option{
		WithHeartbeatTimeout(50 * time.Millisecond),
		WithHeartbeatFailureHandler(func() { close(failed) }),
	})

	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat failure handler was not called")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "agent.yaml")
	certs, err := GenerateCerts(time.Hour)
	require.NoError(t, err)
	certDir := filepath.Join(dir, "certs")
	require.NoError(t, os.Mkdir(certDir, 0o700))
	require.NoError(t, certs.WriteDir(certDir))

	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: 127.0.0.1:9000
cert_dir: `+certDir+`
token: secret
log_level: debug
heartbeat_timeout: 30s
on_heartbeat_failure: exit
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, &Config{
		ListenAddr:         "127.0.0.1:9000",
		CertDir:            certDir,
		Token:              "secret",
		LogLevel:           "debug",
		HeartbeatTimeout:   30 * time.Second,
		OnHeartbeatFailure: "exit",
	}, cfg)

	serverCerts, err := cfg.Certs()
	require.NoError(t, err)
	opts, err := cfg.Options()
	require.NoError(t, err)
	a, err := New(serverCerts, opts...)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", a.listenAddr)
	assert.Equal(t, "secret", a.token)
	assert.Equal(t, 30*time.Second, a.heartbeatTimeout)
	assert.NotNil(t, a.heartbeatFailureHandler)

	badPath := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badPath, []byte("listen_adr: typo\n"), 0o644))
	_, err = LoadConfig(badPath)
	assert.Error(t, err)

	_, err = (&Config{OnHeartbeatFailure: "shutdown"}).Options()
	assert.Error(t, err)
	_, err = (&Config{LogLevel: "loud"}).Options()
	assert.Error(t, err)
	_, err = (&Config{}).Certs()
	assert.Error(t, err)
}
