package childproc_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/childproc"
	"github.com/guseggert/childproc/agent"
	"github.com/guseggert/childproc/internal/net"
	"github.com/guseggert/childproc/internal/test"
	"github.com/guseggert/childproc/launcher"
	"github.com/guseggert/childproc/launcher/docker"
	"github.com/guseggert/childproc/launcher/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newAgentLauncher(t *testing.T) launcher.Launcher {
	addr, err := net.EphemeralAddr()
	require.NoError(t, err)
	certs, err := agent.GenerateCerts(time.Hour)
	require.NoError(t, err)
	a, err := agent.New(certs, agent.WithListenAddr(addr), agent.WithToken("token"))
	require.NoError(t, err)
	go a.Run()
	t.Cleanup(func() { a.Stop() })

	client, err := agent.NewClient(zap.NewNop().Sugar(), certs, addr, agent.WithClientToken("token"))
	require.NoError(t, err)
	require.NoError(t, client.WaitForServer(context.Background()))
	return client
}

func newDockerLauncher(t *testing.T) launcher.Launcher {
	l, err := docker.NewContainer(context.Background(), "busybox")
	require.NoError(t, err)
	t.Cleanup(func() { l.Cleanup(context.Background()) })
	return l
}

func TestLaunchers(t *testing.T) {
	run := func(t *testing.T, name string, newLauncher func(t *testing.T) launcher.Launcher, isInteg bool) {
		t.Run(name, func(t *testing.T) {
			if isInteg {
				test.Integration(t)
			}
			t.Parallel()
			l := newLauncher(t)

			// In parallel, spawn processes through the launcher and check what they capture.
			group, groupCtx := errgroup.WithContext(context.Background())
			for i := 0; i < 5; i++ {
				i := i
				group.Go(func() error {
					var chunks []string
					f, err := childproc.Spawn(
						"sh", []string{"-c", fmt.Sprintf("printf out%d; printf err%d 1>&2; exit %d", i, i, i%2)},
						childproc.WithLauncher(l),
						childproc.WithCapture(childproc.Stdout, childproc.Stderr),
						childproc.WithProgress(func(p *childproc.Process) {
							p.Stdout().Listen(func(b []byte) { chunks = append(chunks, string(b)) })
						}),
					)
					if err != nil {
						return err
					}
					res, err := f.Wait(groupCtx)

					stdout, stderr := "", ""
					if i%2 == 1 {
						var exitErr *childproc.ExitError
						if !assert.ErrorAs(t, err, &exitErr) {
							return nil
						}
						assert.Equal(t, 1, exitErr.Code)
						stdout, stderr = exitErr.Stdout, exitErr.Stderr
					} else {
						if err != nil {
							return err
						}
						stdout, stderr = res.Stdout, res.Stderr
					}
					assert.Equal(t, fmt.Sprintf("out%d", i), stdout)
					assert.Equal(t, fmt.Sprintf("err%d", i), stderr)
					assert.Equal(t, stdout, strings.Join(chunks, ""))
					return nil
				})
			}
			require.NoError(t, group.Wait())

			res, err := childproc.Must(childproc.Exec("echo hello", childproc.WithLauncher(l))).Wait(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "hello\n", res.Stdout)
		})
	}
	run(t, "local launcher", func(t *testing.T) launcher.Launcher { return local.New() }, false)
	run(t, "agent launcher", newAgentLauncher, false)
	run(t, "Docker launcher", newDockerLauncher, true)
}

func TestForkRequiresChannel(t *testing.T) {
	l := newAgentLauncher(t)
	_, err := childproc.Fork("child", nil, childproc.WithLauncher(l))
	assert.ErrorIs(t, err, childproc.ErrChannelUnsupported)
}
