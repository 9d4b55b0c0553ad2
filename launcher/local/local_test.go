package local

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/childproc/ipc"
	"github.com/guseggert/childproc/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaunch(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name      string
		cmd       string
		args      []string
		env       []string
		stdin     string
		discard   bool
		expCode   int
		expStdout string
		expStderr string
	}{
		{
			name:      "happy case",
			cmd:       "echo",
			args:      []string{"hello"},
			expStdout: "hello\n",
		},
		{
			name:    "happy case, no stdout writer",
			cmd:     "echo",
			args:    []string{"hello"},
			discard: true,
		},
		{
			name:      "happy case with stdout and stderr writers",
			cmd:       "sh",
			args:      []string{"-c", "printf foo; printf bar 1>&2"},
			expStdout: "foo",
			expStderr: "bar",
		},
		{
			name:      "stdin to stdout",
			cmd:       "sh",
			args:      []string{"-c", "read line; echo $line bar"},
			stdin:     "foo\n",
			expStdout: "foo bar\n",
		},
		{
			name:      "env is appended",
			cmd:       "sh",
			args:      []string{"-c", "printf $CHILDPROC_TEST_VAR"},
			env:       []string{"CHILDPROC_TEST_VAR=baz"},
			expStdout: "baz",
		},
		{
			name:      "non-zero exit",
			cmd:       "sh",
			args:      []string{"-c", "printf oops 1>&2; exit 3"},
			expCode:   3,
			expStderr: "oops",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			req := launcher.Request{
				Command: c.cmd,
				Args:    c.args,
				Env:     c.env,
			}
			if !c.discard {
				req.Stdout = &stdout
				req.Stderr = &stderr
			}
			if c.stdin != "" {
				req.Stdin = strings.NewReader(c.stdin)
			}

			proc, err := New().Launch(ctx, req)
			require.NoError(t, err)
			assert.Greater(t, proc.Pid(), 0)

			code, err := proc.Wait()
			assert.Equal(t, c.expCode, code)
			if c.expCode == 0 {
				require.NoError(t, err)
			} else {
				var exitErr *exec.ExitError
				require.ErrorAs(t, err, &exitErr)
			}
			assert.Equal(t, c.expStdout, stdout.String())
			assert.Equal(t, c.expStderr, stderr.String())
		})
	}
}

func TestLaunchMissingBinary(t *testing.T) {
	_, err := New().Launch(context.Background(), launcher.Request{Command: "childproc-does-not-exist"})
	require.ErrorIs(t, err, exec.ErrNotFound)
}

func TestSignal(t *testing.T) {
	proc, err := New().Launch(context.Background(), launcher.Request{Command: "sleep", Args: []string{"10"}})
	require.NoError(t, err)

	require.NoError(t, proc.Signal(syscall.SIGKILL))
	code, err := proc.Wait()
	assert.Equal(t, -1, code)
	require.Error(t, err)
}

func TestContextCancelKills(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	proc, err := New().Launch(ctx, launcher.Request{Command: "sleep", Args: []string{"10"}})
	require.NoError(t, err)
	cancel()

	done := make(chan struct{})
	go func() {
		proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process was not killed")
	}
}

func TestChannel(t *testing.T) {
	// the child echoes the first line it reads from fd 3 back on fd 4
	proc, err := New().Launch(context.Background(), launcher.Request{
		Command: "sh",
		Args:    []string{"-c", `test "$` + ipc.EnvFDs + `" = "3,4" && head -n 1 <&3 >&4`},
		Channel: true,
	})
	require.NoError(t, err)

	chProc, ok := proc.(launcher.ChannelProc)
	require.True(t, ok)
	channel := ipc.NewChannel(chProc.Channel())
	t.Cleanup(func() { channel.Close() })

	require.NoError(t, channel.Send(map[string]string{"type": "ping"}))
	msg, err := channel.Receive()
	require.NoError(t, err)
	assert.Equal(t, "ping", msg.Type())

	code, err := proc.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}
