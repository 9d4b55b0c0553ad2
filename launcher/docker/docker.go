package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/guseggert/childproc/launcher"
	"go.uber.org/zap"
)

const chars = "abcefghijklmnopqrstuvwxyz0123456789"

func randString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = chars[rand.Intn(len(chars))]
	}
	return string(b)
}

// Launcher runs processes inside a running Docker container, with the exec API.
// The underlying host must have a Docker daemon running.
// This supports standard environment variables for configuring the Docker client (DOCKER_HOST etc.).
//
// Exec'd processes cannot be signaled, and have no message channel.
// A command that does not exist in the container is not a start error; it exits with code 126 or 127.
type Launcher struct {
	Log          *zap.SugaredLogger
	DockerClient *client.Client
	ContainerID  string
	// PollInterval is how often the exit of a process is polled after its output ends.
	PollInterval time.Duration

	ownsContainer bool
}

func (l *Launcher) WithLogger(log *zap.SugaredLogger) *Launcher {
	l.Log = log.Named("docker_launcher")
	return l
}

// New builds a launcher for the existing container containerID.
func New(containerID string) (*Launcher, error) {
	log, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("instantiating default logger: %w", err)
	}
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	l := &Launcher{
		DockerClient: dockerClient,
		ContainerID:  containerID,
		PollInterval: 50 * time.Millisecond,
	}
	return l.WithLogger(log.Sugar()), nil
}

// NewContainer pulls image, starts a long-running container from it, and builds a launcher for it.
// The container is removed by Cleanup.
func NewContainer(ctx context.Context, image string) (*Launcher, error) {
	l, err := New("")
	if err != nil {
		return nil, err
	}

	out, err := l.DockerClient.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return nil, fmt.Errorf("pulling image %q: %w", image, err)
	}
	_, err = io.Copy(io.Discard, out)
	out.Close()
	if err != nil {
		return nil, fmt.Errorf("reading Docker pull response: %w", err)
	}

	createResp, err := l.DockerClient.ContainerCreate(
		ctx,
		&container.Config{
			Image:      image,
			Entrypoint: []string{"sleep", "infinity"},
		},
		nil,
		nil,
		nil,
		"childproc-"+randString(6),
	)
	if err != nil {
		return nil, fmt.Errorf("creating Docker container: %w", err)
	}
	l.ContainerID = createResp.ID
	l.ownsContainer = true

	err = l.DockerClient.ContainerStart(ctx, l.ContainerID, types.ContainerStartOptions{})
	if err != nil {
		l.Cleanup(ctx)
		return nil, fmt.Errorf("starting container %q: %w", l.ContainerID, err)
	}
	l.Log.Debugw("started container", "ContainerID", l.ContainerID, "Image", image)
	return l, nil
}

// Cleanup removes the container if it was created by NewContainer.
func (l *Launcher) Cleanup(ctx context.Context) error {
	if !l.ownsContainer {
		return nil
	}
	err := l.DockerClient.ContainerRemove(ctx, l.ContainerID, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil {
		return fmt.Errorf("removing container %q: %w", l.ContainerID, err)
	}
	return nil
}

func (l *Launcher) Capabilities() launcher.Capabilities {
	return launcher.Capabilities{}
}

func (l *Launcher) Launch(ctx context.Context, req launcher.Request) (launcher.Proc, error) {
	if req.Channel {
		return nil, errors.New("message channels are not supported by Docker exec")
	}

	created, err := l.DockerClient.ContainerExecCreate(ctx, l.ContainerID, types.ExecConfig{
		Cmd:          append([]string{req.Command}, req.Args...),
		Env:          req.Env,
		WorkingDir:   req.Dir,
		AttachStdin:  req.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec of %q in container %q: %w", req.Command, l.ContainerID, err)
	}

	resp, err := l.DockerClient.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("attaching to exec %q: %w", created.ID, err)
	}

	p := &proc{
		l:      l,
		execID: created.ID,
		log:    l.Log.With("ExecID", created.ID),
		done:   make(chan struct{}),
	}
	inspect, err := l.DockerClient.ContainerExecInspect(ctx, created.ID)
	if err == nil {
		p.pid = inspect.Pid
	}
	p.log.Debugw("exec started", "PID", p.pid, "Command", req.Command)

	if req.Stdin != nil {
		go func() {
			_, err := io.Copy(resp.Conn, req.Stdin)
			if err != nil {
				p.log.Debugf("error copying stdin: %s", err)
			}
			if err := resp.CloseWrite(); err != nil {
				p.log.Debugf("error closing stdin: %s", err)
			}
		}()
	}

	stdout, stderr := req.Stdout, req.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	go func() {
		defer close(p.done)
		_, err := stdcopy.StdCopy(stdout, stderr, resp.Reader)
		resp.Close()
		if err != nil {
			p.log.Debugf("error copying output: %s", err)
		}
		p.code, p.err = p.waitExit()
	}()

	return p, nil
}

type proc struct {
	l      *Launcher
	execID string
	pid    int
	log    *zap.SugaredLogger

	done chan struct{}
	code int
	err  error
}

// waitExit polls the exec until it is no longer running. The output ends right before the exit, so this is brief.
func (p *proc) waitExit() (int, error) {
	ctx := context.Background()
	for {
		inspect, err := p.l.DockerClient.ContainerExecInspect(ctx, p.execID)
		if err != nil {
			return -1, fmt.Errorf("inspecting exec %q: %w", p.execID, err)
		}
		if !inspect.Running {
			p.log.Debugw("exec exited", "ExitCode", inspect.ExitCode)
			if inspect.ExitCode != 0 {
				return inspect.ExitCode, &launcher.ExitStatusError{Code: inspect.ExitCode}
			}
			return 0, nil
		}
		time.Sleep(p.l.PollInterval)
	}
}

func (p *proc) Pid() int { return p.pid }

func (p *proc) Wait() (int, error) {
	<-p.done
	return p.code, p.err
}

func (p *proc) Signal(sig os.Signal) error {
	return fmt.Errorf("%w: %s", launcher.ErrSignalUnsupported, sig)
}
