package childproc

import (
	"io"
	"time"

	"github.com/guseggert/childproc/launcher"
	"github.com/guseggert/childproc/launcher/local"
	"github.com/guseggert/childproc/metrics"
	"go.uber.org/zap"
)

// defaultMaxBuffer is the largest output Exec and ExecFile accumulate, per stream.
const defaultMaxBuffer = 1024 * 1024

// defaultReleaseDelay is how long after an adapter returns its future releases itself.
const defaultReleaseDelay = 100 * time.Millisecond

type Option func(o *options)

type options struct {
	dir   string
	env   []string
	stdin io.Reader
	shell string

	capture  []Output
	stdio    Stdio
	stdioSet bool

	launcher  launcher.Launcher
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics
	progress  []func(*Process)
	unhandled func(error)

	maxBuffer    int
	successCodes []int
	execPath     string
	releaseDelay time.Duration
}

// WithDir sets the working directory of the process.
func WithDir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// WithEnv adds "KEY=value" entries to the environment of the process.
func WithEnv(env ...string) Option {
	return func(o *options) {
		o.env = append(o.env, env...)
	}
}

// WithStdin sets the reader copied to the process's stdin.
// By default the process reads from the null device.
func WithStdin(r io.Reader) Option {
	return func(o *options) {
		o.stdin = r
	}
}

// WithShell sets the shell Exec runs its command with. The command is passed to it with "-c".
func WithShell(shell string) Option {
	return func(o *options) {
		o.shell = shell
	}
}

// WithCapture selects the outputs Spawn and Fork accumulate into the result.
// Outputs that are not captured are only delivered to the process's Streams.
func WithCapture(outputs ...Output) Option {
	return func(o *options) {
		o.capture = append(o.capture, outputs...)
	}
}

// WithStdio sets what happens to stdout and stderr of processes started with Spawn and Fork.
// Spawn pipes by default; Fork inherits by default. Exec and ExecFile always pipe.
func WithStdio(s Stdio) Option {
	return func(o *options) {
		o.stdio = s
		o.stdioSet = true
	}
}

// WithSilent pipes the output of a forked process instead of inheriting it.
func WithSilent() Option {
	return WithStdio(StdioPipe)
}

// WithLauncher sets the launcher that starts the process. Defaults to a local launcher.
func WithLauncher(l launcher.Launcher) Option {
	return func(o *options) {
		o.launcher = l
	}
}

// WithLogger sets the logger of the process's lifecycle traces. A nil logger is ignored.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l.Named(loggerName)
		}
	}
}

// WithMetrics records the launch in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithProgress registers a progress callback before the future is returned.
// It is equivalent to calling Progress on the returned future.
func WithProgress(cb func(p *Process)) Option {
	return func(o *options) {
		o.progress = append(o.progress, cb)
	}
}

// WithUnhandledHandler sets the function that receives rejections reported through Future.ReportUnhandled.
// By default an unhandled rejection panics.
func WithUnhandledHandler(f func(error)) Option {
	return func(o *options) {
		o.unhandled = f
	}
}

// WithMaxBuffer sets the largest output, in bytes, Exec and ExecFile accumulate per stream.
// When it is exceeded the process is killed and the future rejects with an error wrapping ErrMaxBuffer.
// A value <= 0 removes the limit.
func WithMaxBuffer(n int) Option {
	return func(o *options) {
		o.maxBuffer = n
	}
}

// WithSuccessfulExitCodes sets the exit codes that Spawn and Fork treat as success. Defaults to 0 only.
func WithSuccessfulExitCodes(codes ...int) Option {
	return func(o *options) {
		o.successCodes = codes
	}
}

// WithExecPath makes Fork run the module with the given runtime, as "<execPath> <modulePath> [args...]".
func WithExecPath(path string) Option {
	return func(o *options) {
		o.execPath = path
	}
}

// WithReleaseDelay sets how long after the adapter returns the future is released when nothing releases it earlier
// (Wait, Settled, Release or ReportUnhandled). Until then the process's output, messages and exit are held back,
// so progress callbacks registered in that window see every event. A negative delay disables the automatic release.
func WithReleaseDelay(d time.Duration) Option {
	return func(o *options) {
		o.releaseDelay = d
	}
}

func buildOptions(opts []Option) *options {
	o := &options{
		log:          defaultLogger,
		maxBuffer:    defaultMaxBuffer,
		successCodes: []int{0},
		releaseDelay: defaultReleaseDelay,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.launcher == nil {
		o.launcher = local.New()
	}
	return o
}

func (o *options) isSuccess(code int) bool {
	for _, c := range o.successCodes {
		if c == code {
			return true
		}
	}
	return false
}
