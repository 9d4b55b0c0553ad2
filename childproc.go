package childproc

import (
	"fmt"

	"github.com/guseggert/childproc/future"
	"go.uber.org/zap"
)

const loggerName = "childproc"

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named(loggerName)
}

// Future is the eventual outcome of a child process. Its handle is the *Process.
type Future = future.Future[*Process, *Result]

// Must panics if err is non-nil, and otherwise returns f.
// It is meant to wrap adapter calls whose options are known to be valid:
//
//	res, err := childproc.Must(childproc.Spawn("make", nil)).Wait(ctx)
func Must(f *Future, err error) *Future {
	if err != nil {
		panic(err)
	}
	return f
}
