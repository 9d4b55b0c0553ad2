package future

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAttached is returned when a handle is attached to a lineage that already has one.
var ErrAttached = errors.New("future: handle already attached")

// PanicError is the rejection reason of a derived future whose continuation panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("future: continuation panicked: %v", e.Value)
}

// UnhandledError is raised by the default unhandled-rejection handler.
type UnhandledError struct {
	Err error
}

func (e *UnhandledError) Error() string {
	return fmt.Sprintf("future: unhandled rejection: %s", e.Err)
}

func (e *UnhandledError) Unwrap() error { return e.Err }

func raiseUnhandled(err error) {
	panic(&UnhandledError{Err: err})
}

type Option func(o *options)

type options struct {
	unhandled   func(error)
	autoRelease time.Duration
	auto        bool
}

// WithUnhandledHandler sets the function that receives rejections reported through ReportUnhandled.
// The default handler panics with an *UnhandledError.
func WithUnhandledHandler(f func(error)) Option {
	return func(o *options) {
		if f != nil {
			o.unhandled = f
		}
	}
}

// WithAutoRelease releases the lineage d after the handle is attached, if nothing released it earlier.
// Progress callbacks registered later than that run asynchronously and may miss events gated on Notified.
func WithAutoRelease(d time.Duration) Option {
	return func(o *options) {
		if d < 0 {
			d = 0
		}
		o.autoRelease = d
		o.auto = true
	}
}

// state is the settlement of a single future.
// Continuations are queued and run in order on one goroutine once the future settles.
type state[T any] struct {
	mu      sync.Mutex
	done    chan struct{}
	settled bool
	val     T
	err     error

	queue   []func()
	running bool
}

func newState[T any]() *state[T] {
	return &state[T]{done: make(chan struct{})}
}

func (s *state[T]) settle(v T, err error) bool {
	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		return false
	}
	s.settled = true
	s.val = v
	s.err = err
	close(s.done)
	start := len(s.queue) > 0 && !s.running
	if start {
		s.running = true
	}
	s.mu.Unlock()

	if start {
		go s.drain()
	}
	return true
}

func (s *state[T]) subscribe(c func()) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	start := s.settled && !s.running
	if start {
		s.running = true
	}
	s.mu.Unlock()

	if start {
		go s.drain()
	}
}

func (s *state[T]) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		c := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		c()
	}
}

// outcome must only be called after done is closed.
func (s *state[T]) outcome() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.val, s.err
}

// Future is an eventual value of type T that carries a handle of type H.
type Future[H, T any] struct {
	l *lineage[H]
	s *state[T]
}

// Deferred is the writing side of a Future.
type Deferred[H, T any] struct {
	f *Future[H, T]
}

// New creates a pending future and returns its writing side.
func New[H, T any](opts ...Option) *Deferred[H, T] {
	o := &options{unhandled: raiseUnhandled}
	for _, opt := range opts {
		opt(o)
	}
	return &Deferred[H, T]{
		f: &Future[H, T]{
			l: newLineage[H](o),
			s: newState[T](),
		},
	}
}

// Future returns the future written by d.
func (d *Deferred[H, T]) Future() *Future[H, T] { return d.f }

// Attach sets the handle of the lineage. It can only be called once.
func (d *Deferred[H, T]) Attach(h H) error { return d.f.l.attach(h) }

// Resolve fulfills the future with v. It returns false if the future was already settled.
func (d *Deferred[H, T]) Resolve(v T) bool { return d.f.s.settle(v, nil) }

// Reject rejects the future with err. It returns false if the future was already settled.
func (d *Deferred[H, T]) Reject(err error) bool {
	var zero T
	return d.f.s.settle(zero, err)
}

// Notified returns a channel that is closed once the progress callbacks registered before release have returned.
func (d *Deferred[H, T]) Notified() <-chan struct{} { return d.f.l.notified }

// Handle returns the attached handle, or the zero value if none is attached yet.
func (f *Future[H, T]) Handle() H { return f.l.getHandle() }

// Progress registers cb to be called with the handle. It returns f for chaining.
func (f *Future[H, T]) Progress(cb func(H)) *Future[H, T] {
	f.l.onProgress(cb)
	return f
}

// Release ends the listener-registration window of the lineage.
// Progress callbacks registered so far are delivered once the handle is attached.
func (f *Future[H, T]) Release() { f.l.release() }

// Settled releases the lineage and returns a channel that is closed when f settles.
func (f *Future[H, T]) Settled() <-chan struct{} {
	f.l.release()
	return f.s.done
}

// Wait releases the lineage and blocks until f settles or ctx is done.
func (f *Future[H, T]) Wait(ctx context.Context) (T, error) {
	f.l.release()
	select {
	case <-f.s.done:
		return f.s.outcome()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then returns a future that is fulfilled with the result of fn applied to f's value.
// A rejection of f passes through unchanged.
func (f *Future[H, T]) Then(fn func(T) (T, error)) *Future[H, T] {
	return Then(f, fn)
}

// Catch returns a future that recovers from a rejection of f with fn.
// A fulfillment of f passes through unchanged.
func (f *Future[H, T]) Catch(fn func(error) (T, error)) *Future[H, T] {
	next := derive[H, T](f.l)
	f.s.subscribe(func() {
		v, err := f.s.outcome()
		if err == nil {
			next.s.settle(v, nil)
			return
		}
		next.s.settle(invoke(fn, err))
	})
	return next
}

// Fail is an alias of Catch.
func (f *Future[H, T]) Fail(fn func(error) (T, error)) *Future[H, T] {
	return f.Catch(fn)
}

// ReportUnhandled releases the lineage and, if f rejects, passes the error to the unhandled-rejection handler.
// It does not change how f settles.
func (f *Future[H, T]) ReportUnhandled() {
	f.l.release()
	f.s.subscribe(func() {
		if _, err := f.s.outcome(); err != nil {
			f.l.unhandled(err)
		}
	})
}

// Then is the type-changing form of Future.Then.
func Then[H, T, U any](f *Future[H, T], fn func(T) (U, error)) *Future[H, U] {
	next := derive[H, U](f.l)
	f.s.subscribe(func() {
		v, err := f.s.outcome()
		if err != nil {
			var zero U
			next.s.settle(zero, err)
			return
		}
		next.s.settle(invoke(fn, v))
	})
	return next
}

func derive[H, U any](l *lineage[H]) *Future[H, U] {
	return &Future[H, U]{l: l, s: newState[U]()}
}

func invoke[A, U any](fn func(A) (U, error), a A) (u U, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero U
			u = zero
			err = &PanicError{Value: r}
		}
	}()
	return fn(a)
}
