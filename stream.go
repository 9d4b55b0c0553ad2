package childproc

import (
	"io"
	"sync"
)

// Stream fans out one output of a process to its listeners.
// Listeners can be added at any time and see every chunk written after they were added.
// Writes block until the owning future has delivered its progress notifications,
// so listeners added from a progress callback never miss output.
type Stream struct {
	gate <-chan struct{}

	m         sync.Mutex
	listeners []func([]byte)
}

func newStream(gate <-chan struct{}) *Stream {
	return &Stream{gate: gate}
}

// Listen registers fn to be called with each chunk of output.
// fn is called from the goroutine copying the output and must not retain the chunk past the call if it mutates it.
func (s *Stream) Listen(fn func(b []byte)) {
	s.m.Lock()
	defer s.m.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Pipe copies every chunk of output to w. Copying to w stops after its first write error.
func (s *Stream) Pipe(w io.Writer) {
	var failed bool
	s.Listen(func(b []byte) {
		if failed {
			return
		}
		if _, err := w.Write(b); err != nil {
			failed = true
		}
	})
}

func (s *Stream) Write(p []byte) (int, error) {
	<-s.gate

	chunk := make([]byte, len(p))
	copy(chunk, p)

	s.m.Lock()
	listeners := make([]func([]byte), len(s.listeners))
	copy(listeners, s.listeners)
	s.m.Unlock()

	for _, l := range listeners {
		l(chunk)
	}
	return len(p), nil
}

// accumulator concatenates every chunk of a captured output.
type accumulator struct {
	m     sync.Mutex
	b     []byte
	limit int
	// onOverflow is called once, when the limit is first exceeded
	onOverflow func()
	exceeded   bool
}

func (a *accumulator) write(b []byte) {
	a.m.Lock()
	if a.exceeded {
		a.m.Unlock()
		return
	}
	if a.limit > 0 && len(a.b)+len(b) > a.limit {
		a.b = append(a.b, b[:a.limit-len(a.b)]...)
		a.exceeded = true
		a.m.Unlock()
		if a.onOverflow != nil {
			a.onOverflow()
		}
		return
	}
	a.b = append(a.b, b...)
	a.m.Unlock()
}

func (a *accumulator) String() string {
	a.m.Lock()
	defer a.m.Unlock()
	return string(a.b)
}

func (a *accumulator) overflowed() bool {
	a.m.Lock()
	defer a.m.Unlock()
	return a.exceeded
}
