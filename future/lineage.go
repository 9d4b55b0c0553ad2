package future

import (
	"sync"
	"time"
)

// lineage is the state shared by a future and every future derived from it.
type lineage[H any] struct {
	mu sync.Mutex

	handle   H
	attached bool

	released   bool
	delivering bool
	delivered  bool
	pending    []func(H)
	notified   chan struct{}

	unhandled func(error)

	autoRelease time.Duration
	auto        bool
}

func newLineage[H any](o *options) *lineage[H] {
	return &lineage[H]{
		notified:    make(chan struct{}),
		unhandled:   o.unhandled,
		autoRelease: o.autoRelease,
		auto:        o.auto,
	}
}

func (l *lineage[H]) attach(h H) error {
	l.mu.Lock()
	if l.attached {
		l.mu.Unlock()
		return ErrAttached
	}
	l.handle = h
	l.attached = true
	start := l.startDeliveryLocked()
	auto := l.auto && !l.released
	l.mu.Unlock()

	if start {
		go l.deliver()
	}
	if auto {
		time.AfterFunc(l.autoRelease, l.release)
	}
	return nil
}

func (l *lineage[H]) release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	start := l.startDeliveryLocked()
	l.mu.Unlock()

	if start {
		go l.deliver()
	}
}

// startDeliveryLocked reports whether the caller should start delivering progress callbacks.
// It returns true at most once.
func (l *lineage[H]) startDeliveryLocked() bool {
	if !l.attached || !l.released || l.delivering || l.delivered {
		return false
	}
	l.delivering = true
	return true
}

// deliver runs pending callbacks until none are left, including ones registered by the callbacks themselves.
func (l *lineage[H]) deliver() {
	for {
		l.mu.Lock()
		cbs := l.pending
		l.pending = nil
		if len(cbs) == 0 {
			l.delivering = false
			l.delivered = true
			close(l.notified)
			l.mu.Unlock()
			return
		}
		h := l.handle
		l.mu.Unlock()

		for _, cb := range cbs {
			cb(h)
		}
	}
}

func (l *lineage[H]) onProgress(cb func(H)) {
	l.mu.Lock()
	if !l.delivered {
		l.pending = append(l.pending, cb)
		l.mu.Unlock()
		return
	}
	h := l.handle
	l.mu.Unlock()
	go cb(h)
}

func (l *lineage[H]) getHandle() H {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle
}
