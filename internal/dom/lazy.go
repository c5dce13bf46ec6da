package dom

import (
	"context"
	"sync"
)

// Lazy defers creating an Automator until the first action. A failed start
// is reported on every later Do.
type Lazy struct {
	start func() (Automator, error)

	mu     sync.Mutex
	inner  Automator
	err    error
	closed bool
}

// NewLazy wraps start.
func NewLazy(start func() (Automator, error)) *Lazy {
	return &Lazy{start: start}
}

func (l *Lazy) Do(ctx context.Context, a Action) (Page, error) {
	inner, err := l.get()
	if err != nil {
		return Page{}, err
	}
	return inner.Do(ctx, a)
}

func (l *Lazy) get() (Automator, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if l.inner == nil && l.err == nil {
		l.inner, l.err = l.start()
	}
	return l.inner, l.err
}

// Started reports whether the underlying automator was created.
func (l *Lazy) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner != nil
}

// Close closes the underlying automator if it was started.
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.inner == nil {
		return nil
	}
	return l.inner.Close()
}
