package rpinfer

import (
	"sync"
	"sync/atomic"
)

// Latch is a one-way flag. Once set, it stays set and its Done channel
// is closed, so any number of goroutines can wait for it.
type Latch struct {
	set  atomic.Bool
	once sync.Once
	done chan struct{}
}

// NewLatch returns a latch in unset state.
func NewLatch() *Latch {
	return &Latch{
		done: make(chan struct{}),
	}
}

// Set sets the latch. It returns true only for the call which actually
// changed the state.
func (l *Latch) Set() (changed bool) {
	l.once.Do(func() {
		l.set.Store(true)
		close(l.done)
		changed = true
	})
	return
}

// IsSet reports if latch was set.
func (l *Latch) IsSet() bool {
	return l.set.Load()
}

// Done returns a channel which is closed when latch is set.
func (l *Latch) Done() <-chan struct{} {
	return l.done
}
