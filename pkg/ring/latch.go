package ring

import (
	"sync"
	"sync/atomic"
)

// Latch records the first fatal error raised by any worker. Once tripped it
// stays tripped.
type Latch struct {
	once    sync.Once
	tripped atomic.Bool
	err     error
	done    chan struct{}
}

func NewLatch() *Latch {
	return &Latch{done: make(chan struct{})}
}

// Trip records err if no error was recorded before. It reports whether this
// call tripped the latch. A nil error is ignored.
func (l *Latch) Trip(err error) bool {
	if err == nil {
		return false
	}
	won := false
	l.once.Do(func() {
		l.err = err
		l.tripped.Store(true)
		close(l.done)
		won = true
	})
	return won
}

func (l *Latch) Tripped() bool { return l.tripped.Load() }

// Err returns the error that tripped the latch, nil if it has not tripped.
func (l *Latch) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

// Done is closed when the latch trips.
func (l *Latch) Done() <-chan struct{} { return l.done }
