package jobs

import (
	"sync"
	"time"
)

// StopToken is a cooperative stop signal handed to a loop at start. The loop
// polls it at its checkpoints; Stop never interrupts it anywhere else.
type StopToken struct {
	once sync.Once
	ch   chan struct{}
}

func NewStopToken() *StopToken {
	return &StopToken{ch: make(chan struct{})}
}

// Stop sets the signal. Safe to call more than once.
func (t *StopToken) Stop() {
	t.once.Do(func() { close(t.ch) })
}

func (t *StopToken) Stopped() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

func (t *StopToken) Done() <-chan struct{} { return t.ch }

// Sleep waits for d or until the token is stopped, whichever comes first.
// It reports whether the token was stopped.
func (t *StopToken) Sleep(d time.Duration) bool {
	if d <= 0 {
		return t.Stopped()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.ch:
		return true
	case <-timer.C:
		return t.Stopped()
	}
}
