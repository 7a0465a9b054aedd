package chat

import "sync"

// Signal is a broadcast one-shot. Pulse releases every waiter holding
// the current channel and immediately rearms, so a waiter registered
// after a pulse waits for the next one. This mirrors a condition
// variable's notify-all-then-reset without latching.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewSignal returns an armed signal with no waiters released.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Wait returns the channel for the current pulse generation. The
// channel is closed by the next Pulse. Callers must grab the channel
// before checking the condition they wait on, or they can miss a pulse
// that fires in between.
func (s *Signal) Wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Pulse releases all current waiters and rearms the signal.
func (s *Signal) Pulse() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}
