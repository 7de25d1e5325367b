// Package notify provides the wake signal that cuts a scheduler sleep short.
package notify

import "sync"

// Signal is a broadcast wake. A waiter arms it by calling C() and disarms it
// with Release() once it stops listening. Notify wakes armed waiters by closing
// the channel and creating a fresh one; a Notify while nobody is armed is
// dropped rather than remembered.
type Signal struct {
	mu      sync.Mutex
	ch      chan struct{}
	armed   int
	dropped uint64
}

// NewSignal creates a ready-to-use Signal.
func NewSignal() *Signal { return &Signal{ch: make(chan struct{})} }

// Notify wakes all armed waiters and reports whether there were any.
func (s *Signal) Notify() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed == 0 {
		s.dropped++
		return false
	}
	close(s.ch)
	s.ch = make(chan struct{})
	s.armed = 0
	return true
}

// C arms the signal and returns a channel that is closed on the next Notify.
// Every C must be paired with a Release unless the channel fired.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	s.armed++
	ch := s.ch
	s.mu.Unlock()
	return ch
}

// Release disarms one waiter that stopped listening without being woken.
func (s *Signal) Release() {
	s.mu.Lock()
	if s.armed > 0 {
		s.armed--
	}
	s.mu.Unlock()
}

// Dropped returns how many notifications arrived with nobody waiting.
func (s *Signal) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
