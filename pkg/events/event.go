// Package events provides the one-shot cancellation signal used to stop an
// in-flight build or simulation run. A signal is scoped to a single operation;
// the session creates a fresh one per invocation instead of re-arming an old
// one.
package events

import "sync"

// Signal is a one-shot, level-triggered event. Set may be called any number of
// times from any goroutine; observers poll IsSet or select on Done.
type Signal struct {
	ch   chan struct{}
	once sync.Once
}

// NewSignal creates an unset signal
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set fires the signal. Subsequent calls are no-ops.
func (s *Signal) Set() {
	s.once.Do(func() {
		close(s.ch)
	})
}

// IsSet reports whether the signal has fired
func (s *Signal) IsSet() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel that closes when the signal fires
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}
