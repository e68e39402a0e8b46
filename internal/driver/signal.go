package driver

import "context"

// Signal is a single-slot auto-reset mailbox. Set stores at most one pending
// token; Wait consumes one or blocks until the next Set. A token fired before
// anyone waits is not lost, but exactly one waiter consumes it.
type Signal struct {
	ch chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Set stores a token. Setting while one is already pending is a no-op.
func (s *Signal) Set() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait consumes a pending token or blocks until Set or cancellation.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear drops a pending token so a stale Set cannot satisfy a future,
// unrelated Wait.
func (s *Signal) Clear() {
	select {
	case <-s.ch:
	default:
	}
}
