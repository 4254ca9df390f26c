package supervisor

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the time source used for deadlines and delays.
// github.com/benbjohnson/clock satisfies it, as does clock.Mock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// NewClock returns the wall clock
func NewClock() Clock {
	return clock.New()
}

// sleep waits for d on the supervisor clock. It returns early with the
// context error or ErrDisposed.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) error {
	if err := s.aborted(ctx); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	select {
	case <-s.clock.After(d):
		return s.aborted(ctx)
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrDisposed
	}
}

// aborted reports cancellation or disposal without blocking
func (s *Supervisor) aborted(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrDisposed
	default:
	}
	return ctx.Err()
}
