// Package reconnect holds the retry decisions used by the connection
// supervisor. Everything here is pure: no clocks, no sleeping, no I/O.
package reconnect

import (
	"errors"
	"fmt"
	"time"
)

// ErrCeilingExceeded is returned by Exhausted when a policy gives up
var ErrCeilingExceeded = errors.New("reconnect: attempt ceiling exceeded")

// Action is what the caller should do after a failed attempt
type Action int

const (
	ActionRetry Action = iota
	ActionGiveUp
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionGiveUp:
		return "give_up"
	default:
		return "unknown"
	}
}

// Decision is the result of consulting a Policy
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Retry reports whether another attempt should be made
func (d Decision) Retry() bool {
	return d.Action == ActionRetry
}

// Policy bounds a reconnect sequence by attempt count and optionally by
// elapsed time. Delay is the spacing between attempts; Settle is the extra
// wait after a successful attempt before the device is considered usable.
type Policy struct {
	Name        string
	MaxAttempts int
	Delay       time.Duration
	Settle      time.Duration
	MaxElapsed  time.Duration
}

// Fast is used when reopening a transport that is expected back quickly
func Fast() Policy {
	return Policy{
		Name:        "initialize",
		MaxAttempts: 100,
		Delay:       100 * time.Millisecond,
	}
}

// Physical is used after the device dropped off the bus
func Physical() Policy {
	return Policy{
		Name:        "reconnect",
		MaxAttempts: 20,
		Delay:       500 * time.Millisecond,
		Settle:      2 * time.Second,
	}
}

// Validate checks the policy for usable values
func (p Policy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.Delay < 0 || p.Settle < 0 || p.MaxElapsed < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// Decide is consulted after a failed attempt. failed is the number of
// attempts made so far (all of which failed), elapsed the time since the
// sequence started.
func (p Policy) Decide(failed int, elapsed time.Duration) Decision {
	if failed >= p.MaxAttempts {
		return Decision{Action: ActionGiveUp}
	}
	if p.MaxElapsed > 0 && elapsed+p.Delay > p.MaxElapsed {
		return Decision{Action: ActionGiveUp}
	}
	return Decision{Action: ActionRetry, Delay: p.Delay}
}

// Budget is the worst-case time spent waiting between attempts, excluding
// the attempts themselves and the settle period.
func (p Policy) Budget() time.Duration {
	if p.MaxAttempts <= 1 {
		return 0
	}
	return time.Duration(p.MaxAttempts-1) * p.Delay
}

// Exhausted builds the terminal error for a policy that gave up
func (p Policy) Exhausted(attempts int, last error) error {
	err := fmt.Errorf("%w: %s policy after %d attempts", ErrCeilingExceeded, p.Name, attempts)
	if last != nil {
		return errors.Join(err, last)
	}
	return err
}
