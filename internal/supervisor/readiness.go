package supervisor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"device-link/internal/model"
	"device-link/internal/reconnect"
)

// WaitForReady blocks until the device is attached, answers the liveness
// query, and the supervisor is Ready on a fresh transport. Every attempt
// resolves the endpoint again, since a rebooting device usually comes back
// under a different port name. Failures inside the window are logged at
// trace level and retried after the poll interval; when timeout elapses the
// error matches ErrDeviceNotReady.
func (s *Supervisor) WaitForReady(ctx context.Context, timeout time.Duration) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.usable(); err != nil {
		return err
	}

	deadline := s.clock.Now().Add(timeout)
	s.setAttempts(0)
	s.closeTransport()
	s.transition(model.StateOpening)

	var lastErr error
	for attempt := 1; ; attempt++ {
		remaining := deadline.Sub(s.clock.Now())
		if remaining <= 0 {
			s.log().Debug("Device not ready before deadline",
				zap.Duration("timeout", timeout),
				zap.Int("attempts", attempt-1),
				zap.Error(lastErr),
			)
			if lastErr != nil {
				return fmt.Errorf("%w after %s: %w", ErrDeviceNotReady, timeout, lastErr)
			}
			return fmt.Errorf("%w after %s", ErrDeviceNotReady, timeout)
		}

		endpoint, err := s.resolveEndpoint(ctx, remaining)
		if err == nil {
			var outcome reconnect.Outcome
			outcome, err = s.attempt(ctx, endpoint, min(s.opts.ReadyProbeTimeout, remaining), 0)
			switch outcome {
			case reconnect.Ready:
				return nil
			case reconnect.Failed:
				return err
			}
		} else if abortErr := s.aborted(ctx); abortErr != nil {
			return abortErr
		}

		lastErr = err
		s.recordFailure(attempt, err)
		s.log().LogAttempt("wait_ready", attempt, endpoint, err)

		if remaining = deadline.Sub(s.clock.Now()); remaining > 0 {
			if err := s.sleep(ctx, min(s.opts.PollInterval, remaining)); err != nil {
				return err
			}
		}
	}
}
