package supervisor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"device-link/internal/model"
	"device-link/internal/protocol"
)

// Write sends data to the device. A connection that was never established
// fails with ErrNotConnected. When the transport exists but has closed,
// Write first reconnects under the physical policy (including the settle
// period) and then performs exactly one write. Nothing is written when the
// reconnect fails.
func (s *Supervisor) Write(ctx context.Context, data []byte) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	transport, state, err := s.writable()
	if err != nil {
		return err
	}

	if !transport.IsOpen() {
		s.log().Debug("Transport is not open, attempting reconnect")
		if err := s.reconnect(ctx); err != nil {
			return err
		}
		transport, state, err = s.writable()
		if err != nil {
			return err
		}
	}

	if state != model.StateReady {
		return fmt.Errorf("%w: state %s", ErrNotConnected, state)
	}

	err = transport.Write(ctx, data)
	s.recordWrite(transport, len(data), err)
	return err
}

// writable returns the current transport, refusing when there is none
func (s *Supervisor) writable() (protocol.Transport, model.ConnectionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.disposed:
		return nil, s.state, ErrDisposed
	case s.state == model.StateFailed:
		return nil, s.state, ErrFailed
	case s.transport == nil:
		return nil, s.state, ErrNotConnected
	}
	return s.transport, s.state, nil
}

// reconnect runs one reconnect sequence under the physical policy
func (s *Supervisor) reconnect(ctx context.Context) error {
	s.publish(model.EventReconnectStarted, nil)

	err := s.runPolicy(ctx, s.opts.ReconnectPolicy, s.opts.InitProbeTimeout)
	if err != nil {
		s.publish(model.EventReconnectFailed, err)
		return err
	}

	s.mu.Lock()
	s.stats.Reconnects++
	s.mu.Unlock()

	s.log().Debug("Device successfully reconnected", zap.String("endpoint", s.Endpoint().String()))
	s.publish(model.EventReconnectSucceeded, nil)
	return nil
}

func (s *Supervisor) recordWrite(transport protocol.Transport, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		s.stats.Writes++
		s.stats.BytesWritten += int64(n)
		return
	}

	s.stats.WriteErrors++
	s.stats.LastError = err.Error()

	// The transport dropped itself (I/O error or abandoned write). The next
	// write reconnects.
	if s.transport == transport && !transport.IsOpen() {
		s.transitionLocked(model.StateClosed)
	}

	event := s.eventLocked(model.EventWriteFailed)
	event.Error = err.Error()
	s.events.Publish(event)
}
