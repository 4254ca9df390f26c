// Package supervisor owns the lifecycle of one device connection: opening
// the transport, confirming the device answers, and recovering after drops.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"device-link/internal/model"
	"device-link/internal/protocol"
	"device-link/internal/reconnect"
	"device-link/internal/utils"
)

// Supervisor manages a single supervised connection.
//
// opMu serializes the blocking operations (Initialize, WaitForReady, Write)
// so at most one open or reconnect sequence runs at a time. mu guards the
// connection record and is never held across I/O or sleeps, so State,
// Status and Dispose stay responsive while a sequence is running.
type Supervisor struct {
	opts   Options
	clock  Clock
	events EventSink
	logger atomic.Pointer[utils.LinkLogger]

	opMu sync.Mutex

	mu        sync.RWMutex
	state     model.ConnectionState
	transport protocol.Transport
	endpoint  model.EndpointRef
	identity  model.DeviceIdentity
	info      *model.DeviceInfo
	attempts  int
	stats     model.LinkStats
	disposed  bool
	done      chan struct{}
}

// New creates a supervisor in the Closed state. Nothing is opened until
// Initialize, WaitForReady or Write is called.
func New(opts Options) (*Supervisor, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid supervisor options: %w", err)
	}

	s := &Supervisor{
		opts:     opts,
		clock:    opts.Clock,
		events:   opts.Events,
		state:    model.StateClosed,
		endpoint: opts.Endpoint,
		identity: opts.Identity,
		done:     make(chan struct{}),
	}
	s.logger.Store(utils.NewLinkLogger(opts.Logger, "supervisor", opts.Identity))
	s.stats.LastStateChange = s.clock.Now()

	return s, nil
}

func (s *Supervisor) log() *utils.LinkLogger {
	return s.logger.Load()
}

// Initialize opens the transport and confirms the device answers, retrying
// under the fast policy. It returns true once the connection is Ready; when
// the attempt ceiling is exceeded the supervisor becomes Failed and the
// error matches ErrNotConnected.
func (s *Supervisor) Initialize(ctx context.Context) (bool, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.usable(); err != nil {
		return false, err
	}

	if s.readyAndOpen() {
		return true, nil
	}

	s.log().Debug("Initializing connection")

	if err := s.runPolicy(ctx, s.opts.FastPolicy, s.opts.InitProbeTimeout); err != nil {
		return false, err
	}
	return true, nil
}

// runPolicy repeats open-and-verify attempts until one succeeds, the policy
// gives up, or ctx is cancelled. The current transport is closed before
// every reopen.
func (s *Supervisor) runPolicy(ctx context.Context, policy reconnect.Policy, probeTimeout time.Duration) error {
	start := s.clock.Now()
	s.setAttempts(0)

	for failed := 0; ; {
		s.closeTransport()
		s.transition(model.StateOpening)

		outcome := reconnect.Retrying
		endpoint, err := s.resolveEndpoint(ctx, s.opts.ResolveTimeout)
		if err == nil {
			outcome, err = s.attempt(ctx, endpoint, probeTimeout, policy.Settle)
		} else if abortErr := s.aborted(ctx); abortErr != nil {
			outcome, err = reconnect.Failed, abortErr
		}

		switch outcome {
		case reconnect.Ready:
			return nil
		case reconnect.Failed:
			return err
		}

		failed++
		s.recordFailure(failed, err)
		s.log().LogAttempt(policy.Name, failed, endpoint, err)

		decision := policy.Decide(failed, s.clock.Now().Sub(start))
		if !decision.Retry() {
			return s.fail(policy.Exhausted(failed, err))
		}

		if err := s.sleep(ctx, decision.Delay); err != nil {
			return err
		}
	}
}

// attempt opens endpoint and runs the liveness query on it. The transport is
// installed as soon as it opens, so the query runs in OpenUnverified. After
// a good answer the connection stays OpenUnverified for settle and only then
// becomes Ready. An aborted settle closes the transport and leaves the
// connection Closed.
func (s *Supervisor) attempt(ctx context.Context, endpoint model.EndpointRef, probeTimeout, settle time.Duration) (reconnect.Outcome, error) {
	transport, err := s.opts.NewTransport(endpoint)
	if err != nil {
		return reconnect.Failed, err
	}

	if err := transport.Open(ctx); err != nil {
		if abortErr := s.aborted(ctx); abortErr != nil {
			return reconnect.Failed, abortErr
		}
		return reconnect.Retrying, err
	}

	if err := s.install(transport, endpoint); err != nil {
		transport.Close()
		return reconnect.Failed, err
	}

	info, err := s.opts.Prober.FetchDeviceInfo(ctx, transport, probeTimeout)
	if err == nil {
		err = s.confirm(transport, info)
		if err == nil {
			return s.settle(ctx, transport, settle)
		}
		if errors.Is(err, ErrDisposed) {
			return reconnect.Failed, err
		}
	}

	s.closeTransport()
	s.transition(model.StateOpening)

	if abortErr := s.aborted(ctx); abortErr != nil {
		return reconnect.Failed, abortErr
	}
	return reconnect.Retrying, err
}

// resolveEndpoint asks discovery where the device is now. Without an
// identity or resolver the configured endpoint is used as is; when discovery
// misses, the configured endpoint is the fallback.
func (s *Supervisor) resolveEndpoint(ctx context.Context, timeout time.Duration) (model.EndpointRef, error) {
	identity := s.Identity()

	if s.opts.Resolver != nil && !identity.IsZero() {
		endpoint, err := s.opts.Resolver.ResolveEndpoint(ctx, identity, timeout)
		if err == nil {
			return endpoint, nil
		}
		if s.opts.Endpoint == "" {
			return "", err
		}
		s.log().Trace("Discovery missed, using configured endpoint", zap.Error(err))
	}

	if s.opts.Endpoint == "" {
		return "", fmt.Errorf("%w: no endpoint for %q", ErrNotConnected, identity)
	}
	return s.opts.Endpoint, nil
}

// install makes transport the current one and moves to OpenUnverified
func (s *Supervisor) install(transport protocol.Transport, endpoint model.EndpointRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrDisposed
	}

	if s.transport != nil && s.transport != transport {
		s.transport.Close()
	}
	s.transport = transport
	s.endpoint = endpoint
	s.transitionLocked(model.StateOpenUnverified)
	return nil
}

// settle waits out the settle period on a confirmed transport, then moves
// to Ready
func (s *Supervisor) settle(ctx context.Context, transport protocol.Transport, d time.Duration) (reconnect.Outcome, error) {
	if d > 0 {
		s.log().Debug("Waiting for device to settle", zap.Duration("settle", d))
	}

	if err := s.sleep(ctx, d); err != nil {
		s.closeTransport()
		s.transition(model.StateClosed)
		return reconnect.Failed, err
	}

	if err := s.markReady(transport); err != nil {
		return reconnect.Failed, err
	}
	return reconnect.Ready, nil
}

// confirm stores the liveness result while still OpenUnverified. The
// identity is learned here when it was not configured and never changes
// afterwards.
func (s *Supervisor) confirm(transport protocol.Transport, info *model.DeviceInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed || s.transport != transport {
		return ErrDisposed
	}

	reported := info.Identity()
	switch {
	case s.identity.IsZero() && !reported.IsZero():
		s.identity = reported
		s.logger.Store(s.log().WithIdentity(reported))
		s.log().Info("Device identity learned", zap.String("endpoint", s.endpoint.String()))
	case !reported.IsZero() && !strings.EqualFold(reported.String(), s.identity.String()):
		return fmt.Errorf("%w: expected %s, got %s", ErrIdentityChange, s.identity, reported)
	}

	s.info = info.Clone()
	s.attempts = 0
	return nil
}

// markReady moves a confirmed transport to Ready
func (s *Supervisor) markReady(transport protocol.Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed || s.transport != transport {
		return ErrDisposed
	}

	s.stats.LastReadyAt = s.clock.Now()
	s.transitionLocked(model.StateReady)

	event := s.eventLocked(model.EventDeviceReady)
	s.events.Publish(event)
	return nil
}

// fail moves to the terminal Failed state
func (s *Supervisor) fail(cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport != nil {
		s.transport.Close()
	}
	s.stats.LastError = cause.Error()
	s.transitionLocked(model.StateFailed)

	return fmt.Errorf("%w: %w", ErrFailed, cause)
}

func (s *Supervisor) closeTransport() {
	s.mu.RLock()
	transport := s.transport
	s.mu.RUnlock()

	if transport != nil {
		transport.Close()
	}
}

func (s *Supervisor) setAttempts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = n
}

func (s *Supervisor) recordFailure(attempt int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts = attempt
	s.stats.FailedAttempts++
	if err != nil {
		s.stats.LastError = err.Error()
	}
}

func (s *Supervisor) transition(to model.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitionLocked(to)
}

// transitionLocked applies a legal state change and publishes it.
// Illegal changes are logged and ignored.
func (s *Supervisor) transitionLocked(to model.ConnectionState) {
	from := s.state
	if from == to || (s.disposed && to != model.StateClosed) {
		return
	}
	if !from.CanTransition(to) {
		s.log().Warn("Illegal state transition ignored",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		return
	}

	s.state = to
	s.stats.LastStateChange = s.clock.Now()
	s.log().LogTransition(from, to, s.endpoint, s.attempts)

	event := s.eventLocked(model.EventStateChanged)
	event.From = from
	event.To = to
	if to == model.StateFailed {
		event.Error = s.stats.LastError
	}
	s.events.Publish(event)
}

func (s *Supervisor) eventLocked(eventType model.EventType) model.LinkEvent {
	event := model.NewLinkEvent(eventType, s.clock.Now())
	event.Identity = s.identity
	event.Endpoint = s.endpoint
	event.Attempt = s.attempts
	return event
}

func (s *Supervisor) publish(eventType model.EventType, err error) {
	s.mu.RLock()
	event := s.eventLocked(eventType)
	s.mu.RUnlock()

	if err != nil {
		event.Error = err.Error()
	}
	s.events.Publish(event)
}

// usable rejects operations on a disposed or failed supervisor
func (s *Supervisor) usable() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.disposed {
		return ErrDisposed
	}
	if s.state == model.StateFailed {
		return ErrFailed
	}
	return nil
}

func (s *Supervisor) readyAndOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == model.StateReady && s.transport != nil && s.transport.IsOpen()
}

// IsInitialized reports whether a transport handle exists. The handle may
// be closed; a guarded write will then reconnect it.
func (s *Supervisor) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.disposed && s.transport != nil
}

// Dispose closes the transport and aborts any running wait. It is safe to
// call before anything was opened and safe to call more than once.
func (s *Supervisor) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return
	}
	s.disposed = true
	close(s.done)

	if s.transport != nil {
		s.transport.Close()
	}
	if !s.state.IsTerminal() {
		s.transitionLocked(model.StateClosed)
	}

	s.log().Debug("Supervisor disposed")
}

// State returns the current connection state
func (s *Supervisor) State() model.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// DeviceInfo returns a copy of the last liveness result, or nil
func (s *Supervisor) DeviceInfo() *model.DeviceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.Clone()
}

// Identity returns the configured or learned device identity
func (s *Supervisor) Identity() model.DeviceIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Endpoint returns the endpoint of the current transport
func (s *Supervisor) Endpoint() model.EndpointRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

// Status returns a point-in-time snapshot of the connection
func (s *Supervisor) Status() model.LinkStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return model.LinkStatus{
		State:       s.state,
		Identity:    s.identity,
		Endpoint:    s.endpoint,
		Initialized: !s.disposed && s.transport != nil,
		TransportUp: s.transport != nil && s.transport.IsOpen(),
		Attempts:    s.attempts,
		DeviceInfo:  s.info.Clone(),
		Stats:       s.stats,
	}
}
