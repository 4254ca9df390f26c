package supervisor

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"device-link/internal/discovery"
	"device-link/internal/model"
	"device-link/internal/protocol"
	"device-link/internal/reconnect"
)

// Defaults for the liveness query and readiness polling
const (
	DefaultInitProbeTimeout  = 5 * time.Second
	DefaultReadyProbeTimeout = 1 * time.Second
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultResolveTimeout    = 2 * time.Second
)

// EventSink receives link events. Publish must not block and must not call
// back into the supervisor.
type EventSink interface {
	Publish(event model.LinkEvent)
}

type nopSink struct{}

func (nopSink) Publish(model.LinkEvent) {}

// Options configures a Supervisor. Either Identity or Endpoint must be set.
type Options struct {
	// Identity is the device serial number. When empty it is learned from
	// the first successful liveness query.
	Identity model.DeviceIdentity
	// Endpoint is used when the resolver cannot place the device
	Endpoint model.EndpointRef

	Transport    protocol.TransportConfig
	NewTransport protocol.Factory
	Resolver     discovery.Resolver
	Prober       protocol.Prober

	Clock  Clock
	Logger *zap.Logger
	Events EventSink

	FastPolicy      reconnect.Policy
	ReconnectPolicy reconnect.Policy

	InitProbeTimeout  time.Duration
	ReadyProbeTimeout time.Duration
	PollInterval      time.Duration
	ResolveTimeout    time.Duration
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = NewClock()
	}
	if o.Events == nil {
		o.Events = nopSink{}
	}
	if o.Transport == (protocol.TransportConfig{}) {
		o.Transport = protocol.DefaultTransportConfig()
	}
	if o.NewTransport == nil {
		o.NewTransport = protocol.NewFactory(o.Transport, o.Logger)
	}
	if o.Prober == nil {
		o.Prober = protocol.NewLineProber(protocol.DefaultProbeQuery, o.Logger)
	}
	if o.FastPolicy == (reconnect.Policy{}) {
		o.FastPolicy = reconnect.Fast()
	}
	if o.ReconnectPolicy == (reconnect.Policy{}) {
		o.ReconnectPolicy = reconnect.Physical()
	}
	if o.InitProbeTimeout <= 0 {
		o.InitProbeTimeout = DefaultInitProbeTimeout
	}
	if o.ReadyProbeTimeout <= 0 {
		o.ReadyProbeTimeout = DefaultReadyProbeTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = DefaultResolveTimeout
	}
}

func (o *Options) validate() error {
	if o.Identity.IsZero() && o.Endpoint == "" {
		return fmt.Errorf("identity or endpoint is required")
	}
	if err := o.FastPolicy.Validate(); err != nil {
		return fmt.Errorf("%s policy: %w", o.FastPolicy.Name, err)
	}
	if err := o.ReconnectPolicy.Validate(); err != nil {
		return fmt.Errorf("%s policy: %w", o.ReconnectPolicy.Name, err)
	}
	return nil
}
