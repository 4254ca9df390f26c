// internal/discovery/resolver.go
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"device-link/internal/model"
)

// Discovery errors
var (
	ErrNotFound   = errors.New("device not found")
	ErrNoIdentity = errors.New("device identity unknown")
)

// Resolver maps a stable device identity to its current endpoint
type Resolver interface {
	// ResolveEndpoint returns ErrNotFound when the device is not attached
	ResolveEndpoint(ctx context.Context, identity model.DeviceIdentity, timeout time.Duration) (model.EndpointRef, error)
	Name() string
	IsAvailable() bool
}

// PortLister is implemented by resolvers that can enumerate what they see
type PortLister interface {
	Scan(ctx context.Context) ([]*DiscoveredPort, error)
}

// DiscoveredPort represents an endpoint found during a scan
type DiscoveredPort struct {
	Endpoint     model.EndpointRef `json:"endpoint"`
	Source       string            `json:"source"`
	IsUSB        bool              `json:"is_usb"`
	VID          string            `json:"vid,omitempty"`
	PID          string            `json:"pid,omitempty"`
	SerialNumber string            `json:"serial_number,omitempty"`
}

// Identity returns the device identity the port reports, if any
func (p *DiscoveredPort) Identity() model.DeviceIdentity {
	return model.DeviceIdentity(p.SerialNumber)
}

// Manager tries its resolvers in registration order - Facade Pattern
type Manager struct {
	mu        sync.RWMutex
	resolvers []Resolver
	logger    *zap.Logger
}

// NewManager creates a new resolver manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger: logger.With(zap.String("component", "discovery")),
	}
}

// Register appends a resolver
func (m *Manager) Register(resolver Resolver) {
	m.mu.Lock()
	m.resolvers = append(m.resolvers, resolver)
	m.mu.Unlock()

	m.logger.Info("Resolver registered", zap.String("type", resolver.Name()))
}

// Name implements Resolver
func (m *Manager) Name() string {
	return "manager"
}

// IsAvailable reports whether at least one resolver can run
func (m *Manager) IsAvailable() bool {
	return len(m.AvailableResolvers()) > 0
}

// AvailableResolvers returns the names of usable resolvers
func (m *Manager) AvailableResolvers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var available []string
	for _, r := range m.resolvers {
		if r.IsAvailable() {
			available = append(available, r.Name())
		}
	}
	return available
}

func (m *Manager) snapshot() []Resolver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Resolver(nil), m.resolvers...)
}

// ResolveEndpoint returns the first endpoint any available resolver reports
func (m *Manager) ResolveEndpoint(ctx context.Context, identity model.DeviceIdentity, timeout time.Duration) (model.EndpointRef, error) {
	if identity.IsZero() {
		return "", ErrNoIdentity
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for _, r := range m.snapshot() {
		if !r.IsAvailable() {
			m.logger.Debug("Resolver not available, skipping", zap.String("type", r.Name()))
			continue
		}

		endpoint, err := r.ResolveEndpoint(ctx, identity, timeout)
		if err == nil {
			return endpoint, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrNotFound, identity, ctxErr)
		}
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn("Resolver failed",
				zap.String("type", r.Name()),
				zap.String("device_identity", identity.String()),
				zap.Error(err),
			)
		}
	}

	return "", fmt.Errorf("%w: %s", ErrNotFound, identity)
}

// ScanAll collects ports from every available lister
func (m *Manager) ScanAll(ctx context.Context) ([]*DiscoveredPort, error) {
	var all []*DiscoveredPort

	for _, r := range m.snapshot() {
		lister, ok := r.(PortLister)
		if !ok || !r.IsAvailable() {
			continue
		}

		ports, err := lister.Scan(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return all, ctxErr
			}
			m.logger.Error("Scanner failed", zap.String("type", r.Name()), zap.Error(err))
			continue
		}

		all = append(all, ports...)
		m.logger.Debug("Scanner completed",
			zap.String("type", r.Name()),
			zap.Int("ports_found", len(ports)),
		)
	}

	return all, nil
}

// StaticResolver serves a fixed identity to endpoint table. It covers
// network bridges, which have no enumerable identity.
type StaticResolver struct {
	mu        sync.RWMutex
	endpoints map[string]model.EndpointRef
}

// NewStaticResolver creates an empty static resolver
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{endpoints: make(map[string]model.EndpointRef)}
}

func staticKey(identity model.DeviceIdentity) string {
	return strings.ToLower(strings.TrimSpace(identity.String()))
}

// Set maps identity to endpoint, replacing any previous mapping
func (s *StaticResolver) Set(identity model.DeviceIdentity, endpoint model.EndpointRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[staticKey(identity)] = endpoint
}

// Remove deletes the mapping for identity
func (s *StaticResolver) Remove(identity model.DeviceIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.endpoints, staticKey(identity))
}

// Name implements Resolver
func (s *StaticResolver) Name() string {
	return "static"
}

// IsAvailable implements Resolver
func (s *StaticResolver) IsAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.endpoints) > 0
}

// ResolveEndpoint implements Resolver
func (s *StaticResolver) ResolveEndpoint(ctx context.Context, identity model.DeviceIdentity, _ time.Duration) (model.EndpointRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	endpoint, ok := s.endpoints[staticKey(identity)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, identity)
	}
	return endpoint, nil
}

// Scan lists the configured endpoints
func (s *StaticResolver) Scan(ctx context.Context) ([]*DiscoveredPort, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ports := make([]*DiscoveredPort, 0, len(s.endpoints))
	for identity, endpoint := range s.endpoints {
		ports = append(ports, &DiscoveredPort{
			Endpoint:     endpoint,
			Source:       s.Name(),
			SerialNumber: identity,
		})
	}
	return ports, nil
}
