// internal/discovery/serial/scanner.go - Serial Port Resolver
package serial

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"device-link/internal/discovery"
	"device-link/internal/model"
)

// PortLister enumerates serial ports with their USB details
type PortLister func() ([]*enumerator.PortDetails, error)

// Scanner resolves device identities to serial ports by USB serial number
type Scanner struct {
	logger *zap.Logger
	list   PortLister
}

// NewScanner creates a scanner backed by the operating system's port list
func NewScanner(logger *zap.Logger) *Scanner {
	return NewScannerWithLister(logger, enumerator.GetDetailedPortsList)
}

// NewScannerWithLister creates a scanner with a custom port source
func NewScannerWithLister(logger *zap.Logger, list PortLister) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		logger: logger.With(zap.String("scanner", "serial")),
		list:   list,
	}
}

// Name returns scanner type
func (s *Scanner) Name() string {
	return "serial"
}

// IsAvailable checks if serial scanning is available
func (s *Scanner) IsAvailable() bool {
	return s.list != nil
}

// enumerate runs the lister without outliving ctx. Enumeration on some
// platforms blocks on slow USB hubs.
func (s *Scanner) enumerate(ctx context.Context) ([]*enumerator.PortDetails, error) {
	type result struct {
		ports []*enumerator.PortDetails
		err   error
	}
	done := make(chan result, 1)

	go func() {
		ports, err := s.list()
		done <- result{ports: ports, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("failed to get serial ports: %w", res.err)
		}
		return res.ports, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResolveEndpoint finds the port whose USB serial number matches identity
func (s *Scanner) ResolveEndpoint(ctx context.Context, identity model.DeviceIdentity, timeout time.Duration) (model.EndpointRef, error) {
	if identity.IsZero() {
		return "", discovery.ErrNoIdentity
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ports, err := s.enumerate(ctx)
	if err != nil {
		return "", err
	}

	want := strings.TrimSpace(identity.String())
	for _, port := range ports {
		if port == nil || !port.IsUSB {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(port.SerialNumber), want) {
			s.logger.Debug("Device endpoint resolved",
				zap.String("device_identity", want),
				zap.String("port", port.Name),
			)
			return model.EndpointRef(port.Name), nil
		}
	}

	return "", fmt.Errorf("%w: %s", discovery.ErrNotFound, identity)
}

// Scan lists every serial port currently present
func (s *Scanner) Scan(ctx context.Context) ([]*discovery.DiscoveredPort, error) {
	ports, err := s.enumerate(ctx)
	if err != nil {
		return nil, err
	}

	discovered := make([]*discovery.DiscoveredPort, 0, len(ports))
	for _, port := range ports {
		if port == nil {
			continue
		}
		discovered = append(discovered, &discovery.DiscoveredPort{
			Endpoint:     model.EndpointRef(port.Name),
			Source:       s.Name(),
			IsUSB:        port.IsUSB,
			VID:          port.VID,
			PID:          port.PID,
			SerialNumber: port.SerialNumber,
		})
	}

	s.logger.Debug("Serial scan completed", zap.Int("ports_found", len(discovered)))
	return discovered, nil
}
