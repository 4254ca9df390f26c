// internal/protocol/factory.go
package protocol

import (
	"fmt"

	"go.uber.org/zap"

	"device-link/internal/model"
)

// Factory creates a closed transport for an endpoint
type Factory func(endpoint model.EndpointRef) (Transport, error)

// NewFactory returns a Factory that builds serial or TCP transports with a
// fixed configuration
func NewFactory(config TransportConfig, logger *zap.Logger) Factory {
	return func(endpoint model.EndpointRef) (Transport, error) {
		return NewTransport(endpoint, config, logger)
	}
}

// NewTransport creates a transport based on the endpoint form
func NewTransport(endpoint model.EndpointRef, config TransportConfig, logger *zap.Logger) (Transport, error) {
	if endpoint.Address() == "" {
		return nil, fmt.Errorf("%w: empty endpoint", ErrInvalidConfig)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if endpoint.IsNetwork() {
		return NewTCPConnection(endpoint, config, logger), nil
	}
	return NewSerialConnection(endpoint, config, logger), nil
}
