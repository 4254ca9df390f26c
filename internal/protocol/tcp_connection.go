// internal/protocol/tcp_connection.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"device-link/internal/model"
)

// TCPConnection implements Transport for serial devices exposed through a
// network bridge (ser2net and similar raw TCP servers)
type TCPConnection struct {
	config   TransportConfig
	endpoint model.EndpointRef
	dialer   *net.Dialer
	conn     net.Conn
	logger   *zap.Logger
	mutex    sync.RWMutex
	isOpen   bool
	stats    statsRecorder
}

// NewTCPConnection creates a new TCP connection
func NewTCPConnection(endpoint model.EndpointRef, config TransportConfig, logger *zap.Logger) *TCPConnection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TCPConnection{
		config:   config,
		endpoint: endpoint,
		dialer: &net.Dialer{
			Timeout:   config.WriteTimeout,
			KeepAlive: 30 * time.Second,
		},
		logger: logger.With(
			zap.String("protocol", "tcp"),
			zap.String("address", endpoint.Address()),
		),
	}
}

// Open dials the bridge
func (tc *TCPConnection) Open(ctx context.Context) error {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	if tc.isOpen {
		return nil
	}

	tc.logger.Debug("Opening TCP connection")

	conn, err := tc.dialer.DialContext(ctx, "tcp", tc.endpoint.Address())
	if err != nil {
		tc.stats.failed()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		tc.logger.Debug("Failed to open TCP connection", zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrTransportUnavailable, tc.endpoint, err)
	}

	tc.conn = conn
	tc.isOpen = true
	tc.stats.connected(true)

	tc.logger.Info("TCP connection opened successfully")
	return nil
}

// Close closes the TCP connection. It is idempotent and never fails.
func (tc *TCPConnection) Close() error {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	tc.closeLocked()
	return nil
}

func (tc *TCPConnection) closeLocked() {
	if !tc.isOpen || tc.conn == nil {
		return
	}

	if err := tc.conn.Close(); err != nil {
		tc.logger.Warn("Failed to close TCP connection", zap.Error(err))
	}

	tc.conn = nil
	tc.isOpen = false
	tc.stats.connected(false)

	tc.logger.Info("TCP connection closed")
}

func (tc *TCPConnection) drop(conn net.Conn, cause error) {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	if tc.conn != conn {
		return
	}
	tc.logger.Debug("TCP connection dropped", zap.Error(cause))
	tc.closeLocked()
}

// IsOpen returns whether the connection is open
func (tc *TCPConnection) IsOpen() bool {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()
	return tc.isOpen && tc.conn != nil
}

func (tc *TCPConnection) current() (net.Conn, error) {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()

	if !tc.isOpen || tc.conn == nil {
		return nil, ErrNotOpen
	}
	return tc.conn, nil
}

// deadline combines the configured timeout with the context deadline
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (d.IsZero() || ctxDeadline.Before(d)) {
		d = ctxDeadline
	}
	return d
}

// Write writes data to the TCP connection
func (tc *TCPConnection) Write(ctx context.Context, data []byte) error {
	conn, err := tc.current()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	conn.SetWriteDeadline(deadline(ctx, tc.config.WriteTimeout))

	startTime := time.Now()
	n, err := conn.Write(data)
	if err != nil {
		tc.stats.failed()
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("%w: write of %d bytes: %w", ErrTimeout, len(data), err)
		}
		tc.drop(conn, err)
		return fmt.Errorf("%w: write failed: %w", ErrNotOpen, err)
	}

	tc.stats.wrote(n, time.Since(startTime))
	tc.logger.Debug("TCP write completed", zap.Int("bytes", n))
	return nil
}

// Read reads data from the TCP connection
func (tc *TCPConnection) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	conn, err := tc.current()
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(deadline(ctx, tc.config.ReadTimeout))

	buffer := make([]byte, maxBytes)
	n, err := conn.Read(buffer)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: no data within %s", ErrTimeout, tc.config.ReadTimeout)
		}
		tc.stats.failed()
		tc.drop(conn, err)
		return nil, fmt.Errorf("%w: read failed: %w", ErrNotOpen, err)
	}

	result := make([]byte, n)
	copy(result, buffer[:n])
	tc.stats.read(n)
	return result, nil
}

// Endpoint returns the bridge endpoint
func (tc *TCPConnection) Endpoint() model.EndpointRef {
	return tc.endpoint
}

// Stats returns a snapshot of the connection statistics
func (tc *TCPConnection) Stats() ProtocolStats {
	return tc.stats.snapshot()
}
