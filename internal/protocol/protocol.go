// internal/protocol/protocol.go
package protocol

import (
	"context"
	"sync"
	"time"

	"device-link/internal/model"
)

// Transport is a single open/closed byte-stream endpoint to a device
type Transport interface {
	// Open fails with ErrTransportUnavailable when the endpoint cannot be opened
	Open(ctx context.Context) error
	// Close is idempotent and always returns nil; failures are only logged
	Close() error
	// IsOpen is a cheap, non-blocking query
	IsOpen() bool

	// Write fails with ErrNotOpen when closed and ErrTimeout after the write timeout
	Write(ctx context.Context, data []byte) error
	// Read returns available bytes, ErrTimeout when none arrive within the
	// read timeout, or ErrNotOpen when the transport is closed
	Read(ctx context.Context, maxBytes int) ([]byte, error)

	Endpoint() model.EndpointRef
	Stats() ProtocolStats
}

// ProtocolStats provides protocol-level statistics
type ProtocolStats struct {
	BytesWritten   int64         `json:"bytes_written"`
	BytesRead      int64         `json:"bytes_read"`
	OperationCount int64         `json:"operation_count"`
	ErrorCount     int64         `json:"error_count"`
	LastActivity   time.Time     `json:"last_activity"`
	AverageLatency time.Duration `json:"average_latency"`
	IsConnected    bool          `json:"is_connected"`
}

// statsRecorder guards ProtocolStats for concurrent readers
type statsRecorder struct {
	mu    sync.Mutex
	stats ProtocolStats
}

func (r *statsRecorder) snapshot() ProtocolStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *statsRecorder) connected(up bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.IsConnected = up
	if up {
		r.stats.LastActivity = time.Now()
	}
}

func (r *statsRecorder) wrote(n int, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.BytesWritten += int64(n)
	r.stats.OperationCount++
	r.stats.LastActivity = time.Now()
	if r.stats.AverageLatency == 0 {
		r.stats.AverageLatency = latency
	} else {
		r.stats.AverageLatency = (r.stats.AverageLatency + latency) / 2
	}
}

func (r *statsRecorder) read(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.BytesRead += int64(n)
	r.stats.OperationCount++
	r.stats.LastActivity = time.Now()
}

func (r *statsRecorder) failed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.ErrorCount++
}
