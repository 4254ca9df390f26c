// internal/protocol/prober.go
package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"device-link/internal/model"
)

// ErrMalformedInfo is returned when the device answers with something that
// is not a device information line
var ErrMalformedInfo = errors.New("malformed device information")

// DefaultProbeQuery asks the device for its information line
const DefaultProbeQuery = "DEVICE_INFO\n"

const maxInfoLine = 4096

// Prober performs the liveness query against an open transport. A successful
// query proves the device is booted and yields its metadata.
type Prober interface {
	FetchDeviceInfo(ctx context.Context, transport Transport, timeout time.Duration) (*model.DeviceInfo, error)
}

// ProberFunc adapts a function to the Prober interface
type ProberFunc func(ctx context.Context, transport Transport, timeout time.Duration) (*model.DeviceInfo, error)

// FetchDeviceInfo calls f
func (f ProberFunc) FetchDeviceInfo(ctx context.Context, transport Transport, timeout time.Duration) (*model.DeviceInfo, error) {
	return f(ctx, transport, timeout)
}

// LineProber sends a fixed query and expects a single line of
// "Key: Value, Key: Value" pairs in return. Lines without a serial number
// (boot banners, echo) are skipped until the timeout.
type LineProber struct {
	query  []byte
	logger *zap.Logger
}

// NewLineProber creates a prober sending query verbatim
func NewLineProber(query string, logger *zap.Logger) *LineProber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LineProber{
		query:  []byte(query),
		logger: logger.With(zap.String("component", "prober")),
	}
}

// FetchDeviceInfo implements Prober
func (p *LineProber) FetchDeviceInfo(ctx context.Context, transport Transport, timeout time.Duration) (*model.DeviceInfo, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := transport.Write(ctx, p.query); err != nil {
		return nil, fmt.Errorf("send liveness query: %w", err)
	}

	var pending []byte
	for {
		chunk, err := transport.Read(ctx, 256)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: liveness query: %w", ErrTimeout, ctx.Err())
			}
			return nil, fmt.Errorf("read liveness response: %w", err)
		}
		pending = append(pending, chunk...)

		for {
			idx := bytes.IndexByte(pending, '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimSpace(string(pending[:idx]))
			pending = pending[idx+1:]

			info, err := ParseDeviceInfo(line)
			if err != nil {
				p.logger.Debug("Skipping non-info line", zap.String("line", line))
				continue
			}
			return info, nil
		}

		if len(pending) > maxInfoLine {
			return nil, fmt.Errorf("%w: line exceeds %d bytes", ErrMalformedInfo, maxInfoLine)
		}
	}
}

// ParseDeviceInfo parses a "Key: Value, Key: Value" line. Segments without
// a colon are ignored; unknown keys land in Properties.
func ParseDeviceInfo(line string) (*model.DeviceInfo, error) {
	info := &model.DeviceInfo{
		Properties: make(map[string]string),
		FetchedAt:  time.Now(),
	}

	for _, segment := range strings.Split(line, ",") {
		key, value, ok := strings.Cut(segment, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch {
		case key == "model":
			info.Model = value
		case key == "serial number" || key == "serialnumber" || key == "serial_number":
			info.SerialNumber = value
		case key == "firmware version" || key == "firmware":
			info.FirmwareVersion = value
		case strings.HasSuffix(key, "os version"):
			info.OSVersion = value
		case key == "processor":
			info.Processor = value
		case key == "hardware version":
			info.HardwareVersion = value
		case key == "device name":
			info.DeviceName = value
		default:
			info.Properties[key] = value
		}
	}

	if info.SerialNumber == "" {
		return nil, fmt.Errorf("%w: no serial number in %q", ErrMalformedInfo, line)
	}
	return info, nil
}
