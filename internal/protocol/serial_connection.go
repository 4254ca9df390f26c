// internal/protocol/serial_connection.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"device-link/internal/model"
)

// readPollInterval is how long Read waits between non-blocking polls
const readPollInterval = 10 * time.Millisecond

type portOpener func(name string, mode *serial.Mode) (serial.Port, error)

// SerialConnection implements Transport for serial ports
type SerialConnection struct {
	config   TransportConfig
	endpoint model.EndpointRef
	openPort portOpener
	port     serial.Port
	logger   *zap.Logger
	mutex    sync.RWMutex
	isOpen   bool
	stats    statsRecorder
}

// NewSerialConnection creates a new serial connection
func NewSerialConnection(endpoint model.EndpointRef, config TransportConfig, logger *zap.Logger) *SerialConnection {
	return newSerialConnection(endpoint, config, logger, serial.Open)
}

func newSerialConnection(endpoint model.EndpointRef, config TransportConfig, logger *zap.Logger, opener portOpener) *SerialConnection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SerialConnection{
		config:   config,
		endpoint: endpoint,
		openPort: opener,
		logger: logger.With(
			zap.String("protocol", "serial"),
			zap.String("port", endpoint.Address()),
		),
	}
}

// Open opens the serial port and switches it to non-blocking reads
func (sc *SerialConnection) Open(ctx context.Context) error {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if sc.isOpen {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	sc.logger.Debug("Opening serial port",
		zap.Int("baud_rate", sc.config.BaudRate),
		zap.String("parity", string(sc.config.Parity)),
	)

	port, err := sc.openPort(sc.endpoint.Address(), sc.mode())
	if err != nil {
		sc.stats.failed()
		sc.logger.Debug("Failed to open serial port", zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrTransportUnavailable, sc.endpoint, describePortError(err))
	}

	// A zero timeout makes Read return immediately, so an empty read means
	// "no data yet" while an error means the port is gone.
	if err := port.SetReadTimeout(0); err != nil {
		port.Close()
		return fmt.Errorf("%w: failed to set read timeout: %w", ErrTransportUnavailable, err)
	}

	sc.port = port
	sc.isOpen = true
	sc.stats.connected(true)

	sc.logger.Info("Serial port opened successfully")
	return nil
}

// mode converts the transport configuration into serial line settings
func (sc *SerialConnection) mode() *serial.Mode {
	mode := &serial.Mode{
		BaudRate: sc.config.BaudRate,
		DataBits: sc.config.DataBits,
		StopBits: serial.OneStopBit,
	}

	if sc.config.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch sc.config.Parity {
	case ParityOdd:
		mode.Parity = serial.OddParity
	case ParityEven:
		mode.Parity = serial.EvenParity
	case ParityMark:
		mode.Parity = serial.MarkParity
	case ParitySpace:
		mode.Parity = serial.SpaceParity
	default:
		mode.Parity = serial.NoParity
	}

	// go.bug.st/serial has no hardware handshake; assert the line the device
	// waits on before it starts talking.
	switch sc.config.FlowControl {
	case FlowControlRTSCTS:
		mode.InitialStatusBits = &serial.ModemOutputBits{RTS: true}
	case FlowControlDTRDSR:
		mode.InitialStatusBits = &serial.ModemOutputBits{DTR: true}
	}

	return mode
}

// describePortError adds the library's error code to the message when present
func describePortError(err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound:
			return fmt.Errorf("device absent: %w", err)
		case serial.PortBusy:
			return fmt.Errorf("endpoint busy: %w", err)
		case serial.PermissionDenied:
			return fmt.Errorf("permission denied: %w", err)
		}
	}
	return err
}

// Close closes the serial port. It is idempotent and never fails.
func (sc *SerialConnection) Close() error {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	sc.closeLocked()
	return nil
}

func (sc *SerialConnection) closeLocked() {
	if !sc.isOpen || sc.port == nil {
		return
	}

	if err := sc.port.Close(); err != nil {
		sc.logger.Warn("Failed to close serial port", zap.Error(err))
	}

	sc.port = nil
	sc.isOpen = false
	sc.stats.connected(false)

	sc.logger.Info("Serial port closed")
}

// drop closes the port after an I/O failure, unless it was already replaced
func (sc *SerialConnection) drop(port serial.Port, cause error) {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if sc.port != port {
		return
	}
	sc.logger.Debug("Serial port dropped", zap.Error(cause))
	sc.closeLocked()
}

// IsOpen returns whether the connection is open
func (sc *SerialConnection) IsOpen() bool {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	return sc.isOpen && sc.port != nil
}

func (sc *SerialConnection) current() (serial.Port, error) {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()

	if !sc.isOpen || sc.port == nil {
		return nil, ErrNotOpen
	}
	return sc.port, nil
}

// Write writes data to the serial port within the configured write timeout
func (sc *SerialConnection) Write(ctx context.Context, data []byte) error {
	port, err := sc.current()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)

	startTime := time.Now()
	go func() {
		n, err := port.Write(data)
		done <- result{n: n, err: err}
	}()

	var timeout <-chan time.Time
	if sc.config.WriteTimeout > 0 {
		timer := time.NewTimer(sc.config.WriteTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-done:
		if res.err != nil {
			sc.stats.failed()
			sc.drop(port, res.err)
			return fmt.Errorf("%w: write failed: %w", ErrNotOpen, res.err)
		}
		if res.n != len(data) {
			sc.stats.failed()
			return fmt.Errorf("incomplete write: wrote %d of %d bytes", res.n, len(data))
		}

		sc.stats.wrote(res.n, time.Since(startTime))
		sc.logger.Debug("Serial write completed", zap.Int("bytes", res.n))
		return nil

	case <-timeout:
		// Closing the port unblocks the stalled write, so its bytes are
		// abandoned and no second write can overlap it.
		sc.stats.failed()
		sc.drop(port, ErrTimeout)
		return fmt.Errorf("%w: write of %d bytes after %s", ErrTimeout, len(data), sc.config.WriteTimeout)

	case <-ctx.Done():
		sc.stats.failed()
		sc.drop(port, ctx.Err())
		return ctx.Err()
	}
}

// Read polls the port until data arrives, the read timeout expires, or ctx is done
func (sc *SerialConnection) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	port, err := sc.current()
	if err != nil {
		return nil, err
	}

	var deadline time.Time
	if sc.config.ReadTimeout > 0 {
		deadline = time.Now().Add(sc.config.ReadTimeout)
	}

	buffer := make([]byte, maxBytes)
	for {
		n, err := port.Read(buffer)
		if err != nil {
			sc.stats.failed()
			sc.drop(port, err)
			return nil, fmt.Errorf("%w: read failed: %w", ErrNotOpen, err)
		}

		if n > 0 {
			result := make([]byte, n)
			copy(result, buffer[:n])
			sc.stats.read(n)
			return result, nil
		}

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: no data within %s", ErrTimeout, sc.config.ReadTimeout)
		}

		timer := time.NewTimer(readPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		if !sc.IsOpen() {
			return nil, ErrNotOpen
		}
	}
}

// Endpoint returns the port this connection talks to
func (sc *SerialConnection) Endpoint() model.EndpointRef {
	return sc.endpoint
}

// Stats returns a snapshot of the connection statistics
func (sc *SerialConnection) Stats() ProtocolStats {
	return sc.stats.snapshot()
}
