// internal/protocol/connection.go
package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Transport errors
var (
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrNotOpen              = errors.New("transport not open")
	ErrTimeout              = errors.New("transport operation timed out")
	ErrInvalidConfig        = errors.New("invalid transport configuration")
)

// Parity represents the serial parity mode
type Parity string

const (
	ParityNone  Parity = "none"
	ParityOdd   Parity = "odd"
	ParityEven  Parity = "even"
	ParityMark  Parity = "mark"
	ParitySpace Parity = "space"
)

// FlowControl represents the serial handshake mode
type FlowControl string

const (
	FlowControlNone   FlowControl = "none"
	FlowControlRTSCTS FlowControl = "rts_cts"
	FlowControlDTRDSR FlowControl = "dtr_dsr"
)

// TransportConfig represents line settings and I/O timeouts. It is fixed
// when a transport is constructed and never mutated afterwards.
type TransportConfig struct {
	BaudRate     int           `json:"baud_rate"`
	DataBits     int           `json:"data_bits"`
	StopBits     int           `json:"stop_bits"`
	Parity       Parity        `json:"parity"`
	FlowControl  FlowControl   `json:"flow_control"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// DefaultTransportConfig returns 115200 8N1 without handshake and 5s timeouts.
// The baud rate is ignored by CDC/ACM devices but must still be valid.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		BaudRate:     115200,
		DataBits:     8,
		StopBits:     1,
		Parity:       ParityNone,
		FlowControl:  FlowControlNone,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Validate validates the transport configuration
func (c TransportConfig) Validate() error {
	validRates := []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}
	valid := false
	for _, rate := range validRates {
		if c.BaudRate == rate {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: baud rate %d", ErrInvalidConfig, c.BaudRate)
	}

	if c.DataBits < 5 || c.DataBits > 8 {
		return fmt.Errorf("%w: data bits %d", ErrInvalidConfig, c.DataBits)
	}

	if c.StopBits != 1 && c.StopBits != 2 {
		return fmt.Errorf("%w: stop bits %d", ErrInvalidConfig, c.StopBits)
	}

	switch c.Parity {
	case ParityNone, ParityOdd, ParityEven, ParityMark, ParitySpace:
	default:
		return fmt.Errorf("%w: parity %q", ErrInvalidConfig, c.Parity)
	}

	switch c.FlowControl {
	case FlowControlNone, FlowControlRTSCTS, FlowControlDTRDSR:
	default:
		return fmt.Errorf("%w: flow control %q", ErrInvalidConfig, c.FlowControl)
	}

	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}

	return nil
}
