package supervisor

import (
	"errors"
	"fmt"
)

// Supervisor errors. Transport-level failures keep their protocol sentinels
// (protocol.ErrTransportUnavailable, protocol.ErrNotOpen, protocol.ErrTimeout).
var (
	ErrNotConnected   = errors.New("device not connected")
	ErrDeviceNotReady = errors.New("device not ready")
	ErrDisposed       = errors.New("supervisor disposed")
	ErrIdentityChange = errors.New("device identity mismatch")

	// ErrFailed marks the terminal state. It matches ErrNotConnected too.
	ErrFailed = fmt.Errorf("%w: reconnect ceiling exceeded", ErrNotConnected)
)
