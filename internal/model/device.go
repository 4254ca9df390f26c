// internal/model/device.go
package model

import (
	"strings"
	"time"
)

// DeviceIdentity is the stable identifier of a physical device (its serial
// number). It survives USB re-enumeration even though the endpoint does not.
type DeviceIdentity string

// IsZero reports whether the identity has not been learned yet
func (id DeviceIdentity) IsZero() bool {
	return strings.TrimSpace(string(id)) == ""
}

func (id DeviceIdentity) String() string {
	return string(id)
}

// EndpointRef is a concrete transport endpoint: a serial port path such as
// /dev/ttyACM0 or COM3, or a tcp://host:port serial bridge.
type EndpointRef string

const networkScheme = "tcp://"

// IsNetwork reports whether the endpoint refers to a serial-over-TCP bridge
func (e EndpointRef) IsNetwork() bool {
	return strings.HasPrefix(strings.ToLower(string(e)), networkScheme)
}

// Address returns the dialable address (network) or port name (serial)
func (e EndpointRef) Address() string {
	if e.IsNetwork() {
		return string(e)[len(networkScheme):]
	}
	return string(e)
}

func (e EndpointRef) String() string {
	return string(e)
}

// DeviceInfo is the metadata returned by the device's liveness query.
// It is replaced wholesale on every successful readiness confirmation.
type DeviceInfo struct {
	Model           string            `json:"model"`
	SerialNumber    string            `json:"serial_number"`
	FirmwareVersion string            `json:"firmware_version,omitempty"`
	OSVersion       string            `json:"os_version,omitempty"`
	Processor       string            `json:"processor,omitempty"`
	HardwareVersion string            `json:"hardware_version,omitempty"`
	DeviceName      string            `json:"device_name,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`
	FetchedAt       time.Time         `json:"fetched_at"`
}

// Identity returns the device identity carried by the info
func (d *DeviceInfo) Identity() DeviceIdentity {
	if d == nil {
		return ""
	}
	return DeviceIdentity(d.SerialNumber)
}

// Clone returns a deep copy so callers never alias supervisor-owned state
func (d *DeviceInfo) Clone() *DeviceInfo {
	if d == nil {
		return nil
	}
	c := *d
	if d.Properties != nil {
		c.Properties = make(map[string]string, len(d.Properties))
		for k, v := range d.Properties {
			c.Properties[k] = v
		}
	}
	return &c
}

// LinkStats provides connection-level statistics
type LinkStats struct {
	BytesWritten    int64     `json:"bytes_written"`
	Writes          int64     `json:"writes"`
	WriteErrors     int64     `json:"write_errors"`
	Reconnects      int64     `json:"reconnects"`
	FailedAttempts  int64     `json:"failed_attempts"`
	LastError       string    `json:"last_error,omitempty"`
	LastReadyAt     time.Time `json:"last_ready_at"`
	LastStateChange time.Time `json:"last_state_change"`
}

// LinkStatus is a point-in-time snapshot of a supervised connection
type LinkStatus struct {
	State       ConnectionState `json:"state"`
	Identity    DeviceIdentity  `json:"identity,omitempty"`
	Endpoint    EndpointRef     `json:"endpoint,omitempty"`
	Initialized bool            `json:"initialized"`
	TransportUp bool            `json:"transport_open"`
	Attempts    int             `json:"attempts"`
	DeviceInfo  *DeviceInfo     `json:"device_info,omitempty"`
	Stats       LinkStats       `json:"stats"`
}
