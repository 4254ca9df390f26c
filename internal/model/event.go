// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of link event
type EventType string

const (
	EventStateChanged       EventType = "STATE_CHANGED"
	EventDeviceReady        EventType = "DEVICE_READY"
	EventReconnectStarted   EventType = "RECONNECT_STARTED"
	EventReconnectSucceeded EventType = "RECONNECT_SUCCEEDED"
	EventReconnectFailed    EventType = "RECONNECT_FAILED"
	EventWriteFailed        EventType = "WRITE_FAILED"
)

// LinkEvent represents something that happened to a supervised connection
type LinkEvent struct {
	ID        uuid.UUID       `json:"id"`
	Type      EventType       `json:"type"`
	From      ConnectionState `json:"from,omitempty"`
	To        ConnectionState `json:"to,omitempty"`
	Identity  DeviceIdentity  `json:"identity,omitempty"`
	Endpoint  EndpointRef     `json:"endpoint,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewLinkEvent creates an event stamped with a fresh id
func NewLinkEvent(eventType EventType, at time.Time) LinkEvent {
	return LinkEvent{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: at,
	}
}
