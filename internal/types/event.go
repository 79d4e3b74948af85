package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is an instance-level safety event token
type Event string

const (
	// EventNone means nothing to report for the frame
	EventNone Event = ""
	// EventFallen is raised when a tracked person is classified as fallen
	EventFallen Event = "Fallen"
	// EventMovementAlert is raised when an upright person stays still too long
	EventMovementAlert Event = "Movement alert"
)

// FrameMessage is one decoded detection batch as received from the bus
type FrameMessage struct {
	InstanceID string      `json:"instance_id" msgpack:"instance_id"`
	Timestamp  float64     `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"` // seconds; 0 means "use receive time"
	Objects    []Detection `json:"objects" msgpack:"objects"`
}

// Notification is a surfaced event handed to delivery sinks
type Notification struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	Event      Event     `json:"event"`
	Timestamp  float64   `json:"timestamp"` // frame timestamp in seconds
	SurfacedAt time.Time `json:"surfaced_at"`
}

// NewNotification stamps a surfaced event with a fresh id
func NewNotification(instanceID string, event Event, ts float64) Notification {
	return Notification{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		Event:      event,
		Timestamp:  ts,
		SurfacedAt: time.Now().UTC(),
	}
}

// ToJSON converts the notification to JSON bytes
func (n Notification) ToJSON() ([]byte, error) {
	return json.Marshal(n)
}
