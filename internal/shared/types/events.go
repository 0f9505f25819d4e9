package types

import "time"

// EventType identifies a subsystem notification
type EventType string

const (
	EventStateChange EventType = "state_change"
	EventBootstrap   EventType = "bootstrap"
	EventNewIdentity EventType = "new_identity"
	EventOnion       EventType = "onion_service"
)

// Event is a typed notification delivered to registered subscribers.
// Each event carries the full payload for its type so listeners never
// need to read subsystem state back.
type Event struct {
	Type      EventType     `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	From      DaemonState   `json:"from,omitempty"`
	To        DaemonState   `json:"to,omitempty"`
	Progress  int           `json:"progress,omitempty"`
	Phase     string        `json:"phase,omitempty"`
	Rotations uint64        `json:"rotations,omitempty"`
	Op        string        `json:"op,omitempty"`
	Service   *OnionService `json:"service,omitempty"`
}

// Publisher delivers events to subsystem listeners
type Publisher interface {
	Publish(Event)
}
