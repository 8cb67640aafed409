package models

import (
	"fmt"
	"time"
)

// EventType is the closed set of activity samples the bridge accepts.
type EventType string

const (
	EventWindowFocus EventType = "window-focus"
	EventIdle        EventType = "idle"
	EventAFK         EventType = "afk"
	EventHeartbeat   EventType = "heartbeat"
)

// KnownEventTypes lists every event type the bridge forwards. Anything
// outside this set is rejected at ingest.
var KnownEventTypes = map[EventType]bool{
	EventWindowFocus: true,
	EventIdle:        true,
	EventAFK:         true,
	EventHeartbeat:   true,
}

// TelemetrySource identifies how an event reached the bridge.
type TelemetrySource string

const (
	SourceAgentStream TelemetrySource = "agent_stream"
	SourceAgentPoll   TelemetrySource = "agent_poll"
)

// TelemetryEvent is one activity sample from a remote agent.
type TelemetryEvent struct {
	DeviceID string    `json:"device_id"`
	UserID   string    `json:"user_id"`
	Type     EventType `json:"event_type"`

	// OccurredAt is the agent-side timestamp of the sample.
	OccurredAt time.Time `json:"occurred_at"`

	AppName string `json:"app_name,omitempty"`
	Title   string `json:"title,omitempty"`

	DurationSeconds float64 `json:"duration_seconds"`

	// Category is enrichment applied downstream; optional.
	Category string `json:"category,omitempty"`

	Source TelemetrySource `json:"source"`

	// ReceivedAt is set by the bridge when the event is accepted.
	ReceivedAt time.Time `json:"received_at"`
}

// Validate checks the event invariants.
func (e *TelemetryEvent) Validate() error {
	if e.DeviceID == "" || e.UserID == "" {
		return fmt.Errorf("missing device_id or user_id")
	}
	if !KnownEventTypes[e.Type] {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.DurationSeconds < 0 {
		return fmt.Errorf("negative duration for device %s", e.DeviceID)
	}
	if !e.ReceivedAt.IsZero() && e.OccurredAt.After(e.ReceivedAt) {
		return fmt.Errorf("occurred_at after received_at for device %s", e.DeviceID)
	}
	return nil
}

// DedupKey is the natural key the bridge uses to drop duplicate samples.
func (e *TelemetryEvent) DedupKey() string {
	return fmt.Sprintf("%s|%d|%s", e.DeviceID, e.OccurredAt.UnixNano(), e.Type)
}
