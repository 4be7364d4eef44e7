package streaming

import "context"

// StreamEvent is a real-time event emitted while a project advances.
type StreamEvent struct {
	ProjectID string `json:"project_id"`
	Phase     string `json:"phase,omitempty"`
	EventType string `json:"event_type"`
	Payload   any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ProjectID  string   `json:"project_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time project events. Push-channel
// consumers (live dashboards etc.) subscribe here; anything they miss
// they recover from the durable event log by replaying from a timestamp.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
