// Package push delivers motion-record change events to interested clients.
// The supervisor broadcasts through the PushSink interface; the SSE
// implementation lives in sse.go and a no-op sink backs tests.
package push

import (
	"github.com/oklog/ulid/v2"

	"github.com/openhaus/nvrd/internal/models"
)

// Event types broadcast by the supervisor.
const (
	EventMovementNew      = "movement_new"
	EventMovementUpdate   = "movement_update"
	EventMovementComplete = "movement_complete"
)

// Event is one pushed change, wrapped in an envelope with a sortable id.
type Event struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Movement *models.Motion `json:"movement,omitempty"`
}

// NewEvent builds an event envelope around a motion record.
func NewEvent(eventType string, movement *models.Motion) Event {
	return Event{
		ID:       ulid.Make().String(),
		Type:     eventType,
		Movement: movement,
	}
}

// PushSink receives motion-record change events. Implementations must not
// block the caller.
type PushSink interface {
	Broadcast(eventType string, movement *models.Motion)
	KeepAlive()
}

// NopSink discards all events.
type NopSink struct{}

// Broadcast implements PushSink.
func (NopSink) Broadcast(string, *models.Motion) {}

// KeepAlive implements PushSink.
func (NopSink) KeepAlive() {}
