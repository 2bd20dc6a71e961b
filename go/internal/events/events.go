// Package events publishes room activity (timer starts, results, resets)
// for consumers outside the peer mesh.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/vsmeter/go/internal/protocol"
)

// Publisher hands a room message to an event sink.
type Publisher interface {
	Publish(ctx context.Context, roomID string, msg protocol.Message) error
}

// Nop discards every event. It is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, protocol.Message) error { return nil }

// Event is the envelope written to the stream.
type Event struct {
	EventID   uuid.UUID        `json:"eventId"`
	EventType string           `json:"eventType"`
	RoomID    string           `json:"roomId"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   protocol.Message `json:"payload"`
}

// NewEvent wraps msg for roomID with a fresh id.
func NewEvent(roomID string, msg protocol.Message, at time.Time) Event {
	return Event{
		EventID:   uuid.New(),
		EventType: string(msg.Type),
		RoomID:    roomID,
		Timestamp: at.UTC(),
		Payload:   msg,
	}
}

func (e Event) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// Subject returns "<prefix>.<room>.<type>". Dots in the room id would add
// subject tokens, so they are replaced.
func Subject(prefix, roomID string, t protocol.MessageType) string {
	room := strings.ReplaceAll(roomID, ".", "_")
	return fmt.Sprintf("%s.%s.%s", prefix, room, t)
}
