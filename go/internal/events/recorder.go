package events

import (
	"context"
	"sync"
	"time"

	"github.com/mcdev12/vsmeter/go/internal/protocol"
)

// Recorded is one event captured by a Recorder.
type Recorded struct {
	RoomID  string
	Message protocol.Message
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
	last   time.Time
}

var _ Publisher = (*Recorder)(nil)

func (r *Recorder) Publish(_ context.Context, roomID string, msg protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{RoomID: roomID, Message: msg})
	r.last = time.Now()
	return nil
}

// Stats reports the same counters as JetStreamPublisher.Stats.
func (r *Recorder) Stats() (uint64, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint64(len(r.events)), r.last
}

func (r *Recorder) Connected() bool { return true }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}

// Types returns the message types published so far, in order.
func (r *Recorder) Types() []protocol.MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]protocol.MessageType, len(r.events))
	for i, e := range r.events {
		types[i] = e.Message.Type
	}
	return types
}
