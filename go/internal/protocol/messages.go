// Package protocol defines the JSON messages exchanged between a host and
// its participants over a peer data channel.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType discriminates a Message.
type MessageType string

const (
	TypeVote         MessageType = "VOTE"
	TypeVoteUpdate   MessageType = "VOTE_UPDATE"
	TypeRequestState MessageType = "REQUEST_STATE"
	TypeStateUpdate  MessageType = "STATE_UPDATE"
	TypeTimerStart   MessageType = "TIMER_START"
	TypeTimerUpdate  MessageType = "TIMER_UPDATE"
	TypeResults      MessageType = "RESULTS"
	TypeReset        MessageType = "RESET"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeVote, TypeVoteUpdate, TypeRequestState, TypeStateUpdate,
		TypeTimerStart, TypeTimerUpdate, TypeResults, TypeReset:
		return true
	}
	return false
}

// ConnectionStatus is the lifecycle state of a session.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMissingType = errors.New("message type is required")
)

// Message is the flat envelope {type, ...fields}. Which fields are set
// depends on Type.
type Message struct {
	Type MessageType `json:"type"`

	// VOTE, VOTE_UPDATE
	PeerID string `json:"peerId,omitempty"`
	Vote   string `json:"vote,omitempty"`

	// VOTE, VOTE_UPDATE, RESET; milliseconds since the Unix epoch
	Timestamp int64 `json:"timestamp,omitempty"`

	// STATE_UPDATE
	ParticipantCount int `json:"participantCount,omitempty"`
	VoteCount        int `json:"voteCount,omitempty"`

	// TIMER_UPDATE
	TimeRemaining int  `json:"timeRemaining,omitempty"`
	IsActive      bool `json:"isActive,omitempty"`

	// RESULTS
	Results    map[string]int `json:"results,omitempty"`
	TotalVotes int            `json:"totalVotes,omitempty"`
}

// Encode marshals a message for the wire.
func Encode(msg Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, ErrMissingType
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}
	return data, nil
}

// Decode parses a wire message and rejects unknown types.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, ErrMissingType
	}
	if !msg.Type.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return msg, nil
}

// Millis converts t to the timestamp representation used on the wire.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// NewVote builds the message a participant sends for its first vote
// (update=false) or any later change (update=true).
func NewVote(peerID, option string, update bool, at time.Time) Message {
	t := TypeVote
	if update {
		t = TypeVoteUpdate
	}
	return Message{
		Type:      t,
		PeerID:    peerID,
		Vote:      option,
		Timestamp: Millis(at),
	}
}

func NewRequestState() Message {
	return Message{Type: TypeRequestState}
}

func NewStateUpdate(participantCount, voteCount int) Message {
	return Message{
		Type:             TypeStateUpdate,
		ParticipantCount: participantCount,
		VoteCount:        voteCount,
	}
}

func NewTimerStart() Message {
	return Message{Type: TypeTimerStart}
}

func NewTimerUpdate(timeRemaining int, isActive bool) Message {
	return Message{
		Type:          TypeTimerUpdate,
		TimeRemaining: timeRemaining,
		IsActive:      isActive,
	}
}

// NewResults copies results so later tallies do not mutate a message that
// is still being sent.
func NewResults(results map[string]int, totalVotes int) Message {
	copied := make(map[string]int, len(results))
	for label, count := range results {
		copied[label] = count
	}
	return Message{
		Type:       TypeResults,
		Results:    copied,
		TotalVotes: totalVotes,
	}
}

func NewReset(at time.Time) Message {
	return Message{
		Type:      TypeReset,
		Timestamp: Millis(at),
	}
}
