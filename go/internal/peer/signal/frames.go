// Package signal implements the signaling broker peers register with and
// the client side of its WebSocket protocol. The broker only routes
// frames between registered ids; transports decide what the frames mean.
package signal

import "encoding/json"

// FrameType discriminates a Frame.
type FrameType string

const (
	// Broker → client
	FrameOpen    FrameType = "OPEN"     // registration accepted, Dst carries the id
	FrameIDTaken FrameType = "ID-TAKEN" // requested id already registered
	FrameExpire  FrameType = "EXPIRE"   // Src is not registered
	FrameLeave   FrameType = "LEAVE"    // Src disconnected from the broker
	FrameError   FrameType = "ERROR"    // malformed frame, Payload holds a message

	// Client ↔ client, routed by Dst
	FrameOffer   FrameType = "OFFER"
	FrameAnswer  FrameType = "ANSWER"
	FrameConnect FrameType = "CONNECT"
	FrameAccept  FrameType = "ACCEPT"
	FrameData    FrameType = "DATA"
	FrameClose   FrameType = "CLOSE"
)

// Frame is the unit of the broker protocol.
type Frame struct {
	Type         FrameType       `json:"type"`
	Src          string          `json:"src,omitempty"`
	Dst          string          `json:"dst,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// routable reports whether clients may send t to another client.
func (t FrameType) routable() bool {
	switch t {
	case FrameOffer, FrameAnswer, FrameConnect, FrameAccept, FrameData, FrameClose:
		return true
	}
	return false
}

func errorFrame(msg string) Frame {
	payload, _ := json.Marshal(msg)
	return Frame{Type: FrameError, Payload: payload}
}
