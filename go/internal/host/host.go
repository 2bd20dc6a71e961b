// Package host owns the host side of a voting room: it holds the room's
// peer identity, tracks one connection and at most one vote per
// participant, and broadcasts aggregate state, timer events and results.
package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/vsmeter/go/internal/events"
	"github.com/mcdev12/vsmeter/go/internal/peer"
	"github.com/mcdev12/vsmeter/go/internal/protocol"
	"github.com/mcdev12/vsmeter/go/internal/roomid"
	"github.com/mcdev12/vsmeter/go/internal/votingconfig"
)

const publishTimeout = 5 * time.Second

var (
	ErrAlreadyInitialized = errors.New("host is already initialized")
	ErrDestroyed          = errors.New("host has been destroyed")
)

// Host is the session manager for one voting room.
type Host struct {
	voting    votingconfig.Voting
	network   peer.Network
	publisher events.Publisher
	clock     clockwork.Clock

	mu        sync.RWMutex
	roomID    string
	status    protocol.ConnectionStatus
	peer      peer.Peer
	conns     map[string]peer.Conn // by participant peer id
	votes     map[string]string    // participant peer id -> option label
	destroyed bool
}

// Option configures a Host.
type Option func(*Host)

// WithRoomID sets the room code used when Init is called without one.
func WithRoomID(id string) Option {
	return func(h *Host) {
		h.roomID = id
	}
}

// WithPublisher hands TIMER_START, RESULTS and RESET broadcasts to p.
func WithPublisher(p events.Publisher) Option {
	return func(h *Host) {
		h.publisher = p
	}
}

// WithClock sets the clock used for message timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(h *Host) {
		h.clock = c
	}
}

// New creates a host for voting on network. Without WithRoomID the room
// code is generated.
func New(voting votingconfig.Voting, network peer.Network, opts ...Option) *Host {
	h := &Host{
		voting:    voting,
		network:   network,
		publisher: events.Nop{},
		clock:     clockwork.NewRealClock(),
		status:    protocol.StatusDisconnected,
		conns:     make(map[string]peer.Conn),
		votes:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.roomID == "" {
		h.roomID = roomid.Generate()
	}
	return h
}

// Init opens the room's peer identity and starts accepting participants.
// A non-empty roomID replaces the code chosen at construction. It returns
// the registered id.
func (h *Host) Init(ctx context.Context, roomID string) (string, error) {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return "", ErrDestroyed
	}
	if h.peer != nil {
		h.mu.Unlock()
		return "", ErrAlreadyInitialized
	}
	if roomID != "" {
		h.roomID = roomID
	}
	id := h.roomID
	h.status = protocol.StatusConnecting
	h.mu.Unlock()

	p, err := h.network.Open(ctx, id)
	if err != nil {
		h.setStatus(protocol.StatusError)
		return "", fmt.Errorf("open host peer %s: %w", id, err)
	}

	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		p.Close()
		return "", ErrDestroyed
	}
	h.peer = p
	h.roomID = p.ID()
	h.status = protocol.StatusConnected
	h.mu.Unlock()

	go h.acceptLoop(p)

	log.Info().
		Str("room_id", p.ID()).
		Str("voting_id", h.voting.ID).
		Msg("host peer opened")
	return p.ID(), nil
}

func (h *Host) acceptLoop(p peer.Peer) {
	for {
		select {
		case conn := <-p.Incoming():
			h.addConn(conn)
			go h.readLoop(conn)
		case <-p.Done():
			h.mu.Lock()
			if h.peer == p && !h.destroyed {
				h.status = protocol.StatusError
				log.Warn().Str("room_id", h.roomID).Msg("host peer lost")
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Host) addConn(conn peer.Conn) {
	h.mu.Lock()
	previous := h.conns[conn.RemoteID()]
	h.conns[conn.RemoteID()] = conn
	count := len(h.conns)
	h.mu.Unlock()

	if previous != nil && previous != conn {
		previous.Close()
	}

	log.Info().
		Str("room_id", h.RoomID()).
		Str("participant_id", conn.RemoteID()).
		Int("participant_count", count).
		Msg("participant connected")
}

// removeConn forgets a closed connection and the participant's vote. A
// connection that was already replaced by a newer one is ignored.
func (h *Host) removeConn(conn peer.Conn) {
	h.mu.Lock()
	if h.conns[conn.RemoteID()] != conn {
		h.mu.Unlock()
		return
	}
	delete(h.conns, conn.RemoteID())
	delete(h.votes, conn.RemoteID())
	h.mu.Unlock()

	log.Info().
		Str("room_id", h.RoomID()).
		Str("participant_id", conn.RemoteID()).
		Msg("participant disconnected")
}

func (h *Host) readLoop(conn peer.Conn) {
	defer h.removeConn(conn)

	for {
		select {
		case data := <-conn.Recv():
			msg, err := protocol.Decode(data)
			if err != nil {
				log.Warn().
					Err(err).
					Str("participant_id", conn.RemoteID()).
					Msg("dropping malformed message")
				continue
			}
			h.handleMessage(conn.RemoteID(), msg)
		case <-conn.Done():
			return
		}
	}
}

func (h *Host) handleMessage(peerID string, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeVote, protocol.TypeVoteUpdate:
		h.mu.Lock()
		if _, connected := h.conns[peerID]; !connected {
			h.mu.Unlock()
			return
		}
		h.votes[peerID] = msg.Vote
		h.mu.Unlock()

		log.Debug().
			Str("participant_id", peerID).
			Str("vote", msg.Vote).
			Str("type", string(msg.Type)).
			Msg("vote recorded")
		h.BroadcastState()

	case protocol.TypeRequestState:
		h.sendStateTo(peerID)

	default:
		log.Debug().
			Str("participant_id", peerID).
			Str("type", string(msg.Type)).
			Msg("ignoring message")
	}
}

// BroadcastState sends STATE_UPDATE to every open connection.
func (h *Host) BroadcastState() {
	h.broadcast(protocol.NewStateUpdate(h.ParticipantCount(), h.VoteCount()))
}

func (h *Host) sendStateTo(peerID string) {
	h.mu.RLock()
	conn := h.conns[peerID]
	msg := protocol.NewStateUpdate(len(h.conns), len(h.votes))
	h.mu.RUnlock()

	if conn == nil || !conn.Open() {
		return
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode state")
		return
	}
	if err := conn.Send(data); err != nil {
		log.Warn().Err(err).Str("participant_id", peerID).Msg("failed to send state")
	}
}

// BroadcastTimerStart announces that the voting window opened.
func (h *Host) BroadcastTimerStart() {
	msg := protocol.NewTimerStart()
	h.broadcast(msg)
	h.publish(msg)
}

// BroadcastTimer sends the countdown position.
func (h *Host) BroadcastTimer(remaining int, active bool) {
	h.broadcast(protocol.NewTimerUpdate(remaining, active))
}

// BroadcastResults sends the current tally and the number of votes cast.
func (h *Host) BroadcastResults() {
	h.mu.RLock()
	results := h.resultsLocked()
	total := len(h.votes)
	h.mu.RUnlock()

	msg := protocol.NewResults(results, total)
	h.broadcast(msg)
	h.publish(msg)

	log.Info().
		Str("room_id", h.RoomID()).
		Int("total_votes", total).
		Msg("results broadcast")
}

// Reset clears every vote and tells participants to start over.
func (h *Host) Reset() {
	h.mu.Lock()
	h.votes = make(map[string]string)
	h.mu.Unlock()

	msg := protocol.NewReset(h.clock.Now())
	h.broadcast(msg)
	h.publish(msg)
}

// Results tallies recorded votes per configured option. Every option is
// present, and votes for labels that are not options are not counted.
func (h *Host) Results() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.resultsLocked()
}

func (h *Host) resultsLocked() map[string]int {
	results := make(map[string]int, len(h.voting.Options))
	for _, option := range h.voting.Options {
		results[option.Label] = 0
	}
	for _, vote := range h.votes {
		if _, ok := results[vote]; ok {
			results[vote]++
		}
	}
	return results
}

// Destroy closes the peer identity and forgets every participant.
// Idempotent.
func (h *Host) Destroy() {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	h.destroyed = true
	p := h.peer
	h.peer = nil
	h.conns = make(map[string]peer.Conn)
	h.votes = make(map[string]string)
	h.status = protocol.StatusDisconnected
	h.mu.Unlock()

	if p != nil {
		p.Close()
	}
	log.Info().Str("room_id", h.RoomID()).Msg("host destroyed")
}

func (h *Host) broadcast(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("type", string(msg.Type)).Msg("failed to encode broadcast")
		return
	}

	h.mu.RLock()
	conns := make([]peer.Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if !conn.Open() {
			continue
		}
		if err := conn.Send(data); err != nil {
			log.Warn().
				Err(err).
				Str("participant_id", conn.RemoteID()).
				Str("type", string(msg.Type)).
				Msg("failed to send broadcast")
		}
	}
}

func (h *Host) publish(msg protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := h.publisher.Publish(ctx, h.RoomID(), msg); err != nil {
		log.Error().
			Err(err).
			Str("room_id", h.RoomID()).
			Str("type", string(msg.Type)).
			Msg("failed to publish room event")
	}
}

func (h *Host) setStatus(status protocol.ConnectionStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
}

func (h *Host) RoomID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.roomID
}

func (h *Host) Voting() votingconfig.Voting {
	return h.voting
}

func (h *Host) Status() protocol.ConnectionStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *Host) ParticipantCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Host) VoteCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.votes)
}

// Votes returns a copy of the recorded votes by participant id.
func (h *Host) Votes() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	votes := make(map[string]string, len(h.votes))
	for id, vote := range h.votes {
		votes[id] = vote
	}
	return votes
}

// Snapshot is a point-in-time view of a host session.
type Snapshot struct {
	RoomID           string                    `json:"roomId"`
	VotingID         string                    `json:"votingId"`
	Question         string                    `json:"question"`
	Status           protocol.ConnectionStatus `json:"status"`
	Participants     []string                  `json:"participants"`
	ParticipantCount int                       `json:"participantCount"`
	VoteCount        int                       `json:"voteCount"`
	Results          map[string]int            `json:"results"`
}

func (h *Host) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	participants := make([]string, 0, len(h.conns))
	for id := range h.conns {
		participants = append(participants, id)
	}
	sort.Strings(participants)

	return Snapshot{
		RoomID:           h.roomID,
		VotingID:         h.voting.ID,
		Question:         h.voting.Question,
		Status:           h.status,
		Participants:     participants,
		ParticipantCount: len(h.conns),
		VoteCount:        len(h.votes),
		Results:          h.resultsLocked(),
	}
}
