// Package participant owns the participant side of a voting room: it
// connects to the host by room code, retries with backoff, sends votes and
// mirrors the state the host broadcasts.
package participant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/vsmeter/go/internal/peer"
	"github.com/mcdev12/vsmeter/go/internal/protocol"
)

// DefaultConnectTimeout bounds a single connection attempt.
const DefaultConnectTimeout = 5 * time.Second

var (
	ErrNotConnected     = errors.New("not connected to host")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	ErrDestroyed        = errors.New("participant has been destroyed")
)

// State is a snapshot of what the participant knows about the room.
type State struct {
	Status           protocol.ConnectionStatus `json:"status"`
	RoomID           string                    `json:"roomId"`
	PeerID           string                    `json:"peerId,omitempty"`
	Vote             string                    `json:"vote,omitempty"`
	Results          map[string]int            `json:"results,omitempty"`
	ParticipantCount int                       `json:"participantCount"`
	VoteCount        int                       `json:"voteCount"`
	TimeRemaining    int                       `json:"timeRemaining"`
	TimerActive      bool                      `json:"timerActive"`
	Attempts         int                       `json:"attempts"`
}

// Participant is the session manager for one participant.
type Participant struct {
	network        peer.Network
	roomID         string
	clock          clockwork.Clock
	connectTimeout time.Duration
	backoff        Backoff
	reconnect      bool
	onChange       func(State)
	onRetry        func(attempt int, delay time.Duration)

	life   context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	status           protocol.ConnectionStatus
	peer             peer.Peer
	conn             peer.Conn
	vote             string
	results          map[string]int
	participantCount int
	voteCount        int
	timeRemaining    int
	timerActive      bool
	attempts         int
	destroyed        bool
}

type Option func(*Participant)

func WithClock(c clockwork.Clock) Option {
	return func(p *Participant) {
		p.clock = c
	}
}

// WithConnectTimeout bounds each connection attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Participant) {
		p.connectTimeout = d
	}
}

func WithBackoff(b Backoff) Option {
	return func(p *Participant) {
		p.backoff = b
	}
}

// WithReconnect controls whether a dropped connection is re-established
// in the background. It is on by default.
func WithReconnect(enabled bool) Option {
	return func(p *Participant) {
		p.reconnect = enabled
	}
}

// OnChange registers fn to receive the state after every change. It is
// called without locks held, from whichever goroutine made the change.
func OnChange(fn func(State)) Option {
	return func(p *Participant) {
		p.onChange = fn
	}
}

// OnRetry registers fn to be told about every scheduled retry.
func OnRetry(fn func(attempt int, delay time.Duration)) Option {
	return func(p *Participant) {
		p.onRetry = fn
	}
}

// New creates a participant for the room with the given code.
func New(network peer.Network, roomID string, opts ...Option) *Participant {
	p := &Participant{
		network:        network,
		roomID:         roomID,
		clock:          clockwork.NewRealClock(),
		connectTimeout: DefaultConnectTimeout,
		backoff:        DefaultBackoff(),
		reconnect:      true,
		status:         protocol.StatusDisconnected,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.life, p.cancel = context.WithCancel(context.Background())
	return p
}

// Connect connects to the host, retrying on failure. It returns nil once
// connected, or ErrRetriesExhausted when the retry budget is spent.
func (p *Participant) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	p.attempts = 0
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.life, cancel)
	defer stop()

	return p.connectLoop(ctx)
}

func (p *Participant) connectLoop(ctx context.Context) error {
	for {
		err := p.attempt(ctx)
		if err == nil {
			return nil
		}

		if p.isDestroyed() {
			return ErrDestroyed
		}
		if ctx.Err() != nil {
			p.setStatus(protocol.StatusDisconnected)
			return ctx.Err()
		}

		p.mu.Lock()
		n := p.attempts
		delay, ok := p.backoff.Next(n)
		if !ok {
			p.status = protocol.StatusError
			p.mu.Unlock()
			p.notify()

			log.Error().
				Err(err).
				Str("room_id", p.roomID).
				Int("attempts", n).
				Msg("giving up connecting to host")
			return fmt.Errorf("%w after %d retries: %w", ErrRetriesExhausted, n, err)
		}
		p.attempts++
		p.mu.Unlock()
		p.notify()

		log.Warn().
			Err(err).
			Str("room_id", p.roomID).
			Int("attempt", n+1).
			Dur("delay", delay).
			Msg("connection to host failed, retrying")
		if p.onRetry != nil {
			p.onRetry(n+1, delay)
		}

		select {
		case <-p.clock.After(delay):
		case <-ctx.Done():
			if p.isDestroyed() {
				return ErrDestroyed
			}
			p.setStatus(protocol.StatusDisconnected)
			return ctx.Err()
		}
	}
}

// attempt makes one connection attempt bounded by the connect timeout.
func (p *Participant) attempt(ctx context.Context) error {
	ctx, cancel := clockwork.WithTimeout(ctx, p.clock, p.connectTimeout)
	defer cancel()

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	stale := p.peer
	p.peer, p.conn = nil, nil
	p.status = protocol.StatusConnecting
	p.mu.Unlock()
	p.notify()

	if stale != nil {
		stale.Close()
	}

	pr, err := p.network.Open(ctx, "")
	if err != nil {
		p.setStatus(protocol.StatusError)
		return fmt.Errorf("open participant peer: %w", err)
	}

	conn, err := pr.Connect(ctx, p.roomID)
	if err != nil {
		pr.Close()
		p.setStatus(protocol.StatusError)
		return fmt.Errorf("connect to room %s: %w", p.roomID, err)
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		conn.Close()
		pr.Close()
		return ErrDestroyed
	}
	p.peer = pr
	p.conn = conn
	p.status = protocol.StatusConnected
	p.attempts = 0
	p.mu.Unlock()

	go p.readLoop(pr, conn)

	log.Info().
		Str("room_id", p.roomID).
		Str("peer_id", pr.ID()).
		Msg("connected to host")

	if err := p.send(conn, protocol.NewRequestState()); err != nil {
		log.Warn().Err(err).Msg("failed to request state")
	}
	p.notify()
	return nil
}

func (p *Participant) readLoop(pr peer.Peer, conn peer.Conn) {
	for {
		select {
		case data := <-conn.Recv():
			msg, err := protocol.Decode(data)
			if err != nil {
				log.Warn().Err(err).Msg("dropping malformed message from host")
				continue
			}
			p.HandleMessage(msg)
		case <-conn.Done():
			p.connectionLost(conn)
			return
		case <-pr.Done():
			p.connectionLost(conn)
			return
		}
	}
}

// connectionLost handles the end of an established connection. Unless the
// participant was destroyed or moved on to another connection, it starts
// reconnecting in the background.
func (p *Participant) connectionLost(conn peer.Conn) {
	p.mu.Lock()
	if p.destroyed || p.conn != conn {
		p.mu.Unlock()
		return
	}
	pr := p.peer
	p.conn, p.peer = nil, nil
	p.status = protocol.StatusDisconnected
	p.attempts = 0
	reconnect := p.reconnect
	p.mu.Unlock()

	conn.Close()
	if pr != nil {
		pr.Close()
	}
	p.notify()

	log.Info().Str("room_id", p.roomID).Msg("connection to host closed")
	if !reconnect {
		return
	}

	go func() {
		if err := p.connectLoop(p.life); err != nil && !errors.Is(err, ErrDestroyed) && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("room_id", p.roomID).Msg("reconnect failed")
		}
	}()
}

// HandleMessage applies a host message to the local state.
func (p *Participant) HandleMessage(msg protocol.Message) {
	p.mu.Lock()
	switch msg.Type {
	case protocol.TypeStateUpdate:
		p.participantCount = msg.ParticipantCount
		p.voteCount = msg.VoteCount

	case protocol.TypeTimerUpdate:
		p.timeRemaining = msg.TimeRemaining
		p.timerActive = msg.IsActive

	case protocol.TypeTimerStart:
		p.timerActive = true

	case protocol.TypeResults:
		p.results = copyResults(msg.Results)
		p.timerActive = false

	case protocol.TypeReset:
		p.vote = ""
		p.results = nil
		p.participantCount = 0
		p.voteCount = 0
		p.timeRemaining = 0
		p.timerActive = false

	default:
		p.mu.Unlock()
		log.Debug().Str("type", string(msg.Type)).Msg("ignoring message")
		return
	}
	p.mu.Unlock()
	p.notify()
}

// Vote sends option to the host: VOTE the first time, VOTE_UPDATE after.
func (p *Participant) Vote(option string) error {
	p.mu.Lock()
	conn, pr := p.conn, p.peer
	if conn == nil || pr == nil || !conn.Open() {
		p.mu.Unlock()
		return ErrNotConnected
	}
	update := p.vote != ""
	p.vote = option
	p.mu.Unlock()

	msg := protocol.NewVote(pr.ID(), option, update, p.clock.Now())
	if err := p.send(conn, msg); err != nil {
		return fmt.Errorf("send vote: %w", err)
	}

	log.Debug().
		Str("room_id", p.roomID).
		Str("vote", option).
		Bool("update", update).
		Msg("vote sent")
	p.notify()
	return nil
}

func (p *Participant) send(conn peer.Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return conn.Send(data)
}

// Destroy cancels any pending retry, closes the connection and the peer
// identity. Idempotent.
func (p *Participant) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	conn, pr := p.conn, p.peer
	p.conn, p.peer = nil, nil
	p.status = protocol.StatusDisconnected
	p.mu.Unlock()

	p.cancel()
	if conn != nil {
		conn.Close()
	}
	if pr != nil {
		pr.Close()
	}
	p.notify()
}

// State returns a snapshot of the local state.
func (p *Participant) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *Participant) stateLocked() State {
	s := State{
		Status:           p.status,
		RoomID:           p.roomID,
		Vote:             p.vote,
		Results:          copyResults(p.results),
		ParticipantCount: p.participantCount,
		VoteCount:        p.voteCount,
		TimeRemaining:    p.timeRemaining,
		TimerActive:      p.timerActive,
		Attempts:         p.attempts,
	}
	if p.peer != nil {
		s.PeerID = p.peer.ID()
	}
	return s
}

func (p *Participant) Status() protocol.ConnectionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// setStatus records status unless the participant was destroyed, which
// pins it to disconnected.
func (p *Participant) setStatus(status protocol.ConnectionStatus) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.status = status
	p.mu.Unlock()
	p.notify()
}

func (p *Participant) isDestroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

func (p *Participant) notify() {
	if p.onChange == nil {
		return
	}
	p.onChange(p.State())
}

func copyResults(results map[string]int) map[string]int {
	if results == nil {
		return nil
	}
	copied := make(map[string]int, len(results))
	for k, v := range results {
		copied[k] = v
	}
	return copied
}
