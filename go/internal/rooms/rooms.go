// Package rooms runs host sessions on the server. Each room pairs a host
// session with the countdown that gates its voting window.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/vsmeter/go/internal/countdown"
	"github.com/mcdev12/vsmeter/go/internal/events"
	"github.com/mcdev12/vsmeter/go/internal/host"
	"github.com/mcdev12/vsmeter/go/internal/peer"
	"github.com/mcdev12/vsmeter/go/internal/roomid"
	"github.com/mcdev12/vsmeter/go/internal/votingconfig"
)

const maxGenerateAttempts = 10

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrRoomExists    = errors.New("room already exists")
	ErrInvalidRoomID = errors.New("invalid room code")
	ErrNoTimer       = errors.New("voting has no countdown")
	ErrTimerRunning  = errors.New("countdown is already running")
	ErrShutdown      = errors.New("room manager is shut down")
)

// VotingLoader resolves voting ids.
type VotingLoader interface {
	Load(ctx context.Context, id string) (votingconfig.Voting, error)
}

// Manager owns every room hosted by this process.
type Manager struct {
	loader    VotingLoader
	network   peer.Network
	publisher events.Publisher
	clock     clockwork.Clock

	mu       sync.RWMutex
	rooms    map[string]*Room
	shutdown bool
}

type Option func(*Manager)

func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithClock sets the clock for countdowns and timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

func NewManager(loader VotingLoader, network peer.Network, opts ...Option) *Manager {
	m := &Manager{
		loader:    loader,
		network:   network,
		publisher: events.Nop{},
		clock:     clockwork.NewRealClock(),
		rooms:     make(map[string]*Room),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Room is a hosted voting room.
type Room struct {
	ID        string
	Voting    votingconfig.Voting
	CreatedAt time.Time

	host  *host.Host
	timer *countdown.Countdown // nil when the voting has no delay

	// startMu keeps concurrent StartTimer calls from both broadcasting.
	startMu sync.Mutex
}

func (r *Room) Host() *host.Host {
	return r.host
}

// TimerInfo describes a room's countdown.
type TimerInfo struct {
	Delay     int  `json:"delay"`
	Remaining int  `json:"remaining"`
	Active    bool `json:"active"`
	Complete  bool `json:"complete"`
}

// Info is the JSON view of a room.
type Info struct {
	host.Snapshot
	CreatedAt time.Time  `json:"createdAt"`
	Timer     *TimerInfo `json:"timer,omitempty"`
}

func (r *Room) Info() Info {
	info := Info{
		Snapshot:  r.host.Snapshot(),
		CreatedAt: r.CreatedAt,
	}
	if r.timer != nil {
		info.Timer = &TimerInfo{
			Delay:     r.timer.Delay(),
			Remaining: r.timer.Remaining(),
			Active:    r.timer.Active(),
			Complete:  r.timer.Complete(),
		}
	}
	return info
}

// Create loads votingID and opens a room for it. An empty roomID gets a
// generated code.
func (m *Manager) Create(ctx context.Context, votingID, roomID string) (*Room, error) {
	voting, err := m.loader.Load(ctx, votingID)
	if err != nil {
		return nil, fmt.Errorf("load voting %s: %w", votingID, err)
	}
	if err := voting.Validate(); err != nil {
		return nil, fmt.Errorf("voting %s: %w", votingID, err)
	}

	roomID = roomid.Normalize(roomID)
	if roomID != "" && !roomid.Valid(roomID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoomID, roomID)
	}

	room, err := m.reserve(voting, roomID)
	if err != nil {
		return nil, err
	}

	if _, err := room.host.Init(ctx, room.ID); err != nil {
		m.release(room)
		return nil, err
	}

	log.Info().
		Str("room_id", room.ID).
		Str("voting_id", voting.ID).
		Int("delay", voting.Delay).
		Msg("room created")
	return room, nil
}

// reserve claims a room code and builds the room under the lock so two
// concurrent creates cannot pick the same code.
func (m *Manager) reserve(voting votingconfig.Voting, roomID string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil, ErrShutdown
	}

	if roomID == "" {
		for i := 0; i < maxGenerateAttempts; i++ {
			candidate := roomid.Generate()
			if _, taken := m.rooms[candidate]; !taken {
				roomID = candidate
				break
			}
		}
		if roomID == "" {
			return nil, fmt.Errorf("%w: could not generate a free code", ErrRoomExists)
		}
	} else if _, taken := m.rooms[roomID]; taken {
		return nil, fmt.Errorf("%w: %s", ErrRoomExists, roomID)
	}

	room := &Room{
		ID:        roomID,
		Voting:    voting,
		CreatedAt: m.clock.Now(),
		host: host.New(voting, m.network,
			host.WithRoomID(roomID),
			host.WithPublisher(m.publisher),
			host.WithClock(m.clock),
		),
	}
	if voting.Delay > 0 {
		h := room.host
		room.timer = countdown.New(voting.Delay,
			countdown.WithClock(m.clock),
			countdown.OnTick(h.BroadcastTimer),
			countdown.OnComplete(func() {
				log.Info().Str("room_id", roomID).Msg("voting window closed")
				h.BroadcastResults()
			}),
		)
	}

	m.rooms[roomID] = room
	return room, nil
}

func (m *Manager) release(room *Room) {
	m.mu.Lock()
	if m.rooms[room.ID] == room {
		delete(m.rooms, room.ID)
	}
	m.mu.Unlock()
	room.teardown()
}

func (r *Room) teardown() {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.host.Destroy()
}

// Get returns the room with the given code.
func (m *Manager) Get(roomID string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomid.Normalize(roomID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	return room, nil
}

// List returns every room, oldest first.
func (m *Manager) List() []*Room {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms
}

// StartTimer opens the voting window: participants get TIMER_START and the
// full remaining time, then a TIMER_UPDATE every second. When the
// countdown completes the results are broadcast.
func (m *Manager) StartTimer(roomID string) error {
	room, err := m.Get(roomID)
	if err != nil {
		return err
	}
	if room.timer == nil {
		return ErrNoTimer
	}

	room.startMu.Lock()
	defer room.startMu.Unlock()
	if room.timer.Active() {
		return ErrTimerRunning
	}

	// Participants see the full window before the first tick can fire.
	room.host.BroadcastTimerStart()
	room.host.BroadcastTimer(room.timer.Delay(), true)
	if !room.timer.Start() {
		return ErrTimerRunning
	}

	log.Info().
		Str("room_id", room.ID).
		Int("delay", room.timer.Delay()).
		Msg("voting window opened")
	return nil
}

// PublishResults broadcasts the current tally. A running countdown is
// finished early, which closes the window and sends the results through
// its completion callback.
func (m *Manager) PublishResults(roomID string) error {
	room, err := m.Get(roomID)
	if err != nil {
		return err
	}
	if room.timer != nil && room.timer.Finish() {
		return nil
	}
	room.host.BroadcastResults()
	return nil
}

// Reset clears the votes, restores the countdown and tells participants
// to start over.
func (m *Manager) Reset(roomID string) error {
	room, err := m.Get(roomID)
	if err != nil {
		return err
	}
	if room.timer != nil {
		room.timer.Reset()
	}
	room.host.Reset()

	log.Info().Str("room_id", room.ID).Msg("room reset")
	return nil
}

// Close destroys the room. Participants see their connection end.
func (m *Manager) Close(roomID string) error {
	m.mu.Lock()
	room, ok := m.rooms[roomid.Normalize(roomID)]
	if ok {
		delete(m.rooms, room.ID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	room.teardown()

	log.Info().Str("room_id", room.ID).Msg("room closed")
	return nil
}

// Shutdown closes every room and refuses new ones.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	for _, room := range rooms {
		room.teardown()
	}
	log.Info().Int("rooms", len(rooms)).Msg("room manager shut down")
}

// IsShutdown reports whether Shutdown has been called.
func (m *Manager) IsShutdown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shutdown
}

// Stats summarises the rooms for the stats endpoint.
func (m *Manager) Stats() map[string]interface{} {
	rooms := m.List()
	participants := 0
	for _, room := range rooms {
		participants += room.host.ParticipantCount()
	}
	return map[string]interface{}{
		"total_rooms":        len(rooms),
		"total_participants": participants,
	}
}
