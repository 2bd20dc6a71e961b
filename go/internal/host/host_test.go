package host

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/vsmeter/go/internal/events"
	"github.com/mcdev12/vsmeter/go/internal/peer"
	"github.com/mcdev12/vsmeter/go/internal/peer/peertest"
	"github.com/mcdev12/vsmeter/go/internal/protocol"
	"github.com/mcdev12/vsmeter/go/internal/roomid"
	"github.com/mcdev12/vsmeter/go/internal/votingconfig"
)

const testRoom = "ABC-123"

var testVoting = votingconfig.Voting{
	ID:       "voting1",
	Question: "Pineapple on pizza?",
	Options: []votingconfig.Option{
		{Label: "Yes"},
		{Label: "No"},
		{Label: "Maybe"},
	},
}

func newHost(t *testing.T, opts ...Option) (*Host, *peertest.Network) {
	t.Helper()
	network := peertest.NewNetwork()
	h := New(testVoting, network, opts...)
	id, err := h.Init(context.Background(), testRoom)
	require.NoError(t, err)
	require.Equal(t, testRoom, id)
	t.Cleanup(h.Destroy)
	return h, network
}

type participant struct {
	t    *testing.T
	peer peer.Peer
	conn peer.Conn
}

func join(t *testing.T, network *peertest.Network, id string) *participant {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := network.Open(ctx, id)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	conn, err := p.Connect(ctx, testRoom)
	require.NoError(t, err)
	return &participant{t: t, peer: p, conn: conn}
}

func (p *participant) send(msg protocol.Message) {
	p.t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.Send(data))
}

func (p *participant) next() protocol.Message {
	p.t.Helper()
	select {
	case data := <-p.conn.Recv():
		msg, err := protocol.Decode(data)
		require.NoError(p.t, err)
		return msg
	case <-time.After(2 * time.Second):
		p.t.Fatal("timed out waiting for message")
		return protocol.Message{}
	}
}

func (p *participant) expectNothing() {
	p.t.Helper()
	select {
	case data := <-p.conn.Recv():
		p.t.Fatalf("unexpected message: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitForParticipants(t *testing.T, h *Host, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.ParticipantCount() == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHost_Init(t *testing.T) {
	h, network := newHost(t)

	assert.Equal(t, protocol.StatusConnected, h.Status())
	assert.Equal(t, testRoom, h.RoomID())
	assert.NotNil(t, network.Peer(testRoom))

	_, err := h.Init(context.Background(), "")
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestHost_InitGeneratesRoomID(t *testing.T) {
	h := New(testVoting, peertest.NewNetwork())
	defer h.Destroy()

	assert.True(t, roomid.Valid(h.RoomID()))

	id, err := h.Init(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, h.RoomID(), id)
}

func TestHost_InitWithConfiguredRoomID(t *testing.T) {
	h := New(testVoting, peertest.NewNetwork(), WithRoomID("XYZ-789"))
	defer h.Destroy()

	id, err := h.Init(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "XYZ-789", id)
}

func TestHost_InitTakenID(t *testing.T) {
	network := peertest.NewNetwork()
	first := New(testVoting, network)
	_, err := first.Init(context.Background(), testRoom)
	require.NoError(t, err)
	defer first.Destroy()

	second := New(testVoting, network)
	_, err = second.Init(context.Background(), testRoom)
	require.Error(t, err)
	assert.ErrorIs(t, err, peer.ErrIDTaken)
	assert.Equal(t, protocol.StatusError, second.Status())
}

func TestHost_VoteBroadcastsState(t *testing.T) {
	h, network := newHost(t)
	alice := join(t, network, "alice")
	bob := join(t, network, "bob")
	waitForParticipants(t, h, 2)

	alice.send(protocol.NewVote("alice", "Yes", false, time.Now()))

	for _, p := range []*participant{alice, bob} {
		msg := p.next()
		assert.Equal(t, protocol.TypeStateUpdate, msg.Type)
		assert.Equal(t, 2, msg.ParticipantCount)
		assert.Equal(t, 1, msg.VoteCount)
	}
}

func TestHost_VoteUpdateOverwrites(t *testing.T) {
	h, network := newHost(t)
	alice := join(t, network, "alice")
	waitForParticipants(t, h, 1)

	alice.send(protocol.NewVote("alice", "Yes", false, time.Now()))
	alice.next()
	alice.send(protocol.NewVote("alice", "No", true, time.Now()))
	msg := alice.next()

	assert.Equal(t, 1, msg.VoteCount)
	assert.Equal(t, map[string]string{"alice": "No"}, h.Votes())
	assert.Equal(t, map[string]int{"Yes": 0, "No": 1, "Maybe": 0}, h.Results())
}

func TestHost_RequestStateRepliesToSenderOnly(t *testing.T) {
	h, network := newHost(t)
	alice := join(t, network, "alice")
	bob := join(t, network, "bob")
	waitForParticipants(t, h, 2)

	alice.send(protocol.NewRequestState())

	msg := alice.next()
	assert.Equal(t, protocol.NewStateUpdate(2, 0), msg)
	bob.expectNothing()
}

func TestHost_DisconnectRemovesParticipantAndVote(t *testing.T) {
	h, network := newHost(t)
	alice := join(t, network, "alice")
	bob := join(t, network, "bob")
	waitForParticipants(t, h, 2)

	alice.send(protocol.NewVote("alice", "Yes", false, time.Now()))
	bob.next()
	require.Equal(t, 1, h.VoteCount())

	require.NoError(t, alice.conn.Close())

	waitForParticipants(t, h, 1)
	assert.Equal(t, 0, h.VoteCount())
	assert.Equal(t, []string{"bob"}, h.Snapshot().Participants)
}

func TestHost_Results(t *testing.T) {
	tests := []struct {
		name  string
		votes map[string]string
		want  map[string]int
	}{
		{
			name:  "no votes",
			votes: map[string]string{},
			want:  map[string]int{"Yes": 0, "No": 0, "Maybe": 0},
		},
		{
			name:  "counts per option",
			votes: map[string]string{"a": "Yes", "b": "Yes", "c": "No"},
			want:  map[string]int{"Yes": 2, "No": 1, "Maybe": 0},
		},
		{
			name:  "unknown labels are ignored",
			votes: map[string]string{"a": "Yes", "b": "Pizza", "c": "yes"},
			want:  map[string]int{"Yes": 1, "No": 0, "Maybe": 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(testVoting, peertest.NewNetwork())
			h.votes = tt.votes
			assert.Equal(t, tt.want, h.Results())
		})
	}
}

func TestHost_BroadcastsTimerAndResults(t *testing.T) {
	recorder := &events.Recorder{}
	h, network := newHost(t, WithPublisher(recorder))
	alice := join(t, network, "alice")
	bob := join(t, network, "bob")
	waitForParticipants(t, h, 2)

	alice.send(protocol.NewVote("alice", "Maybe", false, time.Now()))
	alice.next()
	bob.next()

	h.BroadcastTimerStart()
	h.BroadcastTimer(9, true)
	h.BroadcastResults()

	for _, p := range []*participant{alice, bob} {
		assert.Equal(t, protocol.NewTimerStart(), p.next())
		assert.Equal(t, protocol.NewTimerUpdate(9, true), p.next())

		results := p.next()
		assert.Equal(t, protocol.TypeResults, results.Type)
		assert.Equal(t, map[string]int{"Yes": 0, "No": 0, "Maybe": 1}, results.Results)
		assert.Equal(t, 1, results.TotalVotes)
	}

	assert.Equal(t, []protocol.MessageType{protocol.TypeTimerStart, protocol.TypeResults}, recorder.Types())
	for _, e := range recorder.Events() {
		assert.Equal(t, testRoom, e.RoomID)
	}
}

func TestHost_Reset(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	recorder := &events.Recorder{}
	h, network := newHost(t, WithClock(clock), WithPublisher(recorder))
	alice := join(t, network, "alice")
	waitForParticipants(t, h, 1)

	alice.send(protocol.NewVote("alice", "Yes", false, time.Now()))
	alice.next()

	h.Reset()

	msg := alice.next()
	assert.Equal(t, protocol.TypeReset, msg.Type)
	assert.Equal(t, clock.Now().UnixMilli(), msg.Timestamp)
	assert.Equal(t, 0, h.VoteCount())
	assert.Equal(t, 1, h.ParticipantCount())
	assert.Equal(t, []protocol.MessageType{protocol.TypeReset}, recorder.Types())
}

func TestHost_IgnoresMalformedMessages(t *testing.T) {
	h, network := newHost(t)
	alice := join(t, network, "alice")
	waitForParticipants(t, h, 1)

	require.NoError(t, alice.conn.Send([]byte(`{"type":"NOPE"}`)))
	require.NoError(t, alice.conn.Send([]byte(`not json`)))
	alice.send(protocol.NewRequestState())

	assert.Equal(t, protocol.NewStateUpdate(1, 0), alice.next())
}

func TestHost_Destroy(t *testing.T) {
	h, network := newHost(t)
	alice := join(t, network, "alice")
	waitForParticipants(t, h, 1)

	h.Destroy()
	h.Destroy()

	assert.Equal(t, protocol.StatusDisconnected, h.Status())
	assert.Equal(t, 0, h.ParticipantCount())
	assert.Nil(t, network.Peer(testRoom))

	select {
	case <-alice.conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("participant connection was not closed")
	}

	_, err := h.Init(context.Background(), "")
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestHost_Snapshot(t *testing.T) {
	h, network := newHost(t)
	join(t, network, "bob")
	alice := join(t, network, "alice")
	waitForParticipants(t, h, 2)

	alice.send(protocol.NewVote("alice", "No", false, time.Now()))
	alice.next()

	snap := h.Snapshot()
	assert.Equal(t, testRoom, snap.RoomID)
	assert.Equal(t, "voting1", snap.VotingID)
	assert.Equal(t, "Pineapple on pizza?", snap.Question)
	assert.Equal(t, protocol.StatusConnected, snap.Status)
	assert.Equal(t, []string{"alice", "bob"}, snap.Participants)
	assert.Equal(t, 2, snap.ParticipantCount)
	assert.Equal(t, 1, snap.VoteCount)
	assert.Equal(t, map[string]int{"Yes": 0, "No": 1, "Maybe": 0}, snap.Results)
}
