package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/vsmeter/go/internal/protocol"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "vsmeter.rooms.ABC-123.RESULTS",
		Subject("vsmeter.rooms", "ABC-123", protocol.TypeResults))
	assert.Equal(t, "vsmeter.rooms.a_b.RESET",
		Subject("vsmeter.rooms", "a.b", protocol.TypeReset))
}

func TestNewEvent_Marshal(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := protocol.NewResults(map[string]int{"Yes": 2, "No": 1}, 3)

	event := NewEvent("ABC-123", msg, at)
	data, err := event.Marshal()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, event.EventID.String(), decoded["eventId"])
	assert.Equal(t, "RESULTS", decoded["eventType"])
	assert.Equal(t, "ABC-123", decoded["roomId"])
	assert.Equal(t, "2025-03-01T12:00:00Z", decoded["timestamp"])

	payload, ok := decoded["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "RESULTS", payload["type"])
	assert.EqualValues(t, 3, payload["totalVotes"])
}

func TestNewEvent_UniqueIDs(t *testing.T) {
	a := NewEvent("ABC-123", protocol.NewTimerStart(), time.Now())
	b := NewEvent("ABC-123", protocol.NewTimerStart(), time.Now())
	assert.NotEqual(t, a.EventID, b.EventID)
}

func TestStreamConfigEqual(t *testing.T) {
	p := &JetStreamPublisher{config: DefaultJetStreamConfig()}
	sc := p.streamConfig()
	assert.Equal(t, []string{"vsmeter.rooms.>"}, sc.Subjects)
	assert.True(t, streamConfigEqual(sc, p.streamConfig()))

	changed := sc
	changed.MaxAge = time.Hour
	assert.False(t, streamConfigEqual(sc, changed))

	moved := sc
	moved.Subjects = []string{"other.>"}
	assert.False(t, streamConfigEqual(sc, moved))

	assert.Equal(t, jetstream.LimitsPolicy, sc.Retention)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	require.NoError(t, r.Publish(context.Background(), "ABC-123", protocol.NewTimerStart()))
	require.NoError(t, r.Publish(context.Background(), "ABC-123", protocol.NewReset(time.Now())))

	assert.Equal(t, []protocol.MessageType{protocol.TypeTimerStart, protocol.TypeReset}, r.Types())
	assert.Len(t, r.Events(), 2)
	assert.NoError(t, Nop{}.Publish(context.Background(), "ABC-123", protocol.NewTimerStart()))
}

type flakyStream struct {
	failures int
	msgIDs   []string
}

func (f *flakyStream) PublishMsg(_ context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.msgIDs = append(f.msgIDs, msg.Header.Get(jetstream.MsgIDHeader))
	if len(f.msgIDs) <= f.failures {
		return nil, errors.New("nats: timeout")
	}
	return &jetstream.PubAck{Stream: "VSMETER_ROOMS", Sequence: uint64(len(f.msgIDs))}, nil
}

func newTestPublisher(stream msgPublisher) *JetStreamPublisher {
	cfg := DefaultJetStreamConfig()
	cfg.RetryDelay = time.Millisecond
	return &JetStreamPublisher{pub: stream, config: cfg}
}

func TestJetStreamPublisher_RetriesWithSameMsgID(t *testing.T) {
	stream := &flakyStream{failures: 2}
	p := newTestPublisher(stream)

	require.NoError(t, p.Publish(context.Background(), "ABC-123", protocol.NewTimerStart()))

	require.Len(t, stream.msgIDs, 3)
	assert.NotEmpty(t, stream.msgIDs[0])
	assert.Equal(t, stream.msgIDs[0], stream.msgIDs[1])
	assert.Equal(t, stream.msgIDs[0], stream.msgIDs[2])

	published, last := p.Stats()
	assert.Equal(t, uint64(1), published)
	assert.False(t, last.IsZero())

	// A new event gets a new id.
	require.NoError(t, p.Publish(context.Background(), "ABC-123", protocol.NewTimerStart()))
	assert.NotEqual(t, stream.msgIDs[0], stream.msgIDs[3])
}

func TestJetStreamPublisher_GivesUp(t *testing.T) {
	stream := &flakyStream{failures: 100}
	p := newTestPublisher(stream)

	err := p.Publish(context.Background(), "ABC-123", protocol.NewReset(time.Now()))
	require.Error(t, err)
	assert.Len(t, stream.msgIDs, DefaultJetStreamConfig().MaxRetries+1)

	published, _ := p.Stats()
	assert.Zero(t, published)
}
