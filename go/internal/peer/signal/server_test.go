package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/vsmeter/go/internal/peer"
)

func startBroker(t *testing.T) (*Server, string) {
	t.Helper()

	srv := NewServer(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Start(ctx)

	httpSrv := httptest.NewServer(http.HandlerFunc(srv.HandlePeer))
	t.Cleanup(func() {
		httpSrv.Close()
		cancel()
	})

	return srv, "ws" + strings.TrimPrefix(httpSrv.URL, "http")
}

func dial(t *testing.T, url, id string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, url, id)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func nextFrame(t *testing.T, c *Client) Frame {
	t.Helper()
	select {
	case f := <-c.Frames():
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func TestDial_AssignsID(t *testing.T) {
	srv, url := startBroker(t)

	c := dial(t, url, "")

	require.NotEmpty(t, c.ID())
	assert.Eventually(t, func() bool { return srv.Registered(c.ID()) }, time.Second, 10*time.Millisecond)
}

func TestDial_IDTaken(t *testing.T) {
	_, url := startBroker(t)

	dial(t, url, "ABC-123")

	_, err := Dial(context.Background(), url, "ABC-123")
	assert.ErrorIs(t, err, peer.ErrIDTaken)
}

func TestServer_RoutesFrames(t *testing.T) {
	_, url := startBroker(t)

	host := dial(t, url, "ABC-123")
	guest := dial(t, url, "")

	payload := json.RawMessage(`{"hello":"host"}`)
	require.NoError(t, guest.Send(Frame{
		Type:         FrameData,
		Dst:          host.ID(),
		ConnectionID: "c1",
		Payload:      payload,
	}))

	got := nextFrame(t, host)
	assert.Equal(t, FrameData, got.Type)
	assert.Equal(t, guest.ID(), got.Src)
	assert.Equal(t, "c1", got.ConnectionID)
	assert.JSONEq(t, string(payload), string(got.Payload))
}

func TestServer_SourceIsRewritten(t *testing.T) {
	_, url := startBroker(t)

	host := dial(t, url, "ABC-123")
	guest := dial(t, url, "")

	require.NoError(t, guest.Send(Frame{Type: FrameConnect, Src: "spoofed", Dst: host.ID()}))

	assert.Equal(t, guest.ID(), nextFrame(t, host).Src)
}

func TestServer_ExpireForUnknownDestination(t *testing.T) {
	_, url := startBroker(t)

	guest := dial(t, url, "")
	require.NoError(t, guest.Send(Frame{Type: FrameOffer, Dst: "ZZZ-999", ConnectionID: "c1"}))

	got := nextFrame(t, guest)
	assert.Equal(t, FrameExpire, got.Type)
	assert.Equal(t, "ZZZ-999", got.Src)
	assert.Equal(t, "c1", got.ConnectionID)
}

func TestServer_LeaveNotifiesContacts(t *testing.T) {
	srv, url := startBroker(t)

	host := dial(t, url, "ABC-123")
	guest := dial(t, url, "")

	require.NoError(t, guest.Send(Frame{Type: FrameConnect, Dst: host.ID()}))
	nextFrame(t, host)

	guestID := guest.ID()
	require.NoError(t, guest.Close())

	got := nextFrame(t, host)
	assert.Equal(t, FrameLeave, got.Type)
	assert.Equal(t, guestID, got.Src)
	assert.Eventually(t, func() bool { return !srv.Registered(guestID) }, time.Second, 10*time.Millisecond)
}

func TestServer_RejectsUnroutableFrames(t *testing.T) {
	_, url := startBroker(t)

	guest := dial(t, url, "")
	require.NoError(t, guest.Send(Frame{Type: FrameOpen, Dst: "ABC-123"}))

	got := nextFrame(t, guest)
	assert.Equal(t, FrameError, got.Type)
}

func TestServer_IDReusableAfterLeave(t *testing.T) {
	srv, url := startBroker(t)

	first, err := Dial(context.Background(), url, "ABC-123")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool { return !srv.Registered("ABC-123") }, time.Second, 10*time.Millisecond)
	dial(t, url, "ABC-123")
}
