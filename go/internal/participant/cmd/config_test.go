package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags_Flags(t *testing.T) {
	cfg, err := ParseFlags([]string{
		"-broker", "ws://example.com/peerjs",
		"-room", " abc-123 ",
		"-vote", "Yes",
		"-transport", "relay",
		"-stun", "stun:a:3478,stun:b:3478",
		"-timeout", "2s",
	})
	require.NoError(t, err)

	assert.Equal(t, "ws://example.com/peerjs", cfg.BrokerURL)
	assert.Equal(t, "ABC-123", cfg.RoomID)
	assert.Equal(t, "Yes", cfg.Vote)
	assert.Equal(t, "relay", cfg.Transport)
	assert.Equal(t, []string{"stun:a:3478", "stun:b:3478"}, cfg.ICEURLs)
	assert.Equal(t, 2*time.Second, cfg.ConnectTimeout)
}

func TestParseFlags_EnvVars(t *testing.T) {
	t.Setenv("BROKER_URL", "ws://env/peerjs")
	t.Setenv("PEER_TRANSPORT", "relay")
	t.Setenv("STUN_URLS", "stun:env:3478")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := ParseFlags([]string{"XYZ-789"})
	require.NoError(t, err)

	assert.Equal(t, "ws://env/peerjs", cfg.BrokerURL)
	assert.Equal(t, "relay", cfg.Transport)
	assert.Equal(t, []string{"stun:env:3478"}, cfg.ICEURLs)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "XYZ-789", cfg.RoomID)
}

func TestParseFlags_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("PEER_TRANSPORT", "relay")

	cfg, err := ParseFlags([]string{"-transport", "webrtc", "-room", "XYZ-789"})
	require.NoError(t, err)
	assert.Equal(t, "webrtc", cfg.Transport)
}

func TestParseFlags_Defaults(t *testing.T) {
	t.Setenv("BROKER_URL", "")
	t.Setenv("PEER_TRANSPORT", "")
	t.Setenv("STUN_URLS", "")
	t.Setenv("LOG_LEVEL", "")

	cfg, err := ParseFlags([]string{"-room", "XYZ-789"})
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/peerjs", cfg.BrokerURL)
	assert.Equal(t, "webrtc", cfg.Transport)
	assert.Nil(t, cfg.ICEURLs)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Zero(t, cfg.ConnectTimeout)
}

func TestParseFlags_RoomValidation(t *testing.T) {
	_, err := ParseFlags([]string{})
	assert.Error(t, err)

	_, err = ParseFlags([]string{"-room", "ABCDEF"})
	assert.Error(t, err)
}
