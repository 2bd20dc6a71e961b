package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/vsmeter/go/internal/peer/transport"
	"github.com/mcdev12/vsmeter/go/internal/votingconfig"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "VOTINGS_DIR", "VOTINGS_URL", "PEER_TRANSPORT", "BROKER_URL",
		"PUBLIC_BROKER_URL", "STUN_URLS", "NATS_URL", "NATS_STREAM",
		"NATS_SUBJECT_PREFIX", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	config, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, config.Port)
	assert.Equal(t, "votings", config.VotingsDir)
	assert.Empty(t, config.VotingsURL)
	assert.Equal(t, transport.KindWebRTC, config.Transport)
	assert.Equal(t, "ws://127.0.0.1:8080/peerjs", config.BrokerURL)
	assert.Equal(t, transport.DefaultSTUN, config.ICEURLs)
	assert.Empty(t, config.NATSURL)
	assert.Equal(t, "VSMETER_ROOMS", config.NATSStream)
	assert.Equal(t, "info", config.LogLevel)

	assert.IsType(t, &votingconfig.DirSource{}, votingSource(config))
}

func TestLoadConfig_FromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("VOTINGS_URL", "https://votings.example.com")
	t.Setenv("PEER_TRANSPORT", "Relay")
	t.Setenv("STUN_URLS", "stun:a.example.com:3478, stun:b.example.com:3478")
	t.Setenv("NATS_URL", "nats://nats:4222")
	t.Setenv("NATS_STREAM", "ROOMS")

	config, err := loadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9000, config.Port)
	assert.Equal(t, transport.KindRelay, config.Transport)
	assert.Equal(t, "ws://127.0.0.1:9000/peerjs", config.BrokerURL)
	assert.Equal(t, []string{"stun:a.example.com:3478", "stun:b.example.com:3478"}, config.ICEURLs)
	assert.IsType(t, &votingconfig.HTTPSource{}, votingSource(config))

	js := jetStreamConfig(config)
	assert.Equal(t, "nats://nats:4222", js.URL)
	assert.Equal(t, "ROOMS", js.StreamName)
	assert.Equal(t, "vsmeter.rooms", js.SubjectPrefix)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "port out of range", env: map[string]string{"PORT": "70000"}},
		{name: "unknown transport", env: map[string]string{"PEER_TRANSPORT": "carrier-pigeon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig()
			assert.Error(t, err)
		})
	}
}
