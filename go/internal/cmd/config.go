package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mcdev12/vsmeter/go/internal/events"
	"github.com/mcdev12/vsmeter/go/internal/peer/transport"
	"github.com/mcdev12/vsmeter/go/internal/votingconfig"
)

type Config struct {
	Port int
	// VotingsDir is read when VotingsURL is empty.
	VotingsDir string
	VotingsURL string

	Transport string
	// BrokerURL is where rooms hosted by this process register. It points
	// at this server's own broker unless set.
	BrokerURL string
	// PublicBrokerURL is handed to participants. Empty derives it from the
	// request host.
	PublicBrokerURL string
	ICEURLs         []string

	// NATSURL enables room event publishing when set.
	NATSURL           string
	NATSStream        string
	NATSSubjectPrefix string

	LogLevel string
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func loadConfig() (*Config, error) {
	defaults := events.DefaultJetStreamConfig()

	config := &Config{
		Port:              getEnvAsInt("PORT", 8080),
		VotingsDir:        getEnv("VOTINGS_DIR", "votings"),
		VotingsURL:        os.Getenv("VOTINGS_URL"),
		Transport:         strings.ToLower(getEnv("PEER_TRANSPORT", transport.KindWebRTC)),
		PublicBrokerURL:   os.Getenv("PUBLIC_BROKER_URL"),
		ICEURLs:           transport.SplitList(os.Getenv("STUN_URLS")),
		NATSURL:           os.Getenv("NATS_URL"),
		NATSStream:        getEnv("NATS_STREAM", defaults.StreamName),
		NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", defaults.SubjectPrefix),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}

	if config.Port <= 0 || config.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT %d", config.Port)
	}
	switch config.Transport {
	case transport.KindWebRTC, transport.KindRelay:
	default:
		return nil, fmt.Errorf("%w: %q", transport.ErrUnknownKind, config.Transport)
	}

	config.BrokerURL = getEnv("BROKER_URL", fmt.Sprintf("ws://127.0.0.1:%d/peerjs", config.Port))
	if len(config.ICEURLs) == 0 {
		config.ICEURLs = transport.DefaultSTUN
	}
	return config, nil
}

// votingSource picks the catalogue source: a static site when VOTINGS_URL
// is set, the local directory otherwise.
func votingSource(config *Config) votingconfig.Source {
	if config.VotingsURL != "" {
		return votingconfig.NewHTTPSource(config.VotingsURL)
	}
	return votingconfig.NewDirSource(config.VotingsDir)
}

func jetStreamConfig(config *Config) events.JetStreamConfig {
	cfg := events.DefaultJetStreamConfig()
	cfg.URL = config.NATSURL
	cfg.StreamName = config.NATSStream
	cfg.SubjectPrefix = config.NATSSubjectPrefix
	return cfg
}
