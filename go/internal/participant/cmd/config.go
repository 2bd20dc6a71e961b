package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcdev12/vsmeter/go/internal/peer/transport"
	"github.com/mcdev12/vsmeter/go/internal/roomid"
)

type Config struct {
	BrokerURL      string
	RoomID         string
	Vote           string
	Transport      string
	ICEURLs        []string
	ConnectTimeout time.Duration
	LogLevel       string
}

// ParseFlags reads flags, falling back to environment variables. Flags
// take precedence.
func ParseFlags(args []string) (Config, error) {
	var cfg Config
	var stun string

	fs := flag.NewFlagSet("vsmeter-participant", flag.ContinueOnError)
	fs.StringVar(&cfg.BrokerURL, "broker", "", "Signaling broker URL (env BROKER_URL)")
	fs.StringVar(&cfg.RoomID, "room", "", "Room code to join, e.g. ABC-123")
	fs.StringVar(&cfg.Vote, "vote", "", "Option label to vote for once connected")
	fs.StringVar(&cfg.Transport, "transport", "", "Peer transport: webrtc or relay (env PEER_TRANSPORT)")
	fs.StringVar(&stun, "stun", "", "Comma separated STUN URLs (env STUN_URLS)")
	fs.DurationVar(&cfg.ConnectTimeout, "timeout", 0, "Per-attempt connection timeout")
	fs.StringVar(&cfg.LogLevel, "log-level", "", "Log level (env LOG_LEVEL)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	// Fall back to environment variables
	if cfg.BrokerURL == "" {
		cfg.BrokerURL = getEnv("BROKER_URL", "ws://localhost:8080/peerjs")
	}
	if cfg.Transport == "" {
		cfg.Transport = getEnv("PEER_TRANSPORT", transport.KindWebRTC)
	}
	if stun == "" {
		stun = os.Getenv("STUN_URLS")
	}
	cfg.ICEURLs = transport.SplitList(stun)
	if cfg.LogLevel == "" {
		cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	}

	if cfg.RoomID == "" && fs.NArg() > 0 {
		cfg.RoomID = fs.Arg(0)
	}
	cfg.RoomID = roomid.Normalize(cfg.RoomID)
	if cfg.RoomID == "" {
		return Config{}, errors.New("room code required (use -room)")
	}
	if !roomid.Valid(cfg.RoomID) {
		return Config{}, fmt.Errorf("invalid room code %q", cfg.RoomID)
	}
	cfg.Vote = strings.TrimSpace(cfg.Vote)

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
