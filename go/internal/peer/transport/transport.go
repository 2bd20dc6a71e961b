// Package transport picks the peer.Network implementation by name.
package transport

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mcdev12/vsmeter/go/internal/peer"
	"github.com/mcdev12/vsmeter/go/internal/peer/relay"
	"github.com/mcdev12/vsmeter/go/internal/peer/rtc"
)

const (
	KindWebRTC = "webrtc"
	KindRelay  = "relay"
)

// DefaultSTUN is used when no ICE servers are configured.
var DefaultSTUN = []string{"stun:stun.l.google.com:19302"}

var ErrUnknownKind = errors.New("unknown peer transport")

type Config struct {
	Kind      string
	BrokerURL string
	ICEURLs   []string
}

// New returns the network named by cfg.Kind. An empty kind selects WebRTC.
func New(cfg Config) (peer.Network, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("broker url is required")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", KindWebRTC:
		ice := cfg.ICEURLs
		if len(ice) == 0 {
			ice = DefaultSTUN
		}
		return rtc.NewNetwork(cfg.BrokerURL, ice), nil
	case KindRelay:
		return relay.NewNetwork(cfg.BrokerURL), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

// SplitList parses a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
