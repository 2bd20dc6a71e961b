// Package gateway exposes the voting rooms over HTTP: the navigable host
// and vote routes, the voting catalogue and the signaling broker endpoint.
package gateway

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/vsmeter/go/internal/peer/signal"
	"github.com/mcdev12/vsmeter/go/internal/rooms"
	"github.com/mcdev12/vsmeter/go/internal/votingconfig"
)

// Catalog resolves votings.
type Catalog interface {
	LoadAll(ctx context.Context) ([]votingconfig.Voting, error)
	Load(ctx context.Context, id string) (votingconfig.Voting, error)
}

// Config holds what participants need to reach a room.
type Config struct {
	// PublicBrokerURL is handed to participants. Empty means derive it
	// from the request host.
	PublicBrokerURL string
	Transport       string
	ICEURLs         []string
}

// Service wires the HTTP handlers to the broker, the room manager and the
// catalogue.
type Service struct {
	broker  *signal.Server
	rooms   *rooms.Manager
	catalog Catalog
	config  Config
	events  EventStats

	brokerHandler *BrokerHandler
	roomHandler   *RoomHandler
	votingHandler *VotingHandler
	health        *HealthChecker
}

type ServiceOption func(*Service)

// WithEventStats reports the event publisher in health checks.
func WithEventStats(es EventStats) ServiceOption {
	return func(s *Service) {
		s.events = es
	}
}

func NewService(config Config, broker *signal.Server, manager *rooms.Manager, catalog Catalog, opts ...ServiceOption) *Service {
	s := &Service{
		broker:        broker,
		rooms:         manager,
		catalog:       catalog,
		config:        config,
		brokerHandler: NewBrokerHandler(broker, manager),
		roomHandler:   NewRoomHandler(manager, catalog, config),
		votingHandler: NewVotingHandler(catalog, manager, config),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.health = NewHealthChecker(s)
	return s
}

// Start runs the broker until ctx is cancelled, then closes every room.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting vsmeter gateway")

	s.broker.Start(ctx)

	log.Info().Msg("vsmeter gateway shutting down")
	s.rooms.Shutdown()
	return nil
}

// RegisterRoutes registers every route on mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.brokerHandler.RegisterRoutes(mux)
	s.roomHandler.RegisterRoutes(mux)
	s.votingHandler.RegisterRoutes(mux)
	s.health.RegisterRoutes(mux)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})

	// Anything else goes back to the landing route.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/", http.StatusFound)
	})

	log.Info().Msg("gateway routes registered")
}

// GetStats returns statistics about the broker and the rooms.
func (s *Service) GetStats() map[string]interface{} {
	return s.brokerHandler.stats()
}
