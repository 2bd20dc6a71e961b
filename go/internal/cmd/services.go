package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/vsmeter/go/internal/events"
	"github.com/mcdev12/vsmeter/go/internal/gateway"
	"github.com/mcdev12/vsmeter/go/internal/peer/signal"
	"github.com/mcdev12/vsmeter/go/internal/peer/transport"
	"github.com/mcdev12/vsmeter/go/internal/rooms"
	"github.com/mcdev12/vsmeter/go/internal/votingconfig"
)

type Services struct {
	Gateway *gateway.Service
	Rooms   *rooms.Manager

	closers []func() error
}

// Close releases what setupServices opened.
func (s *Services) Close() {
	for _, c := range s.closers {
		if err := c(); err != nil {
			log.Error().Err(err).Msg("failed to close service")
		}
	}
}

func setupServices(ctx context.Context, config *Config) (*Services, error) {
	// Wire up dependency injection chain
	// Catalogue → Room manager → Gateway

	services := &Services{}

	var publisher events.Publisher = events.Nop{}
	var gatewayOpts []gateway.ServiceOption
	if config.NATSURL != "" {
		js, err := events.NewJetStreamPublisher(ctx, jetStreamConfig(config))
		if err != nil {
			return nil, fmt.Errorf("failed to set up event publisher: %w", err)
		}
		publisher = js
		gatewayOpts = append(gatewayOpts, gateway.WithEventStats(js))
		services.closers = append(services.closers, js.Close)
		log.Info().Str("nats_url", config.NATSURL).Str("stream", config.NATSStream).Msg("publishing room events")
	}

	network, err := transport.New(transport.Config{
		Kind:      config.Transport,
		BrokerURL: config.BrokerURL,
		ICEURLs:   config.ICEURLs,
	})
	if err != nil {
		services.Close()
		return nil, fmt.Errorf("failed to set up peer transport: %w", err)
	}

	catalog := votingconfig.NewLoader(votingSource(config))
	services.Rooms = rooms.NewManager(catalog, network, rooms.WithPublisher(publisher))

	broker := signal.NewServer(signal.DefaultConfig())
	services.Gateway = gateway.NewService(gateway.Config{
		PublicBrokerURL: config.PublicBrokerURL,
		Transport:       config.Transport,
		ICEURLs:         config.ICEURLs,
	}, broker, services.Rooms, catalog, gatewayOpts...)

	return services, nil
}
