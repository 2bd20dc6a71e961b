// Command vsmeter-participant joins a voting room from the terminal,
// prints what the host broadcasts and optionally casts a vote.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/vsmeter/go/internal/participant"
	"github.com/mcdev12/vsmeter/go/internal/peer/transport"
	"github.com/mcdev12/vsmeter/go/internal/protocol"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	cfg, err := ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	network, err := transport.New(transport.Config{
		Kind:      cfg.Transport,
		BrokerURL: cfg.BrokerURL,
		ICEURLs:   cfg.ICEURLs,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create peer transport")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		mu   sync.Mutex
		last participant.State
	)
	opts := []participant.Option{
		participant.OnChange(func(s participant.State) {
			mu.Lock()
			defer mu.Unlock()
			printChange(last, s)
			last = s
		}),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, participant.WithConnectTimeout(cfg.ConnectTimeout))
	}

	p := participant.New(network, cfg.RoomID, opts...)
	defer p.Destroy()

	log.Info().
		Str("room_id", cfg.RoomID).
		Str("broker", cfg.BrokerURL).
		Str("transport", cfg.Transport).
		Msg("joining room")

	if err := p.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("could not join room")
	}

	if cfg.Vote != "" {
		if err := p.Vote(cfg.Vote); err != nil {
			log.Error().Err(err).Str("vote", cfg.Vote).Msg("failed to vote")
		}
	}

	<-ctx.Done()
	log.Info().Msg("leaving room")
}

// printChange logs the parts of the state that changed.
func printChange(prev, s participant.State) {
	if s.Status != prev.Status {
		ev := log.Info().Str("status", string(s.Status))
		if s.Status == protocol.StatusConnecting && s.Attempts > 0 {
			ev = ev.Int("retry", s.Attempts)
		}
		ev.Msg("connection")
	}
	if s.ParticipantCount != prev.ParticipantCount || s.VoteCount != prev.VoteCount {
		log.Info().
			Int("participants", s.ParticipantCount).
			Int("votes", s.VoteCount).
			Msg("room")
	}
	if s.TimerActive != prev.TimerActive || s.TimeRemaining != prev.TimeRemaining {
		log.Info().
			Int("remaining", s.TimeRemaining).
			Bool("active", s.TimerActive).
			Msg("timer")
	}
	if s.Results != nil && fmt.Sprint(s.Results) != fmt.Sprint(prev.Results) {
		log.Info().Interface("results", s.Results).Msg("results")
	}
	if s.Vote != prev.Vote {
		log.Info().Str("vote", s.Vote).Msg("my vote")
	}
}
