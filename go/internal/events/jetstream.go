package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/vsmeter/go/internal/protocol"
)

type JetStreamConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration // How long to keep room events
	MaxMsgs         int64
	Replicas        int
	DuplicateWindow time.Duration
	// MaxRetries and RetryDelay govern re-publishing an event that was not
	// acknowledged. Retries reuse the event id, so the stream drops copies
	// that were stored but not acked within DuplicateWindow.
	MaxRetries int
	RetryDelay time.Duration
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "VSMETER_ROOMS",
		SubjectPrefix:   "vsmeter.rooms",
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		MaxAge:          24 * time.Hour,
		MaxMsgs:         -1,
		Replicas:        1,
		DuplicateWindow: 2 * time.Minute,
		MaxRetries:      3,
		RetryDelay:      200 * time.Millisecond,
	}
}

// JetStreamPublisher writes room events to a JetStream stream.
type JetStreamPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	pub    msgPublisher
	config JetStreamConfig

	mu        sync.Mutex
	published uint64
	lastEvent time.Time
}

var _ Publisher = (*JetStreamPublisher)(nil)

// msgPublisher is the part of jetstream.JetStream used to publish.
type msgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NewJetStreamPublisher connects to NATS and makes sure the stream exists.
func NewJetStreamPublisher(ctx context.Context, cfg JetStreamConfig) (*JetStreamPublisher, error) {
	opts := []nats.Option{
		nats.Name("vsmeter"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	p := &JetStreamPublisher{nc: nc, js: js, pub: js, config: cfg}
	if err := p.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return p, nil
}

func (p *JetStreamPublisher) streamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        p.config.StreamName,
		Description: "VSMeter room events",
		Subjects:    []string{p.config.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      p.config.MaxAge,
		MaxMsgs:     p.config.MaxMsgs,
		Storage:     jetstream.FileStorage,
		Replicas:    p.config.Replicas,
		Duplicates:  p.config.DuplicateWindow,
	}
}

func (p *JetStreamPublisher) ensureStream(ctx context.Context) error {
	sc := p.streamConfig()

	stream, err := p.js.Stream(ctx, sc.Name)
	if err != nil {
		if _, err = p.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().Str("stream", sc.Name).Msg("created JetStream stream")
		return nil
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	if !streamConfigEqual(info.Config, sc) {
		if _, err = p.js.UpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		log.Info().Str("stream", sc.Name).Msg("updated JetStream stream")
	}
	return nil
}

// Publish writes msg to "<prefix>.<room>.<type>". The event id is the
// JetStream message id, so a retry of an event the server already stored
// is de-duplicated.
func (p *JetStreamPublisher) Publish(ctx context.Context, roomID string, msg protocol.Message) error {
	event := NewEvent(roomID, msg, time.Now())
	data, err := event.Marshal()
	if err != nil {
		return err
	}

	subject := Subject(p.config.SubjectPrefix, roomID, msg.Type)
	ack, err := p.publishWithRetry(ctx, event, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Event-Type":          []string{event.EventType},
			"Room-ID":             []string{roomID},
			"Event-ID":            []string{event.EventID.String()},
			jetstream.MsgIDHeader: []string{event.EventID.String()},
		},
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.published++
	p.lastEvent = event.Timestamp
	p.mu.Unlock()

	log.Debug().
		Str("subject", subject).
		Str("event_id", event.EventID.String()).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("published room event")
	return nil
}

func (p *JetStreamPublisher) publishWithRetry(ctx context.Context, event Event, msg *nats.Msg) (*jetstream.PubAck, error) {
	var lastErr error

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.config.RetryDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("publish to JetStream: %w (last error: %v)", ctx.Err(), lastErr)
			case <-time.After(delay):
			}
		}

		ack, err := p.pub.PublishMsg(ctx, msg, jetstream.WithExpectStream(p.config.StreamName))
		if err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Str("event_id", event.EventID.String()).
				Msg("failed to publish room event, retrying")
			continue
		}

		if attempt > 0 {
			log.Info().
				Int("attempt", attempt+1).
				Str("event_id", event.EventID.String()).
				Msg("publish succeeded after retry")
		}
		return ack, nil
	}

	return nil, fmt.Errorf("publish to JetStream failed after %d attempts: %w", p.config.MaxRetries+1, lastErr)
}

// Stats returns the number of acknowledged events and when the last one
// was published.
func (p *JetStreamPublisher) Stats() (uint64, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.lastEvent
}

func (p *JetStreamPublisher) Connected() bool {
	return p.nc != nil && p.nc.IsConnected()
}

func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func streamConfigEqual(a, b jetstream.StreamConfig) bool {
	if len(a.Subjects) != len(b.Subjects) {
		return false
	}
	for i := range a.Subjects {
		if a.Subjects[i] != b.Subjects[i] {
			return false
		}
	}
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.MaxMsgs == b.MaxMsgs &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates
}
