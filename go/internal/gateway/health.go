package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// EventStats is implemented by event publishers that can report on their
// connection.
type EventStats interface {
	Connected() bool
	Stats() (published uint64, last time.Time)
}

type HealthStatus struct {
	Healthy         bool      `json:"healthy"`
	BrokerRunning   bool      `json:"broker_running"`
	AcceptingRooms  bool      `json:"accepting_rooms"`
	Rooms           int       `json:"rooms"`
	Participants    int       `json:"participants"`
	Peers           int       `json:"peers"`
	NATSConnected   *bool     `json:"nats_connected,omitempty"`
	EventsPublished uint64    `json:"events_published"`
	LastEventTime   time.Time `json:"last_event_time"`
	Errors          []string  `json:"errors"`
}

// HealthChecker inspects the broker, the rooms and the event publisher.
type HealthChecker struct {
	service *Service
}

func NewHealthChecker(service *Service) *HealthChecker {
	return &HealthChecker{service: service}
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		Errors:  []string{},
	}

	status.BrokerRunning = h.service.broker.Running()
	if !status.BrokerRunning {
		status.Healthy = false
		status.Errors = append(status.Errors, "signaling broker not running")
	}

	status.AcceptingRooms = !h.service.rooms.IsShutdown()
	if !status.AcceptingRooms {
		status.Healthy = false
		status.Errors = append(status.Errors, "room manager shut down")
	}

	for _, room := range h.service.rooms.List() {
		status.Rooms++
		status.Participants += room.Host().ParticipantCount()
	}
	if peers, ok := h.service.broker.GetConnectionStats()["total_peers"].(int); ok {
		status.Peers = peers
	}

	// Event publishing is optional
	if es := h.service.events; es != nil {
		connected := es.Connected()
		status.NATSConnected = &connected
		status.EventsPublished, status.LastEventTime = es.Stats()
		if !connected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	if err := ctx.Err(); err != nil {
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("health check interrupted: %v", err))
	}

	return status
}

// ServeHTTP handles GET /health/details. Unhealthy reports get a 503.
func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("failed to encode health response")
	}
}

// Export renders the health status in the Prometheus text format.
func (h *HealthChecker) Export(ctx context.Context) string {
	status := h.Check(ctx)

	var b strings.Builder
	gauge := func(name, help string, v interface{}) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %v\n\n", name, help, name, name, v)
	}

	gauge("vsmeter_healthy", "Whether the server is healthy", boolToInt(status.Healthy))
	gauge("vsmeter_broker_running", "Whether the signaling broker is routing frames", boolToInt(status.BrokerRunning))
	gauge("vsmeter_rooms", "Rooms hosted by this server", status.Rooms)
	gauge("vsmeter_participants", "Participants connected to hosted rooms", status.Participants)
	gauge("vsmeter_broker_peers", "Peers registered with the broker", status.Peers)

	fmt.Fprintf(&b, "# HELP vsmeter_events_published_total Room events published\n")
	fmt.Fprintf(&b, "# TYPE vsmeter_events_published_total counter\n")
	fmt.Fprintf(&b, "vsmeter_events_published_total %d\n", status.EventsPublished)
	return b.String()
}

// HandleMetrics handles GET /metrics.
func (h *HealthChecker) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if _, err := w.Write([]byte(h.Export(r.Context()))); err != nil {
		log.Error().Err(err).Msg("failed to write metrics response")
	}
}

func (h *HealthChecker) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /health/details", h)
	mux.HandleFunc("GET /metrics", h.HandleMetrics)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
