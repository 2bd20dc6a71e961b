package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/vsmeter/go/internal/peer/signal"
	"github.com/mcdev12/vsmeter/go/internal/rooms"
)

// BrokerHandler serves the signaling broker and its statistics.
type BrokerHandler struct {
	broker *signal.Server
	rooms  *rooms.Manager
}

func NewBrokerHandler(broker *signal.Server, manager *rooms.Manager) *BrokerHandler {
	return &BrokerHandler{
		broker: broker,
		rooms:  manager,
	}
}

// HandlePeer upgrades GET /peerjs?id=<peer id> to a broker connection.
func (h *BrokerHandler) HandlePeer(w http.ResponseWriter, r *http.Request) {
	h.broker.HandlePeer(w, r)
}

// HandleStats handles GET /ws/stats.
func (h *BrokerHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.stats()); err != nil {
		log.Error().Err(err).Msg("failed to encode stats response")
	}
}

func (h *BrokerHandler) stats() map[string]interface{} {
	stats := h.broker.GetConnectionStats()
	for k, v := range h.rooms.Stats() {
		stats[k] = v
	}
	stats["service"] = "vsmeter_gateway"
	stats["status"] = "running"
	return stats
}

func (h *BrokerHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /peerjs", h.HandlePeer)
	mux.HandleFunc("GET /ws/stats", h.HandleStats)
}
