package gateway

import (
	"errors"
	"net/http"

	"github.com/mcdev12/vsmeter/go/internal/roomid"
	"github.com/mcdev12/vsmeter/go/internal/rooms"
	"github.com/mcdev12/vsmeter/go/internal/votingconfig"
)

// VotingHandler serves the catalogue, the landing route and the
// participant join route.
type VotingHandler struct {
	catalog Catalog
	rooms   *rooms.Manager
	config  Config
}

func NewVotingHandler(catalog Catalog, manager *rooms.Manager, config Config) *VotingHandler {
	return &VotingHandler{
		catalog: catalog,
		rooms:   manager,
		config:  config,
	}
}

// VotingSummary is a catalogue entry with its host route.
type VotingSummary struct {
	votingconfig.Voting
	HostURL string `json:"hostUrl"`
}

// LandingResponse is the body of GET /.
type LandingResponse struct {
	Service string          `json:"service"`
	Votings []VotingSummary `json:"votings"`
}

// JoinInfo tells a participant how to reach a room.
type JoinInfo struct {
	RoomID    string              `json:"roomId"`
	Voting    votingconfig.Voting `json:"voting"`
	BrokerURL string              `json:"brokerUrl"`
	Transport string              `json:"transport"`
	ICEURLs   []string            `json:"iceUrls,omitempty"`
	// Hosted reports whether this server currently hosts the room.
	Hosted bool `json:"hosted"`
}

// HandleLanding handles GET /.
func (h *VotingHandler) HandleLanding(w http.ResponseWriter, r *http.Request) {
	votings, err := h.catalog.LoadAll(r.Context())
	if err != nil {
		writeDomainError(w, err, "Failed to load votings")
		return
	}

	summaries := make([]VotingSummary, 0, len(votings))
	for _, v := range votings {
		summaries = append(summaries, VotingSummary{Voting: v, HostURL: "/host/" + v.ID})
	}
	writeJSON(w, http.StatusOK, LandingResponse{Service: "vsmeter", Votings: summaries})
}

// HandleListVotings handles GET /api/votings.
func (h *VotingHandler) HandleListVotings(w http.ResponseWriter, r *http.Request) {
	votings, err := h.catalog.LoadAll(r.Context())
	if err != nil {
		writeDomainError(w, err, "Failed to load votings")
		return
	}
	writeJSON(w, http.StatusOK, votings)
}

// HandleGetVoting handles GET /api/votings/{id}.
func (h *VotingHandler) HandleGetVoting(w http.ResponseWriter, r *http.Request) {
	voting, err := h.catalog.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err, "Failed to load voting")
		return
	}
	writeJSON(w, http.StatusOK, voting)
}

// HandleJoin handles GET /vote/{votingId}/{roomId}.
func (h *VotingHandler) HandleJoin(w http.ResponseWriter, r *http.Request) {
	roomID := roomid.Normalize(r.PathValue("roomId"))
	if !roomid.Valid(roomID) {
		writeError(w, http.StatusBadRequest, "Invalid room code")
		return
	}

	voting, err := h.catalog.Load(r.Context(), r.PathValue("votingId"))
	if err != nil {
		writeDomainError(w, err, "Failed to load voting")
		return
	}

	hosted := false
	room, err := h.rooms.Get(roomID)
	switch {
	case err == nil:
		hosted = room.Voting.ID == voting.ID
	case !errors.Is(err, rooms.ErrRoomNotFound):
		writeDomainError(w, err, "Failed to get room")
		return
	}

	writeJSON(w, http.StatusOK, JoinInfo{
		RoomID:    roomID,
		Voting:    voting,
		BrokerURL: h.brokerURL(r),
		Transport: h.config.Transport,
		ICEURLs:   h.config.ICEURLs,
		Hosted:    hosted,
	})
}

// brokerURL returns the configured public broker URL or derives one from
// the request.
func (h *VotingHandler) brokerURL(r *http.Request) string {
	if h.config.PublicBrokerURL != "" {
		return h.config.PublicBrokerURL
	}
	scheme := "ws"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + "/peerjs"
}

func (h *VotingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.HandleLanding)
	mux.HandleFunc("GET /api/votings", h.HandleListVotings)
	mux.HandleFunc("GET /api/votings/{id}", h.HandleGetVoting)
	mux.HandleFunc("GET /vote/{votingId}/{roomId}", h.HandleJoin)
}
