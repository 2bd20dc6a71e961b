package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/vsmeter/go/internal/rooms"
)

// RoomHandler serves the host routes under /host.
type RoomHandler struct {
	rooms   *rooms.Manager
	catalog Catalog
	config  Config
}

func NewRoomHandler(manager *rooms.Manager, catalog Catalog, config Config) *RoomHandler {
	return &RoomHandler{
		rooms:   manager,
		catalog: catalog,
		config:  config,
	}
}

type createRoomRequest struct {
	RoomID string `json:"roomId"`
}

// RoomResponse is a room plus the links a host shares with participants.
type RoomResponse struct {
	rooms.Info
	HostURL string `json:"hostUrl"`
	VoteURL string `json:"voteUrl"`
}

func newRoomResponse(room *rooms.Room) RoomResponse {
	return RoomResponse{
		Info:    room.Info(),
		HostURL: fmt.Sprintf("/host/%s/%s", room.Voting.ID, room.ID),
		VoteURL: fmt.Sprintf("/vote/%s/%s", room.Voting.ID, room.ID),
	}
}

// HandleCreateRoom handles POST /host/{votingId}. The room code may be
// given as {"roomId": "..."} or ?roomId=; otherwise one is generated.
func (h *RoomHandler) HandleCreateRoom(w http.ResponseWriter, r *http.Request) {
	votingID := r.PathValue("votingId")

	var req createRoomRequest
	if r.Body != nil {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	if req.RoomID == "" {
		req.RoomID = r.URL.Query().Get("roomId")
	}

	room, err := h.rooms.Create(r.Context(), votingID, req.RoomID)
	if err != nil {
		writeDomainError(w, err, "Failed to create room")
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/host/%s/%s", room.Voting.ID, room.ID))
	writeJSON(w, http.StatusCreated, newRoomResponse(room))
}

// room resolves {votingId}/{roomId}, treating a room of another voting as
// missing.
func (h *RoomHandler) room(w http.ResponseWriter, r *http.Request) (*rooms.Room, bool) {
	votingID := r.PathValue("votingId")
	roomID := r.PathValue("roomId")

	room, err := h.rooms.Get(roomID)
	if err == nil && room.Voting.ID != votingID {
		err = fmt.Errorf("%w: %s", rooms.ErrRoomNotFound, roomID)
	}
	if err != nil {
		writeDomainError(w, err, "Failed to get room")
		return nil, false
	}
	return room, true
}

// HandleGetRoom handles GET /host/{votingId}/{roomId}.
func (h *RoomHandler) HandleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newRoomResponse(room))
}

// HandleStartTimer handles POST /host/{votingId}/{roomId}/timer.
func (h *RoomHandler) HandleStartTimer(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.rooms.StartTimer)
}

// HandlePublishResults handles POST /host/{votingId}/{roomId}/results.
func (h *RoomHandler) HandlePublishResults(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.rooms.PublishResults)
}

// HandleReset handles POST /host/{votingId}/{roomId}/reset.
func (h *RoomHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, h.rooms.Reset)
}

func (h *RoomHandler) act(w http.ResponseWriter, r *http.Request, action func(roomID string) error) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}
	if err := action(room.ID); err != nil {
		writeDomainError(w, err, "Room action failed")
		return
	}
	writeJSON(w, http.StatusOK, newRoomResponse(room))
}

// HandleCloseRoom handles DELETE /host/{votingId}/{roomId}.
func (h *RoomHandler) HandleCloseRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}
	if err := h.rooms.Close(room.ID); err != nil {
		writeDomainError(w, err, "Failed to close room")
		return
	}
	log.Debug().Str("room_id", room.ID).Msg("room closed over http")
	w.WriteHeader(http.StatusNoContent)
}

// HandleListRooms handles GET /api/rooms.
func (h *RoomHandler) HandleListRooms(w http.ResponseWriter, r *http.Request) {
	list := h.rooms.List()
	resp := make([]RoomResponse, 0, len(list))
	for _, room := range list {
		resp = append(resp, newRoomResponse(room))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *RoomHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /host/{votingId}", h.HandleCreateRoom)
	mux.HandleFunc("GET /host/{votingId}/{roomId}", h.HandleGetRoom)
	mux.HandleFunc("DELETE /host/{votingId}/{roomId}", h.HandleCloseRoom)
	mux.HandleFunc("POST /host/{votingId}/{roomId}/timer", h.HandleStartTimer)
	mux.HandleFunc("POST /host/{votingId}/{roomId}/results", h.HandlePublishResults)
	mux.HandleFunc("POST /host/{votingId}/{roomId}/reset", h.HandleReset)
	mux.HandleFunc("GET /api/rooms", h.HandleListRooms)
}
