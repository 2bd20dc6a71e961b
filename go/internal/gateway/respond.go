package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/vsmeter/go/internal/peer"
	"github.com/mcdev12/vsmeter/go/internal/rooms"
	"github.com/mcdev12/vsmeter/go/internal/votingconfig"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, votingconfig.ErrNotFound),
		errors.Is(err, rooms.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, votingconfig.ErrInvalidID),
		errors.Is(err, rooms.ErrInvalidRoomID):
		return http.StatusBadRequest
	case errors.Is(err, rooms.ErrRoomExists),
		errors.Is(err, rooms.ErrTimerRunning),
		errors.Is(err, peer.ErrIDTaken):
		return http.StatusConflict
	case errors.Is(err, rooms.ErrNoTimer),
		errors.Is(err, votingconfig.ErrInvalidVoting):
		return http.StatusUnprocessableEntity
	case errors.Is(err, rooms.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error, msg string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg(msg)
		writeError(w, status, msg)
		return
	}
	writeError(w, status, err.Error())
}
