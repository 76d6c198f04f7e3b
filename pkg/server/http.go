package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/colloquy/pkg/conversation"
	"github.com/go-go-golems/colloquy/pkg/wire"
)

const maxBodyBytes = 4 << 20

// NewHTTPHandler serves POST /messages.
func NewHTTPHandler(r *Responder) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(wire.MessagesPath, func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, &wire.ErrorResponse{Error: "method not allowed"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, &wire.ErrorResponse{Error: err.Error()})
			return
		}
		if err := wire.ValidatePostMessage(body); err != nil {
			writeJSON(w, http.StatusBadRequest, &wire.ErrorResponse{Error: err.Error()})
			return
		}
		var in wire.PostMessageRequest
		if err := json.Unmarshal(body, &in); err != nil {
			writeJSON(w, http.StatusBadRequest, &wire.ErrorResponse{Error: err.Error()})
			return
		}

		logger := log.With().Str("request_id", in.RequestID).Str("conversation_id", in.ConversationID).Logger()
		userMsg, aiMsg, err := r.Respond(req.Context(), &in)
		if err != nil {
			status := http.StatusBadGateway
			switch {
			case errors.Is(err, conversation.ErrValidation):
				status = http.StatusBadRequest
			case errors.Is(err, conversation.ErrModelNotFound):
				status = http.StatusNotFound
			}
			logger.Warn().Err(err).Int("status", status).Msg("message failed")
			writeJSON(w, status, &wire.ErrorResponse{Error: err.Error()})
			return
		}
		logger.Debug().Msg("message answered over http")
		writeJSON(w, http.StatusOK, &wire.PostMessageResponse{UserMessage: userMsg, AIMessage: aiMsg})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("could not write response")
	}
}
