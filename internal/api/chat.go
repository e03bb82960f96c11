package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/chatsql/chatsql/internal/generation"
	"github.com/chatsql/chatsql/internal/observability"
	"github.com/chatsql/chatsql/internal/refine"
	"github.com/chatsql/chatsql/internal/schema"
	"github.com/chatsql/chatsql/internal/session"
)

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func handleChat(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Chat == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CHAT_NOT_CONFIGURED", "chat service is not configured", false, nil)
		return
	}

	var request chatRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid chat request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Message) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "MESSAGE_REQUIRED", "message is required", false, nil)
		return
	}

	response, err := deps.Chat.HandleMessage(r.Context(), request.SessionID, request.Message)
	if err != nil {
		writeChatError(r.Context(), deps, w, err, response.SessionID)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// writeChatError maps the failure classes that escape the session layer.
// Correctable execution errors never get here.
func writeChatError(ctx context.Context, deps Dependencies, w http.ResponseWriter, err error, sessionID string) {
	extra := map[string]any{}
	if sessionID != "" {
		extra["session_id"] = sessionID
	}
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		writeError(ctx, w, http.StatusBadRequest, "MESSAGE_REQUIRED", err.Error(), false, extra)
	case errors.Is(err, session.ErrSessionExpired):
		writeError(ctx, w, http.StatusNotFound, "SESSION_EXPIRED", "session is unknown or expired", false, extra)
	case errors.Is(err, schema.ErrSchemaUnavailable):
		writeError(ctx, w, http.StatusServiceUnavailable, "SCHEMA_UNAVAILABLE", "database schema could not be loaded", true, extra)
	case errors.Is(err, generation.ErrUnavailable):
		writeError(ctx, w, http.StatusServiceUnavailable, "MODEL_UNAVAILABLE", "language model is unavailable", true, extra)
	case errors.Is(err, refine.ErrCancelled):
		writeError(ctx, w, http.StatusGatewayTimeout, "REQUEST_CANCELLED", "request was cancelled before an answer was produced", true, extra)
	default:
		observability.LoggerOrDiscard(deps.Logger).ErrorContext(ctx, "chat request failed", slog.String("error", err.Error()))
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", "internal error", true, extra)
	}
}

func handleTurns(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Chat == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CHAT_NOT_CONFIGURED", "chat service is not configured", false, nil)
		return
	}
	sessionID := chi.URLParam(r, "id")
	turns, err := deps.Chat.Turns(sessionID)
	if err != nil {
		writeChatError(r.Context(), deps, w, err, sessionID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "turns": turns})
}

func handleCloseSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Chat == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CHAT_NOT_CONFIGURED", "chat service is not configured", false, nil)
		return
	}
	sessionID := chi.URLParam(r, "id")
	if err := deps.Chat.Close(sessionID); err != nil {
		writeChatError(r.Context(), deps, w, err, sessionID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
