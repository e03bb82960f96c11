package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chatsql/chatsql/internal/dataaccess"
	"github.com/chatsql/chatsql/internal/schema"
)

type schemaResponse struct {
	ConnectionID string            `json:"connection_id"`
	FetchedAt    time.Time         `json:"fetched_at"`
	Stale        bool              `json:"stale"`
	Tables       []schema.Table    `json:"tables"`
	Relations    []schema.Relation `json:"relations"`
	Rendered     string            `json:"rendered"`
}

func handleGetSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schemas == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema cache is not configured", false, nil)
		return
	}
	connectionID := chi.URLParam(r, "connection")
	lookup, err := deps.Schemas.Get(r.Context(), connectionID)
	if err != nil {
		extra := map[string]any{"connection_id": connectionID}
		if errors.Is(err, dataaccess.ErrUnknownConnection) {
			writeError(r.Context(), w, http.StatusNotFound, "UNKNOWN_CONNECTION", err.Error(), false, extra)
			return
		}
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SCHEMA_UNAVAILABLE", err.Error(), true, extra)
		return
	}
	writeJSON(w, http.StatusOK, schemaResponse{
		ConnectionID: connectionID,
		FetchedAt:    lookup.Snapshot.FetchedAt,
		Stale:        lookup.Stale,
		Tables:       lookup.Snapshot.Tables(),
		Relations:    lookup.Snapshot.Relations(),
		Rendered:     schema.Render(lookup.Snapshot),
	})
}

func handleInvalidateSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schemas == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema cache is not configured", false, nil)
		return
	}
	connectionID := chi.URLParam(r, "connection")
	deps.Schemas.Invalidate(connectionID)
	writeJSON(w, http.StatusAccepted, map[string]any{"connection_id": connectionID, "invalidated": true})
}
