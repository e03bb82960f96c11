package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatsql/chatsql/internal/auth"
	"github.com/chatsql/chatsql/internal/config"
	"github.com/chatsql/chatsql/internal/observability"
	"github.com/chatsql/chatsql/internal/schema"
	"github.com/chatsql/chatsql/internal/session"
)

type ReadinessCheck func(ctx context.Context) error

// ChatService is the session front door.
type ChatService interface {
	HandleMessage(ctx context.Context, sessionID, utterance string) (session.Response, error)
	Turns(sessionID string) ([]session.Turn, error)
	Close(sessionID string) error
}

type SchemaService interface {
	Get(ctx context.Context, connectionID string) (schema.Lookup, error)
	Invalidate(connectionID string)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Chat              ChatService
	Schemas           SchemaService
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	router := chi.NewRouter()
	router.Use(observability.TraceMiddleware, observability.MetricsMiddleware)
	if deps.Logger != nil {
		router.Use(observability.LoggingMiddleware(deps.Logger))
	}

	router.Get("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	router.Get("/v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	router.Handle("/v1/metrics", promhttp.Handler())

	router.Group(func(protected chi.Router) {
		if cfg.Auth.Required {
			if deps.AuthMiddleware == nil {
				observability.LoggerOrDiscard(deps.Logger).Error("auth required but auth middleware missing")
				protected.Use(func(http.Handler) http.Handler {
					return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
						writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
					})
				})
			} else {
				protected.Use(deps.AuthMiddleware)
			}
		}

		protected.With(auth.RequireRole(auth.RoleChatUser)).Group(func(chat chi.Router) {
			chat.Post("/v1/chat", func(w http.ResponseWriter, r *http.Request) {
				handleChat(deps, w, r)
			})
			chat.Get("/v1/sessions/{id}/turns", func(w http.ResponseWriter, r *http.Request) {
				handleTurns(deps, w, r)
			})
			chat.Delete("/v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
				handleCloseSession(deps, w, r)
			})
			chat.Get("/v1/schema/{connection}", func(w http.ResponseWriter, r *http.Request) {
				handleGetSchema(deps, w, r)
			})
		})

		protected.With(auth.RequireRole(auth.RoleSchemaAdmin)).Post("/v1/schema/{connection}/invalidate", func(w http.ResponseWriter, r *http.Request) {
			handleInvalidateSchema(deps, w, r)
		})
	})

	return router
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// CheckModelConfig fails when a remote model is selected without credentials.
func CheckModelConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Model.Provider == config.ModelProviderRemote && cfg.Model.APIKey == "" {
			return errors.New("model api key is not configured")
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
