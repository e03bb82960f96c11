// Package app assembles the chat pipeline from configuration. Both the HTTP
// and MCP binaries build one App and differ only in the front door they put
// on top of it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatsql/chatsql/internal/config"
	"github.com/chatsql/chatsql/internal/dataaccess/duckdb"
	"github.com/chatsql/chatsql/internal/dataaccess/postgres"
	"github.com/chatsql/chatsql/internal/dataaccess/remote"
	"github.com/chatsql/chatsql/internal/dataaccess/sqlite"
	"github.com/chatsql/chatsql/internal/execution"
	"github.com/chatsql/chatsql/internal/generation"
	"github.com/chatsql/chatsql/internal/generation/gemini"
	"github.com/chatsql/chatsql/internal/generation/ollama"
	"github.com/chatsql/chatsql/internal/generation/openai"
	"github.com/chatsql/chatsql/internal/observability"
	"github.com/chatsql/chatsql/internal/prompt"
	"github.com/chatsql/chatsql/internal/refine"
	"github.com/chatsql/chatsql/internal/schema"
	"github.com/chatsql/chatsql/internal/session"
	s3store "github.com/chatsql/chatsql/internal/storage/s3"
)

// Backend is a data-access implementation: it describes and queries the
// databases behind connection ids.
type Backend interface {
	schema.Introspector
	execution.Runner
}

type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Schemas  *schema.Cache
	Loop     *refine.Loop
	Sessions *session.Manager

	backend    Backend
	readiness  []func(ctx context.Context) error
	background []func(ctx context.Context) error
	closers    []func() error
}

type Option func(*options)

type options struct {
	backend  Backend
	provider generation.Provider
	clock    func() time.Time
}

// WithBackend replaces the configured data-access backend.
func WithBackend(backend Backend) Option {
	return func(o *options) { o.backend = backend }
}

// WithProvider replaces the configured model provider.
func WithProvider(provider generation.Provider) Option {
	return func(o *options) { o.provider = provider }
}

func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{Config: cfg, Logger: observability.LoggerOrDiscard(logger)}
	if o.clock == nil {
		o.clock = time.Now
	}

	a.backend = o.backend
	if a.backend == nil {
		if err := a.openBackend(ctx); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	provider := o.provider
	if provider == nil {
		var err error
		provider, err = newProvider(ctx, cfg)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	generator, err := generation.NewClient(provider, a.Logger)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create generation client: %w", err)
	}

	a.Schemas, err = schema.NewCache(a.backend, schema.CacheConfig{
		FreshnessWindow: cfg.Schema.FreshnessWindow,
		FetchTimeout:    cfg.Schema.FetchTimeout,
		Logger:          a.Logger,
		Now:             o.clock,
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create schema cache: %w", err)
	}

	gateway, err := execution.NewGateway(a.backend, execution.GatewayConfig{
		Timeout:  cfg.DataAccess.ExecutionTimeout,
		RowLimit: cfg.DataAccess.RowLimit,
		Logger:   a.Logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create execution gateway: %w", err)
	}

	builder := prompt.NewBuilder(prompt.Config{
		OutputMode:         cfg.Refinement.OutputMode,
		ReadOnly:           cfg.Refinement.ReadOnly,
		Dialect:            dialectFor(cfg.DataAccess.Backend),
		HistoryWindow:      cfg.Refinement.HistoryWindow,
		HistoryTokenBudget: cfg.Refinement.HistoryTokenBudget,
	})

	a.Loop, err = refine.New(builder, generator, gateway, refine.Config{
		MaxAttempts: cfg.Refinement.MaxAttempts,
		MaxTimeouts: cfg.Refinement.MaxTimeouts,
		Model: generation.ModelConfig{
			Name:        modelName(cfg),
			Temperature: cfg.Model.Temperature,
			Timeout:     cfg.Model.Timeout,
			OutputMode:  cfg.Refinement.OutputMode,
			ReadOnly:    cfg.Refinement.ReadOnly,
		},
		Logger: a.Logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create refinement loop: %w", err)
	}

	a.Sessions = &session.Manager{
		Schemas: a.Schemas,
		Refiner: a.Loop,
		Config: session.Config{
			ConnectionID:    cfg.DataAccess.ConnectionID,
			IdleTimeout:     cfg.Session.IdleTimeout,
			SweepInterval:   cfg.Session.SweepInterval,
			Policy:          cfg.Session.Policy,
			RequestDeadline: cfg.Refinement.RequestDeadline,
			SQLTransparency: cfg.Refinement.SQLTransparency,
			MaxStoredTurns:  cfg.Session.MaxTurns,
			PreviewRows:     cfg.Refinement.ResultPreviewRows,
		},
		Logger: a.Logger,
		Clock:  o.clock,
	}
	a.background = append(a.background, a.Sessions.RunSweeper)

	a.Logger.Info("chat pipeline ready",
		slog.String("backend", cfg.DataAccess.Backend),
		slog.String("connection_id", cfg.DataAccess.ConnectionID),
		slog.String("provider", generator.ProviderName()),
		slog.String("model", modelName(cfg)),
		slog.Int("max_attempts", a.Loop.MaxAttempts()),
	)
	return a, nil
}

func (a *App) openBackend(ctx context.Context) error {
	cfg := a.Config
	readOnly := cfg.Refinement.ReadOnly
	switch cfg.DataAccess.Backend {
	case config.BackendRemote:
		client, err := remote.New(remote.Config{BaseURL: cfg.DataAccess.ServiceURL, Timeout: cfg.DataAccess.ExecutionTimeout + 10*time.Second})
		if err != nil {
			return fmt.Errorf("create remote data-access client: %w", err)
		}
		a.backend = client
		a.readiness = append(a.readiness, client.Ping)

	case config.BackendPostgres:
		db, err := postgres.Open(ctx, postgres.DBConfig{
			DSN:             cfg.DataAccess.DSN,
			MaxOpenConns:    cfg.DataAccess.MaxOpenConns,
			MaxIdleConns:    cfg.DataAccess.MaxIdleConns,
			ConnMaxIdleTime: cfg.DataAccess.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.DataAccess.ConnMaxLifetime,
		})
		if err != nil {
			return err
		}
		backend := postgres.New(db, cfg.DataAccess.ConnectionID, readOnly)
		a.backend = backend
		a.readiness = append(a.readiness, backend.Ping)
		a.closers = append(a.closers, backend.Close)
		if cfg.DataAccess.ListenInvalidations {
			a.background = append(a.background, func(ctx context.Context) error {
				listener := &postgres.Listener{
					DSN:                 cfg.DataAccess.DSN,
					DefaultConnectionID: cfg.DataAccess.ConnectionID,
					Target:              a.Schemas,
					Logger:              a.Logger,
				}
				return listener.Run(ctx)
			})
		}

	case config.BackendSQLite:
		backend, err := sqlite.Open(ctx, sqlite.Config{
			DSN:          cfg.DataAccess.DSN,
			ConnectionID: cfg.DataAccess.ConnectionID,
			MaxOpenConns: cfg.DataAccess.MaxOpenConns,
			ReadOnly:     readOnly,
		})
		if err != nil {
			return err
		}
		a.backend = backend
		a.readiness = append(a.readiness, backend.Ping)
		a.closers = append(a.closers, backend.Close)

	case config.BackendDuckDB:
		store, err := s3store.New(s3store.Config{
			Endpoint:        cfg.ObjectStore.Endpoint,
			Region:          cfg.ObjectStore.Region,
			Bucket:          cfg.ObjectStore.Bucket,
			AccessKeyID:     cfg.ObjectStore.AccessKeyID,
			SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
			UseSSL:          cfg.ObjectStore.UseSSL,
			Prefix:          cfg.ObjectStore.Prefix,
		})
		if err != nil {
			return fmt.Errorf("initialize object store: %w", err)
		}
		backend, err := duckdb.New(duckdb.Config{Store: store, DefaultDataset: cfg.DataAccess.ConnectionID, WorkDir: os.TempDir()})
		if err != nil {
			return err
		}
		a.backend = backend
		a.readiness = append(a.readiness, store.Ping)

	default:
		return fmt.Errorf("unsupported data backend %q", cfg.DataAccess.Backend)
	}
	return nil
}

func newProvider(ctx context.Context, cfg config.Config) (generation.Provider, error) {
	httpClient := &http.Client{Timeout: cfg.Model.Timeout + 5*time.Second}
	switch {
	case cfg.Model.Provider == config.ModelProviderLocal:
		provider, err := ollama.New(ollama.Config{ServerURL: cfg.Model.LocalURL, Model: cfg.Model.LocalName, HTTPClient: httpClient})
		if err != nil {
			return nil, fmt.Errorf("create ollama provider: %w", err)
		}
		return provider, nil
	case cfg.Model.RemoteAPI == config.RemoteAPIGemini:
		provider, err := gemini.New(ctx, gemini.Config{APIKey: cfg.Model.APIKey, BaseURL: geminiBaseURL(cfg.Model.BaseURL), HTTPClient: httpClient})
		if err != nil {
			return nil, fmt.Errorf("create gemini provider: %w", err)
		}
		return provider, nil
	default:
		provider, err := openai.New(openai.Config{BaseURL: cfg.Model.BaseURL, APIKey: cfg.Model.APIKey, HTTPClient: httpClient})
		if err != nil {
			return nil, fmt.Errorf("create openai provider: %w", err)
		}
		return provider, nil
	}
}

// geminiBaseURL drops the OpenAI default so the genai SDK uses its own.
func geminiBaseURL(configured string) string {
	if configured == "https://api.openai.com/v1/" {
		return ""
	}
	return configured
}

func modelName(cfg config.Config) string {
	if cfg.Model.Provider == config.ModelProviderLocal {
		return cfg.Model.LocalName
	}
	return cfg.Model.Name
}

func dialectFor(backend string) string {
	switch backend {
	case config.BackendPostgres, config.BackendSQLite, config.BackendDuckDB:
		return backend
	default:
		return ""
	}
}

// Ready checks every dependency the configured backend registered.
func (a *App) Ready(ctx context.Context) error {
	for _, check := range a.readiness {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RunBackground runs the session sweeper and any schema invalidation
// listener until ctx is done.
func (a *App) RunBackground(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, task := range a.background {
		group.Go(func() error {
			if err := task(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return group.Wait()
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
