package generation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatsql/chatsql/internal/observability"
	"github.com/chatsql/chatsql/internal/prompt"
)

type Client struct {
	provider Provider
	logger   *slog.Logger
}

func NewClient(provider Provider, logger *slog.Logger) (*Client, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	return &Client{provider: provider, logger: observability.LoggerOrDiscard(logger)}, nil
}

func (c *Client) ProviderName() string {
	return c.provider.Name()
}

// Generate sends one request to the model and parses the reply. There is no
// retry here; repeated attempts are the refinement loop's job.
func (c *Client) Generate(ctx context.Context, p prompt.Prompt, cfg ModelConfig) (Candidate, error) {
	if err := ctx.Err(); err != nil {
		return Candidate{}, err
	}
	callCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	name := c.provider.Name()
	start := time.Now()
	raw, err := c.provider.Complete(callCtx, p, cfg)
	latency := time.Since(start)
	observability.ObserveGenerationLatency(name, latency)
	if err != nil {
		if parentErr := ctx.Err(); parentErr != nil {
			return Candidate{}, parentErr
		}
		observability.IncGenerationFailure(name, string(KindUnavailable))
		c.logger.WarnContext(ctx, "model request failed",
			slog.String("provider", name),
			slog.String("model", cfg.Name),
			slog.Duration("latency", latency),
			slog.String("error", err.Error()),
		)
		return Candidate{}, &Error{Kind: KindUnavailable, Message: "model request failed", Err: err}
	}

	parsed, err := Parse(raw, cfg.OutputMode, cfg.ReadOnly)
	if err != nil {
		observability.IncGenerationFailure(name, string(KindMalformed))
		return Candidate{}, err
	}
	parsed.Provider = name
	parsed.Model = cfg.Name
	parsed.Latency = latency
	return parsed, nil
}
