package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chatsql/chatsql/internal/observability"
)

type GatewayConfig struct {
	Timeout  time.Duration
	RowLimit int
	Logger   *slog.Logger
}

// Gateway submits candidate SQL to a Runner under a per-call timeout and
// normalizes every failure into either *Error or a context error.
type Gateway struct {
	runner   Runner
	timeout  time.Duration
	rowLimit int
	logger   *slog.Logger
}

func NewGateway(runner Runner, cfg GatewayConfig) (*Gateway, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Gateway{
		runner:   runner,
		timeout:  cfg.Timeout,
		rowLimit: cfg.RowLimit,
		logger:   observability.LoggerOrDiscard(cfg.Logger),
	}, nil
}

// Execute runs sql against connectionID. A cancelled or expired parent
// context is returned as-is; all other failures come back as *Error.
func (g *Gateway) Execute(ctx context.Context, sql, connectionID string) (ResultSet, error) {
	if err := ctx.Err(); err != nil {
		return ResultSet{}, err
	}
	if strings.TrimSpace(sql) == "" {
		return ResultSet{}, &Error{Kind: KindSyntax, Message: "empty statement"}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	result, err := g.runner.RunQuery(callCtx, Request{
		ConnectionID: connectionID,
		SQL:          sql,
		Timeout:      g.timeout,
		RowLimit:     g.rowLimit,
	})
	elapsed := time.Since(start)
	observability.ObserveExecutionLatency(elapsed)
	if err == nil {
		result.Duration = elapsed
		return result, nil
	}

	if parentErr := ctx.Err(); parentErr != nil {
		return ResultSet{}, parentErr
	}
	execErr := g.normalize(callCtx, err)
	g.logger.DebugContext(ctx, "candidate execution failed",
		slog.String("connection_id", connectionID),
		slog.String("kind", string(execErr.Kind)),
		slog.Duration("duration", elapsed),
	)
	return ResultSet{}, execErr
}

func (g *Gateway) normalize(callCtx context.Context, err error) *Error {
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("statement did not finish within %s", g.timeout),
		}
	}
	var execErr *Error
	if errors.As(err, &execErr) {
		normalized := *execErr
		if normalized.Kind == "" {
			normalized.Kind = Classify(normalized.Message)
		}
		return &normalized
	}
	if errors.Is(err, ErrTransport) {
		return &Error{Kind: KindUnknown, Message: err.Error()}
	}
	return &Error{Kind: Classify(err.Error()), Message: err.Error()}
}
