package refine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chatsql/chatsql/internal/execution"
	"github.com/chatsql/chatsql/internal/generation"
	"github.com/chatsql/chatsql/internal/observability"
	"github.com/chatsql/chatsql/internal/prompt"
	"github.com/chatsql/chatsql/internal/schema"
)

type PromptBuilder interface {
	Build(in prompt.Input) prompt.Prompt
}

type Generator interface {
	Generate(ctx context.Context, p prompt.Prompt, cfg generation.ModelConfig) (generation.Candidate, error)
}

type Executor interface {
	Execute(ctx context.Context, sql, connectionID string) (execution.ResultSet, error)
}

type Config struct {
	MaxAttempts int
	// MaxTimeouts ends the run after this many timeout-kind attempts; zero
	// disables the cap.
	MaxTimeouts int
	Model       generation.ModelConfig
	Logger      *slog.Logger
	// Observe, when set, is called on every state transition.
	Observe func(runID string, state State)
}

type Request struct {
	ConnectionID string
	Utterance    string
	Snapshot     *schema.Snapshot
	History      []prompt.Exchange
}

// Loop drives one utterance through generate, execute and repair until a
// statement runs, the budget is spent, or the run is aborted.
type Loop struct {
	builder   PromptBuilder
	generator Generator
	executor  Executor
	cfg       Config
	logger    *slog.Logger
}

func New(builder PromptBuilder, generator Generator, executor Executor, cfg Config) (*Loop, error) {
	if builder == nil || generator == nil || executor == nil {
		return nil, fmt.Errorf("prompt builder, generator and executor are required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxTimeouts < 0 {
		cfg.MaxTimeouts = 0
	}
	return &Loop{
		builder:   builder,
		generator: generator,
		executor:  executor,
		cfg:       cfg,
		logger:    observability.LoggerOrDiscard(cfg.Logger),
	}, nil
}

func (l *Loop) MaxAttempts() int {
	return l.cfg.MaxAttempts
}

// Run executes the loop. The returned Run is never nil, including on error.
// Errors are *ExhaustedError, ErrCancelled (wrapping the context error) or a
// generation.ErrUnavailable failure.
func (l *Loop) Run(ctx context.Context, req Request) (*Run, error) {
	run := &Run{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
	l.transition(run, StateStart)

	timeouts := 0
	for {
		if err := ctx.Err(); err != nil {
			return l.cancelled(ctx, run, err)
		}

		l.transition(run, StateGenerating)
		p := l.builder.Build(prompt.Input{
			Utterance: req.Utterance,
			Snapshot:  req.Snapshot,
			History:   req.History,
			Attempts:  run.priorAttempts(),
		})
		attempt := Attempt{Sequence: len(run.Attempts) + 1}

		genStart := time.Now()
		candidate, err := l.generator.Generate(ctx, p, l.cfg.Model)
		attempt.GenerationLatency = time.Since(genStart)
		switch {
		case err == nil:
			attempt.SQL = candidate.SQL
			attempt.Answer = candidate.Answer
			attempt.Notes = candidate.Notes
		case ctx.Err() != nil:
			return l.cancelled(ctx, run, ctx.Err())
		case errors.Is(err, generation.ErrMalformed):
			attempt.Malformed = true
			attempt.SQL, attempt.Error = malformedAttempt(err)
		default:
			return l.failed(ctx, run, err)
		}

		if attempt.Error == nil {
			l.transition(run, StateExecuting)
			execStart := time.Now()
			result, err := l.executor.Execute(ctx, attempt.SQL, req.ConnectionID)
			attempt.ExecutionLatency = time.Since(execStart)
			if err == nil {
				attempt.Result = &result
				run.Attempts = append(run.Attempts, attempt)
				return l.finish(ctx, run, StatusSucceeded, ReasonNone), nil
			}
			if ctx.Err() != nil {
				return l.cancelled(ctx, run, ctx.Err())
			}
			var execErr *execution.Error
			if !errors.As(err, &execErr) {
				execErr = &execution.Error{Kind: execution.KindUnknown, Message: err.Error()}
			}
			attempt.Error = execErr
		}

		run.Attempts = append(run.Attempts, attempt)
		observability.IncExecutionError(string(attempt.Error.Kind))
		l.transition(run, StateFailing)
		l.logger.InfoContext(ctx, "refinement attempt failed",
			append(observability.RequestAttrs(ctx),
				slog.String("run_id", run.ID),
				slog.Int("attempt", attempt.Sequence),
				slog.String("kind", string(attempt.Error.Kind)),
				slog.Bool("malformed", attempt.Malformed),
			)...,
		)

		if attempt.Error.Kind == execution.KindTimeout {
			timeouts++
		}
		if reason, done := l.shouldStop(run, timeouts); done {
			l.finish(ctx, run, StatusExhausted, reason)
			return run, &ExhaustedError{Run: run}
		}
	}
}

func (l *Loop) shouldStop(run *Run, timeouts int) (Reason, bool) {
	n := len(run.Attempts)
	if n >= 2 && sameError(run.Attempts[n-2].Error, run.Attempts[n-1].Error) {
		return ReasonRepeatedError, true
	}
	if l.cfg.MaxTimeouts > 0 && timeouts >= l.cfg.MaxTimeouts {
		return ReasonTimeouts, true
	}
	if n >= l.cfg.MaxAttempts {
		return ReasonBudget, true
	}
	return ReasonNone, false
}

func malformedAttempt(err error) (string, *execution.Error) {
	message := err.Error()
	raw := ""
	var genErr *generation.Error
	if errors.As(err, &genErr) {
		message = genErr.Message
		raw = strings.TrimSpace(genErr.Raw)
	}
	return raw, &execution.Error{
		Kind:    execution.KindSyntax,
		Message: "the response was rejected before execution: " + message,
	}
}

func (l *Loop) cancelled(ctx context.Context, run *Run, cause error) (*Run, error) {
	l.finish(ctx, run, StatusCancelled, ReasonNone)
	return run, fmt.Errorf("%w: %w", ErrCancelled, cause)
}

func (l *Loop) failed(ctx context.Context, run *Run, cause error) (*Run, error) {
	l.finish(ctx, run, StatusFailed, ReasonNone)
	l.logger.WarnContext(ctx, "refinement run failed",
		append(observability.RequestAttrs(ctx),
			slog.String("run_id", run.ID),
			slog.String("error", cause.Error()),
		)...,
	)
	return run, cause
}

func (l *Loop) finish(ctx context.Context, run *Run, status Status, reason Reason) *Run {
	run.Status = status
	run.Reason = reason
	run.Duration = time.Since(run.StartedAt)
	l.transition(run, State(status))
	observability.ObserveRefinementRun(string(status), string(reason), len(run.Attempts))
	l.logger.DebugContext(ctx, "refinement run finished",
		append(observability.RequestAttrs(ctx),
			slog.String("run_id", run.ID),
			slog.String("status", string(status)),
			slog.String("reason", string(reason)),
			slog.Int("attempts", len(run.Attempts)),
			slog.Duration("duration", run.Duration),
		)...,
	)
	return run
}

func (l *Loop) transition(run *Run, state State) {
	if l.cfg.Observe != nil {
		l.cfg.Observe(run.ID, state)
	}
}
