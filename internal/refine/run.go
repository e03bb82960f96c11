package refine

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chatsql/chatsql/internal/execution"
	"github.com/chatsql/chatsql/internal/prompt"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusExhausted Status = "exhausted"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

type Reason string

const (
	ReasonNone          Reason = ""
	ReasonBudget        Reason = "budget"
	ReasonRepeatedError Reason = "repeated_error"
	ReasonTimeouts      Reason = "timeouts"
)

// State names the loop position, reported to observers on each transition.
type State string

const (
	StateStart      State = "start"
	StateGenerating State = "generating"
	StateExecuting  State = "executing"
	StateFailing    State = "failing"
	StateSucceeded  State = "succeeded"
	StateExhausted  State = "exhausted"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

var (
	ErrExhausted = errors.New("refine: retry budget exhausted")
	ErrCancelled = errors.New("refine: cancelled")
)

// ExhaustedError carries the full attempt trail of a run that never produced
// an executable statement.
type ExhaustedError struct {
	Run *Run
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("refine: exhausted after %d attempts (%s)", len(e.Run.Attempts), e.Run.Reason)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// Attempt is one generate/execute pairing. Exactly one of Result and Error is
// set.
type Attempt struct {
	Sequence          int
	SQL               string
	Answer            string
	Notes             string
	Malformed         bool
	Result            *execution.ResultSet
	Error             *execution.Error
	GenerationLatency time.Duration
	ExecutionLatency  time.Duration
}

func (a Attempt) Succeeded() bool {
	return a.Error == nil && a.Result != nil
}

type Run struct {
	ID        string
	Attempts  []Attempt
	Status    Status
	Reason    Reason
	StartedAt time.Time
	Duration  time.Duration
}

// Last returns the most recent attempt, or nil before the first one.
func (r *Run) Last() *Attempt {
	if r == nil || len(r.Attempts) == 0 {
		return nil
	}
	return &r.Attempts[len(r.Attempts)-1]
}

func (r *Run) priorAttempts() []prompt.PriorAttempt {
	out := make([]prompt.PriorAttempt, 0, len(r.Attempts))
	for _, attempt := range r.Attempts {
		if attempt.Error == nil {
			continue
		}
		out = append(out, prompt.PriorAttempt{
			Sequence: attempt.Sequence,
			SQL:      attempt.SQL,
			Kind:     attempt.Error.Kind,
			Message:  attempt.Error.Message,
			Notes:    attempt.Notes,
		})
	}
	return out
}

var (
	positionMarkers = regexp.MustCompile(`(?i)(\s*at character \d+|line \d+:|\s*at line \d+|\s*\(position \d+\))`)
	whitespaceRuns  = regexp.MustCompile(`\s+`)
)

// NormalizeMessage reduces an error message to the form used to detect a
// model that keeps hitting the same failure.
func NormalizeMessage(message string) string {
	normalized := positionMarkers.ReplaceAllString(message, " ")
	normalized = whitespaceRuns.ReplaceAllString(strings.ToLower(normalized), " ")
	return strings.TrimSpace(normalized)
}

func sameError(a, b *execution.Error) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Kind == b.Kind && NormalizeMessage(a.Message) == NormalizeMessage(b.Message)
}
