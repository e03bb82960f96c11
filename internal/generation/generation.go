package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatsql/chatsql/internal/prompt"
)

type ErrorKind string

const (
	KindUnavailable ErrorKind = "unavailable"
	KindMalformed   ErrorKind = "malformed"
)

var (
	ErrUnavailable = errors.New("generation: model unavailable")
	ErrMalformed   = errors.New("generation: malformed model response")
)

// Error reports a failed generation. Unavailable errors are fatal for the
// current message; malformed ones are fed back to the model.
type Error struct {
	Kind    ErrorKind
	Message string
	Raw     string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("generation %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("generation %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrMalformed:
		return e.Kind == KindMalformed
	}
	return false
}

type ModelConfig struct {
	Name        string
	Temperature float64
	Timeout     time.Duration
	OutputMode  string
	ReadOnly    bool
}

// Candidate is one parsed model response.
type Candidate struct {
	SQL      string
	Answer   string
	Notes    string
	Raw      string
	Provider string
	Model    string
	Latency  time.Duration
}

// Provider performs a single completion round-trip against a model runtime.
type Provider interface {
	Name() string
	Complete(ctx context.Context, p prompt.Prompt, cfg ModelConfig) (string, error)
}
