package execution

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindSyntax              Kind = "syntax"
	KindMissingObject       Kind = "missing_object"
	KindPermission          Kind = "permission"
	KindTimeout             Kind = "timeout"
	KindConstraintViolation Kind = "constraint_violation"
	KindUnknown             Kind = "unknown"
)

// ErrTransport marks failures to reach the data-access backend at all.
var ErrTransport = errors.New("execution: transport failure")

// Error is a correctable execution failure. Message is the backend's raw
// text and is what the model sees on the next attempt.
type Error struct {
	Kind    Kind
	Message string
	Code    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("execution %s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("execution %s: %s", e.Kind, e.Message)
}

type Request struct {
	ConnectionID string
	SQL          string
	Timeout      time.Duration
	RowLimit     int
}

type ResultSet struct {
	Columns   []string      `json:"columns"`
	Rows      [][]any       `json:"rows"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"-"`
}

// Runner executes one statement against a connection. Implementations
// should return *Error for failures the backend reports in structured form;
// anything else is classified from its message.
type Runner interface {
	RunQuery(ctx context.Context, request Request) (ResultSet, error)
}
