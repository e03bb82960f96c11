package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatsql/chatsql/internal/execution"
	"github.com/chatsql/chatsql/internal/observability"
	"github.com/chatsql/chatsql/internal/refine"
	"github.com/chatsql/chatsql/internal/schema"
)

const (
	PolicyStrict   = "strict"
	PolicyRecreate = "recreate"
)

var (
	ErrSessionExpired = errors.New("session: unknown or expired")
	ErrEmptyMessage   = errors.New("session: message is empty")
)

type SchemaSource interface {
	Get(ctx context.Context, connectionID string) (schema.Lookup, error)
}

type Refiner interface {
	Run(ctx context.Context, req refine.Request) (*refine.Run, error)
}

type Config struct {
	ConnectionID    string
	IdleTimeout     time.Duration
	SweepInterval   time.Duration
	Policy          string
	RequestDeadline time.Duration
	SQLTransparency bool
	MaxStoredTurns  int
	PreviewRows     int
}

// Response is what the front door returns for one message.
type Response struct {
	SessionID   string               `json:"session_id"`
	Answer      string               `json:"answer"`
	SQL         string               `json:"sql,omitempty"`
	Error       string               `json:"error,omitempty"`
	Result      *execution.ResultSet `json:"result_preview,omitempty"`
	Attempts    int                  `json:"attempts"`
	Status      refine.Status        `json:"status"`
	SchemaStale bool                 `json:"schema_stale"`
}

type Manager struct {
	Schemas SchemaSource
	Refiner Refiner
	Config  Config
	Logger  *slog.Logger
	Clock   func() time.Time

	once     sync.Once
	mu       sync.Mutex
	sessions map[string]*Session
}

func (m *Manager) ensureDefaults() {
	m.once.Do(func() {
		if m.Clock == nil {
			m.Clock = time.Now
		}
		if m.Logger == nil {
			m.Logger = observability.LoggerOrDiscard(nil)
		}
		if m.Config.IdleTimeout <= 0 {
			m.Config.IdleTimeout = 30 * time.Minute
		}
		if m.Config.SweepInterval <= 0 {
			m.Config.SweepInterval = time.Minute
		}
		if m.Config.Policy == "" {
			m.Config.Policy = PolicyRecreate
		}
		if m.Config.ConnectionID == "" {
			m.Config.ConnectionID = "default"
		}
		if m.Config.MaxStoredTurns <= 0 {
			m.Config.MaxStoredTurns = 40
		}
		m.sessions = map[string]*Session{}
	})
}

// HandleMessage resolves one utterance for sessionID. An empty sessionID
// starts a new session. Messages of one session are processed one at a
// time in arrival order.
func (m *Manager) HandleMessage(ctx context.Context, sessionID, utterance string) (Response, error) {
	m.ensureDefaults()
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return Response{SessionID: sessionID}, ErrEmptyMessage
	}

	sess, err := m.lockSession(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return Response{SessionID: sessionID}, err
	}
	defer func() { <-sess.lock }()

	sess.touch(m.Clock())
	defer func() { sess.touch(m.Clock()) }()

	if m.Config.RequestDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Config.RequestDeadline)
		defer cancel()
	}
	ctx = observability.ContextWithSessionID(ctx, sess.ID)
	response := Response{SessionID: sess.ID}

	lookup, err := m.Schemas.Get(ctx, sess.ConnectionID)
	if err != nil {
		if ctx.Err() != nil {
			return response, fmt.Errorf("%w: %w", refine.ErrCancelled, ctx.Err())
		}
		return response, err
	}
	sess.setSnapshot(lookup.Snapshot)
	response.SchemaStale = lookup.Stale

	run, err := m.Refiner.Run(ctx, refine.Request{
		ConnectionID: sess.ConnectionID,
		Utterance:    utterance,
		Snapshot:     lookup.Snapshot,
		History:      sess.exchanges(),
	})
	if run != nil {
		response.Attempts = len(run.Attempts)
		response.Status = run.Status
	}

	var turn Turn
	switch {
	case err == nil:
		turn = m.succeededTurn(utterance, run)
	case errors.Is(err, refine.ErrExhausted):
		turn = m.exhaustedTurn(utterance, run)
		if m.Config.SQLTransparency {
			if last := run.Last(); last != nil && last.Error != nil {
				response.Error = fmt.Sprintf("%s: %s", last.Error.Kind, last.Error.Message)
			}
		}
	default:
		m.Logger.WarnContext(ctx, "message failed",
			append(observability.RequestAttrs(ctx), slog.String("error", err.Error()))...)
		return response, err
	}

	turn = sess.appendTurn(turn, m.Config.MaxStoredTurns)
	response.Answer = turn.Answer
	if m.Config.SQLTransparency {
		response.SQL = turn.SQL
	}
	response.Result = turn.Preview
	return response, nil
}

func (m *Manager) succeededTurn(utterance string, run *refine.Run) Turn {
	last := run.Last()
	preview := m.preview(last.Result)
	answer := last.Answer
	if answer == "" {
		answer = describeResult(preview)
	}
	return Turn{
		Utterance: utterance,
		Answer:    answer,
		SQL:       last.SQL,
		Preview:   preview,
		Attempts:  len(run.Attempts),
		Status:    refine.StatusSucceeded,
		CreatedAt: m.Clock().UTC(),
	}
}

func (m *Manager) exhaustedTurn(utterance string, run *refine.Run) Turn {
	turn := Turn{
		Utterance: utterance,
		Answer:    "I could not build a working query for that request. Try rephrasing it or naming the tables and columns you mean.",
		Attempts:  len(run.Attempts),
		Failed:    true,
		Status:    refine.StatusExhausted,
		CreatedAt: m.Clock().UTC(),
	}
	if m.Config.SQLTransparency {
		if last := run.Last(); last != nil {
			turn.SQL = last.SQL
		}
	}
	return turn
}

func (m *Manager) preview(result *execution.ResultSet) *execution.ResultSet {
	if result == nil {
		return nil
	}
	out := *result
	if m.Config.PreviewRows > 0 && len(out.Rows) > m.Config.PreviewRows {
		out.Rows = out.Rows[:m.Config.PreviewRows]
		out.Truncated = true
	}
	return &out
}

func describeResult(result *execution.ResultSet) string {
	if result == nil {
		return "The query ran successfully."
	}
	switch n := len(result.Rows); {
	case n == 0:
		return "The query returned no rows."
	case n == 1:
		return "The query returned 1 row."
	case result.Truncated:
		return fmt.Sprintf("The query returned more than %d rows; showing the first %d.", n, n)
	default:
		return fmt.Sprintf("The query returned %d rows.", n)
	}
}

// lockSession resolves sessionID to a live session and takes its lock,
// honouring ctx while waiting.
func (m *Manager) lockSession(ctx context.Context, sessionID string) (*Session, error) {
	for {
		sess, err := m.resolve(sessionID)
		if err != nil {
			return nil, err
		}
		select {
		case sess.lock <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", refine.ErrCancelled, ctx.Err())
		}
		if !sess.isClosed() {
			return sess, nil
		}
		// Closed while we waited; resolve again so the policy applies.
		<-sess.lock
		sessionID = sess.ID
	}
}

func (m *Manager) resolve(sessionID string) (*Session, error) {
	now := m.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID == "" {
		sess := newSession(uuid.NewString(), m.Config.ConnectionID, now)
		m.sessions[sess.ID] = sess
		observability.SetActiveSessions(len(m.sessions))
		return sess, nil
	}

	if sess, ok := m.sessions[sessionID]; ok {
		if sess.busy() || sess.idleSince(now) <= m.Config.IdleTimeout {
			return sess, nil
		}
		sess.markClosed()
		delete(m.sessions, sessionID)
		observability.AddExpiredSessions(1)
	}
	if m.Config.Policy == PolicyStrict {
		observability.SetActiveSessions(len(m.sessions))
		return nil, ErrSessionExpired
	}
	sess := newSession(sessionID, m.Config.ConnectionID, now)
	m.sessions[sessionID] = sess
	observability.SetActiveSessions(len(m.sessions))
	return sess, nil
}

// Turns returns a copy of the stored turns of a live session. The SQL of
// each turn is kept for prompt history but only exposed in transparency mode.
func (m *Manager) Turns(sessionID string) ([]Turn, error) {
	m.ensureDefaults()
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok || sess.isClosed() {
		return nil, ErrSessionExpired
	}
	turns := sess.Turns()
	if !m.Config.SQLTransparency {
		for i := range turns {
			turns[i].SQL = ""
		}
	}
	return turns, nil
}

// Close drops a session. A message in flight for it still completes.
func (m *Manager) Close(sessionID string) error {
	m.ensureDefaults()
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionExpired
	}
	sess.markClosed()
	delete(m.sessions, sessionID)
	observability.SetActiveSessions(len(m.sessions))
	return nil
}

func (m *Manager) ActiveSessions() int {
	m.ensureDefaults()
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep removes idle sessions and returns how many were dropped. Sessions
// with a message in flight are kept.
func (m *Manager) Sweep(now time.Time) int {
	m.ensureDefaults()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, sess := range m.sessions {
		if sess.busy() || sess.idleSince(now) <= m.Config.IdleTimeout {
			continue
		}
		sess.markClosed()
		delete(m.sessions, id)
		removed++
	}
	observability.AddExpiredSessions(removed)
	observability.SetActiveSessions(len(m.sessions))
	return removed
}

func (m *Manager) RunSweeper(ctx context.Context) error {
	m.ensureDefaults()
	ticker := time.NewTicker(m.Config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if removed := m.Sweep(m.Clock()); removed > 0 {
			m.Logger.InfoContext(ctx, "expired idle sessions", slog.Int("removed", removed))
		}
	}
}
