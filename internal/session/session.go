package session

import (
	"sync"
	"time"

	"github.com/chatsql/chatsql/internal/execution"
	"github.com/chatsql/chatsql/internal/prompt"
	"github.com/chatsql/chatsql/internal/refine"
	"github.com/chatsql/chatsql/internal/schema"
)

// Turn is one resolved utterance. Turns are appended in order and never
// changed afterwards.
type Turn struct {
	Sequence  int                  `json:"sequence"`
	Utterance string               `json:"utterance"`
	Answer    string               `json:"answer"`
	SQL       string               `json:"sql,omitempty"`
	Preview   *execution.ResultSet `json:"result_preview,omitempty"`
	Attempts  int                  `json:"attempts"`
	Failed    bool                 `json:"failed"`
	Status    refine.Status        `json:"status"`
	CreatedAt time.Time            `json:"created_at"`
}

type Session struct {
	ID           string
	ConnectionID string

	// lock is a one-slot semaphore serializing messages of this session.
	lock chan struct{}

	mu         sync.Mutex
	turns      []Turn
	nextSeq    int
	lastActive time.Time
	snapshot   *schema.Snapshot
	closed     bool
}

func newSession(id, connectionID string, now time.Time) *Session {
	return &Session{
		ID:           id,
		ConnectionID: connectionID,
		lock:         make(chan struct{}, 1),
		nextSeq:      1,
		lastActive:   now,
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = now
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive)
}

func (s *Session) busy() bool {
	return len(s.lock) > 0
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Session) setSnapshot(snapshot *schema.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snapshot
}

func (s *Session) appendTurn(turn Turn, maxTurns int) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn.Sequence = s.nextSeq
	s.nextSeq++
	s.turns = append(s.turns, turn)
	if maxTurns > 0 && len(s.turns) > maxTurns {
		s.turns = append([]Turn(nil), s.turns[len(s.turns)-maxTurns:]...)
	}
	return turn
}

func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *Session) exchanges() []prompt.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]prompt.Exchange, 0, len(s.turns))
	for _, turn := range s.turns {
		out = append(out, prompt.Exchange{
			Utterance: turn.Utterance,
			SQL:       turn.SQL,
			Answer:    turn.Answer,
			Failed:    turn.Failed,
		})
	}
	return out
}
