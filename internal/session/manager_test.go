package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/chatsql/chatsql/internal/execution"
	"github.com/chatsql/chatsql/internal/generation"
	"github.com/chatsql/chatsql/internal/prompt"
	"github.com/chatsql/chatsql/internal/refine"
	"github.com/chatsql/chatsql/internal/schema"
)

type fakeSchemas struct {
	lookup schema.Lookup
	err    error
}

func (f *fakeSchemas) Get(ctx context.Context, connectionID string) (schema.Lookup, error) {
	if f.err != nil {
		return schema.Lookup{}, f.err
	}
	if f.lookup.Snapshot == nil {
		f.lookup.Snapshot = schema.NewSnapshot(connectionID, schema.Description{}, time.Now())
	}
	return f.lookup, nil
}

type refinerFunc func(ctx context.Context, req refine.Request) (*refine.Run, error)

func (f refinerFunc) Run(ctx context.Context, req refine.Request) (*refine.Run, error) {
	return f(ctx, req)
}

func succeedWith(sql string, rows int) refinerFunc {
	return func(ctx context.Context, req refine.Request) (*refine.Run, error) {
		result := &execution.ResultSet{Columns: []string{"n"}}
		for i := 0; i < rows; i++ {
			result.Rows = append(result.Rows, []any{i})
		}
		return &refine.Run{
			Status:   refine.StatusSucceeded,
			Attempts: []refine.Attempt{{Sequence: 1, SQL: sql, Result: result}},
		}, nil
	}
}

func exhaustedRun() refinerFunc {
	return func(ctx context.Context, req refine.Request) (*refine.Run, error) {
		run := &refine.Run{
			Status: refine.StatusExhausted,
			Reason: refine.ReasonBudget,
			Attempts: []refine.Attempt{
				{Sequence: 1, SQL: "SELEC 1", Error: &execution.Error{Kind: execution.KindSyntax, Message: "syntax error one"}},
				{Sequence: 2, SQL: "SELEC 2", Error: &execution.Error{Kind: execution.KindSyntax, Message: "syntax error two"}},
			},
		}
		return run, &refine.ExhaustedError{Run: run}
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newManager(refiner Refiner, cfg Config) (*Manager, *testClock) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return &Manager{
		Schemas: &fakeSchemas{},
		Refiner: refiner,
		Config:  cfg,
		Clock:   clock.Now,
	}, clock
}

func TestHandleMessageCreatesSessionAndAppendsTurn(t *testing.T) {
	m, _ := newManager(succeedWith("SELECT n FROM t", 3), Config{})

	resp, err := m.HandleMessage(context.Background(), "", "list n")
	require.NoError(t, err)
	_, parseErr := uuid.Parse(resp.SessionID)
	require.NoError(t, parseErr)
	assert.Empty(t, resp.SQL)
	assert.Equal(t, "The query returned 3 rows.", resp.Answer)
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, refine.StatusSucceeded, resp.Status)
	require.NotNil(t, resp.Result)
	assert.Len(t, resp.Result.Rows, 3)

	turns, err := m.Turns(resp.SessionID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, 1, turns[0].Sequence)
	assert.False(t, turns[0].Failed)
	assert.Empty(t, turns[0].SQL)
	assert.Equal(t, 1, m.ActiveSessions())
}

func TestHandleMessageExposesSQLWithTransparency(t *testing.T) {
	m, _ := newManager(succeedWith("SELECT secret FROM t", 1), Config{SQLTransparency: true})

	resp, err := m.HandleMessage(context.Background(), "", "show the secret")
	require.NoError(t, err)
	assert.Equal(t, "SELECT secret FROM t", resp.SQL)

	turns, err := m.Turns(resp.SessionID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "SELECT secret FROM t", turns[0].SQL)
}

func TestHistoryKeepsSQLWithoutTransparency(t *testing.T) {
	var history []prompt.Exchange
	refiner := refinerFunc(func(ctx context.Context, req refine.Request) (*refine.Run, error) {
		history = req.History
		return succeedWith("SELECT secret FROM t", 1)(ctx, req)
	})
	m, _ := newManager(refiner, Config{})

	resp, err := m.HandleMessage(context.Background(), "", "first")
	require.NoError(t, err)
	_, err = m.HandleMessage(context.Background(), resp.SessionID, "second")
	require.NoError(t, err)

	require.Len(t, history, 1)
	assert.Equal(t, "SELECT secret FROM t", history[0].SQL)
}

func TestHandleMessagePassesHistoryInOrder(t *testing.T) {
	var seen [][]string
	refiner := refinerFunc(func(ctx context.Context, req refine.Request) (*refine.Run, error) {
		var utterances []string
		for _, exchange := range req.History {
			utterances = append(utterances, exchange.Utterance)
		}
		seen = append(seen, utterances)
		return succeedWith("SELECT 1", 1)(ctx, req)
	})
	m, _ := newManager(refiner, Config{})

	resp, err := m.HandleMessage(context.Background(), "", "first")
	require.NoError(t, err)
	_, err = m.HandleMessage(context.Background(), resp.SessionID, "second")
	require.NoError(t, err)
	_, err = m.HandleMessage(context.Background(), resp.SessionID, "third")
	require.NoError(t, err)

	assert.Equal(t, [][]string{nil, {"first"}, {"first", "second"}}, seen)
}

func TestHandleMessageExhaustedHidesRawErrors(t *testing.T) {
	m, _ := newManager(exhaustedRun(), Config{})

	resp, err := m.HandleMessage(context.Background(), "", "impossible")
	require.NoError(t, err)
	assert.Contains(t, resp.Answer, "could not build a working query")
	assert.Empty(t, resp.SQL)
	assert.Empty(t, resp.Error)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, refine.StatusExhausted, resp.Status)

	turns, err := m.Turns(resp.SessionID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.True(t, turns[0].Failed)
}

func TestHandleMessageExhaustedWithTransparency(t *testing.T) {
	m, _ := newManager(exhaustedRun(), Config{SQLTransparency: true})

	resp, err := m.HandleMessage(context.Background(), "", "impossible")
	require.NoError(t, err)
	assert.Equal(t, "SELEC 2", resp.SQL)
	assert.Equal(t, "syntax: syntax error two", resp.Error)
}

func TestHandleMessageFatalErrorsAppendNoTurn(t *testing.T) {
	m, _ := newManager(succeedWith("SELECT 1", 1), Config{})
	resp, err := m.HandleMessage(context.Background(), "", "seed")
	require.NoError(t, err)
	id := resp.SessionID

	m.Schemas = &fakeSchemas{err: schema.ErrSchemaUnavailable}
	_, err = m.HandleMessage(context.Background(), id, "again")
	assert.ErrorIs(t, err, schema.ErrSchemaUnavailable)

	m.Schemas = &fakeSchemas{}
	m.Refiner = refinerFunc(func(ctx context.Context, req refine.Request) (*refine.Run, error) {
		return &refine.Run{Status: refine.StatusFailed}, &generation.Error{Kind: generation.KindUnavailable, Message: "down"}
	})
	_, err = m.HandleMessage(context.Background(), id, "again")
	assert.ErrorIs(t, err, generation.ErrUnavailable)

	turns, err := m.Turns(id)
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

type fixedGenerator string

func (g fixedGenerator) Generate(context.Context, prompt.Prompt, generation.ModelConfig) (generation.Candidate, error) {
	return generation.Candidate{SQL: string(g)}, nil
}

type stallingExecutor struct {
	stopped chan error
}

func (e stallingExecutor) Execute(ctx context.Context, sql, connectionID string) (execution.ResultSet, error) {
	<-ctx.Done()
	e.stopped <- ctx.Err()
	return execution.ResultSet{}, ctx.Err()
}

func TestRequestDeadlineCancelsRunningQuery(t *testing.T) {
	exec := stallingExecutor{stopped: make(chan error, 1)}
	loop, err := refine.New(prompt.NewBuilder(prompt.Config{}), fixedGenerator("SELECT * FROM big"), exec, refine.Config{MaxAttempts: 3})
	require.NoError(t, err)
	m, _ := newManager(loop, Config{RequestDeadline: 30 * time.Millisecond})

	resp, err := m.HandleMessage(context.Background(), "", "everything")
	require.Error(t, err)
	assert.ErrorIs(t, err, refine.ErrCancelled)
	assert.NotErrorIs(t, err, refine.ErrExhausted)
	assert.Equal(t, refine.StatusCancelled, resp.Status)
	assert.ErrorIs(t, <-exec.stopped, context.DeadlineExceeded)

	turns, err := m.Turns(resp.SessionID)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestHandleMessageRejectsEmptyUtterance(t *testing.T) {
	m, _ := newManager(succeedWith("SELECT 1", 1), Config{})
	_, err := m.HandleMessage(context.Background(), "", "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Equal(t, 0, m.ActiveSessions())
}

func TestHandleMessageSurfacesStaleSchema(t *testing.T) {
	m, _ := newManager(succeedWith("SELECT 1", 1), Config{})
	m.Schemas = &fakeSchemas{lookup: schema.Lookup{
		Snapshot: schema.NewSnapshot("default", schema.Description{}, time.Now()),
		Stale:    true,
		FetchErr: errors.New("refresh failed"),
	}}
	resp, err := m.HandleMessage(context.Background(), "", "q")
	require.NoError(t, err)
	assert.True(t, resp.SchemaStale)
}

func TestSessionPolicies(t *testing.T) {
	strict, _ := newManager(succeedWith("SELECT 1", 1), Config{Policy: PolicyStrict})
	_, err := strict.HandleMessage(context.Background(), "missing", "q")
	assert.ErrorIs(t, err, ErrSessionExpired)

	recreate, _ := newManager(succeedWith("SELECT 1", 1), Config{Policy: PolicyRecreate})
	resp, err := recreate.HandleMessage(context.Background(), "client-chosen", "q")
	require.NoError(t, err)
	assert.Equal(t, "client-chosen", resp.SessionID)
}

func TestSessionExpiresAfterIdleTimeout(t *testing.T) {
	m, clock := newManager(succeedWith("SELECT 1", 1), Config{Policy: PolicyStrict, IdleTimeout: time.Minute})
	resp, err := m.HandleMessage(context.Background(), "", "q")
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	_, err = m.HandleMessage(context.Background(), resp.SessionID, "still here")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = m.HandleMessage(context.Background(), resp.SessionID, "too late")
	assert.ErrorIs(t, err, ErrSessionExpired)
	_, err = m.Turns(resp.SessionID)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestMessagesOfOneSessionAreSerialized(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan string, 4)
	var mu sync.Mutex
	active := map[string]int{}
	maxActive := map[string]int{}
	refiner := refinerFunc(func(ctx context.Context, req refine.Request) (*refine.Run, error) {
		mu.Lock()
		active[req.Utterance[:1]]++
		if active[req.Utterance[:1]] > maxActive[req.Utterance[:1]] {
			maxActive[req.Utterance[:1]] = active[req.Utterance[:1]]
		}
		mu.Unlock()
		entered <- req.Utterance
		<-release
		mu.Lock()
		active[req.Utterance[:1]]--
		mu.Unlock()
		return succeedWith("SELECT 1", 1)(ctx, req)
	})
	m, _ := newManager(refiner, Config{Policy: PolicyRecreate})

	var wg sync.WaitGroup
	for _, msg := range []struct{ id, text string }{{"a", "a1"}, {"a", "a2"}, {"b", "b1"}} {
		wg.Add(1)
		go func(id, text string) {
			defer wg.Done()
			_, err := m.HandleMessage(context.Background(), id, text)
			assert.NoError(t, err)
		}(msg.id, msg.text)
	}

	// Two different sessions can be inside the loop at once.
	first, second := <-entered, <-entered
	assert.NotEqual(t, first[:1], second[:1])
	close(release)
	wg.Wait()

	assert.Equal(t, 1, maxActive["a"])
	turns, err := m.Turns("a")
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestLockWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	refiner := refinerFunc(func(ctx context.Context, req refine.Request) (*refine.Run, error) {
		entered <- struct{}{}
		<-release
		return succeedWith("SELECT 1", 1)(ctx, req)
	})
	m, _ := newManager(refiner, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.HandleMessage(context.Background(), "s1", "slow")
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.HandleMessage(ctx, "s1", "waiting")
	assert.ErrorIs(t, err, refine.ErrCancelled)

	close(release)
	<-done
}

func TestStoredTurnsAreCapped(t *testing.T) {
	m, _ := newManager(succeedWith("SELECT 1", 1), Config{MaxStoredTurns: 2})
	resp, err := m.HandleMessage(context.Background(), "", "one")
	require.NoError(t, err)
	for _, text := range []string{"two", "three"} {
		_, err := m.HandleMessage(context.Background(), resp.SessionID, text)
		require.NoError(t, err)
	}
	turns, err := m.Turns(resp.SessionID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, []int{2, 3}, []int{turns[0].Sequence, turns[1].Sequence})
	assert.Equal(t, "three", turns[1].Utterance)
}

func TestPreviewRowsTruncatesResult(t *testing.T) {
	m, _ := newManager(succeedWith("SELECT n FROM t", 25), Config{PreviewRows: 10})
	resp, err := m.HandleMessage(context.Background(), "", "many")
	require.NoError(t, err)
	require.NotNil(t, resp.Result)
	assert.Len(t, resp.Result.Rows, 10)
	assert.True(t, resp.Result.Truncated)
}

func TestCloseAndSweep(t *testing.T) {
	m, clock := newManager(succeedWith("SELECT 1", 1), Config{IdleTimeout: time.Minute})
	a, err := m.HandleMessage(context.Background(), "", "a")
	require.NoError(t, err)
	b, err := m.HandleMessage(context.Background(), "", "b")
	require.NoError(t, err)

	require.NoError(t, m.Close(a.SessionID))
	assert.ErrorIs(t, m.Close(a.SessionID), ErrSessionExpired)
	assert.Equal(t, 1, m.ActiveSessions())

	assert.Equal(t, 0, m.Sweep(clock.Now()))
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, m.Sweep(clock.Now()))
	_, err = m.Turns(b.SessionID)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, _ := newManager(succeedWith("SELECT 1", 1), Config{SweepInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.RunSweeper(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
