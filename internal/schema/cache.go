package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/chatsql/chatsql/internal/observability"
)

var ErrSchemaUnavailable = errors.New("schema: unavailable")

// Introspector describes the live schema of a connection.
type Introspector interface {
	DescribeSchema(ctx context.Context, connectionID string) (Description, error)
}

// Lookup is the result of Cache.Get. Stale is set when a refresh failed and
// the previous snapshot is served instead; FetchErr then carries the cause.
type Lookup struct {
	Snapshot *Snapshot
	Stale    bool
	FetchErr error
}

type CacheConfig struct {
	FreshnessWindow time.Duration
	FetchTimeout    time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

type entry struct {
	snapshot    *Snapshot
	invalidated bool
	generation  uint64
}

type Cache struct {
	introspector Introspector
	cfg          CacheConfig
	logger       *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	group   singleflight.Group
}

func NewCache(introspector Introspector, cfg CacheConfig) (*Cache, error) {
	if introspector == nil {
		return nil, fmt.Errorf("introspector is required")
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = 5 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		introspector: introspector,
		cfg:          cfg,
		logger:       observability.LoggerOrDiscard(cfg.Logger),
		entries:      map[string]*entry{},
	}, nil
}

// Get returns a fresh snapshot for connectionID, refreshing it when missing,
// older than the freshness window or invalidated. Concurrent refreshes of the
// same connection share one introspection call.
func (c *Cache) Get(ctx context.Context, connectionID string) (Lookup, error) {
	if snapshot, ok := c.fresh(connectionID); ok {
		return Lookup{Snapshot: snapshot}, nil
	}

	// The shared fetch must outlive any single caller that gives up.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(connectionID, func() (any, error) {
		return c.refresh(fetchCtx, connectionID)
	})

	select {
	case <-ctx.Done():
		return Lookup{}, ctx.Err()
	case res := <-ch:
		if res.Err == nil {
			return Lookup{Snapshot: res.Val.(*Snapshot)}, nil
		}
		if previous := c.current(connectionID); previous != nil {
			observability.ObserveSchemaFetch("stale")
			c.logger.WarnContext(ctx, "schema refresh failed, serving previous snapshot",
				slog.String("connection_id", connectionID),
				slog.Time("fetched_at", previous.FetchedAt),
				slog.String("error", res.Err.Error()),
			)
			return Lookup{Snapshot: previous, Stale: true, FetchErr: res.Err}, nil
		}
		observability.ObserveSchemaFetch("error")
		return Lookup{}, fmt.Errorf("%w: connection %q: %w", ErrSchemaUnavailable, connectionID, res.Err)
	}
}

// Invalidate forces the next Get for connectionID to refresh. A fetch already
// in flight is not duplicated: callers keep joining it, and the entry stays
// invalidated until a fetch that started after this call completes.
func (c *Cache) Invalidate(connectionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.entries[connectionID]
	if !ok {
		return
	}
	current.invalidated = true
	current.generation++
}

func (c *Cache) fresh(connectionID string) (*Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	current, ok := c.entries[connectionID]
	if !ok || current.invalidated || current.snapshot == nil {
		return nil, false
	}
	if current.snapshot.Age(c.cfg.Now()) >= c.cfg.FreshnessWindow {
		return nil, false
	}
	return current.snapshot, true
}

func (c *Cache) current(connectionID string) *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if current, ok := c.entries[connectionID]; ok {
		return current.snapshot
	}
	return nil
}

func (c *Cache) refresh(ctx context.Context, connectionID string) (*Snapshot, error) {
	// A caller that lost the race to a just-finished flight lands here.
	if snapshot, ok := c.fresh(connectionID); ok {
		return snapshot, nil
	}

	c.mu.RLock()
	var startGeneration uint64
	if current, ok := c.entries[connectionID]; ok {
		startGeneration = current.generation
	}
	c.mu.RUnlock()

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	description, err := c.introspector.DescribeSchema(fetchCtx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("describe schema: %w", err)
	}
	snapshot := NewSnapshot(connectionID, description, c.cfg.Now())

	c.mu.Lock()
	current, ok := c.entries[connectionID]
	if !ok {
		current = &entry{}
		c.entries[connectionID] = current
	}
	current.snapshot = snapshot
	// An invalidation that arrived mid-fetch keeps the entry marked.
	current.invalidated = current.generation != startGeneration
	c.mu.Unlock()

	observability.ObserveSchemaFetch("ok")
	c.logger.DebugContext(ctx, "schema snapshot refreshed",
		slog.String("connection_id", connectionID),
		slog.Int("tables", snapshot.TableCount()),
		slog.Duration("duration", time.Since(start)),
	)
	return snapshot, nil
}
