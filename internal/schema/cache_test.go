package schema

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type fakeIntrospector struct {
	calls   atomic.Int32
	mu      sync.Mutex
	desc    Description
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeIntrospector) DescribeSchema(ctx context.Context, connectionID string) (Description, error) {
	f.calls.Add(1)
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return Description{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.desc, f.err
}

func (f *fakeIntrospector) set(desc Description, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.desc = desc
	f.err = err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func ordersDescription() Description {
	return Description{Tables: []Table{
		{Name: "orders", Columns: []Column{{Name: "id", Type: "integer"}, {Name: "customer_id", Type: "integer"}}},
		{Name: "customers", Columns: []Column{{Name: "id", Type: "integer"}, {Name: "name", Type: "text", Nullable: true}}},
	}}
}

func newTestCache(t *testing.T, intro Introspector, clock *fakeClock) *Cache {
	t.Helper()
	cache, err := NewCache(intro, CacheConfig{FreshnessWindow: time.Minute, FetchTimeout: time.Second, Now: clock.Now})
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	return cache
}

func TestCacheGetFetchesOnMissAndReusesFreshSnapshot(t *testing.T) {
	intro := &fakeIntrospector{desc: ordersDescription()}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := newTestCache(t, intro, clock)

	first, err := cache.Get(context.Background(), "db1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if first.Stale || first.Snapshot == nil || first.Snapshot.TableCount() != 2 {
		t.Fatalf("unexpected lookup: %+v", first)
	}

	clock.Advance(30 * time.Second)
	second, err := cache.Get(context.Background(), "db1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if second.Snapshot != first.Snapshot {
		t.Fatal("expected cached snapshot to be reused inside freshness window")
	}
	if got := intro.calls.Load(); got != 1 {
		t.Fatalf("introspector calls = %d, want 1", got)
	}
}

func TestCacheGetRefreshesAfterFreshnessWindow(t *testing.T) {
	intro := &fakeIntrospector{desc: ordersDescription()}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := newTestCache(t, intro, clock)

	first, _ := cache.Get(context.Background(), "db1")
	clock.Advance(2 * time.Minute)
	intro.set(Description{Tables: []Table{{Name: "customers"}}}, nil)

	second, err := cache.Get(context.Background(), "db1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if second.Snapshot == first.Snapshot {
		t.Fatal("expected a new snapshot after expiry")
	}
	if second.Snapshot.TableCount() != 1 {
		t.Fatalf("TableCount() = %d, want 1", second.Snapshot.TableCount())
	}
	if first.Snapshot.TableCount() != 2 {
		t.Fatal("previous snapshot must not be mutated by refresh")
	}
}

func TestCacheInvalidateForcesRefresh(t *testing.T) {
	intro := &fakeIntrospector{desc: ordersDescription()}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := newTestCache(t, intro, clock)

	if _, err := cache.Get(context.Background(), "db1"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	cache.Invalidate("db1")
	cache.Invalidate("unknown")
	if _, err := cache.Get(context.Background(), "db1"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := intro.calls.Load(); got != 2 {
		t.Fatalf("introspector calls = %d, want 2", got)
	}
}

func TestCacheServesStaleSnapshotWhenRefreshFails(t *testing.T) {
	intro := &fakeIntrospector{desc: ordersDescription()}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := newTestCache(t, intro, clock)

	first, _ := cache.Get(context.Background(), "db1")
	clock.Advance(5 * time.Minute)
	boom := errors.New("connection refused")
	intro.set(Description{}, boom)

	lookup, err := cache.Get(context.Background(), "db1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !lookup.Stale {
		t.Fatal("expected stale flag")
	}
	if lookup.Snapshot != first.Snapshot {
		t.Fatal("expected previous snapshot")
	}
	if !errors.Is(lookup.FetchErr, boom) {
		t.Fatalf("FetchErr = %v", lookup.FetchErr)
	}
}

func TestCacheReturnsSchemaUnavailableWithoutSnapshot(t *testing.T) {
	intro := &fakeIntrospector{err: errors.New("no route to host")}
	clock := &fakeClock{now: time.Now()}
	cache := newTestCache(t, intro, clock)

	_, err := cache.Get(context.Background(), "db1")
	if !errors.Is(err, ErrSchemaUnavailable) {
		t.Fatalf("Get() error = %v, want ErrSchemaUnavailable", err)
	}
}

func TestCacheSingleFlightSharesOneFetch(t *testing.T) {
	defer goleak.VerifyNone(t)

	intro := &fakeIntrospector{
		desc:    ordersDescription(),
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	clock := &fakeClock{now: time.Now()}
	cache := newTestCache(t, intro, clock)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*Snapshot, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lookup, err := cache.Get(context.Background(), "db1")
			results[i] = lookup.Snapshot
			errs[i] = err
		}(i)
	}

	<-intro.started
	time.Sleep(20 * time.Millisecond)
	close(intro.release)
	wg.Wait()

	if got := intro.calls.Load(); got != 1 {
		t.Fatalf("introspector calls = %d, want 1", got)
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d error = %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different snapshot", i)
		}
	}
}

func TestCacheCallerCancellationDoesNotAbortSharedFetch(t *testing.T) {
	defer goleak.VerifyNone(t)

	intro := &fakeIntrospector{
		desc:    ordersDescription(),
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	clock := &fakeClock{now: time.Now()}
	cache := newTestCache(t, intro, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx, "db1")
		done <- err
	}()

	<-intro.started
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Get() error = %v, want context.Canceled", err)
	}

	close(intro.release)
	lookup, err := cache.Get(context.Background(), "db1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if lookup.Snapshot == nil || lookup.Snapshot.TableCount() != 2 {
		t.Fatalf("unexpected lookup: %+v", lookup)
	}
	if got := intro.calls.Load(); got != 1 {
		t.Fatalf("introspector calls = %d, want 1", got)
	}
}

type gatedIntrospector struct {
	desc        Description
	gated       atomic.Bool
	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	started     chan struct{}
	release     chan struct{}
}

func (g *gatedIntrospector) DescribeSchema(ctx context.Context, connectionID string) (Description, error) {
	g.calls.Add(1)
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		peak := g.maxInFlight.Load()
		if n <= peak || g.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	if g.gated.Load() {
		g.started <- struct{}{}
		select {
		case <-g.release:
		case <-ctx.Done():
			return Description{}, ctx.Err()
		}
	}
	return g.desc, nil
}

func TestCacheInvalidateDuringFetchKeepsSingleFlight(t *testing.T) {
	defer goleak.VerifyNone(t)

	intro := &gatedIntrospector{
		desc:    ordersDescription(),
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	clock := &fakeClock{now: time.Now()}
	cache := newTestCache(t, intro, clock)

	if _, err := cache.Get(context.Background(), "db1"); err != nil {
		t.Fatalf("seed Get() error = %v", err)
	}

	intro.gated.Store(true)
	cache.Invalidate("db1")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = cache.Get(context.Background(), "db1")
	}()
	<-intro.started

	cache.Invalidate("db1")
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[1] = cache.Get(context.Background(), "db1")
	}()
	time.Sleep(20 * time.Millisecond)
	close(intro.release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d error = %v", i, err)
		}
	}
	if got := intro.maxInFlight.Load(); got != 1 {
		t.Fatalf("max concurrent fetches = %d, want 1", got)
	}
	if got := intro.calls.Load(); got != 2 {
		t.Fatalf("introspector calls = %d, want 2", got)
	}

	// The invalidation that landed mid-fetch still forces the next refresh.
	if _, err := cache.Get(context.Background(), "db1"); err != nil {
		t.Fatalf("Get() after flight error = %v", err)
	}
	if got := intro.calls.Load(); got != 3 {
		t.Fatalf("introspector calls = %d, want 3", got)
	}
}

func TestNewCacheRequiresIntrospector(t *testing.T) {
	if _, err := NewCache(nil, CacheConfig{}); err == nil {
		t.Fatal("expected error for nil introspector")
	}
}
