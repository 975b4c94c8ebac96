package scheduling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinicops/admissions/internal/platform/cache"
	"github.com/clinicops/admissions/internal/platform/metrics"
)

func newSharedStore(t *testing.T) (*cache.JSONStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return cache.NewJSONStore(client, "scheduling"), mr
}

func TestCachedRuleSource_LoadsOnce(t *testing.T) {
	repo := &memRuleRepo{rules: DefaultRules()}
	src := NewCachedRuleSource(repo, nil, nil, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		table, err := src.Rules(ctx)
		if err != nil {
			t.Fatalf("Rules() error: %v", err)
		}
		if table.Len() != len(repo.rules) {
			t.Errorf("expected %d rules, got %d", len(repo.rules), table.Len())
		}
	}
	if repo.callCount() != 1 {
		t.Errorf("expected 1 repository load, got %d", repo.callCount())
	}
}

func TestCachedRuleSource_CoalescesConcurrentLoads(t *testing.T) {
	repo := &memRuleRepo{rules: DefaultRules(), delay: 50 * time.Millisecond}
	src := NewCachedRuleSource(repo, nil, nil, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := src.Rules(context.Background()); err != nil {
				t.Errorf("Rules() error: %v", err)
			}
		}()
	}
	wg.Wait()
	if repo.callCount() != 1 {
		t.Errorf("expected concurrent loads to coalesce into 1, got %d", repo.callCount())
	}
}

func TestCachedRuleSource_SharedCopy(t *testing.T) {
	shared, mr := newSharedStore(t)
	repo := &memRuleRepo{rules: DefaultRules()}
	reg := prometheus.NewRegistry()
	lm := metrics.NewLifecycleMetrics(reg)
	ctx := context.Background()

	first := NewCachedRuleSource(repo, shared, lm, zerolog.Nop())
	if _, err := first.Rules(ctx); err != nil {
		t.Fatalf("Rules() error: %v", err)
	}
	if !mr.Exists("scheduling:" + RulesCacheKey) {
		t.Fatal("expected rules written to redis")
	}

	// A second instance reads the shared copy without touching the database.
	second := NewCachedRuleSource(repo, shared, lm, zerolog.Nop())
	table, err := second.Rules(ctx)
	if err != nil {
		t.Fatalf("Rules() error: %v", err)
	}
	if table.Len() != len(repo.rules) {
		t.Errorf("expected %d rules from shared copy, got %d", len(repo.rules), table.Len())
	}
	if repo.callCount() != 1 {
		t.Errorf("expected 1 repository load, got %d", repo.callCount())
	}
	if got := testutil.ToFloat64(lm.RuleReloads()); got != 1 {
		t.Errorf("expected 1 reload observed, got %v", got)
	}
}

func TestCachedRuleSource_Invalidate(t *testing.T) {
	shared, mr := newSharedStore(t)
	repo := &memRuleRepo{rules: DefaultRules()}
	src := NewCachedRuleSource(repo, shared, nil, zerolog.Nop())
	ctx := context.Background()

	if _, err := src.Rules(ctx); err != nil {
		t.Fatal(err)
	}

	repo.ReplaceRules(ctx, []TransitionRule{{FromState: statusPtr(StatusScheduled), ToState: StatusConfirmed}})
	if err := src.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate() error: %v", err)
	}
	if mr.Exists("scheduling:" + RulesCacheKey) {
		t.Error("expected shared copy deleted")
	}

	table, err := src.Rules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if table.Len() != 1 {
		t.Errorf("expected reloaded table with 1 rule, got %d", table.Len())
	}
	if repo.callCount() != 2 {
		t.Errorf("expected 2 repository loads, got %d", repo.callCount())
	}
}

func TestCachedRuleSource_SnapshotTTL(t *testing.T) {
	repo := &memRuleRepo{rules: DefaultRules()}
	src := NewCachedRuleSource(repo, nil, nil, zerolog.Nop())
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return now }
	src.SetSnapshotTTL(time.Minute)
	ctx := context.Background()

	src.Rules(ctx)
	now = now.Add(30 * time.Second)
	src.Rules(ctx)
	if repo.callCount() != 1 {
		t.Fatalf("expected cached snapshot within TTL, got %d loads", repo.callCount())
	}
	now = now.Add(time.Minute)
	src.Rules(ctx)
	if repo.callCount() != 2 {
		t.Errorf("expected reload after TTL, got %d loads", repo.callCount())
	}
}

func TestCachedRuleSource_RepositoryError(t *testing.T) {
	repo := &memRuleRepo{err: errors.New("relation does not exist")}
	src := NewCachedRuleSource(repo, nil, nil, zerolog.Nop())
	if _, err := src.Rules(context.Background()); err == nil {
		t.Fatal("expected error")
	}

	repo.err = nil
	repo.rules = DefaultRules()
	if _, err := src.Rules(context.Background()); err != nil {
		t.Errorf("expected recovery after error, got %v", err)
	}
}

func TestCachedRuleSource_RedisDownFallsBack(t *testing.T) {
	shared, mr := newSharedStore(t)
	mr.Close()
	repo := &memRuleRepo{rules: DefaultRules()}
	src := NewCachedRuleSource(repo, shared, nil, zerolog.Nop())

	table, err := src.Rules(context.Background())
	if err != nil {
		t.Fatalf("expected database fallback, got %v", err)
	}
	if table.Len() == 0 {
		t.Error("expected rules from repository")
	}
}

// gatedRuleRepo holds its first ListRules call after reading the rows until
// release is closed.
type gatedRuleRepo struct {
	*memRuleRepo
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (r *gatedRuleRepo) ListRules(ctx context.Context) ([]TransitionRule, error) {
	rules, err := r.memRuleRepo.ListRules(ctx)
	first := false
	r.once.Do(func() { first = true })
	if first {
		close(r.read)
		<-r.release
	}
	return rules, err
}

func TestCachedRuleSource_InvalidateDuringLoad(t *testing.T) {
	shared, _ := newSharedStore(t)
	repo := &gatedRuleRepo{
		memRuleRepo: &memRuleRepo{rules: DefaultRules()},
		read:        make(chan struct{}),
		release:     make(chan struct{}),
	}
	src := NewCachedRuleSource(repo, shared, nil, zerolog.Nop())
	ctx := context.Background()

	staleDone := make(chan int, 1)
	go func() {
		table, err := src.Rules(ctx)
		if err != nil {
			t.Errorf("Rules() error: %v", err)
			staleDone <- -1
			return
		}
		staleDone <- table.Len()
	}()
	<-repo.read

	repo.ReplaceRules(ctx, nil)
	if err := src.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate() error: %v", err)
	}
	table, err := src.Rules(ctx)
	if err != nil {
		t.Fatalf("Rules() error: %v", err)
	}
	if table.Len() != 0 {
		t.Fatalf("expected empty table after invalidate, got %d rules", table.Len())
	}

	close(repo.release)
	if n := <-staleDone; n != len(DefaultRules()) {
		t.Errorf("expected in-flight load to return the old table, got %d rules", n)
	}

	table, err = src.Rules(ctx)
	if err != nil {
		t.Fatalf("Rules() error: %v", err)
	}
	if table.Len() != 0 {
		t.Errorf("in-flight load overwrote the snapshot: got %d rules, want 0", table.Len())
	}

	// A fresh instance sees the shared copy written after the invalidation.
	other := NewCachedRuleSource(&memRuleRepo{rules: DefaultRules()}, shared, nil, zerolog.Nop())
	table, err = other.Rules(ctx)
	if err != nil {
		t.Fatalf("Rules() error: %v", err)
	}
	if table.Len() != 0 {
		t.Errorf("in-flight load overwrote the shared copy: got %d rules, want 0", table.Len())
	}
}

func TestCachedRuleSource_SharedCopyExpires(t *testing.T) {
	shared, mr := newSharedStore(t)
	src := NewCachedRuleSource(&memRuleRepo{rules: DefaultRules()}, shared, nil, zerolog.Nop())
	if _, err := src.Rules(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL("scheduling:" + RulesCacheKey); ttl != SharedCopyTTL {
		t.Errorf("expected shared copy TTL %v, got %v", SharedCopyTTL, ttl)
	}
}
