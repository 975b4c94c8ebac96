package scheduling

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/clinicops/admissions/internal/platform/cache"
	"github.com/clinicops/admissions/internal/platform/metrics"
)

// RulesCacheKey is the Redis key (under the "scheduling" prefix) holding the
// shared copy of the rule table.
const RulesCacheKey = "transition_rules"

// DefaultSnapshotTTL is how long an instance serves its in-process table before
// re-reading the shared copy.
const DefaultSnapshotTTL = 30 * time.Second

// SharedCopyTTL bounds how long the Redis copy lives without an invalidation.
const SharedCopyTTL = 10 * time.Minute

type snapshot struct {
	table      *RuleTable
	loadedAt   time.Time
	generation uint64
}

// CachedRuleSource loads the rule table from the repository once and serves it
// from memory. A Redis copy lets other instances skip the database; Invalidate
// drops both so the next read reloads from the repository. A load that started
// before an Invalidate never publishes its table.
type CachedRuleSource struct {
	repo    RuleRepository
	shared  *cache.JSONStore
	metrics *metrics.LifecycleMetrics
	logger  zerolog.Logger
	ttl     time.Duration
	now     func() time.Time

	current    atomic.Pointer[snapshot]
	generation atomic.Uint64
	group      singleflight.Group
}

// NewCachedRuleSource builds a cache over repo. shared may be nil to keep the
// cache process-local.
func NewCachedRuleSource(repo RuleRepository, shared *cache.JSONStore, m *metrics.LifecycleMetrics, logger zerolog.Logger) *CachedRuleSource {
	return &CachedRuleSource{
		repo:    repo,
		shared:  shared,
		metrics: m,
		logger:  logger,
		ttl:     DefaultSnapshotTTL,
		now:     time.Now,
	}
}

// SetSnapshotTTL changes how long the in-process table is trusted. Zero means forever.
func (s *CachedRuleSource) SetSnapshotTTL(d time.Duration) { s.ttl = d }

func (s *CachedRuleSource) Rules(ctx context.Context) (*RuleTable, error) {
	if snap := s.current.Load(); snap != nil && s.fresh(snap) {
		return snap.table, nil
	}
	v, err, _ := s.group.Do("rules", func() (any, error) {
		gen := s.generation.Load()
		table, err := s.load(ctx, gen)
		if err != nil {
			return nil, err
		}
		if s.generation.Load() == gen {
			s.current.Store(&snapshot{table: table, loadedAt: s.now(), generation: gen})
		}
		return table, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RuleTable), nil
}

func (s *CachedRuleSource) fresh(snap *snapshot) bool {
	if snap.generation != s.generation.Load() {
		return false
	}
	return s.ttl <= 0 || s.now().Sub(snap.loadedAt) < s.ttl
}

func (s *CachedRuleSource) load(ctx context.Context, gen uint64) (*RuleTable, error) {
	if s.shared != nil {
		var rules []TransitionRule
		hit, err := s.shared.Get(ctx, RulesCacheKey, &rules)
		if err != nil {
			s.logger.Warn().Err(err).Msg("transition rule cache read failed, falling back to database")
		}
		if hit {
			if table, err := NewRuleTable(rules); err == nil {
				return table, nil
			}
			s.logger.Warn().Msg("discarding invalid cached transition rules")
		}
	}

	rules, err := s.repo.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load transition rules: %w", err)
	}
	table, err := NewRuleTable(rules)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveRuleReload()
	if table.Len() == 0 {
		s.logger.Warn().Msg("transition rule table is empty; every status change will be rejected")
	}
	s.logger.Info().Int("rules", table.Len()).Msg("transition rules loaded")

	if s.shared != nil && s.generation.Load() == gen {
		if err := s.shared.Set(ctx, RulesCacheKey, rules, SharedCopyTTL); err != nil {
			s.logger.Warn().Err(err).Msg("transition rule cache write failed")
		}
		// Invalidate may have run between the check and the write.
		if s.generation.Load() != gen {
			if err := s.shared.Delete(ctx, RulesCacheKey); err != nil {
				s.logger.Warn().Err(err).Msg("transition rule cache delete failed")
			}
		}
	}
	return table, nil
}

// Invalidate forgets the cached table here and in Redis.
func (s *CachedRuleSource) Invalidate(ctx context.Context) error {
	s.generation.Add(1)
	s.current.Store(nil)
	s.group.Forget("rules")
	if s.shared != nil {
		return s.shared.Delete(ctx, RulesCacheKey)
	}
	return nil
}
