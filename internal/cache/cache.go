// Package cache keeps the bytes held by the queue store under the
// configured budget by evicting bundles in tiers.
package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"tangled.org/solarpunk.net/dtnbundle/dtn"
	"tangled.org/solarpunk.net/dtnbundle/internal/clock"
	"tangled.org/solarpunk.net/dtnbundle/internal/events"
	"tangled.org/solarpunk.net/dtnbundle/internal/metrics"
	"tangled.org/solarpunk.net/dtnbundle/internal/queue"
	"tangled.org/solarpunk.net/dtnbundle/internal/types"
)

// Tier names one eviction class
type Tier string

const (
	TierDead       Tier = "dead"
	TierDelivered  Tier = "delivered"
	TierBelowFloor Tier = "below_floor"
	TierAboveFloor Tier = "above_floor"
)

// Config configures the cache service
type Config struct {
	BudgetBytes         int64
	PriorityFloor       dtn.Priority
	EvictAboveFloor     bool
	DeliveredBeforeDead bool

	// Interval > 0 makes Run enforce the budget periodically
	Interval time.Duration

	Clock   clock.Clock
	Events  events.Publisher
	Metrics *metrics.Metrics
	Logger  types.Logger
}

// Service enforces the storage budget
type Service struct {
	store  *queue.Store
	cfg    Config
	logger types.Logger

	// one eviction pass at a time
	mu sync.Mutex
}

// Eviction describes one removed bundle
type Eviction struct {
	BundleID  string    `json:"bundle_id"`
	Queue     dtn.Queue `json:"queue"`
	Tier      Tier      `json:"tier"`
	SizeBytes int64     `json:"size_bytes"`
}

// EvictionResult summarizes an eviction pass. Exhausted is set when the
// target could not be reached with the candidates available.
type EvictionResult struct {
	Evicted    []Eviction `json:"evicted"`
	FreedBytes int64      `json:"freed_bytes"`
	Exhausted  bool       `json:"exhausted"`
}

// QueueStats is the occupancy of one queue
type QueueStats struct {
	Count int   `json:"count"`
	Bytes int64 `json:"bytes"`
}

// Stats is a snapshot of cache occupancy
type Stats struct {
	TotalBytes         int64                 `json:"total_bytes"`
	BudgetBytes        int64                 `json:"budget_bytes"`
	AvailableBytes     int64                 `json:"available_bytes"`
	UtilizationPercent float64               `json:"utilization_percent"`
	BundleCount        int                   `json:"bundle_count"`
	PriorityFloor      dtn.Priority          `json:"priority_floor"`
	EvictAboveFloor    bool                  `json:"evict_above_floor"`
	Queues             map[string]QueueStats `json:"queues"`
}

func New(store *queue.Store, cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if !cfg.PriorityFloor.Valid() {
		cfg.PriorityFloor = dtn.PriorityLow
	}
	return &Service{
		store:  store,
		cfg:    cfg,
		logger: types.OrDefault(cfg.Logger),
	}
}

// Budget returns the configured budget in bytes
func (s *Service) Budget() int64 {
	return s.cfg.BudgetBytes
}

// Admit reports whether b fits under the budget, evicting to make room
// if needed. A bundle larger than the whole budget is never admitted and
// never causes eviction.
func (s *Service) Admit(ctx context.Context, b *dtn.Bundle) bool {
	size := b.SizeBytes
	budget := s.cfg.BudgetBytes
	if size > budget {
		return false
	}
	if s.store.TotalBytes()+size <= budget {
		return true
	}

	result := s.evictTo(ctx, budget-size)
	if len(result.Evicted) > 0 {
		s.logger.Printf("[Cache] Evicted %d bundles (%d bytes) to admit %s",
			len(result.Evicted), result.FreedBytes, shortID(b.BundleID))
	}
	return s.store.TotalBytes()+size <= budget
}

// EnforceBudget evicts until the store is within budget or no
// candidate remains
func (s *Service) EnforceBudget(ctx context.Context) EvictionResult {
	start := time.Now()
	result := s.evictTo(ctx, s.cfg.BudgetBytes)
	s.cfg.Metrics.RecordSweep("cache", time.Since(start))
	return result
}

func (s *Service) evictTo(ctx context.Context, target int64) EvictionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result EvictionResult
	defer s.publishState()

	if s.store.TotalBytes() <= target {
		return result
	}

	now := s.cfg.Clock.Now()
	for _, tier := range s.tierOrder() {
		for _, rec := range s.candidates(tier) {
			if s.store.TotalBytes() <= target {
				return result
			}
			if ctx.Err() != nil {
				result.Exhausted = s.store.TotalBytes() > target
				return result
			}

			removed, err := s.store.DeleteFrom(ctx, rec.ID(), rec.Queue)
			if err != nil {
				if !errors.Is(err, dtn.ErrQueueMismatch) && !errors.Is(err, dtn.ErrNotFound) {
					s.logger.Printf("[Cache] Failed to evict %s: %v", shortID(rec.ID()), err)
				}
				continue
			}

			result.Evicted = append(result.Evicted, Eviction{
				BundleID:  removed.ID(),
				Queue:     removed.Queue,
				Tier:      tier,
				SizeBytes: removed.Bundle.SizeBytes,
			})
			result.FreedBytes += removed.Bundle.SizeBytes

			ev := events.FromRecord(events.BundleEvicted, removed, now)
			ev.Reason = string(tier)
			s.cfg.Events.Publish(ev)
			s.cfg.Metrics.RecordEvicted(string(tier))
		}
	}

	result.Exhausted = s.store.TotalBytes() > target
	return result
}

func (s *Service) tierOrder() []Tier {
	tiers := []Tier{TierDead, TierDelivered, TierBelowFloor}
	if s.cfg.DeliveredBeforeDead {
		tiers[0], tiers[1] = tiers[1], tiers[0]
	}
	if s.cfg.EvictAboveFloor {
		tiers = append(tiers, TierAboveFloor)
	}
	return tiers
}

// candidates returns the bundles of tier in eviction order. Outbox is
// never a candidate.
func (s *Service) candidates(tier Tier) []*dtn.Record {
	floor := s.cfg.PriorityFloor
	var recs []*dtn.Record

	switch tier {
	case TierDead:
		recs = s.store.List(queue.Filter{}, dtn.QueueExpired, dtn.QueueQuarantine)
	case TierDelivered:
		recs = s.store.List(queue.Filter{}, dtn.QueueDelivered)
	case TierBelowFloor, TierAboveFloor:
		for _, rec := range s.store.List(queue.Filter{}, dtn.QueuePending, dtn.QueueInbox) {
			below := rec.Bundle.Priority <= floor
			if below == (tier == TierBelowFloor) {
				recs = append(recs, rec)
			}
		}
	}

	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if tier == TierAboveFloor && a.Bundle.Priority != b.Bundle.Priority {
			return a.Bundle.Priority < b.Bundle.Priority
		}
		if !a.AddedToQueueAt.Equal(b.AddedToQueueAt) {
			return a.AddedToQueueAt.Before(b.AddedToQueueAt)
		}
		if a.Bundle.SizeBytes != b.Bundle.SizeBytes {
			return a.Bundle.SizeBytes < b.Bundle.SizeBytes
		}
		return a.ID() < b.ID()
	})
	return recs
}

// Stats returns current occupancy
func (s *Service) Stats() Stats {
	total := s.store.TotalBytes()
	budget := s.cfg.BudgetBytes

	st := Stats{
		TotalBytes:      total,
		BudgetBytes:     budget,
		AvailableBytes:  max(budget-total, 0),
		BundleCount:     s.store.Len(),
		PriorityFloor:   s.cfg.PriorityFloor,
		EvictAboveFloor: s.cfg.EvictAboveFloor,
		Queues:          make(map[string]QueueStats, len(dtn.AllQueues)),
	}
	if budget > 0 {
		st.UtilizationPercent = float64(total) / float64(budget) * 100
	}

	counts := s.store.Counts()
	bytes := s.store.QueueBytes()
	for _, q := range dtn.AllQueues {
		st.Queues[q.String()] = QueueStats{Count: counts[q], Bytes: bytes[q]}
	}
	return st
}

func (s *Service) publishState() {
	s.cfg.Metrics.SetStoreState(s.store.Counts(), s.store.TotalBytes(), s.cfg.BudgetBytes)
}

// Run enforces the budget every Interval until ctx is cancelled. With
// no interval it only refreshes metrics once and waits.
func (s *Service) Run(ctx context.Context) {
	s.publishState()

	if s.cfg.Interval <= 0 {
		s.logger.Printf("[Cache] Periodic enforcement disabled (on demand only)")
		<-ctx.Done()
		return
	}

	s.logger.Printf("[Cache] Loop started (interval: %s, budget: %d bytes)", s.cfg.Interval, s.cfg.BudgetBytes)

	ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("[Cache] Loop stopped")
			return

		case <-ticker.C:
			s.safeEnforce(context.WithoutCancel(ctx))
		}
	}
}

func (s *Service) safeEnforce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("[Cache] Enforcement panicked: %v", r)
		}
	}()

	result := s.EnforceBudget(ctx)
	if len(result.Evicted) > 0 {
		s.logger.Printf("[Cache] Evicted %d bundles, freed %d bytes", len(result.Evicted), result.FreedBytes)
	}
	if result.Exhausted {
		s.logger.Printf("[Cache] Over budget with no evictable bundles left (%d / %d bytes)",
			s.store.TotalBytes(), s.cfg.BudgetBytes)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
