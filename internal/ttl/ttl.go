// Package ttl moves bundles whose absolute expiry has passed into the
// expired queue.
package ttl

import (
	"context"
	"errors"
	"time"

	"tangled.org/solarpunk.net/dtnbundle/dtn"
	"tangled.org/solarpunk.net/dtnbundle/internal/clock"
	"tangled.org/solarpunk.net/dtnbundle/internal/events"
	"tangled.org/solarpunk.net/dtnbundle/internal/metrics"
	"tangled.org/solarpunk.net/dtnbundle/internal/queue"
	"tangled.org/solarpunk.net/dtnbundle/internal/types"
)

// DefaultInterval is how often Run sweeps when no interval is configured
const DefaultInterval = 60 * time.Second

// sweptQueues are the non-terminal queues a sweep inspects
var sweptQueues = []dtn.Queue{dtn.QueueInbox, dtn.QueueOutbox, dtn.QueuePending}

// Config configures the TTL service
type Config struct {
	Interval time.Duration
	Clock    clock.Clock
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Logger   types.Logger
}

// Service enforces bundle expiry
type Service struct {
	store    *queue.Store
	interval time.Duration
	clock    clock.Clock
	events   events.Publisher
	metrics  *metrics.Metrics
	logger   types.Logger
}

// SweepResult summarizes one sweep
type SweepResult struct {
	Scanned  int
	Expired  int
	Failed   int
	Duration time.Duration
}

func New(store *queue.Store, cfg Config) *Service {
	s := &Service{
		store:    store,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		logger:   types.OrDefault(cfg.Logger),
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.events == nil {
		s.events = events.Discard
	}
	return s
}

// SweepOnce moves every bundle in inbox, outbox or pending with
// now >= ExpiresAt to expired. A failure on one bundle is logged and
// counted; the sweep goes on. Cancellation stops the sweep between
// bundles and leaves completed moves in place.
func (s *Service) SweepOnce(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	now := s.clock.Now()
	var result SweepResult

	candidates := s.store.List(queue.Filter{}, sweptQueues...)
	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}

		result.Scanned++
		if !rec.Bundle.Expired(now) {
			continue
		}

		moved, err := s.store.Move(ctx, rec.ID(), rec.Queue, dtn.QueueExpired)
		if err != nil {
			// moved elsewhere since listing; the other mover owns it now
			if errors.Is(err, dtn.ErrQueueMismatch) || errors.Is(err, dtn.ErrNotFound) {
				continue
			}
			result.Failed++
			s.logger.Printf("[TTL] Failed to expire %s: %v", shortID(rec.ID()), err)
			continue
		}

		result.Expired++
		s.events.Publish(events.FromRecord(events.BundleExpired, moved, now))
	}

	result.Duration = time.Since(start)
	s.metrics.RecordExpired(result.Expired)
	s.metrics.RecordSweep("ttl", result.Duration)
	return result, nil
}

// Run sweeps on every tick until ctx is cancelled. An in-progress sweep
// is allowed to finish before Run returns. Panics inside a sweep are
// recovered and logged.
func (s *Service) Run(ctx context.Context) {
	s.logger.Printf("[TTL] Loop started (interval: %s)", s.interval)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("[TTL] Loop stopped")
			return

		case <-ticker.C:
			// detached so a shutdown mid-sweep still completes the pass
			s.safeSweep(context.WithoutCancel(ctx))
		}
	}
}

func (s *Service) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("[TTL] Sweep panicked: %v", r)
		}
	}()

	result, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Printf("[TTL] Sweep interrupted: %v", err)
	}
	if result.Expired > 0 || result.Failed > 0 {
		s.logger.Printf("[TTL] Sweep: scanned %d, expired %d, failed %d (%s)",
			result.Scanned, result.Expired, result.Failed, result.Duration.Round(time.Millisecond))
	}
}

// Interval returns the configured sweep interval
func (s *Service) Interval() time.Duration {
	return s.interval
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
