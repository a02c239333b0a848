package cache_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"tangled.org/solarpunk.net/dtnbundle/dtn"
	"tangled.org/solarpunk.net/dtnbundle/internal/cache"
	"tangled.org/solarpunk.net/dtnbundle/internal/clock"
	"tangled.org/solarpunk.net/dtnbundle/internal/events"
	"tangled.org/solarpunk.net/dtnbundle/internal/queue"
	"tangled.org/solarpunk.net/dtnbundle/internal/storage"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Printf(format string, v ...interface{}) {
	l.t.Logf(format, v...)
}

func (l *testLogger) Println(v ...interface{}) {
	l.t.Log(v...)
}

var epoch = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store *queue.Store
	clock *clock.FakeClock
	bus   *events.Bus
	svc   *cache.Service
}

func newFixture(t *testing.T, cfg cache.Config) *fixture {
	t.Helper()
	f := &fixture{clock: clock.Fake(epoch), bus: events.NewBus()}

	var err error
	f.store, err = queue.Open(context.Background(), queue.Options{
		Backend: storage.NewMemory(),
		Clock:   f.clock,
		Logger:  &testLogger{t},
	})
	if err != nil {
		t.Fatalf("queue.Open failed: %v", err)
	}

	cfg.Clock = f.clock
	cfg.Events = f.bus
	cfg.Logger = &testLogger{t}
	f.svc = cache.New(f.store, cfg)
	return f
}

// add stores a bundle in q one second after the previous add, so
// insertion order is AddedToQueueAt order
func (f *fixture) add(t *testing.T, id string, q dtn.Queue, p dtn.Priority, size int64) {
	t.Helper()
	f.clock.Advance(time.Second)

	entry := dtn.QueueInbox
	if dtn.CanEnter(q) {
		entry = q
	}
	rec := &dtn.Record{
		Bundle: &dtn.Bundle{
			BundleID:  id,
			CreatedAt: f.clock.Now(),
			ExpiresAt: f.clock.Now().Add(time.Hour),
			Priority:  p,
			HopLimit:  4,
			SizeBytes: size,
		},
		Queue: entry,
	}
	ctx := context.Background()
	if _, _, err := f.store.Put(ctx, rec, queue.PutOptions{}); err != nil {
		t.Fatalf("Put %s failed: %v", id, err)
	}
	if q != entry {
		if _, err := f.store.Move(ctx, id, entry, q); err != nil {
			t.Fatalf("Move %s failed: %v", id, err)
		}
	}
}

func evictedIDs(result cache.EvictionResult) []string {
	ids := make([]string, len(result.Evicted))
	for i, e := range result.Evicted {
		ids[i] = e.BundleID
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ====================================================================================
// ADMISSION TESTS
// ====================================================================================

func TestAdmitEvictsExpired(t *testing.T) {
	// three 400-byte dead bundles against a 1000-byte budget, then a
	// fresh 400-byte outbox bundle
	ctx := context.Background()
	f := newFixture(t, cache.Config{BudgetBytes: 1000})

	f.add(t, "exp-1", dtn.QueueExpired, dtn.PriorityNormal, 400)
	f.add(t, "exp-2", dtn.QueueExpired, dtn.PriorityNormal, 400)
	f.add(t, "quar-1", dtn.QueueQuarantine, dtn.PriorityNormal, 400)

	fresh := &dtn.Bundle{BundleID: "fresh", SizeBytes: 400}
	if !f.svc.Admit(ctx, fresh) {
		t.Fatal("fresh bundle not admitted")
	}
	if f.store.Contains("exp-1") {
		t.Error("oldest expired bundle should have been evicted")
	}

	rec := &dtn.Record{
		Bundle: &dtn.Bundle{BundleID: "fresh", ExpiresAt: epoch.Add(time.Hour), HopLimit: 1, SizeBytes: 400},
		Queue:  dtn.QueueOutbox,
	}
	if _, _, err := f.store.Put(ctx, rec, queue.PutOptions{BudgetBytes: f.svc.Budget()}); err != nil {
		t.Fatalf("budget-guarded Put failed: %v", err)
	}
	if total := f.store.TotalBytes(); total > 1000 {
		t.Errorf("total = %d, want <= 1000", total)
	}
}

func TestAdmitFitsWithoutEviction(t *testing.T) {
	f := newFixture(t, cache.Config{BudgetBytes: 1000})
	f.add(t, "old", dtn.QueueExpired, dtn.PriorityLow, 300)

	if !f.svc.Admit(context.Background(), &dtn.Bundle{BundleID: "x", SizeBytes: 700}) {
		t.Error("exact fit should be admitted")
	}
	if !f.store.Contains("old") {
		t.Error("nothing should be evicted when the bundle fits")
	}
}

func TestAdmitOversized(t *testing.T) {
	f := newFixture(t, cache.Config{BudgetBytes: 1000})
	f.add(t, "dead", dtn.QueueExpired, dtn.PriorityLow, 500)

	if f.svc.Admit(context.Background(), &dtn.Bundle{BundleID: "huge", SizeBytes: 1001}) {
		t.Error("bundle larger than the budget admitted")
	}
	if !f.store.Contains("dead") {
		t.Error("an impossible admission must not evict")
	}
}

func TestAdmitRejectsWhenOnlyOutbox(t *testing.T) {
	f := newFixture(t, cache.Config{BudgetBytes: 1000})
	f.add(t, "mine-1", dtn.QueueOutbox, dtn.PriorityLow, 500)
	f.add(t, "mine-2", dtn.QueueOutbox, dtn.PriorityLow, 400)

	if f.svc.Admit(context.Background(), &dtn.Bundle{BundleID: "x", SizeBytes: 200}) {
		t.Error("admitted although only outbox bundles could make room")
	}
	if f.store.Len() != 2 {
		t.Error("outbox bundles must never be evicted")
	}
}

// ====================================================================================
// EVICTION ORDER TESTS
// ====================================================================================

func TestEvictionTierOrder(t *testing.T) {
	cases := []struct {
		name string
		cfg  cache.Config
		want []string
	}{
		{
			name: "Default",
			cfg:  cache.Config{BudgetBytes: 100},
			want: []string{"expired", "quarantined", "delivered", "pending-low", "inbox-low"},
		},
		{
			name: "DeliveredBeforeDead",
			cfg:  cache.Config{BudgetBytes: 100, DeliveredBeforeDead: true},
			want: []string{"delivered", "expired", "quarantined", "pending-low", "inbox-low"},
		},
		{
			name: "EvictAboveFloor",
			cfg:  cache.Config{BudgetBytes: 100, EvictAboveFloor: true},
			want: []string{"expired", "quarantined", "delivered", "pending-low", "inbox-low", "inbox-normal", "pending-high"},
		},
		{
			name: "RaisedFloor",
			cfg:  cache.Config{BudgetBytes: 100, PriorityFloor: dtn.PriorityNormal},
			want: []string{"expired", "quarantined", "delivered", "pending-low", "inbox-low", "inbox-normal"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.cfg)
			f.add(t, "pending-low", dtn.QueuePending, dtn.PriorityLow, 100)
			f.add(t, "pending-high", dtn.QueuePending, dtn.PriorityHigh, 100)
			f.add(t, "delivered", dtn.QueueDelivered, dtn.PriorityEmergency, 100)
			f.add(t, "outbox", dtn.QueueOutbox, dtn.PriorityLow, 100)
			f.add(t, "expired", dtn.QueueExpired, dtn.PriorityHigh, 100)
			f.add(t, "inbox-low", dtn.QueueInbox, dtn.PriorityLow, 100)
			f.add(t, "quarantined", dtn.QueueQuarantine, dtn.PriorityLow, 100)
			f.add(t, "inbox-normal", dtn.QueueInbox, dtn.PriorityNormal, 100)

			result := f.svc.EnforceBudget(context.Background())

			if got := evictedIDs(result); !equalIDs(got, tc.want) {
				t.Errorf("evicted %v, want %v", got, tc.want)
			}
			if !f.store.Contains("outbox") {
				t.Error("outbox bundle evicted")
			}
			if result.FreedBytes != int64(100*len(tc.want)) {
				t.Errorf("freed = %d", result.FreedBytes)
			}
		})
	}
}

func TestEvictionTieBreak(t *testing.T) {
	f := newFixture(t, cache.Config{BudgetBytes: 1})
	ctx := context.Background()

	// same AddedToQueueAt: smaller first, then id
	for _, b := range []struct {
		id   string
		size int64
	}{{"c", 300}, {"b", 100}, {"a", 100}} {
		rec := &dtn.Record{
			Bundle:         &dtn.Bundle{BundleID: b.id, ExpiresAt: epoch.Add(time.Hour), HopLimit: 1, SizeBytes: b.size},
			Queue:          dtn.QueueQuarantine,
			AddedToQueueAt: epoch,
		}
		if _, _, err := f.store.Put(ctx, rec, queue.PutOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	result := f.svc.EnforceBudget(ctx)
	if got := evictedIDs(result); !equalIDs(got, []string{"a", "b", "c"}) {
		t.Errorf("evicted %v, want [a b c]", got)
	}
}

func TestEvictionStopsAtBudget(t *testing.T) {
	f := newFixture(t, cache.Config{BudgetBytes: 250})
	for i := 0; i < 5; i++ {
		f.add(t, fmt.Sprintf("d%d", i), dtn.QueueDelivered, dtn.PriorityLow, 100)
	}

	result := f.svc.EnforceBudget(context.Background())
	if got := evictedIDs(result); !equalIDs(got, []string{"d0", "d1", "d2"}) {
		t.Errorf("evicted %v, want the three oldest", got)
	}
	if result.Exhausted {
		t.Error("budget reached, should not be exhausted")
	}
	if f.store.TotalBytes() != 200 {
		t.Errorf("total = %d, want 200", f.store.TotalBytes())
	}
}

func TestEnforceBudgetBound(t *testing.T) {
	queues := []dtn.Queue{dtn.QueueOutbox, dtn.QueueInbox, dtn.QueuePending, dtn.QueueDelivered, dtn.QueueExpired, dtn.QueueQuarantine}
	priorities := []dtn.Priority{dtn.PriorityLow, dtn.PriorityNormal, dtn.PriorityHigh, dtn.PriorityEmergency}

	for _, budget := range []int64{0, 1, 500, 2000, 10000} {
		for _, above := range []bool{false, true} {
			t.Run(fmt.Sprintf("budget=%d/above=%v", budget, above), func(t *testing.T) {
				f := newFixture(t, cache.Config{BudgetBytes: budget, EvictAboveFloor: above})
				for i := 0; i < 40; i++ {
					q := queues[i%len(queues)]
					p := priorities[(i/3)%len(priorities)]
					f.add(t, fmt.Sprintf("b%02d", i), q, p, int64(50+i*7))
				}

				result := f.svc.EnforceBudget(context.Background())
				total := f.store.TotalBytes()
				if total > budget && !result.Exhausted {
					t.Errorf("total %d > budget %d without Exhausted", total, budget)
				}
				if result.Exhausted && total <= budget {
					t.Errorf("Exhausted set although total %d <= budget %d", total, budget)
				}
				if f.store.Counts()[dtn.QueueOutbox] == 0 {
					t.Error("outbox bundles evicted")
				}
			})
		}
	}
}

func TestEvictionPublishesEvents(t *testing.T) {
	f := newFixture(t, cache.Config{BudgetBytes: 0})
	ch, cancel := f.bus.Subscribe(8)
	defer cancel()

	f.add(t, "gone", dtn.QueueDelivered, dtn.PriorityLow, 10)
	f.svc.EnforceBudget(context.Background())

	select {
	case ev := <-ch:
		if ev.Kind != events.BundleEvicted || ev.BundleID != "gone" || ev.Reason != string(cache.TierDelivered) {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Error("no bundle.evicted event")
	}
}

// ====================================================================================
// STATS & LOOP TESTS
// ====================================================================================

func TestStats(t *testing.T) {
	f := newFixture(t, cache.Config{BudgetBytes: 1000})
	f.add(t, "a", dtn.QueueOutbox, dtn.PriorityLow, 200)
	f.add(t, "b", dtn.QueuePending, dtn.PriorityLow, 50)

	st := f.svc.Stats()
	if st.TotalBytes != 250 || st.BudgetBytes != 1000 || st.AvailableBytes != 750 {
		t.Errorf("stats = %+v", st)
	}
	if st.UtilizationPercent != 25 {
		t.Errorf("utilization = %v, want 25", st.UtilizationPercent)
	}
	if st.BundleCount != 2 {
		t.Errorf("count = %d", st.BundleCount)
	}
	if st.Queues["outbox"].Bytes != 200 || st.Queues["pending"].Count != 1 || st.Queues["expired"].Count != 0 {
		t.Errorf("queues = %+v", st.Queues)
	}
}

func TestRunLoop(t *testing.T) {
	f := newFixture(t, cache.Config{BudgetBytes: 100, Interval: time.Minute})
	f.add(t, "dead", dtn.QueueExpired, dtn.PriorityLow, 150)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.Run(ctx)
		close(done)
	}()

	f.clock.WaitForTickers(1)
	f.clock.Advance(time.Minute)

	deadline := time.Now().Add(5 * time.Second)
	for f.store.Contains("dead") {
		if time.Now().After(deadline) {
			t.Fatal("loop never enforced the budget")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunOnDemandOnly(t *testing.T) {
	f := newFixture(t, cache.Config{BudgetBytes: 100})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
