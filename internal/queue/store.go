// Package queue keeps every stored bundle in exactly one of the six
// lifecycle queues and accounts for the bytes they occupy.
package queue

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"tangled.org/solarpunk.net/dtnbundle/dtn"
	"tangled.org/solarpunk.net/dtnbundle/internal/clock"
	"tangled.org/solarpunk.net/dtnbundle/internal/storage"
	"tangled.org/solarpunk.net/dtnbundle/internal/types"
)

const stripeCount = 64

// Options configures a Store
type Options struct {
	Backend storage.Backend
	Clock   clock.Clock
	Logger  types.Logger
}

// Store is the queue store. Operations on one bundle id are serialized
// by a striped lock; unrelated bundles proceed in parallel. The durable
// row is always committed before the in-memory index changes.
//
// Lock order: stripe, then acct, then idx.
type Store struct {
	backend storage.Backend
	clock   clock.Clock
	logger  types.Logger

	stripes [stripeCount]sync.Mutex

	// acct serializes inserts and deletes so the byte counter committed
	// with each row is exact
	acct sync.Mutex
	used int64

	idx     sync.RWMutex
	records map[string]*dtn.Record
}

// PutOptions controls insertion
type PutOptions struct {
	// BudgetBytes > 0 makes Put refuse (ErrBudgetExceeded) any insert
	// that would push TotalBytes above it
	BudgetBytes int64
}

// Open loads all records from the backend
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("queue store requires a backend")
	}
	s := &Store{
		backend: opts.Backend,
		clock:   opts.Clock,
		logger:  types.OrDefault(opts.Logger),
		records: make(map[string]*dtn.Record),
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}

	records, used, err := s.backend.Load(ctx)
	if err != nil {
		return nil, err
	}

	var sum int64
	for _, rec := range records {
		if !rec.Queue.Valid() {
			s.logger.Printf("[Queue] Skipping %s: invalid queue %d", rec.ID(), rec.Queue)
			continue
		}
		s.records[rec.ID()] = rec
		sum += rec.Bundle.SizeBytes
	}

	if sum != used {
		s.logger.Printf("[Queue] Byte counter %d does not match stored records (%d), repairing", used, sum)
		if err := s.backend.Commit(ctx, storage.Mutation{UsedBytes: storage.Int64(sum)}); err != nil {
			return nil, err
		}
	}
	s.used = sum

	return s, nil
}

func (s *Store) stripe(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.stripes[h.Sum32()%stripeCount]
}

func (s *Store) lookup(id string) *dtn.Record {
	s.idx.RLock()
	defer s.idx.RUnlock()
	return s.records[id]
}

// Put inserts rec into rec.Queue, which must be an entry queue. If the
// bundle id is already stored, the existing record is returned with
// inserted=false and nothing changes.
func (s *Store) Put(ctx context.Context, rec *dtn.Record, opts PutOptions) (stored *dtn.Record, inserted bool, err error) {
	if rec == nil || rec.Bundle == nil || rec.Bundle.BundleID == "" {
		return nil, false, fmt.Errorf("%w: record without bundle id", dtn.ErrInvalidBundle)
	}
	if !dtn.CanEnter(rec.Queue) {
		return nil, false, fmt.Errorf("%w: cannot insert into %s", dtn.ErrIllegalTransition, rec.Queue)
	}

	id := rec.ID()
	lock := s.stripe(id)
	lock.Lock()
	defer lock.Unlock()

	if existing := s.lookup(id); existing != nil {
		return existing.Clone(), false, nil
	}

	rec = rec.Clone()
	if rec.AddedToQueueAt.IsZero() {
		rec.AddedToQueueAt = s.clock.Now()
	}
	if rec.Bundle.SizeBytes <= 0 {
		size, err := rec.Bundle.WireSize()
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", dtn.ErrInvalidBundle, err)
		}
		rec.Bundle.SizeBytes = size
	}
	size := rec.Bundle.SizeBytes

	s.acct.Lock()
	defer s.acct.Unlock()

	if opts.BudgetBytes > 0 && s.used+size > opts.BudgetBytes {
		return nil, false, fmt.Errorf("%w: %d + %d > %d", dtn.ErrBudgetExceeded, s.used, size, opts.BudgetBytes)
	}

	next := s.used + size
	if err := s.backend.Commit(ctx, storage.Mutation{Put: []*dtn.Record{rec}, UsedBytes: &next}); err != nil {
		return nil, false, err
	}
	s.used = next

	s.idx.Lock()
	s.records[id] = rec
	s.idx.Unlock()

	return rec.Clone(), true, nil
}

// Get returns a copy of the record for id
func (s *Store) Get(id string) (*dtn.Record, error) {
	rec := s.lookup(id)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", dtn.ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// Contains reports whether id is stored in any queue
func (s *Store) Contains(id string) bool {
	return s.lookup(id) != nil
}

// Move transitions id from one queue to another. The current queue
// must equal from and the transition must be legal. AddedToQueueAt is
// reset to now.
func (s *Store) Move(ctx context.Context, id string, from, to dtn.Queue) (*dtn.Record, error) {
	return s.update(ctx, id, func(rec *dtn.Record) error {
		if rec.Queue != from {
			return fmt.Errorf("%w: %s is in %s, not %s", dtn.ErrQueueMismatch, id, rec.Queue, from)
		}
		if !from.CanMoveTo(to) {
			return fmt.Errorf("%w: %s -> %s", dtn.ErrIllegalTransition, from, to)
		}
		rec.Queue = to
		rec.AddedToQueueAt = s.clock.Now()
		return nil
	})
}

// MarkForwarded records that id was transmitted to peerID. A bundle
// still in outbox or inbox moves to pending in the same commit.
func (s *Store) MarkForwarded(ctx context.Context, id, peerID string) (*dtn.Record, error) {
	if peerID == "" {
		return nil, fmt.Errorf("%w: empty peer id", dtn.ErrInvalidBundle)
	}
	return s.update(ctx, id, func(rec *dtn.Record) error {
		rec.AddForwardedTo(peerID)
		if rec.Queue == dtn.QueueOutbox || rec.Queue == dtn.QueueInbox {
			rec.Queue = dtn.QueuePending
			rec.AddedToQueueAt = s.clock.Now()
		}
		return nil
	})
}

// update applies fn to a copy of the record, commits it, then swaps it
// into the index. A failed commit leaves the old record in place.
func (s *Store) update(ctx context.Context, id string, fn func(rec *dtn.Record) error) (*dtn.Record, error) {
	lock := s.stripe(id)
	lock.Lock()
	defer lock.Unlock()

	current := s.lookup(id)
	if current == nil {
		return nil, fmt.Errorf("%w: %s", dtn.ErrNotFound, id)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	if err := s.backend.Commit(ctx, storage.Mutation{Put: []*dtn.Record{next}}); err != nil {
		return nil, err
	}

	s.idx.Lock()
	s.records[id] = next
	s.idx.Unlock()

	return next.Clone(), nil
}

// Delete removes id from whatever queue holds it
func (s *Store) Delete(ctx context.Context, id string) (*dtn.Record, error) {
	return s.remove(ctx, id, 0)
}

// DeleteFrom removes id only if it is still in q. Eviction uses it so a
// bundle that changed queue since it was chosen is left alone.
func (s *Store) DeleteFrom(ctx context.Context, id string, q dtn.Queue) (*dtn.Record, error) {
	return s.remove(ctx, id, q)
}

func (s *Store) remove(ctx context.Context, id string, q dtn.Queue) (*dtn.Record, error) {
	lock := s.stripe(id)
	lock.Lock()
	defer lock.Unlock()

	current := s.lookup(id)
	if current == nil {
		return nil, fmt.Errorf("%w: %s", dtn.ErrNotFound, id)
	}
	if q != 0 && current.Queue != q {
		return nil, fmt.Errorf("%w: %s is in %s, not %s", dtn.ErrQueueMismatch, id, current.Queue, q)
	}

	s.acct.Lock()
	defer s.acct.Unlock()

	next := s.used - current.Bundle.SizeBytes
	if next < 0 {
		next = 0
	}
	if err := s.backend.Commit(ctx, storage.Mutation{Delete: []string{id}, UsedBytes: &next}); err != nil {
		return nil, err
	}
	s.used = next

	s.idx.Lock()
	delete(s.records, id)
	s.idx.Unlock()

	return current.Clone(), nil
}

// TotalBytes returns the bytes currently accounted to stored bundles
func (s *Store) TotalBytes() int64 {
	s.acct.Lock()
	defer s.acct.Unlock()
	return s.used
}

// Len returns the number of stored bundles
func (s *Store) Len() int {
	s.idx.RLock()
	defer s.idx.RUnlock()
	return len(s.records)
}

// Counts returns the number of bundles in every queue
func (s *Store) Counts() map[dtn.Queue]int {
	counts := make(map[dtn.Queue]int, len(dtn.AllQueues))
	for _, q := range dtn.AllQueues {
		counts[q] = 0
	}

	s.idx.RLock()
	defer s.idx.RUnlock()
	for _, rec := range s.records {
		counts[rec.Queue]++
	}
	return counts
}

// QueueBytes returns the bytes held in every queue
func (s *Store) QueueBytes() map[dtn.Queue]int64 {
	out := make(map[dtn.Queue]int64, len(dtn.AllQueues))
	s.idx.RLock()
	defer s.idx.RUnlock()
	for _, rec := range s.records {
		out[rec.Queue] += rec.Bundle.SizeBytes
	}
	return out
}

// Filter narrows List results. Zero fields do not filter.
type Filter struct {
	Priorities []dtn.Priority
	Audiences  []dtn.Audience
	Topic      string
	Tag        string

	// MinAge and MaxAge are measured from AddedToQueueAt to now
	MinAge time.Duration
	MaxAge time.Duration

	CreatedAfter time.Time
	Limit        int
}

func (f Filter) match(rec *dtn.Record, now time.Time) bool {
	b := rec.Bundle
	if len(f.Priorities) > 0 && !containsPriority(f.Priorities, b.Priority) {
		return false
	}
	if len(f.Audiences) > 0 && !containsAudience(f.Audiences, b.Audience) {
		return false
	}
	if f.Topic != "" && !strings.EqualFold(f.Topic, b.Topic) {
		return false
	}
	if f.Tag != "" && !containsTag(b.Tags, f.Tag) {
		return false
	}
	age := now.Sub(rec.AddedToQueueAt)
	if f.MinAge > 0 && age < f.MinAge {
		return false
	}
	if f.MaxAge > 0 && age > f.MaxAge {
		return false
	}
	if !f.CreatedAfter.IsZero() && !b.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	return true
}

// List returns copies of the records in the given queues that match f,
// oldest AddedToQueueAt first, ties broken by id. No queues means all.
func (s *Store) List(f Filter, queues ...dtn.Queue) []*dtn.Record {
	now := s.clock.Now()
	want := make(map[dtn.Queue]bool, len(queues))
	for _, q := range queues {
		want[q] = true
	}

	s.idx.RLock()
	var out []*dtn.Record
	for _, rec := range s.records {
		if len(want) > 0 && !want[rec.Queue] {
			continue
		}
		if !f.match(rec, now) {
			continue
		}
		out = append(out, rec.Clone())
	}
	s.idx.RUnlock()

	SortByAdded(out)

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// SortByAdded orders records by AddedToQueueAt, then bundle id
func SortByAdded(records []*dtn.Record) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.AddedToQueueAt.Equal(b.AddedToQueueAt) {
			return a.AddedToQueueAt.Before(b.AddedToQueueAt)
		}
		return a.ID() < b.ID()
	})
}

// Now exposes the store's clock to services sharing it
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

// Close closes the backend
func (s *Store) Close() error {
	return s.backend.Close()
}

func containsPriority(list []dtn.Priority, p dtn.Priority) bool {
	for _, v := range list {
		if v == p {
			return true
		}
	}
	return false
}

func containsAudience(list []dtn.Audience, a dtn.Audience) bool {
	for _, v := range list {
		if v == a {
			return true
		}
	}
	return false
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
