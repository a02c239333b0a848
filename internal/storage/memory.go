package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"tangled.org/solarpunk.net/dtnbundle/dtn"
)

// MemoryBackend keeps rows in maps. Nothing survives Close.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]*dtn.Record
	used    int64
	closed  bool

	// FailCommit, when set, is returned by the next Commit calls.
	// Tests use it to simulate a failing disk.
	FailCommit error
}

func NewMemory() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]*dtn.Record)}
}

func (m *MemoryBackend) Load(ctx context.Context) ([]*dtn.Record, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*dtn.Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, m.used, nil
}

func (m *MemoryBackend) Commit(ctx context.Context, mut Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return wrapErr("commit", errors.New("backend closed"))
	}
	if m.FailCommit != nil {
		return wrapErr("commit", m.FailCommit)
	}
	if err := ctx.Err(); err != nil {
		return wrapErr("commit", err)
	}

	for _, rec := range mut.Put {
		m.records[rec.ID()] = rec.Clone()
	}
	for _, id := range mut.Delete {
		delete(m.records, id)
	}
	if mut.UsedBytes != nil {
		m.used = *mut.UsedBytes
	}
	return nil
}

// SetFailure makes subsequent commits fail with err (nil clears it)
func (m *MemoryBackend) SetFailure(err error) {
	m.mu.Lock()
	m.FailCommit = err
	m.mu.Unlock()
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
