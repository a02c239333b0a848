// Package storage holds the durable rows behind the queue store: one
// record per bundle plus the used-bytes counter, always changed together.
package storage

import (
	"context"
	"errors"
	"fmt"

	"tangled.org/solarpunk.net/dtnbundle/dtn"
	"tangled.org/solarpunk.net/dtnbundle/internal/types"
)

// Backend persists bundle records. Implementations must apply each
// Commit atomically: either every row and the counter change, or none.
type Backend interface {
	// Load returns every stored record and the persisted byte counter
	Load(ctx context.Context) ([]*dtn.Record, int64, error)

	Commit(ctx context.Context, m Mutation) error

	Close() error
}

// Mutation is one atomic change. Put rows are upserted by bundle id.
// A nil UsedBytes leaves the counter unchanged.
type Mutation struct {
	Put       []*dtn.Record
	Delete    []string
	UsedBytes *int64
}

// Empty reports whether m changes nothing
func (m Mutation) Empty() bool {
	return len(m.Put) == 0 && len(m.Delete) == 0 && m.UsedBytes == nil
}

// Kind selects a Backend implementation
type Kind string

const (
	KindFile   Kind = "file"
	KindSQLite Kind = "sqlite"
	KindMemory Kind = "memory"
)

// Open opens the backend of the given kind rooted at dir
func Open(kind Kind, dir string, logger types.Logger) (Backend, error) {
	switch kind {
	case KindFile, "":
		return OpenFile(dir, FileOptions{Logger: logger})
	case KindSQLite:
		return OpenSQLite(dir, SQLiteOptions{Logger: logger})
	case KindMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}

// wrapErr marks err as a storage failure, keeping the original cause
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, dtn.ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", dtn.ErrStorage, op, err)
}

// Int64 is a convenience for Mutation.UsedBytes
func Int64(v int64) *int64 {
	return &v
}
