package storage

import (
	"io"

	"github.com/valyala/gozstd"
)

// snapshotLevel trades a little CPU for smaller snapshots; compaction
// runs rarely.
const snapshotLevel = 3

// Snapshots are a single zstd stream of JSONL. Both ends hold native
// (cgo) state and must be Released.

func newSnapshotWriter(w io.Writer) *gozstd.Writer {
	return gozstd.NewWriterLevel(w, snapshotLevel)
}

func newSnapshotReader(r io.Reader) *gozstd.Reader {
	return gozstd.NewReader(r)
}
