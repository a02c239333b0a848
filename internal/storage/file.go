package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"tangled.org/solarpunk.net/dtnbundle/dtn"
	"tangled.org/solarpunk.net/dtnbundle/internal/types"
)

// DefaultCompactThreshold is the journal size that triggers compaction
const DefaultCompactThreshold = 8 * 1024 * 1024

// FileOptions configures a FileBackend
type FileOptions struct {
	Logger           types.Logger
	CompactThreshold int64
}

// FileBackend stores records as an append-only JSONL journal next to a
// zstd-compressed JSONL snapshot. Every Commit is one journal line,
// written and fsynced before Commit returns.
type FileBackend struct {
	dir       string
	logger    types.Logger
	threshold int64

	mu          sync.Mutex
	lock        *dirLock
	journal     journalFile
	journalSize int64
	rows        map[string]json.RawMessage
	used        int64
	closed      bool
}

// journalFile is the part of *os.File the journal needs
type journalFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

type journalEntry struct {
	Put       []json.RawMessage `json:"put,omitempty"`
	Delete    []string          `json:"delete,omitempty"`
	UsedBytes *int64            `json:"used_bytes,omitempty"`
}

type snapshotHeader struct {
	Version   string    `json:"version"`
	UsedBytes int64     `json:"used_bytes"`
	Count     int       `json:"count"`
	WrittenAt time.Time `json:"written_at"`
}

// OpenFile opens (or creates) the file store in dir. The directory is
// locked for the lifetime of the backend. Any journal left by a previous
// run is folded into a fresh snapshot.
func OpenFile(dir string, opts FileOptions) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, wrapErr("create data dir", err)
	}

	lock, err := acquireLock(filepath.Join(dir, types.LOCK_FILE))
	if err != nil {
		return nil, wrapErr("lock", err)
	}

	f := &FileBackend{
		dir:       dir,
		logger:    types.OrDefault(opts.Logger),
		threshold: opts.CompactThreshold,
		lock:      lock,
		rows:      make(map[string]json.RawMessage),
	}
	if f.threshold <= 0 {
		f.threshold = DefaultCompactThreshold
	}

	if err := f.open(); err != nil {
		lock.release()
		return nil, err
	}
	return f, nil
}

func (f *FileBackend) open() error {
	if err := f.loadSnapshot(); err != nil {
		return wrapErr("load snapshot", err)
	}

	replayed, err := f.replayJournal()
	if err != nil {
		return wrapErr("replay journal", err)
	}

	if replayed > 0 {
		if err := f.writeSnapshot(); err != nil {
			return wrapErr("compact", err)
		}
		f.logger.Printf("[Storage] Compacted %d journal entries into snapshot (%d records)", replayed, len(f.rows))
	}

	flags := os.O_APPEND | os.O_CREATE | os.O_WRONLY
	if replayed > 0 {
		flags |= os.O_TRUNC
	}
	journal, err := os.OpenFile(f.journalPath(), flags, 0644)
	if err != nil {
		return wrapErr("open journal", err)
	}
	info, err := journal.Stat()
	if err != nil {
		journal.Close()
		return wrapErr("stat journal", err)
	}
	f.journal = journal
	f.journalSize = info.Size()
	return nil
}

func (f *FileBackend) snapshotPath() string {
	return filepath.Join(f.dir, types.SNAPSHOT_FILE)
}

func (f *FileBackend) journalPath() string {
	return filepath.Join(f.dir, types.JOURNAL_FILE)
}

// Load decodes every stored row
func (f *FileBackend) Load(ctx context.Context) ([]*dtn.Record, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.rows))
	for id := range f.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	records := make([]*dtn.Record, 0, len(ids))
	for _, id := range ids {
		var rec dtn.Record
		if err := json.Unmarshal(f.rows[id], &rec); err != nil {
			return nil, 0, wrapErr("decode record "+id, err)
		}
		if rec.Bundle == nil {
			return nil, 0, wrapErr("decode record "+id, errors.New("record without bundle"))
		}
		records = append(records, &rec)
	}
	return records, f.used, nil
}

// Commit appends one journal line and fsyncs it
func (f *FileBackend) Commit(ctx context.Context, m Mutation) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("commit", err)
	}

	entry := journalEntry{Delete: m.Delete, UsedBytes: m.UsedBytes}
	for _, rec := range m.Put {
		data, err := json.Marshal(rec)
		if err != nil {
			return wrapErr("encode record", err)
		}
		entry.Put = append(entry.Put, data)
	}

	line, err := json.Marshal(&entry)
	if err != nil {
		return wrapErr("encode journal entry", err)
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return wrapErr("commit", errors.New("backend closed"))
	}

	n, err := f.journal.Write(line)
	if err != nil {
		// drop a torn line so later entries do not land after it
		if terr := f.journal.Truncate(f.journalSize); terr != nil {
			f.logger.Printf("[Storage] Truncating torn journal write failed: %v", terr)
		}
		return wrapErr("write journal", err)
	}
	if err := f.journal.Sync(); err != nil {
		return wrapErr("sync journal", err)
	}
	f.journalSize += int64(n)

	f.apply(entry)

	if f.journalSize >= f.threshold {
		if err := f.compactLocked(); err != nil {
			// the entry is durable in the journal; compaction retries on the next commit
			f.logger.Printf("[Storage] Compaction failed: %v", err)
		}
	}
	return nil
}

func (f *FileBackend) apply(entry journalEntry) error {
	for _, raw := range entry.Put {
		var head struct {
			Bundle struct {
				BundleID string `json:"bundle_id"`
			} `json:"bundle"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return err
		}
		if head.Bundle.BundleID == "" {
			return errors.New("record without bundle id")
		}
		f.rows[head.Bundle.BundleID] = raw
	}
	for _, id := range entry.Delete {
		delete(f.rows, id)
	}
	if entry.UsedBytes != nil {
		f.used = *entry.UsedBytes
	}
	return nil
}

// compactLocked folds the journal into a new snapshot
func (f *FileBackend) compactLocked() error {
	if err := f.writeSnapshot(); err != nil {
		return wrapErr("compact", err)
	}
	if err := f.journal.Truncate(0); err != nil {
		return wrapErr("truncate journal", err)
	}
	if err := f.journal.Sync(); err != nil {
		return wrapErr("sync journal", err)
	}
	f.journalSize = 0
	return nil
}

// writeSnapshot writes the current rows to a temp file and renames it
// over the old snapshot.
func (f *FileBackend) writeSnapshot() error {
	tmpPath := f.snapshotPath() + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	defer os.Remove(tmpPath)

	zw := newSnapshotWriter(file)
	writer := bufio.NewWriter(zw)

	header, _ := json.Marshal(&snapshotHeader{
		Version:   types.STORE_VERSION,
		UsedBytes: f.used,
		Count:     len(f.rows),
		WrittenAt: time.Now().UTC(),
	})
	writer.Write(header)
	writer.WriteByte('\n')

	ids := make([]string, 0, len(f.rows))
	for id := range f.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		writer.Write(f.rows[id])
		writer.WriteByte('\n')
	}

	if err := writer.Flush(); err != nil {
		zw.Release()
		file.Close()
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		zw.Release()
		file.Close()
		return fmt.Errorf("failed to finish snapshot: %w", err)
	}
	zw.Release()

	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, f.snapshotPath())
}

func (f *FileBackend) loadSnapshot() error {
	file, err := os.Open(f.snapshotPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	zr := newSnapshotReader(file)
	defer zr.Release()
	reader := bufio.NewReader(zr)

	headerLine, err := readLine(reader)
	if err != nil {
		return fmt.Errorf("failed to read snapshot header: %w", err)
	}
	var header snapshotHeader
	if err := json.Unmarshal(headerLine, &header); err != nil {
		return fmt.Errorf("failed to parse snapshot header: %w", err)
	}
	if header.Version != types.STORE_VERSION {
		return fmt.Errorf("unsupported snapshot version %q", header.Version)
	}

	for {
		line, err := readLine(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read snapshot: %w", err)
		}
		if len(line) == 0 {
			continue
		}
		if err := f.apply(journalEntry{Put: []json.RawMessage{line}}); err != nil {
			return fmt.Errorf("failed to parse snapshot record: %w", err)
		}
	}

	if len(f.rows) != header.Count {
		return fmt.Errorf("snapshot holds %d records, header says %d", len(f.rows), header.Count)
	}
	f.used = header.UsedBytes
	return nil
}

// replayJournal applies journal lines on top of the snapshot. A final
// line that does not parse is a torn write from a crash and is dropped.
func (f *FileBackend) replayJournal() (int, error) {
	data, err := os.ReadFile(f.journalPath())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	lines := bytes.Split(data, []byte{'\n'})
	for len(lines) > 0 && len(bytes.TrimSpace(lines[len(lines)-1])) == 0 {
		lines = lines[:len(lines)-1]
	}

	applied := 0
	for i, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var entry journalEntry
		err := json.Unmarshal(line, &entry)
		if err == nil {
			err = f.apply(entry)
		}
		if err != nil {
			if i == len(lines)-1 {
				f.logger.Printf("[Storage] Ignoring torn journal line %d: %v", i+1, err)
				// a torn line still counts as journal content to compact away
				applied++
				break
			}
			return applied, fmt.Errorf("corrupt journal line %d: %w", i+1, err)
		}
		applied++
	}
	return applied, nil
}

func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err == io.EOF && len(line) > 0 {
		return bytes.TrimRight(line, "\n"), nil
	}
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(line, "\n"), nil
}

// Close releases the journal and the directory lock
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	var firstErr error
	if f.journal != nil {
		if err := f.journal.Close(); err != nil {
			firstErr = err
		}
	}
	if err := f.lock.release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Dir returns the data directory
func (f *FileBackend) Dir() string {
	return f.dir
}
