// Package appendlog implements the append-only file tier: a
// newline-delimited JSON log of datums and tombstones, backed by an
// in-memory index built once at load time.
package appendlog

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kgents/kgents/internal/datum"
	"github.com/kgents/kgents/internal/storage"
)

const (
	// Priority places the append log ahead of memory but behind local and
	// remote databases in the fallback chain.
	Priority = 50
	name     = "append-log"

	maxLineBytes = 64 * 1024 * 1024
)

// Backend is a namespace-bound append-only log file plus the in-memory
// index built from it on first access. All file I/O and index mutation is
// serialized under mu.
type Backend struct {
	path string

	mu     sync.Mutex
	loaded bool
	active map[string]*datum.Datum
	// deleted tracks ids tombstoned since the log was last compacted, so a
	// later Put with the same id is known to reverse a prior delete.
	deleted map[string]struct{}
}

// New creates a backend bound to the namespace file dataDir/namespace.jsonl.
// The file and directory are created lazily, on first write.
func New(dataDir, namespace string) *Backend {
	return &Backend{
		path:    filepath.Join(dataDir, namespace+".jsonl"),
		active:  make(map[string]*datum.Datum),
		deleted: make(map[string]struct{}),
	}
}

var _ storage.Backend = (*Backend)(nil)

func (b *Backend) Name() string       { return name }
func (b *Backend) Priority() int      { return Priority }
func (b *Backend) IsPersistent() bool { return true }

// IsAvailable reports whether the data directory can be created and is
// writable; the log file itself is created on demand.
func (b *Backend) IsAvailable(context.Context) bool {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	probe := filepath.Join(dir, ".kgents-probe")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}

// ensureLoaded reads the entire log file once, building the active/deleted
// index. Must be called with mu held.
func (b *Backend) ensureLoaded() error {
	if b.loaded {
		return nil
	}
	b.loaded = true

	file, err := os.Open(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return storage.Wrap(name, "load", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if id, ok := datum.IsTombstoneLine(line); ok {
			delete(b.active, id)
			b.deleted[id] = struct{}{}
			continue
		}
		d, err := datum.FromLine(line)
		if err != nil {
			// Forward-compatibility: malformed lines are skipped, never fatal.
			continue
		}
		b.active[d.ID] = d
		delete(b.deleted, d.ID)
	}
	// scanner.Err() is deliberately ignored past a truncated final line;
	// everything parsed before the break is still valid.
	return nil
}

func (b *Backend) appendLine(line []byte) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return storage.Wrap(name, "mkdir", err)
	}
	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return storage.Wrap(name, "open", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return storage.Wrap(name, "append", err)
	}
	return nil
}

func (b *Backend) Put(_ context.Context, d *datum.Datum) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLoaded(); err != nil {
		return "", err
	}

	line, err := d.ToLine()
	if err != nil {
		return "", storage.Wrap(name, "put", err)
	}
	if err := b.appendLine(line); err != nil {
		return "", err
	}

	b.active[d.ID] = d
	delete(b.deleted, d.ID)
	return d.ID, nil
}

func (b *Backend) Get(_ context.Context, id string) (*datum.Datum, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLoaded(); err != nil {
		return nil, err
	}
	d, ok := b.active[id]
	if !ok {
		return nil, nil
	}
	return d, nil
}

func (b *Backend) Delete(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLoaded(); err != nil {
		return false, err
	}
	if _, existed := b.active[id]; !existed {
		return false, nil
	}

	line, err := datum.Tombstone{ID: id}.ToLine()
	if err != nil {
		return false, storage.Wrap(name, "delete", err)
	}
	if err := b.appendLine(line); err != nil {
		return false, err
	}

	delete(b.active, id)
	b.deleted[id] = struct{}{}
	return true, nil
}

func (b *Backend) Exists(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLoaded(); err != nil {
		return false, err
	}
	_, ok := b.active[id]
	return ok, nil
}

func (b *Backend) Count(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLoaded(); err != nil {
		return 0, err
	}
	return len(b.active), nil
}

func (b *Backend) List(_ context.Context, q storage.Query) ([]*datum.Datum, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLoaded(); err != nil {
		return nil, err
	}

	candidates := make([]*datum.Datum, 0, len(b.active))
	for _, d := range b.active {
		candidates = append(candidates, d)
	}
	return q.Apply(candidates), nil
}

func (b *Backend) CausalChain(_ context.Context, id string) ([]*datum.Datum, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLoaded(); err != nil {
		return nil, err
	}
	chain := storage.WalkCausalChain(func(id string) (*datum.Datum, bool) {
		d, ok := b.active[id]
		return d, ok
	}, id)
	return chain, nil
}

func (b *Backend) Stats(ctx context.Context) (storage.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLoaded(); err != nil {
		return storage.Status{}, err
	}

	var size int64
	if info, err := os.Stat(b.path); err == nil {
		size = info.Size()
	}

	return storage.Status{
		Name:         name,
		Priority:     Priority,
		Available:    true,
		IsPersistent: true,
		TotalDatums:  len(b.active),
		SizeBytes:    size,
	}, nil
}

// Compact rewrites the log file with only currently-active records,
// dropping tombstones and superseded writes, then atomically renames the
// rewritten file over the original. Returns the number of bytes saved
// (may be negative if the active set happens to serialize larger than the
// mixed active+tombstone log it replaced, though that is not the common
// case). Idempotent on a quiescent store: compacting twice in a row with
// no intervening writes rewrites the same set of records the second time
// (their order in the file is not fixed) and saves zero bytes.
func (b *Backend) Compact(context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLoaded(); err != nil {
		return 0, err
	}

	var before int64
	if info, err := os.Stat(b.path); err == nil {
		before = info.Size()
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, storage.Wrap(name, "compact-mkdir", err)
	}

	tmp, err := os.CreateTemp(dir, ".compact-*.jsonl")
	if err != nil {
		return 0, storage.Wrap(name, "compact-tempfile", err)
	}
	tmpPath := tmp.Name()

	writeErr := func() error {
		w := bufio.NewWriter(tmp)
		for _, d := range b.active {
			line, err := d.ToLine()
			if err != nil {
				return fmt.Errorf("serialize %s: %w", d.ID, err)
			}
			if _, err := w.Write(append(line, '\n')); err != nil {
				return err
			}
		}
		return w.Flush()
	}()
	closeErr := tmp.Close()

	if writeErr != nil || closeErr != nil {
		os.Remove(tmpPath)
		if writeErr != nil {
			return 0, storage.Wrap(name, "compact-write", writeErr)
		}
		return 0, storage.Wrap(name, "compact-close", closeErr)
	}

	if err := os.Rename(tmpPath, b.path); err != nil {
		os.Remove(tmpPath)
		return 0, storage.Wrap(name, "compact-rename", err)
	}

	b.deleted = make(map[string]struct{})

	var after int64
	if info, err := os.Stat(b.path); err == nil {
		after = info.Size()
	}
	return before - after, nil
}
