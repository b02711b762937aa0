// Package memory implements the fastest, ephemeral tier of the storage
// lattice: an in-process map with no persistence.
package memory

import (
	"context"
	"sync"

	"github.com/kgents/kgents/internal/datum"
	"github.com/kgents/kgents/internal/storage"
)

const (
	// Priority places the memory tier first in the fallback chain's last
	// resort — lowest preference, always available.
	Priority = 100
	name     = "memory"
)

// Backend is an in-process map of id to Datum. Zero value is not usable;
// construct with New.
type Backend struct {
	mu   sync.RWMutex
	data map[string]*datum.Datum
}

// New creates an empty memory backend.
func New() *Backend {
	return &Backend{data: make(map[string]*datum.Datum)}
}

var _ storage.Backend = (*Backend)(nil)

func (b *Backend) Name() string       { return name }
func (b *Backend) Priority() int      { return Priority }
func (b *Backend) IsPersistent() bool { return false }

// IsAvailable always returns true: the memory tier has no external
// dependency that can fail.
func (b *Backend) IsAvailable(context.Context) bool { return true }

func (b *Backend) Put(_ context.Context, d *datum.Datum) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[d.ID] = d
	return d.ID, nil
}

func (b *Backend) Get(_ context.Context, id string) (*datum.Datum, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.data[id]
	if !ok {
		return nil, nil
	}
	return d, nil
}

func (b *Backend) Delete(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, existed := b.data[id]
	delete(b.data, id)
	return existed, nil
}

func (b *Backend) Exists(_ context.Context, id string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.data[id]
	return ok, nil
}

func (b *Backend) Count(context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data), nil
}

func (b *Backend) List(_ context.Context, q storage.Query) ([]*datum.Datum, error) {
	b.mu.RLock()
	candidates := make([]*datum.Datum, 0, len(b.data))
	for _, d := range b.data {
		candidates = append(candidates, d)
	}
	b.mu.RUnlock()

	return q.Apply(candidates), nil
}

// Query implements storage.Queryable alongside the SQL backends, even
// though the memory backend's "push down" is simply Query.Apply over its
// whole map.
func (b *Backend) Query(ctx context.Context, q storage.Query) ([]*datum.Datum, error) {
	return b.List(ctx, q)
}

func (b *Backend) CausalChain(_ context.Context, id string) ([]*datum.Datum, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	chain := storage.WalkCausalChain(func(id string) (*datum.Datum, bool) {
		d, ok := b.data[id]
		return d, ok
	}, id)
	return chain, nil
}

func (b *Backend) Stats(ctx context.Context) (storage.Status, error) {
	count, _ := b.Count(ctx)
	var size int64
	b.mu.RLock()
	for _, d := range b.data {
		size += int64(d.Size())
	}
	b.mu.RUnlock()

	return storage.Status{
		Name:         name,
		Priority:     Priority,
		Available:    true,
		IsPersistent: false,
		TotalDatums:  count,
		SizeBytes:    size,
	}, nil
}
