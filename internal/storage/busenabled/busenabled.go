// Package busenabled wraps a storage.Backend so that every successful Put
// and Delete also emits a change-bus event, threading each emitter's own
// last event id into the next event's causal parent — distinct from a
// Datum's own causal_parent lineage, this is the chain of "what did this
// emitter do previously."
package busenabled

import (
	"context"
	"sync"

	"github.com/kgents/kgents/internal/datum"
	"github.com/kgents/kgents/internal/eventbus"
	"github.com/kgents/kgents/internal/storage"
)

// Backend decorates another storage.Backend, publishing a PUT event after
// every successful Put and a DELETE event after every Delete that actually
// removed something. Reads (Get, List, CausalChain, Exists, Count) pass
// straight through without touching the bus.
type Backend struct {
	backend storage.Backend
	bus     *eventbus.Bus
	source  string

	mu          sync.Mutex
	lastEventID string
}

// Wrap returns backend instrumented to emit onto bus, tagging every event
// with source (the emitter identity events are replayed and filtered by).
func Wrap(backend storage.Backend, bus *eventbus.Bus, source string) *Backend {
	return &Backend{backend: backend, bus: bus, source: source}
}

func (b *Backend) Put(ctx context.Context, d *datum.Datum) (string, error) {
	id, err := b.backend.Put(ctx, d)
	if err != nil {
		return id, err
	}

	b.mu.Lock()
	parent := b.lastEventID
	ev := b.bus.Emit(eventbus.EventPut, id, b.source, parent, d.Metadata)
	b.lastEventID = ev.EventID
	b.mu.Unlock()

	return id, nil
}

func (b *Backend) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := b.backend.Delete(ctx, id)
	if err != nil || !ok {
		return ok, err
	}

	b.mu.Lock()
	parent := b.lastEventID
	ev := b.bus.Emit(eventbus.EventDelete, id, b.source, parent, nil)
	b.lastEventID = ev.EventID
	b.mu.Unlock()

	return ok, nil
}

func (b *Backend) Get(ctx context.Context, id string) (*datum.Datum, error) {
	return b.backend.Get(ctx, id)
}

func (b *Backend) List(ctx context.Context, q storage.Query) ([]*datum.Datum, error) {
	return b.backend.List(ctx, q)
}

func (b *Backend) CausalChain(ctx context.Context, id string) ([]*datum.Datum, error) {
	return b.backend.CausalChain(ctx, id)
}

func (b *Backend) Exists(ctx context.Context, id string) (bool, error) {
	return b.backend.Exists(ctx, id)
}

func (b *Backend) Count(ctx context.Context) (int, error) {
	return b.backend.Count(ctx)
}

func (b *Backend) Name() string                        { return b.backend.Name() }
func (b *Backend) Priority() int                       { return b.backend.Priority() }
func (b *Backend) IsPersistent() bool                  { return b.backend.IsPersistent() }
func (b *Backend) IsAvailable(ctx context.Context) bool { return b.backend.IsAvailable(ctx) }
func (b *Backend) Stats(ctx context.Context) (storage.Status, error) {
	return b.backend.Stats(ctx)
}

// LastEventID returns the event id of the most recently emitted event, for
// tests and diagnostics that need to confirm causal-parent chaining.
func (b *Backend) LastEventID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastEventID
}
