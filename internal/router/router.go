// Package router selects which storage backend a caller should use, given
// a priority-ordered chain of registered backends, an optional environment
// override, a probed preferred backend, and a probed fallback chain — and
// implements the storage.Backend contract itself, delegating every
// operation to whichever backend that selection resolves to.
package router

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/kgents/kgents/internal/datum"
	"github.com/kgents/kgents/internal/logging"
	"github.com/kgents/kgents/internal/storage"
)

// backendEnvOverride names the environment variable that pins backend
// selection to a single named backend, bypassing the priority chain.
const backendEnvOverride = "KGENTS_BACKEND"

// Config configures a Router at construction time.
type Config struct {
	// Namespace scopes which dataset this router selects a backend for.
	Namespace string
	// DataDir is the directory local backends (append-log, embedded) read
	// and write under.
	DataDir string
	// Preferred names the backend selection should try first, after the
	// environment override and before the fallback chain. Unlike
	// ForceBackend, it is probed: an unavailable preferred backend falls
	// through to the fallback chain rather than being used unconditionally.
	Preferred string
	// FallbackChain names backends to probe in order, after Preferred and
	// before the registered priority chain. Entries that aren't registered
	// are skipped rather than treated as an error.
	FallbackChain []string
}

// Router holds a priority-ordered set of backends, resolves which one a
// caller should use, and satisfies storage.Backend itself by delegating
// every operation to that resolved backend.
type Router struct {
	cfg Config

	mu      sync.RWMutex
	byName  map[string]storage.Backend
	ordered []storage.Backend // sorted by Priority() ascending at Register time

	forced   string          // backend name set by ForceBackend, "" if unset
	selected storage.Backend // cached resolution; cleared by ForceBackend and Reset
}

// New creates an empty router. Register backends with Register before
// calling Select or any Backend method.
func New(cfg Config) *Router {
	return &Router{
		cfg:    cfg,
		byName: make(map[string]storage.Backend),
	}
}

// Register adds a backend to the chain, re-sorting by Priority() ascending
// (lower priority value wins ties against higher-priority-value backends).
func (r *Router) Register(b storage.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byName[b.Name()] = b
	r.ordered = append(r.ordered, b)
	sort.SliceStable(r.ordered, func(i, j int) bool {
		return r.ordered[i].Priority() < r.ordered[j].Priority()
	})
}

// ForceBackend pins selection to the named backend regardless of priority
// or availability probing, until Reset is called. Returns an error if no
// backend with that name is registered. Forgets any cached selection so
// the forced backend takes effect on the very next operation.
func (r *Router) ForceBackend(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; !ok {
		return fmt.Errorf("router: %w: no backend registered as %q", storage.ErrPolicyViolation, name)
	}
	r.forced = name
	r.selected = nil
	return nil
}

// Reset clears any forced backend and any cached selection, returning
// selection to the normal environment-override/preferred/fallback-chain/
// priority-chain behavior, re-resolved on the next operation.
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forced = ""
	r.selected = nil
}

// Select resolves the backend a caller should use right now, caching the
// result until ForceBackend or Reset invalidates it: a forced backend if
// one is set, then the KGENTS_BACKEND environment override if it names a
// registered backend, then Preferred if it probes available, then each
// FallbackChain entry in order, then the highest-priority registered
// backend that probes available, falling back to the lowest-priority
// (last-resort) backend in the chain if every other probe fails.
func (r *Router) Select(ctx context.Context) (storage.Backend, error) {
	r.mu.RLock()
	if r.selected != nil {
		b := r.selected
		r.mu.RUnlock()
		return b, nil
	}
	forced := r.forced
	preferred := r.cfg.Preferred
	fallback := append([]string(nil), r.cfg.FallbackChain...)
	ordered := append([]storage.Backend(nil), r.ordered...)
	byName := r.byName
	r.mu.RUnlock()

	if len(ordered) == 0 {
		return nil, fmt.Errorf("router: %w: no backends registered", storage.ErrUnavailable)
	}

	b, err := r.resolve(ctx, forced, preferred, fallback, ordered, byName)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.selected = b
	r.mu.Unlock()
	return b, nil
}

// resolve runs the selection algorithm once, against a consistent snapshot
// of router state, without touching the cache.
func (r *Router) resolve(ctx context.Context, forced, preferred string, fallback []string, ordered []storage.Backend, byName map[string]storage.Backend) (storage.Backend, error) {
	if forced != "" {
		b := byName[forced]
		if b == nil {
			return nil, fmt.Errorf("router: %w: forced backend %q no longer registered", storage.ErrPolicyViolation, forced)
		}
		return b, nil
	}

	if envName := strings.TrimSpace(os.Getenv(backendEnvOverride)); envName != "" {
		if b, ok := byName[envName]; ok {
			return b, nil
		}
		logging.Warn().
			Str("namespace", r.cfg.Namespace).
			Str(backendEnvOverride, envName).
			Msg("router: environment override names an unregistered backend, ignoring it")
	}

	if preferred != "" {
		if b, ok := byName[preferred]; ok && b.IsAvailable(ctx) {
			return b, nil
		}
	}

	for _, name := range fallback {
		b, ok := byName[name]
		if !ok {
			continue
		}
		if b.IsAvailable(ctx) {
			return b, nil
		}
	}

	for _, b := range ordered {
		if b.IsAvailable(ctx) {
			return b, nil
		}
	}

	// Last resort: the lowest-priority backend in the chain, even though
	// its own probe just failed — callers need a deterministic answer
	// rather than an outright error when nothing looks healthy.
	last := ordered[len(ordered)-1]
	logging.Warn().
		Str("namespace", r.cfg.Namespace).
		Str("backend", last.Name()).
		Msg("router: every backend probe failed, falling back to last resort")
	return last, nil
}

// Describe reports the status of every registered backend, in priority
// order, for diagnostics.
func (r *Router) Describe(ctx context.Context) []storage.Status {
	r.mu.RLock()
	ordered := append([]storage.Backend(nil), r.ordered...)
	r.mu.RUnlock()

	out := make([]storage.Status, 0, len(ordered))
	for _, b := range ordered {
		st, err := b.Stats(ctx)
		if err != nil {
			st = storage.Status{Name: b.Name(), Priority: b.Priority(), Available: false, Reason: err.Error()}
		} else {
			st.Available = b.IsAvailable(ctx)
		}
		out = append(out, st)
	}
	return out
}

// Backend looks up a registered backend by name, for callers (migration
// helpers, the auto-promoter) that need a specific tier rather than the
// router's current selection.
func (r *Router) Backend(name string) (storage.Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byName[name]
	return b, ok
}

// Backends returns every registered backend in priority order.
func (r *Router) Backends() []storage.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]storage.Backend(nil), r.ordered...)
}

var _ storage.Backend = (*Router)(nil)

// Put, Get, Delete, List, CausalChain, Exists, and Count make Router
// itself satisfy storage.Backend: a stateful façade that resolves (and
// caches) a concrete backend on first use and delegates every operation
// to it, so a caller can hold just a *Router and never see the backends
// underneath.

func (r *Router) Put(ctx context.Context, d *datum.Datum) (string, error) {
	b, err := r.Select(ctx)
	if err != nil {
		return "", err
	}
	return b.Put(ctx, d)
}

func (r *Router) Get(ctx context.Context, id string) (*datum.Datum, error) {
	b, err := r.Select(ctx)
	if err != nil {
		return nil, err
	}
	return b.Get(ctx, id)
}

func (r *Router) Delete(ctx context.Context, id string) (bool, error) {
	b, err := r.Select(ctx)
	if err != nil {
		return false, err
	}
	return b.Delete(ctx, id)
}

func (r *Router) List(ctx context.Context, q storage.Query) ([]*datum.Datum, error) {
	b, err := r.Select(ctx)
	if err != nil {
		return nil, err
	}
	return b.List(ctx, q)
}

func (r *Router) CausalChain(ctx context.Context, id string) ([]*datum.Datum, error) {
	b, err := r.Select(ctx)
	if err != nil {
		return nil, err
	}
	return b.CausalChain(ctx, id)
}

func (r *Router) Exists(ctx context.Context, id string) (bool, error) {
	b, err := r.Select(ctx)
	if err != nil {
		return false, err
	}
	return b.Exists(ctx, id)
}

func (r *Router) Count(ctx context.Context) (int, error) {
	b, err := r.Select(ctx)
	if err != nil {
		return 0, err
	}
	return b.Count(ctx)
}

// Name identifies this router as a backend in its own right, distinct
// from whichever backend it currently delegates to.
func (r *Router) Name() string { return "router:" + r.cfg.Namespace }

// Priority reports 0 so a router, if ever registered into another router,
// would always be preferred — routers are not meant to nest in practice,
// but the value must still satisfy the interface.
func (r *Router) Priority() int { return 0 }

// IsPersistent reflects whatever backend is currently selected.
func (r *Router) IsPersistent() bool {
	b, err := r.Select(context.Background())
	if err != nil {
		return false
	}
	return b.IsPersistent()
}

// IsAvailable reports whether selection currently resolves to anything at
// all; it never panics or returns an error, per the Backend contract.
func (r *Router) IsAvailable(ctx context.Context) bool {
	b, err := r.Select(ctx)
	if err != nil {
		return false
	}
	return b.IsAvailable(ctx)
}

// Stats reports the currently selected backend's stats.
func (r *Router) Stats(ctx context.Context) (storage.Status, error) {
	b, err := r.Select(ctx)
	if err != nil {
		return storage.Status{}, err
	}
	return b.Stats(ctx)
}
