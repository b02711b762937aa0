// Package kgents provides the public API for the tiered, content-addressed
// storage core: the datum type, the backend contract and its four tiers,
// the declarative query object, the change bus, the router, the
// auto-promoter, and the migration helpers.
//
// Most consumers construct a Router, register whichever backends they
// need, wrap it with WithBus so activity reaches the auto-promoter, and
// drive everything through that Backend interface — the Router itself
// implements Backend, resolving and caching the selected tier on first
// use.
package kgents

import (
	"context"
	"time"

	"github.com/kgents/kgents/internal/datum"
	"github.com/kgents/kgents/internal/eventbus"
	"github.com/kgents/kgents/internal/migrate"
	"github.com/kgents/kgents/internal/promoter"
	"github.com/kgents/kgents/internal/router"
	"github.com/kgents/kgents/internal/storage"
	"github.com/kgents/kgents/internal/storage/appendlog"
	"github.com/kgents/kgents/internal/storage/busenabled"
	"github.com/kgents/kgents/internal/storage/embedded"
	"github.com/kgents/kgents/internal/storage/memory"
	"github.com/kgents/kgents/internal/storage/remote"
)

// Core types for working with the storage core.
type (
	Datum       = datum.Datum
	DatumParams = datum.Params
	Query       = storage.Query
	Backend     = storage.Backend
	Status      = storage.Status

	Event       = eventbus.Event
	EventType   = eventbus.EventType
	Bus         = eventbus.Bus
	Subscriber  = eventbus.Subscriber

	Router       = router.Router
	RouterConfig = router.Config

	BusEnabledBackend = busenabled.Backend

	Promoter       = promoter.Promoter
	PromoterPolicy = promoter.Policy
	Tier           = promoter.Tier
)

// Event type constants.
const (
	EventPut     = eventbus.EventPut
	EventDelete  = eventbus.EventDelete
	EventUpgrade = eventbus.EventUpgrade
	EventDegrade = eventbus.EventDegrade
)

// Tier constants, matching the backend names the router selects between.
const (
	TierMemory     = promoter.TierMemory
	TierAppendLog  = promoter.TierAppendLog
	TierEmbeddedDB = promoter.TierEmbeddedDB
	TierRemoteDB   = promoter.TierRemoteDB
)

// Sentinel errors, for errors.Is against anything a backend returns.
var (
	ErrUnavailable     = storage.ErrUnavailable
	ErrPolicyViolation = storage.ErrPolicyViolation
	ErrCorrupt         = storage.ErrCorrupt
)

// NewDatum creates a content-addressed or explicitly-identified datum. See
// datum.Create for the full parameter contract.
func NewDatum(content []byte, params DatumParams) *Datum {
	return datum.Create(content, params)
}

// NewMemoryBackend creates the fastest, ephemeral tier.
func NewMemoryBackend() *memory.Backend {
	return memory.New()
}

// NewAppendLogBackend creates the append-only file tier bound to
// dataDir/namespace.jsonl.
func NewAppendLogBackend(dataDir, namespace string) *appendlog.Backend {
	return appendlog.New(dataDir, namespace)
}

// NewEmbeddedBackend opens the local SQLite-backed tier at
// dataDir/namespace.db, creating it on first use.
func NewEmbeddedBackend(dataDir, namespace string) (*embedded.Backend, error) {
	return embedded.Open(dataDir, namespace)
}

// NewRemoteBackend connects to a shared MySQL-protocol server.
func NewRemoteBackend(ctx context.Context, cfg remote.Config) (*remote.Backend, error) {
	return remote.Open(ctx, cfg)
}

// NewRouter creates an empty router; register backends with Router.Register.
func NewRouter(cfg RouterConfig) *Router {
	return router.New(cfg)
}

// WithBus wraps any Backend (typically a *Router) so every successful Put
// and Delete also emits onto bus, tagged as source and causally chained to
// that emitter's own previous event. This is what makes the auto-promoter,
// which only learns about activity from bus traffic, see puts and deletes
// that flow through the returned Backend.
func WithBus(backend Backend, bus *Bus, source string) *BusEnabledBackend {
	return busenabled.Wrap(backend, bus, source)
}

// NewBus creates a change bus with the default replay capacity (1000).
func NewBus() *Bus {
	return eventbus.New()
}

// DefaultBus returns the process-wide bus singleton, creating it on first
// use. ResetDefaultBus discards it for test isolation.
func DefaultBus() *Bus { return eventbus.Default() }

// ResetDefaultBus discards the process-wide bus singleton.
func ResetDefaultBus() { eventbus.Reset() }

// NewPromoter creates an auto-promoter bound to bus and router.
func NewPromoter(bus *Bus, rtr *Router, policy PromoterPolicy, checkInterval time.Duration) *Promoter {
	return promoter.New(bus, rtr, policy, checkInterval)
}

// DefaultPromoterPolicy is the reference threshold set documented in
// promoter.DefaultPolicy.
func DefaultPromoterPolicy() PromoterPolicy { return promoter.DefaultPolicy() }

// Migrate and Verify re-export the migration helpers so callers need only
// import this package.
var (
	Migrate = migrate.Migrate
	Verify  = migrate.Verify
)
