// Package promoter implements the auto-promoter: a background task that
// watches the change bus for access activity and, on a periodic sweep,
// copies data that crosses a policy threshold up to the next, more
// durable storage tier.
package promoter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kgents/kgents/internal/eventbus"
	"github.com/kgents/kgents/internal/logging"
	"github.com/kgents/kgents/internal/router"
	"github.com/kgents/kgents/internal/storage"
)

// Tier names a stop on the storage lattice, matching the Name() a backend
// reports to the router.
type Tier string

const (
	TierMemory     Tier = "memory"
	TierAppendLog  Tier = "append-log"
	TierEmbeddedDB Tier = "embedded-db"
	TierRemoteDB   Tier = "remote-db"
)

// nextTier returns the tier immediately above t, or ok=false at the top of
// the lattice.
func nextTier(t Tier) (Tier, bool) {
	switch t {
	case TierMemory:
		return TierAppendLog, true
	case TierAppendLog:
		return TierEmbeddedDB, true
	case TierEmbeddedDB:
		return TierRemoteDB, true
	default:
		return "", false
	}
}

// Policy configures the per-tier promotion thresholds.
type Policy struct {
	MemoryToLogAccesses    int
	MemoryToLogSeconds     float64
	LogToEmbeddedAccesses  int
	LogToEmbeddedSeconds   float64
	// EmbeddedToRemoteExplicitOnly, when true (the default), means the
	// embedded→remote transition never fires from the sweep regardless of
	// marked_important — only ForceUpgrade can make that move.
	EmbeddedToRemoteExplicitOnly bool
}

// DefaultPolicy is the reference threshold set: frequently or
// long-resident data in memory graduates to the append log quickly; data
// that keeps getting touched in the append log graduates to the embedded
// database; nothing climbs to the remote tier without an explicit call.
func DefaultPolicy() Policy {
	return Policy{
		MemoryToLogAccesses:          3,
		MemoryToLogSeconds:           60,
		LogToEmbeddedAccesses:        10,
		LogToEmbeddedSeconds:         3600,
		EmbeddedToRemoteExplicitOnly: true,
	}
}

// eligible reports whether the entry's current tier should be promoted,
// and to which tier, under p.
func (p Policy) eligible(s *DatumStats, now float64) (Tier, bool) {
	age := now - s.CreatedAt
	switch s.Tier {
	case TierMemory:
		if s.AccessCount >= p.MemoryToLogAccesses || age >= p.MemoryToLogSeconds {
			return TierAppendLog, true
		}
	case TierAppendLog:
		if s.AccessCount >= p.LogToEmbeddedAccesses || age >= p.LogToEmbeddedSeconds {
			return TierEmbeddedDB, true
		}
	case TierEmbeddedDB:
		if s.MarkedImportant && !p.EmbeddedToRemoteExplicitOnly {
			return TierRemoteDB, true
		}
	}
	return "", false
}

// DatumStats is the promoter's in-memory record of one datum's access
// pattern, used to decide when it crosses a promotion threshold.
type DatumStats struct {
	ID              string
	Tier            Tier
	AccessCount     int
	CreatedAt       float64
	LastAccessed    float64
	MarkedImportant bool
}

// UpgradeEvent describes one completed (or attempted) tier promotion.
type UpgradeEvent struct {
	DatumID string
	From    Tier
	To      Tier
	Time    float64
}

// UpgradeCallback is invoked after each successful promotion.
type UpgradeCallback func(UpgradeEvent)

// Stats aggregates promoter activity across its lifetime.
type Stats struct {
	TrackedDatums   int
	UpgradesByTier  map[Tier]int64
	UpgradeFailures int64
	LastUpgradeTime float64
}

// Promoter tracks per-datum access statistics and periodically promotes
// eligible data to the next tier.
type Promoter struct {
	bus    *eventbus.Bus
	router *router.Router
	policy Policy

	checkInterval time.Duration

	mu              sync.Mutex
	stats           map[string]*DatumStats
	callbacks       []UpgradeCallback
	upgradesByTier  map[Tier]int64
	upgradeFailures int64
	lastUpgradeTime float64

	unsubscribe func()
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// New creates a promoter bound to bus and router, evaluating policy on
// every sweep tick of checkInterval. Call Start to begin watching.
func New(bus *eventbus.Bus, rtr *router.Router, policy Policy, checkInterval time.Duration) *Promoter {
	if checkInterval <= 0 {
		checkInterval = time.Minute
	}
	return &Promoter{
		bus:            bus,
		router:         rtr,
		policy:         policy,
		checkInterval:  checkInterval,
		stats:          make(map[string]*DatumStats),
		upgradesByTier: make(map[Tier]int64),
	}
}

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Start subscribes to the bus and launches the periodic sweep goroutine.
// Calling Start on an already-running promoter is a no-op.
func (p *Promoter) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	p.unsubscribe = p.bus.SubscribeAll(p.handleEvent)
	go p.sweepLoop(ctx)
}

// Stop cancels the sweep task and blocks until it has fully exited.
func (p *Promoter) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stopCh := p.stopCh
	doneCh := p.doneCh
	p.mu.Unlock()

	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	close(stopCh)
	<-doneCh
}

func (p *Promoter) sweepLoop(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// handleEvent updates per-datum statistics from bus traffic: PUT bumps the
// access counter (creating the entry, at tier memory, on first sight);
// DELETE drops it.
func (p *Promoter) handleEvent(ev eventbus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Type {
	case eventbus.EventPut:
		s, ok := p.stats[ev.DatumID]
		if !ok {
			s = &DatumStats{ID: ev.DatumID, Tier: TierMemory, CreatedAt: ev.Timestamp}
			p.stats[ev.DatumID] = s
		}
		s.AccessCount++
		s.LastAccessed = ev.Timestamp
	case eventbus.EventDelete:
		delete(p.stats, ev.DatumID)
	}
}

// Sweep runs one policy evaluation pass over every tracked datum,
// promoting whatever is eligible. Exported so callers (and tests) can
// force a pass without waiting for the ticker.
func (p *Promoter) Sweep(ctx context.Context) {
	p.mu.Lock()
	candidates := make([]*DatumStats, 0, len(p.stats))
	for _, s := range p.stats {
		candidates = append(candidates, s)
	}
	policy := p.policy
	p.mu.Unlock()

	ts := now()
	for _, s := range candidates {
		target, ok := policy.eligible(s, ts)
		if !ok {
			continue
		}
		p.upgrade(ctx, s.ID, s.Tier, target)
	}
}

// upgrade copies the datum from its current tier's backend to target's
// backend, leaving the source copy in place (copy-only semantics), and
// records the outcome.
func (p *Promoter) upgrade(ctx context.Context, datumID string, from, to Tier) {
	source, ok := p.router.Backend(string(from))
	if !ok {
		p.recordFailure()
		logging.Warn().Str("datum_id", datumID).Str("tier", string(from)).Msg("promoter: source tier not configured")
		return
	}
	target, ok := p.router.Backend(string(to))
	if !ok {
		p.recordFailure()
		logging.Warn().Str("datum_id", datumID).Str("tier", string(to)).Msg("promoter: target tier not configured")
		return
	}

	d, err := source.Get(ctx, datumID)
	if err != nil || d == nil {
		p.recordFailure()
		logging.Warn().Str("datum_id", datumID).Err(err).Msg("promoter: could not read datum from source tier")
		return
	}
	if _, err := target.Put(ctx, d); err != nil {
		p.recordFailure()
		logging.Warn().Str("datum_id", datumID).Err(err).Msg("promoter: could not write datum to target tier")
		return
	}

	ts := now()
	p.mu.Lock()
	if s, ok := p.stats[datumID]; ok {
		s.Tier = to
	}
	p.upgradesByTier[to]++
	p.lastUpgradeTime = ts
	callbacks := append([]UpgradeCallback(nil), p.callbacks...)
	p.mu.Unlock()

	logging.Info().Str("datum_id", datumID).Str("from", string(from)).Str("to", string(to)).Msg("promoter: promoted datum")

	evt := UpgradeEvent{DatumID: datumID, From: from, To: to, Time: ts}
	for _, cb := range callbacks {
		cb(evt)
	}

	if p.bus != nil {
		p.bus.Emit(eventbus.EventUpgrade, datumID, "promoter", "", map[string]string{
			"from_tier": string(from),
			"to_tier":   string(to),
		})
	}
}

func (p *Promoter) recordFailure() {
	p.mu.Lock()
	p.upgradeFailures++
	p.mu.Unlock()
}

// ForceUpgrade promotes a tracked datum to targetTier immediately,
// bypassing policy evaluation entirely.
func (p *Promoter) ForceUpgrade(ctx context.Context, datumID string, targetTier Tier) error {
	p.mu.Lock()
	s, ok := p.stats[datumID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("promoter: %w: %s is not tracked", storage.ErrPolicyViolation, datumID)
	}

	if _, ok := p.router.Backend(string(targetTier)); !ok {
		return fmt.Errorf("promoter: %w: target tier %q is not configured", storage.ErrPolicyViolation, targetTier)
	}

	p.upgrade(ctx, datumID, s.Tier, targetTier)
	return nil
}

// MarkImportant flags a tracked datum as a candidate for promotion to the
// remote tier once EmbeddedToRemoteExplicitOnly allows automatic
// transitions, or for an explicit ForceUpgrade in the meantime.
func (p *Promoter) MarkImportant(datumID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stats[datumID]
	if !ok {
		return fmt.Errorf("promoter: %w: %s is not tracked", storage.ErrPolicyViolation, datumID)
	}
	s.MarkedImportant = true
	return nil
}

// OnUpgrade registers a callback invoked synchronously after each
// successful promotion.
func (p *Promoter) OnUpgrade(cb UpgradeCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, cb)
}

// GetDatumStats returns the current tracked stats for id, if any.
func (p *Promoter) GetDatumStats(id string) (DatumStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stats[id]
	if !ok {
		return DatumStats{}, false
	}
	return *s, true
}

// Stats returns aggregate promoter counters.
func (p *Promoter) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	byTier := make(map[Tier]int64, len(p.upgradesByTier))
	for t, n := range p.upgradesByTier {
		byTier[t] = n
	}

	return Stats{
		TrackedDatums:   len(p.stats),
		UpgradesByTier:  byTier,
		UpgradeFailures: p.upgradeFailures,
		LastUpgradeTime: p.lastUpgradeTime,
	}
}
