// Package eventbus implements the change bus: an async, fire-and-forget
// publish/subscribe channel that notifies interested parties (the
// auto-promoter, status reporters, external hooks) whenever a datum is
// put, deleted, or moved between storage tiers.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kgents/kgents/internal/logging"
)

const defaultReplayCapacity = 1000

// Subscriber receives events. A panic or the subscriber taking a long time
// never blocks Emit or other subscribers — each call runs in its own
// recovered goroutine.
type Subscriber func(Event)

// Bus dispatches events to subscribers and retains a bounded ring buffer
// of recent events for replay.
type Bus struct {
	mu sync.RWMutex

	byType map[EventType][]subscription
	all    []subscription
	nextID uint64

	ring     []Event
	ringHead int
	ringLen  int
	ringCap  int

	emitted map[EventType]int64
	total   int64
	errors  int64
}

type subscription struct {
	id uint64
	fn Subscriber
}

// New creates a bus with the default replay capacity.
func New() *Bus {
	return NewWithCapacity(defaultReplayCapacity)
}

// NewWithCapacity creates a bus whose replay ring holds at most capacity
// events before the oldest are overwritten.
func NewWithCapacity(capacity int) *Bus {
	if capacity <= 0 {
		capacity = defaultReplayCapacity
	}
	return &Bus{
		byType:  make(map[EventType][]subscription),
		ring:    make([]Event, capacity),
		ringCap: capacity,
		emitted: make(map[EventType]int64),
	}
}

// Subscribe registers fn for events of type t. The returned func
// unsubscribes it.
func (b *Bus) Subscribe(t EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.byType[t] = append(b.byType[t], subscription{id: id, fn: fn})
	return func() { b.unsubscribeTyped(t, id) }
}

// SubscribeAll registers fn for every event type. The returned func
// unsubscribes it.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.all = append(b.all, subscription{id: id, fn: fn})
	return func() { b.unsubscribeAll(id) }
}

func (b *Bus) unsubscribeTyped(t EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.byType[t]
	for i, s := range subs {
		if s.id == id {
			b.byType[t] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) unsubscribeAll(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.all {
		if s.id == id {
			b.all = append(b.all[:i], b.all[i+1:]...)
			return
		}
	}
}

// Emit builds and publishes an event, appending it to the replay ring and
// dispatching it to every matching subscriber asynchronously. It returns
// the event as published, including its assigned EventID and Timestamp.
func (b *Bus) Emit(t EventType, datumID, source, causalParent string, meta map[string]string) Event {
	ev := newEvent(t, datumID, source, meta)
	ev.CausalParent = causalParent
	ev.Timestamp = float64(time.Now().UnixNano()) / 1e9

	b.mu.Lock()
	b.appendRing(ev)
	b.emitted[t]++
	b.total++
	matching := append([]subscription(nil), b.byType[t]...)
	matching = append(matching, b.all...)
	b.mu.Unlock()

	for _, s := range matching {
		go b.dispatch(s.fn, ev)
	}
	return ev
}

// dispatch invokes fn with ev, recovering any panic so one broken
// subscriber never disrupts emission or other subscribers; panics are
// counted in Stats.TotalErrors rather than allowed to propagate.
func (b *Bus) dispatch(fn Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&b.errors, 1)
			logging.Error().
				Str("event_type", string(ev.Type)).
				Str("event_id", ev.EventID).
				Interface("panic", r).
				Msg("eventbus: subscriber panicked")
		}
	}()
	fn(ev)
}

// appendRing stores ev in the ring buffer, overwriting the oldest entry
// once capacity is reached. Must be called with mu held.
func (b *Bus) appendRing(ev Event) {
	idx := (b.ringHead + b.ringLen) % b.ringCap
	b.ring[idx] = ev
	if b.ringLen < b.ringCap {
		b.ringLen++
	} else {
		b.ringHead = (b.ringHead + 1) % b.ringCap
	}
}

// Replay returns every retained event with Timestamp strictly greater than
// since, oldest first. An empty eventType matches every type.
func (b *Bus) Replay(since float64, eventType EventType) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, b.ringLen)
	for i := 0; i < b.ringLen; i++ {
		ev := b.ring[(b.ringHead+i)%b.ringCap]
		if ev.Timestamp <= since {
			continue
		}
		if eventType != "" && ev.Type != eventType {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Latest returns the most recently retained event, or ok=false if the
// buffer is empty.
func (b *Bus) Latest() (ev Event, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.ringLen == 0 {
		return Event{}, false
	}
	idx := (b.ringHead + b.ringLen - 1) % b.ringCap
	return b.ring[idx], true
}

// Stats summarizes bus activity and subscriber counts, matching the
// {buffer_size, total_emitted, total_errors, subscriber_count} shape
// consumers probe for monitoring.
type Stats struct {
	BufferSize      int
	BufferCapacity  int
	TotalEmitted    int64
	TotalErrors     int64
	SubscriberCount int
	EmittedByType   map[EventType]int64
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	byType := make(map[EventType]int64, len(b.emitted))
	for t, n := range b.emitted {
		byType[t] = n
	}

	subs := len(b.all)
	for _, s := range b.byType {
		subs += len(s)
	}

	return Stats{
		BufferSize:      b.ringLen,
		BufferCapacity:  b.ringCap,
		TotalEmitted:    b.total,
		TotalErrors:     atomic.LoadInt64(&b.errors),
		SubscriberCount: subs,
		EmittedByType:   byType,
	}
}

var (
	defaultMu  sync.Mutex
	defaultBus *Bus
)

// Default returns the process-wide bus, creating it on first use.
func Default() *Bus {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultBus == nil {
		defaultBus = New()
	}
	return defaultBus
}

// Reset discards the process-wide bus so the next Default() call builds a
// fresh one. Intended for test isolation between cases that rely on the
// singleton.
func Reset() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultBus = nil
}
