package busenabled

import (
	"context"
	"testing"

	"github.com/kgents/kgents/internal/datum"
	"github.com/kgents/kgents/internal/eventbus"
	"github.com/kgents/kgents/internal/storage/memory"
)

func TestPutEmitsPutEvent(t *testing.T) {
	bus := eventbus.New()
	b := Wrap(memory.New(), bus, "test")

	var got eventbus.Event
	done := make(chan struct{})
	bus.Subscribe(eventbus.EventPut, func(ev eventbus.Event) {
		got = ev
		close(done)
	})

	d := datum.Create([]byte("hello"), datum.Params{})
	id, err := b.Put(context.Background(), d)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	<-done

	if got.DatumID != id {
		t.Fatalf("expected event for %s, got %s", id, got.DatumID)
	}
	if got.CausalParent != "" {
		t.Fatalf("expected no causal parent on first emission, got %q", got.CausalParent)
	}
}

func TestSuccessiveEmissionsChainCausalParent(t *testing.T) {
	bus := eventbus.New()
	b := Wrap(memory.New(), bus, "test")

	d1 := datum.Create([]byte("one"), datum.Params{})
	d2 := datum.Create([]byte("two"), datum.Params{})

	if _, err := b.Put(context.Background(), d1); err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	firstEventID := b.LastEventID()

	var second eventbus.Event
	done := make(chan struct{})
	bus.Subscribe(eventbus.EventPut, func(ev eventbus.Event) {
		if ev.DatumID == d2.ID {
			second = ev
			close(done)
		}
	})
	if _, err := b.Put(context.Background(), d2); err != nil {
		t.Fatalf("Put 2: %v", err)
	}
	<-done

	if second.CausalParent != firstEventID {
		t.Fatalf("expected causal parent %q, got %q", firstEventID, second.CausalParent)
	}
}

func TestDeleteEmitsDeleteEventOnlyWhenSomethingWasRemoved(t *testing.T) {
	bus := eventbus.New()
	inner := memory.New()
	b := Wrap(inner, bus, "test")

	d := datum.Create([]byte("gone"), datum.Params{})
	if _, err := inner.Put(context.Background(), d); err != nil {
		t.Fatalf("Put: %v", err)
	}

	done := make(chan struct{})
	bus.Subscribe(eventbus.EventDelete, func(eventbus.Event) { close(done) })

	ok, err := b.Delete(context.Background(), d.ID)
	if err != nil || !ok {
		t.Fatalf("Delete: ok=%v err=%v", ok, err)
	}
	<-done

	before := b.LastEventID()
	if _, err := b.Delete(context.Background(), "does-not-exist"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
	if b.LastEventID() != before {
		t.Fatal("deleting a missing id emitted a DELETE event")
	}
}

func TestReadsDoNotEmit(t *testing.T) {
	bus := eventbus.New()
	inner := memory.New()
	b := Wrap(inner, bus, "test")

	d := datum.Create([]byte("read me"), datum.Params{})
	if _, err := inner.Put(context.Background(), d); err != nil {
		t.Fatalf("Put: %v", err)
	}

	called := make(chan struct{}, 1)
	bus.SubscribeAll(func(eventbus.Event) { called <- struct{}{} })

	if _, err := b.Get(context.Background(), d.ID); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := b.Exists(context.Background(), d.ID); err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if _, err := b.Count(context.Background()); err != nil {
		t.Fatalf("Count: %v", err)
	}

	select {
	case <-called:
		t.Fatal("a read triggered a bus emission")
	default:
	}
}
