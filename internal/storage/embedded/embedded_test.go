package embedded

import (
	"context"
	"testing"

	"github.com/kgents/kgents/internal/datum"
	"github.com/kgents/kgents/internal/storage"
)

func open(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(t.TempDir(), "ns")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := open(t)

	d := datum.Create([]byte("hello"), datum.Params{ID: "a", Metadata: map[string]string{"tags": "x,y"}})
	if _, err := b.Put(ctx, d); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := b.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || string(got.Content) != "hello" || got.Metadata["tags"] != "x,y" {
		t.Fatalf("unexpected get result: %+v", got)
	}
}

func TestPutOverwritesExistingID(t *testing.T) {
	ctx := context.Background()
	b := open(t)

	b.Put(ctx, datum.Create([]byte("v1"), datum.Params{ID: "a"}))
	b.Put(ctx, datum.Create([]byte("v2"), datum.Params{ID: "a"}))

	got, err := b.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Content) != "v2" {
		t.Fatalf("expected overwritten content v2, got %q", got.Content)
	}

	count, err := b.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row after overwrite, got %d", count)
	}
}

func TestDeleteUnknownReturnsFalse(t *testing.T) {
	ctx := context.Background()
	b := open(t)

	existed, err := b.Delete(ctx, "nope")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if existed {
		t.Fatal("expected existed=false for unknown id")
	}
}

func TestExists(t *testing.T) {
	ctx := context.Background()
	b := open(t)
	b.Put(ctx, datum.Create([]byte("x"), datum.Params{ID: "a"}))

	ok, err := b.Exists(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("Exists(a): ok=%v err=%v", ok, err)
	}
	ok, err = b.Exists(ctx, "missing")
	if err != nil || ok {
		t.Fatalf("Exists(missing): ok=%v err=%v", ok, err)
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	b := open(t)

	d1 := datum.Create([]byte("1"), datum.Params{ID: "d1"})
	d2 := datum.Create([]byte("2"), datum.Params{ID: "d2"})
	b.Put(ctx, d1)
	b.Put(ctx, d2)

	results, err := b.List(ctx, storage.Query{}.WithLimit(10))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(results) != 2 || results[0].ID != "d2" || results[1].ID != "d1" {
		t.Fatalf("expected [d2, d1], got %v", idsOf(results))
	}
}

func TestCausalChainAcrossGenerations(t *testing.T) {
	ctx := context.Background()
	b := open(t)

	root := datum.Create([]byte("a"), datum.Params{ContentAddressed: true})
	child := root.Derive([]byte("b"), datum.Params{ContentAddressed: true})
	grandchild := child.Derive([]byte("c"), datum.Params{ContentAddressed: true})

	b.Put(ctx, root)
	b.Put(ctx, child)
	b.Put(ctx, grandchild)

	chain, err := b.CausalChain(ctx, grandchild.ID)
	if err != nil {
		t.Fatalf("CausalChain: %v", err)
	}
	if len(chain) != 3 || chain[0].ID != root.ID || chain[2].ID != grandchild.ID {
		t.Fatalf("expected [root, child, grandchild], got %v", idsOf(chain))
	}
}

func TestCausalChainUnknownIDIsEmpty(t *testing.T) {
	ctx := context.Background()
	b := open(t)

	chain, err := b.CausalChain(ctx, "nope")
	if err != nil {
		t.Fatalf("CausalChain: %v", err)
	}
	if len(chain) != 0 {
		t.Fatalf("expected empty chain, got %v", idsOf(chain))
	}
}

func TestStatsReflectsRowCount(t *testing.T) {
	ctx := context.Background()
	b := open(t)
	b.Put(ctx, datum.Create([]byte("payload"), datum.Params{ID: "a"}))

	st, err := b.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalDatums != 1 || !st.Available || !st.IsPersistent {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestVacuumDoesNotError(t *testing.T) {
	ctx := context.Background()
	b := open(t)
	b.Put(ctx, datum.Create([]byte("a"), datum.Params{ID: "a"}))
	b.Delete(ctx, "a")

	if err := b.Vacuum(ctx); err != nil {
		t.Fatalf("Vacuum: %v", err)
	}
}

func TestIsAvailable(t *testing.T) {
	b := open(t)
	if !b.IsAvailable(context.Background()) {
		t.Fatal("expected a freshly opened backend to be available")
	}
}

func TestReopenPersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b1, err := Open(dir, "ns")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b1.Put(ctx, datum.Create([]byte("durable"), datum.Params{ID: "a"}))
	b1.Close()

	b2, err := Open(dir, "ns")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()

	got, err := b2.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || string(got.Content) != "durable" {
		t.Fatalf("expected durable row to survive reopen, got %+v", got)
	}
}

func idsOf(ds []*datum.Datum) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}
