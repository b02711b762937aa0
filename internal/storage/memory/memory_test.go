package memory

import (
	"context"
	"testing"

	"github.com/kgents/kgents/internal/datum"
	"github.com/kgents/kgents/internal/storage"
)

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := New()

	d := datum.Create([]byte("hello"), datum.Params{ContentAddressed: true})
	if _, err := b.Put(ctx, d); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := b.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || string(got.Content) != "hello" {
		t.Fatalf("unexpected get result: %+v", got)
	}
}

func TestPutIsIdempotentOnID(t *testing.T) {
	ctx := context.Background()
	b := New()

	d := datum.Create([]byte("v1"), datum.Params{ID: "fixed"})
	b.Put(ctx, d)
	b.Put(ctx, d)

	count, _ := b.Count(ctx)
	if count != 1 {
		t.Fatalf("expected count 1 after double put, got %d", count)
	}
}

func TestDeleteUnknownReturnsFalse(t *testing.T) {
	ctx := context.Background()
	b := New()

	existed, err := b.Delete(ctx, "nope")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if existed {
		t.Fatal("expected existed=false for unknown id")
	}
}

func TestGetAfterDeleteIsAbsent(t *testing.T) {
	ctx := context.Background()
	b := New()

	d := datum.Create([]byte("x"), datum.Params{ID: "a"})
	b.Put(ctx, d)
	b.Delete(ctx, "a")

	got, err := b.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatal("expected absent datum after delete")
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	b := New()

	d1 := datum.Create([]byte("1"), datum.Params{ID: "d1"})
	d2 := datum.Create([]byte("2"), datum.Params{ID: "d2"})
	b.Put(ctx, d1)
	b.Put(ctx, d2)

	results, err := b.List(ctx, storage.Query{}.WithLimit(10))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(results) != 2 || results[0].ID != "d2" || results[1].ID != "d1" {
		t.Fatalf("expected [d2, d1], got %v", ids(results))
	}
}

func TestListLimitZeroReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	b := New()
	b.Put(ctx, datum.Create([]byte("x"), datum.Params{}))

	results, err := b.List(ctx, storage.Query{}.WithLimit(0))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty results for limit=0, got %d", len(results))
	}
}

func TestListPrefixFilter(t *testing.T) {
	ctx := context.Background()
	b := New()
	b.Put(ctx, datum.Create([]byte("a"), datum.Params{ID: "x-1"}))
	b.Put(ctx, datum.Create([]byte("b"), datum.Params{ID: "y-1"}))

	results, err := b.List(ctx, storage.Query{Prefix: "x"}.WithLimit(10))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(results) != 1 || results[0].ID != "x-1" {
		t.Fatalf("expected only x-1, got %v", ids(results))
	}
}

func TestCausalChain(t *testing.T) {
	ctx := context.Background()
	b := New()

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
		t.Fatalf("expected [root, child, grandchild], got %v", ids(chain))
	}
}

func TestCausalChainUnknownIDIsEmpty(t *testing.T) {
	ctx := context.Background()
	b := New()

	chain, err := b.CausalChain(ctx, "nope")
	if err != nil {
		t.Fatalf("CausalChain: %v", err)
	}
	if len(chain) != 0 {
		t.Fatalf("expected empty chain, got %v", ids(chain))
	}
}

func TestCausalChainSingleNode(t *testing.T) {
	ctx := context.Background()
	b := New()

	root := datum.Create([]byte("a"), datum.Params{ID: "root"})
	b.Put(ctx, root)

	chain, err := b.CausalChain(ctx, "root")
	if err != nil {
		t.Fatalf("CausalChain: %v", err)
	}
	if len(chain) != 1 || chain[0].ID != "root" {
		t.Fatalf("expected [root], got %v", ids(chain))
	}
}

func ids(ds []*datum.Datum) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}
