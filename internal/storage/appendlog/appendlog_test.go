package appendlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kgents/kgents/internal/datum"
	"github.com/kgents/kgents/internal/storage"
)

func TestPutGetRoundTripPersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b1 := New(dir, "ns")
	d := datum.Create([]byte("hello"), datum.Params{ID: "a"})
	if _, err := b1.Put(ctx, d); err != nil {
		t.Fatalf("Put: %v", err)
	}

	b2 := New(dir, "ns")
	got, err := b2.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || string(got.Content) != "hello" {
		t.Fatalf("unexpected get result after reload: %+v", got)
	}
}

func TestDeleteThenReloadIsAbsent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b1 := New(dir, "ns")
	b1.Put(ctx, datum.Create([]byte("x"), datum.Params{ID: "a"}))
	existed, err := b1.Delete(ctx, "a")
	if err != nil || !existed {
		t.Fatalf("Delete: existed=%v err=%v", existed, err)
	}

	b2 := New(dir, "ns")
	got, err := b2.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatal("expected absent datum after reload past a tombstone")
	}
}

func TestPutAfterDeleteReversesTombstone(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b := New(dir, "ns")
	b.Put(ctx, datum.Create([]byte("v1"), datum.Params{ID: "a"}))
	b.Delete(ctx, "a")
	b.Put(ctx, datum.Create([]byte("v2"), datum.Params{ID: "a"}))

	got, err := b.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || string(got.Content) != "v2" {
		t.Fatalf("expected revived datum with v2 content, got %+v", got)
	}

	b2 := New(dir, "ns")
	got2, err := b2.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if got2 == nil || string(got2.Content) != "v2" {
		t.Fatalf("expected revived datum to survive reload, got %+v", got2)
	}
}

func TestMalformedLinesAreSkippedOnLoad(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "ns.jsonl")

	good := datum.Create([]byte("ok"), datum.Params{ID: "good"})
	line, err := good.ToLine()
	if err != nil {
		t.Fatalf("ToLine: %v", err)
	}

	contents := "not json at all\n" + string(line) + "\n{\"incomplete\":\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	b := New(dir, "ns")
	count, err := b.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 datum surviving malformed lines, got %d", count)
	}

	got, err := b.Get(ctx, "good")
	if err != nil || got == nil {
		t.Fatalf("Get(good): got=%v err=%v", got, err)
	}
}

func TestListAndCausalChain(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := New(dir, "ns")

	root := datum.Create([]byte("a"), datum.Params{ContentAddressed: true})
	child := root.Derive([]byte("b"), datum.Params{ContentAddressed: true})
	b.Put(ctx, root)
	b.Put(ctx, child)

	results, err := b.List(ctx, storage.Query{}.WithLimit(10))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	chain, err := b.CausalChain(ctx, child.ID)
	if err != nil {
		t.Fatalf("CausalChain: %v", err)
	}
	if len(chain) != 2 || chain[0].ID != root.ID || chain[1].ID != child.ID {
		t.Fatalf("expected [root, child], got %d entries", len(chain))
	}
}

func TestCompactDropsTombstonesAndShrinksFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := New(dir, "ns")

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		b.Put(ctx, datum.Create([]byte("payload"), datum.Params{ID: id}))
	}
	b.Delete(ctx, "a")
	b.Delete(ctx, "b")

	saved, err := b.Compact(ctx)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if saved <= 0 {
		t.Fatalf("expected positive bytes saved after dropping tombstones, got %d", saved)
	}

	count, err := b.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 surviving datums, got %d", count)
	}

	reloaded := New(dir, "ns")
	got, err := reloaded.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatal("expected deleted datum to stay gone after compaction and reload")
	}
}

func TestCompactTwiceInARowSavesNothingTheSecondTime(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := New(dir, "ns")
	b.Put(ctx, datum.Create([]byte("x"), datum.Params{ID: "a"}))
	b.Delete(ctx, "a")
	b.Put(ctx, datum.Create([]byte("y"), datum.Params{ID: "b"}))

	if _, err := b.Compact(ctx); err != nil {
		t.Fatalf("first Compact: %v", err)
	}
	saved, err := b.Compact(ctx)
	if err != nil {
		t.Fatalf("second Compact: %v", err)
	}
	if saved != 0 {
		t.Fatalf("expected zero bytes saved on a quiescent second compaction, got %d", saved)
	}
}

func TestIsAvailableCreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "path")
	b := New(dir, "ns")
	if !b.IsAvailable(context.Background()) {
		t.Fatal("expected IsAvailable to succeed by creating the directory")
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected directory to exist: %v", err)
	}
}
