// Package storage defines the backend contract every tier of the lattice
// implements, plus the declarative query and status types backends share.
package storage

import (
	"context"

	"github.com/kgents/kgents/internal/datum"
)

// Backend is the uniform contract implemented by every storage tier. All
// methods may suspend on I/O; callers set their own deadlines via ctx.
type Backend interface {
	Put(ctx context.Context, d *datum.Datum) (string, error)
	Get(ctx context.Context, id string) (*datum.Datum, error)
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, q Query) ([]*datum.Datum, error)
	CausalChain(ctx context.Context, id string) ([]*datum.Datum, error)
	Exists(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context) (int, error)

	// Name identifies this backend in status reports and events.
	Name() string
	// Priority ranks this backend among others; lower is preferred.
	Priority() int
	// IsPersistent reports whether data survives process restart.
	IsPersistent() bool
	// IsAvailable is a fast probe that must never panic or return an error.
	IsAvailable(ctx context.Context) bool
	// Stats reports size/count for status and promotion bookkeeping.
	Stats(ctx context.Context) (Status, error)
}

// Queryable is implemented by backends that can push Query filters into
// their native query language instead of filtering post-fetch.
type Queryable interface {
	Query(ctx context.Context, q Query) ([]*datum.Datum, error)
}

// Status reports a backend's availability and footprint, produced by a
// probe and a stats call.
type Status struct {
	Name         string
	Priority     int
	Available    bool
	Reason       string
	IsPersistent bool
	TotalDatums  int
	SizeBytes    int64
}
