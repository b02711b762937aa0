// Package embedded implements the local, durable tier of the storage
// lattice: a single-file SQLite database with WAL journaling, accessed
// through a single dispatcher goroutine so every call keeps the uniform
// async contract of storage.Backend without fighting SQLite's single-writer
// model.
package embedded

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/kgents/kgents/internal/datum"
	"github.com/kgents/kgents/internal/storage"
)

const (
	// Priority places the embedded database ahead of the append log but
	// behind a configured remote database.
	Priority = 20
	name     = "embedded-db"

	// causalChainDepthLimit bounds the recursive CTE walk so a corrupt
	// causal_parent cycle can't hang a query.
	causalChainDepthLimit = 1000
)

const schema = `
CREATE TABLE IF NOT EXISTS datums (
	id            TEXT PRIMARY KEY,
	content       BLOB NOT NULL,
	created_at    REAL NOT NULL,
	causal_parent TEXT,
	metadata      TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_datums_created_at ON datums(created_at);
CREATE INDEX IF NOT EXISTS idx_datums_causal_parent ON datums(causal_parent);
`

// job is a unit of work handed to the dispatcher goroutine. run executes
// against db and signals done when finished; every public method on
// Backend builds one of these and blocks on done (or ctx) rather than
// touching db directly.
type job struct {
	run  func(db *sql.DB) error
	done chan error
}

// Backend is a SQLite-backed store for a single namespace file. All access
// funnels through a dispatcher goroutine reading from jobs, which keeps
// every operation serialized the way a single-writer SQLite database
// requires while still presenting a normal context-aware async API.
type Backend struct {
	path string
	db   *sql.DB
	jobs chan job
	stop chan struct{}
}

// Open creates (or opens) the database file at dataDir/namespace.db,
// applies the schema, and starts the dispatcher goroutine.
func Open(dataDir, namespace string) (*Backend, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("embedded: create data dir: %w", err)
	}
	path := filepath.Join(dataDir, namespace+".db")

	db, err := sql.Open("sqlite3", storage.SQLiteConnString(path, false))
	if err != nil {
		return nil, fmt.Errorf("embedded: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("embedded: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("embedded: init schema: %w", err)
	}

	b := &Backend{
		path: path,
		db:   db,
		jobs: make(chan job),
		stop: make(chan struct{}),
	}
	go b.dispatch()
	return b, nil
}

func (b *Backend) dispatch() {
	for {
		select {
		case j := <-b.jobs:
			j.done <- j.run(b.db)
		case <-b.stop:
			return
		}
	}
}

// do submits fn to the dispatcher and waits for it to finish or ctx to be
// canceled, whichever comes first.
func (b *Backend) do(ctx context.Context, op string, fn func(db *sql.DB) error) error {
	j := job{run: fn, done: make(chan error, 1)}
	select {
	case b.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		if err != nil {
			return storage.Wrap(name, op, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the dispatcher and closes the underlying connection.
func (b *Backend) Close() error {
	close(b.stop)
	return b.db.Close()
}

var (
	_ storage.Backend   = (*Backend)(nil)
	_ storage.Queryable = (*Backend)(nil)
)

func (b *Backend) Name() string       { return name }
func (b *Backend) Priority() int      { return Priority }
func (b *Backend) IsPersistent() bool { return true }

func (b *Backend) IsAvailable(ctx context.Context) bool {
	err := b.do(ctx, "ping", func(db *sql.DB) error {
		return db.PingContext(ctx)
	})
	return err == nil
}

func (b *Backend) Put(ctx context.Context, d *datum.Datum) (string, error) {
	meta, err := storage.MarshalMetadata(d.Metadata)
	if err != nil {
		return "", storage.Wrap(name, "put", err)
	}

	err = b.do(ctx, "put", func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO datums (id, content, created_at, causal_parent, metadata)
			VALUES (?, ?, ?, NULLIF(?, ''), ?)
			ON CONFLICT(id) DO UPDATE SET
				content = excluded.content,
				created_at = excluded.created_at,
				causal_parent = excluded.causal_parent,
				metadata = excluded.metadata
		`, d.ID, d.Content, d.CreatedAt, d.CausalParent, meta)
		return err
	})
	if err != nil {
		return "", err
	}
	return d.ID, nil
}

func (b *Backend) Get(ctx context.Context, id string) (*datum.Datum, error) {
	var found *datum.Datum
	err := b.do(ctx, "get", func(db *sql.DB) error {
		row := db.QueryRowContext(ctx,
			`SELECT id, content, created_at, causal_parent, metadata FROM datums WHERE id = ?`, id)
		d, err := scanDatum(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		found = d
		return nil
	})
	return found, err
}

func (b *Backend) Delete(ctx context.Context, id string) (bool, error) {
	var existed bool
	err := b.do(ctx, "delete", func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM datums WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		existed = n > 0
		return nil
	})
	return existed, err
}

func (b *Backend) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := b.do(ctx, "exists", func(db *sql.DB) error {
		return db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM datums WHERE id = ?)`, id).Scan(&exists)
	})
	return exists, err
}

func (b *Backend) Count(ctx context.Context) (int, error) {
	var n int
	err := b.do(ctx, "count", func(db *sql.DB) error {
		return db.QueryRowContext(ctx, `SELECT COUNT(*) FROM datums`).Scan(&n)
	})
	return n, err
}

// List pushes q's Prefix/After/Before/Author/Source/Where filters into the
// WHERE clause via Query, then still runs q.Apply over the rows that come
// back for Tags subset-containment (not expressible in SQL here) and for
// final sort/pagination.
func (b *Backend) List(ctx context.Context, q storage.Query) ([]*datum.Datum, error) {
	return b.Query(ctx, q)
}

// sqliteJSONPath formats a JSON path expression against the metadata
// column for a key already validated by storage.ValidateMetadataKey.
func sqliteJSONPath(key string) string {
	return fmt.Sprintf("json_extract(metadata, '$.%s')", key)
}

// Query implements storage.Queryable: it pushes q's filters into a SQL
// WHERE clause instead of loading every row and filtering in memory.
func (b *Backend) Query(ctx context.Context, q storage.Query) ([]*datum.Datum, error) {
	where, args, err := q.SQLWhere(sqliteJSONPath)
	if err != nil {
		return nil, storage.Wrap(name, "query", err)
	}

	var candidates []*datum.Datum
	err = b.do(ctx, "query", func(db *sql.DB) error {
		rows, qerr := db.QueryContext(ctx, fmt.Sprintf(
			`SELECT id, content, created_at, causal_parent, metadata FROM datums %s ORDER BY created_at DESC`, where,
		), args...)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()

		for rows.Next() {
			d, serr := scanDatum(rows)
			if serr != nil {
				return serr
			}
			candidates = append(candidates, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return q.Apply(candidates), nil
}

func (b *Backend) CausalChain(ctx context.Context, id string) ([]*datum.Datum, error) {
	var chain []*datum.Datum
	err := b.do(ctx, "causal_chain", func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			WITH RECURSIVE chain(id, content, created_at, causal_parent, metadata, depth) AS (
				SELECT id, content, created_at, causal_parent, metadata, 0
				FROM datums WHERE id = ?
				UNION ALL
				SELECT d.id, d.content, d.created_at, d.causal_parent, d.metadata, c.depth + 1
				FROM datums d JOIN chain c ON d.id = c.causal_parent
				WHERE c.depth < ?
			)
			SELECT id, content, created_at, causal_parent, metadata FROM chain ORDER BY depth DESC
		`, id, causalChainDepthLimit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			d, err := scanDatum(rows)
			if err != nil {
				return err
			}
			chain = append(chain, d)
		}
		return rows.Err()
	})
	return chain, err
}

func (b *Backend) Stats(ctx context.Context) (storage.Status, error) {
	var totalDatums int
	var sizeBytes int64
	err := b.do(ctx, "stats", func(db *sql.DB) error {
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(LENGTH(content)), 0) FROM datums`).
			Scan(&totalDatums, &sizeBytes); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return storage.Status{}, err
	}

	if info, statErr := os.Stat(b.path); statErr == nil {
		sizeBytes = info.Size()
	}

	return storage.Status{
		Name:         name,
		Priority:     Priority,
		Available:    true,
		IsPersistent: true,
		TotalDatums:  totalDatums,
		SizeBytes:    sizeBytes,
	}, nil
}

// Vacuum reclaims space left by deleted rows. Call periodically; SQLite
// does not do this automatically in WAL mode.
func (b *Backend) Vacuum(ctx context.Context) error {
	return b.do(ctx, "vacuum", func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `VACUUM`)
		return err
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDatum(row scanner) (*datum.Datum, error) {
	var (
		id, metaJSON  string
		content       []byte
		createdAt     float64
		causalParent  sql.NullString
	)
	if err := row.Scan(&id, &content, &createdAt, &causalParent, &metaJSON); err != nil {
		return nil, err
	}

	meta, err := storage.UnmarshalMetadata(metaJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrCorrupt, err)
	}

	return &datum.Datum{
		ID:           id,
		Content:      content,
		CreatedAt:    createdAt,
		CausalParent: causalParent.String,
		Metadata:     meta,
	}, nil
}
