// Package remote implements the shared tier of the storage lattice: a
// pooled connection to a MySQL-protocol server, reached over the network
// and usable by multiple processes at once.
package remote

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kgents/kgents/internal/datum"
	"github.com/kgents/kgents/internal/storage"
)

const (
	// Priority places the remote database ahead of every local tier: when
	// reachable it is the most authoritative shared store.
	Priority = 10
	name     = "remote-db"

	dialProbeTimeout = 500 * time.Millisecond
	retryMaxElapsed  = 30 * time.Second
)

// Config describes how to reach and authenticate against the remote server.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	TLS      bool

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 3306
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
}

// dsn builds a go-sql-driver/mysql DSN against the given database name; an
// empty database connects without selecting one, for schema bootstrap.
func (c *Config) dsn(database string) string {
	userPart := c.User
	if c.Password != "" {
		userPart = fmt.Sprintf("%s:%s", c.User, c.Password)
	}

	dbPart := "/"
	if database != "" {
		dbPart = "/" + database
	}

	params := "parseTime=true"
	if c.TLS {
		params += "&tls=true"
	}

	return fmt.Sprintf("%s@tcp(%s:%d)%s?%s", userPart, c.Host, c.Port, dbPart, params)
}

// String returns a representation safe to log: the password is redacted.
func (c *Config) String() string {
	return fmt.Sprintf("mysql://%s@%s:%d/%s", c.User, c.Host, c.Port, c.Database)
}

const schema = `
CREATE TABLE IF NOT EXISTS datums (
	id            VARCHAR(128) PRIMARY KEY,
	content       LONGBLOB NOT NULL,
	created_at    DOUBLE NOT NULL,
	causal_parent VARCHAR(128),
	metadata      JSON,
	INDEX idx_datums_created_at (created_at),
	INDEX idx_datums_causal_parent (causal_parent)
)
`

// Backend is a pooled connection to a remote MySQL-protocol database.
type Backend struct {
	db  *sql.DB
	cfg Config
}

var tracer = otel.Tracer("github.com/kgents/kgents/storage/remote")

var metrics struct {
	retryCount metric.Int64Counter
}

func init() {
	m := otel.Meter("github.com/kgents/kgents/storage/remote")
	metrics.retryCount, _ = m.Int64Counter("kgents.storage.remote.retry_count",
		metric.WithDescription("remote storage operations retried after a transient connection error"),
		metric.WithUnit("{retry}"),
	)
}

// Open connects to the remote server, creating the target database and
// schema if they do not already exist.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	cfg.applyDefaults()

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, dialProbeTimeout)
	if err != nil {
		return nil, fmt.Errorf("remote: server unreachable at %s: %w", addr, err)
	}
	conn.Close()

	if err := ensureDatabase(ctx, cfg); err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", cfg.dsn(cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("remote: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("remote: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("remote: init schema: %w", err)
	}

	return &Backend{db: db, cfg: cfg}, nil
}

func ensureDatabase(ctx context.Context, cfg Config) error {
	initDB, err := sql.Open("mysql", cfg.dsn(""))
	if err != nil {
		return fmt.Errorf("remote: open init connection: %w", err)
	}
	defer initDB.Close()

	_, err = initDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Database))
	if err != nil {
		return fmt.Errorf("remote: create database %q: %w", cfg.Database, err)
	}
	return nil
}

func (b *Backend) Close() error { return b.db.Close() }

var (
	_ storage.Backend   = (*Backend)(nil)
	_ storage.Queryable = (*Backend)(nil)
)

func (b *Backend) Name() string       { return name }
func (b *Backend) Priority() int      { return Priority }
func (b *Backend) IsPersistent() bool { return true }

func (b *Backend) IsAvailable(ctx context.Context) bool {
	return b.db.PingContext(ctx) == nil
}

func newRetry() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed
	return bo
}

// isRetryable reports whether err looks like a transient network or pool
// error worth retrying, as opposed to a query or constraint error that
// will never succeed on replay.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if netErr, ok := err.(net.Error); ok {
		return netErr.Timeout()
	}
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}

// withRetry runs op, retrying transient errors with exponential backoff up
// to retryMaxElapsed.
func (b *Backend) withRetry(ctx context.Context, op func() error) error {
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := op()
		if err != nil && isRetryable(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(newRetry(), ctx))

	if attempts > 1 && metrics.retryCount != nil {
		metrics.retryCount.Add(ctx, int64(attempts-1))
	}
	return err
}

func (b *Backend) span(ctx context.Context, op string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "remote."+op, trace.WithAttributes(
		attribute.String("db.system", "mysql"),
		attribute.String("db.name", b.cfg.Database),
	))
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (b *Backend) Put(ctx context.Context, d *datum.Datum) (string, error) {
	ctx, span := b.span(ctx, "put")
	var err error
	defer func() { endSpan(span, err) }()

	meta, merr := storage.MarshalMetadata(d.Metadata)
	if merr != nil {
		err = merr
		return "", storage.Wrap(name, "put", err)
	}

	err = b.withRetry(ctx, func() error {
		_, err := b.db.ExecContext(ctx, `
			INSERT INTO datums (id, content, created_at, causal_parent, metadata)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				content = VALUES(content),
				created_at = VALUES(created_at),
				causal_parent = VALUES(causal_parent),
				metadata = VALUES(metadata)
		`, d.ID, d.Content, d.CreatedAt, nullableString(d.CausalParent), meta)
		return err
	})
	if err != nil {
		return "", storage.Wrap(name, "put", err)
	}
	return d.ID, nil
}

func (b *Backend) Get(ctx context.Context, id string) (*datum.Datum, error) {
	ctx, span := b.span(ctx, "get")
	var found *datum.Datum
	err := b.withRetry(ctx, func() error {
		row := b.db.QueryRowContext(ctx,
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
	endSpan(span, err)
	if err != nil {
		return nil, storage.Wrap(name, "get", err)
	}
	return found, nil
}

func (b *Backend) Delete(ctx context.Context, id string) (bool, error) {
	ctx, span := b.span(ctx, "delete")
	var existed bool
	err := b.withRetry(ctx, func() error {
		res, err := b.db.ExecContext(ctx, `DELETE FROM datums WHERE id = ?`, id)
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
	endSpan(span, err)
	if err != nil {
		return false, storage.Wrap(name, "delete", err)
	}
	return existed, nil
}

func (b *Backend) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := b.withRetry(ctx, func() error {
		return b.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM datums WHERE id = ?)`, id).Scan(&exists)
	})
	if err != nil {
		return false, storage.Wrap(name, "exists", err)
	}
	return exists, nil
}

func (b *Backend) Count(ctx context.Context) (int, error) {
	var n int
	err := b.withRetry(ctx, func() error {
		return b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM datums`).Scan(&n)
	})
	if err != nil {
		return 0, storage.Wrap(name, "count", err)
	}
	return n, nil
}

// List pushes q's Prefix/After/Before/Author/Source/Where filters into the
// WHERE clause via Query, then runs q.Apply over the rows for Tags
// subset-containment and final sort/pagination.
func (b *Backend) List(ctx context.Context, q storage.Query) ([]*datum.Datum, error) {
	return b.Query(ctx, q)
}

// mysqlJSONPath formats a JSON path expression against the metadata column
// for a key already validated by storage.ValidateMetadataKey.
func mysqlJSONPath(key string) string {
	return fmt.Sprintf("JSON_UNQUOTE(JSON_EXTRACT(metadata, '$.%s'))", key)
}

// Query implements storage.Queryable: it pushes q's filters into a SQL
// WHERE clause instead of loading every row and filtering in memory.
func (b *Backend) Query(ctx context.Context, q storage.Query) ([]*datum.Datum, error) {
	where, args, werr := q.SQLWhere(mysqlJSONPath)
	if werr != nil {
		return nil, storage.Wrap(name, "query", werr)
	}

	var candidates []*datum.Datum
	err := b.withRetry(ctx, func() error {
		rows, err := b.db.QueryContext(ctx, fmt.Sprintf(
			`SELECT id, content, created_at, causal_parent, metadata FROM datums %s ORDER BY created_at DESC`, where,
		), args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			d, err := scanDatum(rows)
			if err != nil {
				return err
			}
			candidates = append(candidates, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storage.Wrap(name, "query", err)
	}
	return q.Apply(candidates), nil
}

func (b *Backend) CausalChain(ctx context.Context, id string) ([]*datum.Datum, error) {
	var chain []*datum.Datum
	err := b.withRetry(ctx, func() error {
		rows, err := b.db.QueryContext(ctx, `
			WITH RECURSIVE chain AS (
				SELECT id, content, created_at, causal_parent, metadata, 0 AS depth
				FROM datums WHERE id = ?
				UNION ALL
				SELECT d.id, d.content, d.created_at, d.causal_parent, d.metadata, c.depth + 1
				FROM datums d JOIN chain c ON d.id = c.causal_parent
				WHERE c.depth < 1000
			)
			SELECT id, content, created_at, causal_parent, metadata FROM chain ORDER BY depth DESC
		`, id)
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
	if err != nil {
		return nil, storage.Wrap(name, "causal_chain", err)
	}
	return chain, nil
}

func (b *Backend) Stats(ctx context.Context) (storage.Status, error) {
	var totalDatums int
	var sizeBytes sql.NullInt64
	err := b.withRetry(ctx, func() error {
		return b.db.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(SUM(LENGTH(content)), 0) FROM datums`,
		).Scan(&totalDatums, &sizeBytes)
	})
	if err != nil {
		return storage.Status{}, storage.Wrap(name, "stats", err)
	}

	return storage.Status{
		Name:         name,
		Priority:     Priority,
		Available:    true,
		IsPersistent: true,
		TotalDatums:  totalDatums,
		SizeBytes:    sizeBytes.Int64,
	}, nil
}

// HealthCheck pings the server and reports the round trip time. The router
// does not call it; its availability probe is IsAvailable.
func (b *Backend) HealthCheck(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	err := b.db.PingContext(ctx)
	return time.Since(start), err
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDatum(row scanner) (*datum.Datum, error) {
	var (
		id, metaJSON string
		content      []byte
		createdAt    float64
		causalParent sql.NullString
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
