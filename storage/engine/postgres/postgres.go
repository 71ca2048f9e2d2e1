// Package postgres is the "Postgres as a KV engine" adapter: a single
// key/value/mtime table accessed through sqlx, grounded in the teacher's
// pkg/storage/postgres.BaseStore query-helper idiom.
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	apperrors "github.com/cronicle-edge/corectl/infrastructure/errors"
	"github.com/cronicle-edge/corectl/storage/engine"
)

// Engine stores every key in a single kv_store table.
type Engine struct {
	db *sqlx.DB
}

var _ engine.Engine = (*Engine)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS kv_store (
	key   TEXT PRIMARY KEY,
	value BYTEA NOT NULL,
	mtime TIMESTAMPTZ NOT NULL
)`

// New opens dsn and ensures the kv_store table exists.
func New(dsn string) (*Engine, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, apperrors.IOError("postgres-connect", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, apperrors.IOError("postgres-migrate", err)
	}
	return &Engine{db: db}, nil
}

func (e *Engine) Put(ctx context.Context, key string, value []byte) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, mtime) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, mtime = EXCLUDED.mtime`,
		key, value, time.Now())
	if err != nil {
		return apperrors.IOError("postgres-put", err)
	}
	return nil
}

func (e *Engine) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := e.db.GetContext(ctx, &value, `SELECT value FROM kv_store WHERE key = $1`, key)
	if err == sql.ErrNoRows {
		return nil, engine.NoSuchKey(key)
	}
	if err != nil {
		return nil, apperrors.IOError("postgres-get", err)
	}
	return value, nil
}

func (e *Engine) Head(ctx context.Context, key string) (engine.Head, error) {
	var row struct {
		Mtime time.Time `db:"mtime"`
		Len   int64     `db:"len"`
	}
	err := e.db.GetContext(ctx, &row,
		`SELECT mtime, length(value) AS len FROM kv_store WHERE key = $1`, key)
	if err == sql.ErrNoRows {
		return engine.Head{}, engine.NoSuchKey(key)
	}
	if err != nil {
		return engine.Head{}, apperrors.IOError("postgres-head", err)
	}
	return engine.Head{ModEpoch: row.Mtime.Unix(), Len: row.Len}, nil
}

func (e *Engine) Delete(ctx context.Context, key string) error {
	res, err := e.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = $1`, key)
	if err != nil {
		return apperrors.IOError("postgres-delete", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return apperrors.IOError("postgres-rows-affected", err)
	}
	if rows == 0 {
		return engine.NoSuchKey(key)
	}
	return nil
}

func (e *Engine) GetStream(ctx context.Context, key string) (io.ReadCloser, engine.Head, error) {
	head, err := e.Head(ctx, key)
	if err != nil {
		return nil, engine.Head{}, err
	}
	data, err := e.Get(ctx, key)
	if err != nil {
		return nil, engine.Head{}, err
	}
	return io.NopCloser(bytes.NewReader(data)), head, nil
}

// GetStreamRange validates the requested range against the stored length
// and returns an error rather than a partial stream when it is invalid,
// resolving spec.md §9 Open Question 2 the same way the Redis adapter does.
func (e *Engine) GetStreamRange(ctx context.Context, key string, from, to int64) (io.ReadCloser, error) {
	data, err := e.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	size := int64(len(data))
	if from < 0 || to > size || from > to {
		return nil, apperrors.Validation("range", "requested byte range outside key length")
	}
	return io.NopCloser(bytes.NewReader(data[from:to])), nil
}

// Sync is a no-op: durability is delegated to Postgres's own WAL, so the
// transaction commit protocol's post-commit sync step is skipped.
func (e *Engine) Sync(ctx context.Context, key string) error {
	return nil
}
