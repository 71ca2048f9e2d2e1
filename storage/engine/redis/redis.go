// Package redis is the Redis KV engine adapter: a shared, network-attached
// backend suitable for multi-node deployments (spec.md §4.1 "pluggable:
// local FS, S3, Redis, Couchbase").
package redis

import (
	"bytes"
	"context"
	"io"
	"time"

	goredis "github.com/go-redis/redis/v8"

	apperrors "github.com/cronicle-edge/corectl/infrastructure/errors"
	"github.com/cronicle-edge/corectl/storage/engine"
)

// Engine stores each key as a Redis string plus a side hash recording the
// modification epoch (Redis has no portable "mtime" of its own).
type Engine struct {
	client *goredis.Client
	prefix string
}

var _ engine.Engine = (*Engine)(nil)
var _ engine.Syncer = (*Engine)(nil)

// New dials url (e.g. "redis://host:6379/0") and returns an Engine that
// prefixes all keys with prefix (the configured storage key_prefix).
func New(url, prefix string) (*Engine, error) {
	opt, err := goredis.ParseURL(url)
	if err != nil {
		return nil, apperrors.Validation("redis_url", err.Error())
	}
	client := goredis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, apperrors.IOError("redis-ping", err)
	}
	return &Engine{client: client, prefix: prefix}, nil
}

func (e *Engine) mtimeKey(key string) string { return e.prefix + key + "\x00mtime" }
func (e *Engine) dataKey(key string) string  { return e.prefix + key }

func (e *Engine) Put(ctx context.Context, key string, value []byte) error {
	pipe := e.client.TxPipeline()
	pipe.Set(ctx, e.dataKey(key), value, 0)
	pipe.Set(ctx, e.mtimeKey(key), time.Now().Unix(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.IOError("redis-put", err)
	}
	return nil
}

func (e *Engine) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := e.client.Get(ctx, e.dataKey(key)).Bytes()
	if err == goredis.Nil {
		return nil, engine.NoSuchKey(key)
	}
	if err != nil {
		return nil, apperrors.IOError("redis-get", err)
	}
	return val, nil
}

func (e *Engine) Head(ctx context.Context, key string) (engine.Head, error) {
	length, err := e.client.StrLen(ctx, e.dataKey(key)).Result()
	if err != nil {
		return engine.Head{}, apperrors.IOError("redis-strlen", err)
	}
	if length == 0 {
		exists, err := e.client.Exists(ctx, e.dataKey(key)).Result()
		if err != nil {
			return engine.Head{}, apperrors.IOError("redis-exists", err)
		}
		if exists == 0 {
			return engine.Head{}, engine.NoSuchKey(key)
		}
	}
	mtime, err := e.client.Get(ctx, e.mtimeKey(key)).Int64()
	if err != nil && err != goredis.Nil {
		return engine.Head{}, apperrors.IOError("redis-mtime", err)
	}
	return engine.Head{ModEpoch: mtime, Len: length}, nil
}

func (e *Engine) Delete(ctx context.Context, key string) error {
	n, err := e.client.Del(ctx, e.dataKey(key), e.mtimeKey(key)).Result()
	if err != nil {
		return apperrors.IOError("redis-del", err)
	}
	if n == 0 {
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

// GetStreamRange resolves spec.md §9 Open Question 2: the source referenced
// an undefined `download` variable in this path, with clear intent to abort
// on an invalid range. This adapter validates explicitly and returns an
// error instead of ever constructing a partial/garbage stream.
func (e *Engine) GetStreamRange(ctx context.Context, key string, from, to int64) (io.ReadCloser, error) {
	head, err := e.Head(ctx, key)
	if err != nil {
		return nil, err
	}
	if from < 0 || to > head.Len || from > to {
		return nil, apperrors.Validation("range", "requested byte range outside key length")
	}
	data, err := e.client.GetRange(ctx, e.dataKey(key), from, to-1).Bytes()
	if err != nil {
		return nil, apperrors.IOError("redis-getrange", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Sync is a no-op: Redis's own persistence (AOF/RDB) is out of this
// adapter's control, so the transaction commit protocol skips the
// post-commit sync step for this backend.
func (e *Engine) Sync(ctx context.Context, key string) error {
	return nil
}
