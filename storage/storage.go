// Package storage is the transactional key/value/list/hash core of
// spec.md §4.2: per-key FIFO-fair locking, a bounded-concurrency operation
// queue, list and hash abstractions, and a write-ahead-logged transaction
// facility, all layered over a pluggable engine.Engine.
package storage

import (
	"context"
	"io"

	"github.com/cronicle-edge/corectl/infrastructure/errors"
	"github.com/cronicle-edge/corectl/pkg/logger"
	"github.com/cronicle-edge/corectl/storage/engine"
)

// Storage is the real (non-transactional) storage core. It also
// implements RawKV directly so list/hash operations work against it
// exactly as they would against a Transaction clone.
type Storage struct {
	engine  engine.Engine
	locks   *LockTable
	queue   *OpQueue
	log     *logger.Logger

	transDir  string
	nextTxnID uint64
}

var _ RawKV = (*Storage)(nil)

// New wires a Storage core around eng, using its own lock table and
// operation queue, with a transaction log directory at transDir.
func New(eng engine.Engine, concurrency int, transDir string, log *logger.Logger) *Storage {
	return &Storage{
		engine:   eng,
		locks:    NewLockTable(),
		queue:    NewOpQueue(concurrency),
		log:      log,
		transDir: transDir,
	}
}

// Locks exposes the shared lock table for callers that need to guard
// process-wide in-memory state (live job map, worker map, nearby-server
// map, manager role — spec.md §5 "Shared resources").
func (s *Storage) Locks() *LockTable { return s.locks }

// Queue exposes the operation queue.
func (s *Storage) Queue() *OpQueue { return s.queue }

// Recover runs crash recovery over transDir before any user traffic is
// accepted, per spec.md §4.2 "Recovery".
func (s *Storage) Recover(ctx context.Context) error {
	return Recover(ctx, s.engine, s.transDir)
}

// PutRaw implements RawKV by writing straight through to the engine.
func (s *Storage) PutRaw(ctx context.Context, key string, value []byte) error {
	return s.engine.Put(ctx, key, value)
}

// GetRaw implements RawKV by reading straight from the engine.
func (s *Storage) GetRaw(ctx context.Context, key string) ([]byte, error) {
	return s.engine.Get(ctx, key)
}

// DeleteRaw implements RawKV by deleting straight through to the engine.
func (s *Storage) DeleteRaw(ctx context.Context, key string) error {
	return s.engine.Delete(ctx, key)
}

// GetStream exposes a binary key as a stream; binary keys bypass
// transactions entirely (spec.md §4.2 "Binary keys bypass transactions").
func (s *Storage) GetStream(ctx context.Context, key string) (io.ReadCloser, engine.Head, error) {
	return s.engine.GetStream(ctx, key)
}

// GetStreamRange exposes a byte range of a binary key.
func (s *Storage) GetStreamRange(ctx context.Context, key string, from, to int64) (io.ReadCloser, error) {
	return s.engine.GetStreamRange(ctx, key, from, to)
}

// Head returns engine metadata for key.
func (s *Storage) Head(ctx context.Context, key string) (engine.Head, error) {
	return s.engine.Head(ctx, key)
}

type txnCtxKey struct{ path string }

// WithTransaction runs fn against a Transaction scoped to path: if ctx
// already carries an active transaction for exactly this path it is
// reused (so nested compound operations share one commit), otherwise a
// new transaction is begun and committed/aborted around fn — the
// "hoisting" of spec.md §4.2: "when called on the real storage while no
// transaction is active, they implicitly wrap themselves in begin/op/commit,
// auto-aborting on any error."
//
// A freshly-begun transaction additionally runs through the operation
// queue (spec.md §4.2 "Operation queue"), grouped by path: this bounds the
// number of writes/indexer tasks running concurrently across the whole
// storage core regardless of submitter count, and keeps operations that
// share a path executing in roughly submission order. A reused (nested)
// transaction skips the queue — it is already running inside an
// outer-submitted operation, so queuing it again would self-deadlock
// against that operation's own group lock.
func (s *Storage) WithTransaction(ctx context.Context, path string, fn func(ctx context.Context, kv RawKV) error) error {
	if txn, ok := ctx.Value(txnCtxKey{path: path}).(*Transaction); ok {
		return fn(ctx, txn)
	}

	return s.queue.SubmitWait(ctx, path, func(ctx context.Context) error {
		txn, err := s.BeginTransaction(ctx, path)
		if err != nil {
			return err
		}
		txnCtx := context.WithValue(ctx, txnCtxKey{path: path}, txn)

		if err := fn(txnCtx, txn); err != nil {
			if aerr := txn.Abort(ctx); aerr != nil {
				if s.log != nil {
					s.log.WithField("path", path).WithField("error", aerr).Error("transaction rollback failed")
				}
				return aerr
			}
			return err
		}
		return txn.Commit(ctx)
	})
}

// Hoist is an alias of WithTransaction kept for readability at call sites
// that are wrapping a single compound operation rather than a sequence.
func (s *Storage) Hoist(ctx context.Context, path string, fn func(ctx context.Context, kv RawKV) error) error {
	return s.WithTransaction(ctx, path, fn)
}

// IsNoSuchKey reports whether err is a storage miss.
func IsNoSuchKey(err error) bool { return errors.Is(err, errors.CodeNoSuchKey) }
