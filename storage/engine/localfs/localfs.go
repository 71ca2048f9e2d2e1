// Package localfs is the local-filesystem KV engine adapter: the default
// backend for a single-node or NFS-shared deployment (spec.md §4.1).
package localfs

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/cronicle-edge/corectl/infrastructure/errors"
	"github.com/cronicle-edge/corectl/storage/engine"
)

// Engine stores each key as a file under BaseDir, sharded by the first two
// hex characters of the key's md5 sum so no directory holds an unbounded
// number of entries.
type Engine struct {
	baseDir string
}

var _ engine.Engine = (*Engine)(nil)

// New returns a localfs Engine rooted at baseDir, creating it if absent.
func New(baseDir string) (*Engine, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, apperrors.IOError("mkdir", err)
	}
	return &Engine{baseDir: baseDir}, nil
}

// path maps a logical key to its sharded file path.
func (e *Engine) path(key string) string {
	sum := md5.Sum([]byte(key))
	shard := hex.EncodeToString(sum[:])[:2]
	safe := strings.ReplaceAll(key, "..", "_")
	return filepath.Join(e.baseDir, shard, safe)
}

func (e *Engine) Put(ctx context.Context, key string, value []byte) error {
	p := e.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return apperrors.IOError("mkdir", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return apperrors.IOError("write", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return apperrors.IOError("rename", err)
	}
	return nil
}

func (e *Engine) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(e.path(key))
	if os.IsNotExist(err) {
		return nil, engine.NoSuchKey(key)
	}
	if err != nil {
		return nil, apperrors.IOError("read", err)
	}
	return data, nil
}

func (e *Engine) Head(ctx context.Context, key string) (engine.Head, error) {
	info, err := os.Stat(e.path(key))
	if os.IsNotExist(err) {
		return engine.Head{}, engine.NoSuchKey(key)
	}
	if err != nil {
		return engine.Head{}, apperrors.IOError("stat", err)
	}
	return engine.Head{ModEpoch: info.ModTime().Unix(), Len: info.Size()}, nil
}

func (e *Engine) Delete(ctx context.Context, key string) error {
	err := os.Remove(e.path(key))
	if os.IsNotExist(err) {
		return engine.NoSuchKey(key)
	}
	if err != nil {
		return apperrors.IOError("remove", err)
	}
	return nil
}

func (e *Engine) GetStream(ctx context.Context, key string) (io.ReadCloser, engine.Head, error) {
	f, err := os.Open(e.path(key))
	if os.IsNotExist(err) {
		return nil, engine.Head{}, engine.NoSuchKey(key)
	}
	if err != nil {
		return nil, engine.Head{}, apperrors.IOError("open", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, engine.Head{}, apperrors.IOError("stat", err)
	}
	return f, engine.Head{ModEpoch: info.ModTime().Unix(), Len: info.Size()}, nil
}

func (e *Engine) GetStreamRange(ctx context.Context, key string, from, to int64) (io.ReadCloser, error) {
	f, err := os.Open(e.path(key))
	if os.IsNotExist(err) {
		return nil, engine.NoSuchKey(key)
	}
	if err != nil {
		return nil, apperrors.IOError("open", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, apperrors.IOError("stat", err)
	}
	size := info.Size()
	if from < 0 || to > size || from > to {
		f.Close()
		return nil, apperrors.Validation("range", "requested byte range outside key length")
	}
	if _, err := f.Seek(from, io.SeekStart); err != nil {
		f.Close()
		return nil, apperrors.IOError("seek", err)
	}
	return &limitedReadCloser{r: io.LimitReader(f, to-from), c: f}, nil
}

// Sync implements engine.Syncer by fsyncing the key's file and directory,
// matching spec.md §4.2 "Commit protocol" step 6.
func (e *Engine) Sync(ctx context.Context, key string) error {
	p := e.path(key)
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.IOError("open-for-sync", err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return apperrors.IOError("fsync", err)
	}
	dir, err := os.Open(filepath.Dir(p))
	if err != nil {
		return apperrors.IOError("open-dir-for-sync", err)
	}
	defer dir.Close()
	return dir.Sync()
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error                { return l.c.Close() }
