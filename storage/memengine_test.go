package storage

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/cronicle-edge/corectl/storage/engine"
)

// memEngine is a minimal in-memory engine.Engine for exercising the
// storage core's list/hash/transaction/lock behavior without touching disk.
type memEngine struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemEngine() *memEngine {
	return &memEngine{data: map[string][]byte{}}
}

func (m *memEngine) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), value...)
	m.data[key] = cp
	return nil
}

func (m *memEngine) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, engine.NoSuchKey(key)
	}
	return append([]byte(nil), v...), nil
}

func (m *memEngine) Head(ctx context.Context, key string) (engine.Head, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return engine.Head{}, engine.NoSuchKey(key)
	}
	return engine.Head{Len: int64(len(v))}, nil
}

func (m *memEngine) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return engine.NoSuchKey(key)
	}
	delete(m.data, key)
	return nil
}

func (m *memEngine) GetStream(ctx context.Context, key string) (io.ReadCloser, engine.Head, error) {
	v, err := m.Get(ctx, key)
	if err != nil {
		return nil, engine.Head{}, err
	}
	return io.NopCloser(bytes.NewReader(v)), engine.Head{Len: int64(len(v))}, nil
}

func (m *memEngine) GetStreamRange(ctx context.Context, key string, from, to int64) (io.ReadCloser, error) {
	v, err := m.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if from < 0 || to > int64(len(v)) || from > to {
		return nil, engine.NoSuchKey(key)
	}
	return io.NopCloser(bytes.NewReader(v[from:to])), nil
}
