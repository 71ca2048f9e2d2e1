package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHash(t *testing.T, key string, pageSize int) *Hash {
	t.Helper()
	eng := newMemEngine()
	st := New(eng, 4, t.TempDir(), nil)
	return NewHash(st, st.Locks(), key, pageSize)
}

func TestHash_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	h := newTestHash(t, "users", 50)

	require.NoError(t, h.Put(ctx, "alice", 1))
	require.NoError(t, h.Put(ctx, "bob", 2))

	v, ok, err := h.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, "1", string(v))

	n, err := h.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	deleted, err := h.Delete(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok, err = h.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHash_SplitOnOverflow(t *testing.T) {
	ctx := context.Background()
	pageSize := 4
	h := newTestHash(t, "big", pageSize)

	for i := 0; i < pageSize+1; i++ {
		require.NoError(t, h.Put(ctx, fmt.Sprintf("key-%d", i), i))
	}

	root, exists, err := h.loadNode(ctx, h.rootPath())
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, hashNodeIndex, root.Type)

	nonEmpty := 0
	for n := byte(0); n < 16; n++ {
		digit := "0123456789abcdef"[n]
		child, exists, err := h.loadNode(ctx, childPath(h.rootPath(), digit))
		require.NoError(t, err)
		if exists && len(child.Items) > 0 {
			nonEmpty++
		}
	}
	assert.GreaterOrEqual(t, nonEmpty, 2)

	all, err := h.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, pageSize+1)
}

func TestHash_UnsplitOnEmpty(t *testing.T) {
	ctx := context.Background()
	pageSize := 4
	h := newTestHash(t, "shrink", pageSize)

	keys := make([]string, 0, pageSize+1)
	for i := 0; i < pageSize+1; i++ {
		k := fmt.Sprintf("k-%d", i)
		keys = append(keys, k)
		require.NoError(t, h.Put(ctx, k, i))
	}

	root, exists, err := h.loadNode(ctx, h.rootPath())
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, hashNodeIndex, root.Type)

	for _, k := range keys {
		_, err := h.Delete(ctx, k)
		require.NoError(t, err)
	}

	root, exists, err = h.loadNode(ctx, h.rootPath())
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, hashNodePage, root.Type)
	assert.Empty(t, root.Items)

	n, err := h.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestHash_DeleteAll(t *testing.T) {
	ctx := context.Background()
	h := newTestHash(t, "wipe", 4)
	for i := 0; i < 10; i++ {
		require.NoError(t, h.Put(ctx, fmt.Sprintf("k-%d", i), i))
	}
	require.NoError(t, h.DeleteAll(ctx))

	n, err := h.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, exists, err := h.loadNode(ctx, h.rootPath())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestHash_PutMultiGetMultiDeleteMulti(t *testing.T) {
	ctx := context.Background()
	h := newTestHash(t, "bulk", 50)

	require.NoError(t, h.PutMulti(ctx, map[string]interface{}{
		"a": 1, "b": 2, "c": 3,
	}))
	n, err := h.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := h.GetMulti(ctx, []string{"a", "c", "missing"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.JSONEq(t, "1", string(got["a"]))
	assert.JSONEq(t, "3", string(got["c"]))

	deleted, err := h.DeleteMulti(ctx, []string{"a", "missing", "b"})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	n, err = h.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHash_EachSyncEarlyAbort(t *testing.T) {
	ctx := context.Background()
	pageSize := 4
	h := newTestHash(t, "walked", pageSize)
	for i := 0; i < pageSize*3; i++ {
		require.NoError(t, h.Put(ctx, fmt.Sprintf("k-%d", i), i))
	}

	seen := 0
	require.NoError(t, h.EachSync(ctx, func(key string, value json.RawMessage) (bool, error) {
		seen++
		return seen < 3, nil
	}))
	assert.Equal(t, 3, seen)
}

func TestHash_EachPageVisitsWholePages(t *testing.T) {
	ctx := context.Background()
	pageSize := 4
	h := newTestHash(t, "paged", pageSize)
	for i := 0; i < pageSize+1; i++ {
		require.NoError(t, h.Put(ctx, fmt.Sprintf("k-%d", i), i))
	}

	var totalItems, pages int
	require.NoError(t, h.EachPage(ctx, func(items map[string]json.RawMessage) (bool, error) {
		pages++
		totalItems += len(items)
		return true, nil
	}))
	assert.Equal(t, pageSize+1, totalItems)
	assert.GreaterOrEqual(t, pages, 2)
}

func TestHash_CopyAndRename(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStorage(t)
	src := NewHash(st, st.Locks(), "src", 4)
	for i := 0; i < 6; i++ {
		require.NoError(t, src.Put(ctx, fmt.Sprintf("k-%d", i), i))
	}

	require.NoError(t, src.Copy(ctx, "dup"))
	dup := NewHash(st, st.Locks(), "dup", 4)
	n, err := dup.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	srcLen, err := src.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, srcLen, "copy must not remove the source")

	require.NoError(t, src.Rename(ctx, "renamed"))
	renamed := NewHash(st, st.Locks(), "renamed", 4)
	n, err = renamed.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	srcLen, err = src.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, srcLen, "rename must remove the source")
}

func TestHash_GetInfo(t *testing.T) {
	ctx := context.Background()
	h := newTestHash(t, "info", 32)
	require.NoError(t, h.Put(ctx, "a", 1))

	info, err := h.GetInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Length)
	assert.Equal(t, 32, info.PageSize)
}
