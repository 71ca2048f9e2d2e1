package storage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestList(t *testing.T, key string, pageSize int) *List {
	t.Helper()
	eng := newMemEngine()
	st := New(eng, 4, t.TempDir(), nil)
	return NewList(st, st.Locks(), key, pageSize)
}

func TestList_PushGetLength(t *testing.T) {
	ctx := context.Background()
	l := newTestList(t, "events", 3)

	require.NoError(t, l.Push(ctx, "a", "b", "c", "d"))
	n, err := l.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	items, err := l.Get(ctx, 0, -1)
	require.NoError(t, err)
	require.Len(t, items, 4)
	var v string
	require.NoError(t, json.Unmarshal(items[2], &v))
	assert.Equal(t, "c", v)
}

func TestList_PagesFullExceptLast(t *testing.T) {
	ctx := context.Background()
	l := newTestList(t, "jobs", 2)
	require.NoError(t, l.Push(ctx, "a", "b", "c", "d", "e"))

	h, err := l.loadHeader(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, h.FirstPage, h.LastPage)

	total := 0
	for n := h.FirstPage; n <= h.LastPage; n++ {
		data, err := l.kv.GetRaw(ctx, pageKey(l.key, n))
		require.NoError(t, err)
		var page ListPage
		require.NoError(t, json.Unmarshal(data, &page))
		if n != h.LastPage {
			assert.Equal(t, h.PageSize, len(page.Items))
		} else {
			assert.LessOrEqual(t, len(page.Items), h.PageSize)
		}
		total += len(page.Items)
	}
	assert.Equal(t, h.Length, total)
}

func TestList_PopShift(t *testing.T) {
	ctx := context.Background()
	l := newTestList(t, "q", 50)
	require.NoError(t, l.Push(ctx, "a", "b", "c"))

	var v string
	ok, err := l.Pop(ctx, &v)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "c", v)

	ok, err = l.Shift(ctx, &v)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	n, _ := l.Length(ctx)
	assert.Equal(t, 1, n)
}

func TestList_EmptyNormalizesPageBounds(t *testing.T) {
	ctx := context.Background()
	l := newTestList(t, "empties", 5)
	require.NoError(t, l.Push(ctx, "only"))

	var v string
	ok, err := l.Pop(ctx, &v)
	require.NoError(t, err)
	assert.True(t, ok)

	h, err := l.loadHeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, h.Length)
	assert.Equal(t, 0, h.FirstPage)
	assert.Equal(t, 0, h.LastPage)
}

func TestList_Splice(t *testing.T) {
	ctx := context.Background()
	l := newTestList(t, "splice", 2)
	require.NoError(t, l.Push(ctx, "a", "b", "c", "d"))

	removed, err := l.Splice(ctx, 1, 2, "x", "y", "z")
	require.NoError(t, err)
	require.Len(t, removed, 2)

	items, err := l.Get(ctx, 0, -1)
	require.NoError(t, err)
	var got []string
	for _, raw := range items {
		var s string
		require.NoError(t, json.Unmarshal(raw, &s))
		got = append(got, s)
	}
	assert.Equal(t, []string{"a", "x", "y", "z", "d"}, got)
}

func TestList_FindUpdate(t *testing.T) {
	ctx := context.Background()
	l := newTestList(t, "find", 10)
	require.NoError(t, l.Push(ctx, "a", "b", "c"))

	found, err := l.FindUpdate(ctx, func(item json.RawMessage) bool {
		var s string
		_ = json.Unmarshal(item, &s)
		return s == "b"
	}, func(item json.RawMessage) (interface{}, error) {
		return "B", nil
	})
	require.NoError(t, err)
	assert.True(t, found)

	items, _ := l.Get(ctx, 0, -1)
	var s string
	require.NoError(t, json.Unmarshal(items[1], &s))
	assert.Equal(t, "B", s)
}

func TestList_InsertSorted(t *testing.T) {
	ctx := context.Background()
	l := newTestList(t, "sorted", 10)
	less := func(a, b json.RawMessage) bool {
		var x, y int
		_ = json.Unmarshal(a, &x)
		_ = json.Unmarshal(b, &y)
		return x < y
	}
	require.NoError(t, l.InsertSorted(ctx, 5, less))
	require.NoError(t, l.InsertSorted(ctx, 1, less))
	require.NoError(t, l.InsertSorted(ctx, 3, less))

	items, err := l.Get(ctx, 0, -1)
	require.NoError(t, err)
	var got []int
	for _, raw := range items {
		var n int
		require.NoError(t, json.Unmarshal(raw, &n))
		got = append(got, n)
	}
	assert.Equal(t, []int{1, 3, 5}, got)
}
