package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cronicle-edge/corectl/infrastructure/errors"
	"github.com/cronicle-edge/corectl/storage/engine"
)

// ListHeader is the header record of spec.md §4.2 "Lists": {first_page,
// last_page, length, page_size}.
type ListHeader struct {
	FirstPage int `json:"first_page"`
	LastPage  int `json:"last_page"`
	Length    int `json:"length"`
	PageSize  int `json:"page_size"`
}

// ListPage is one page of list items, stored at "<key>/<n>".
type ListPage struct {
	Items []json.RawMessage `json:"items"`
}

// List is the paginated list abstraction of spec.md §4.2. Mutating
// operations rewrite the full set of pages from the in-memory item order;
// this keeps the invariants (length = Σ page counts, pages full except the
// last, first_page ≤ last_page) trivially true without the source's
// dual-direction splice optimization, which is a performance detail rather
// than an externally observable semantic.
type List struct {
	kv       RawKV
	locks    *LockTable
	key      string
	pageSize int
}

// NewList binds a List abstraction to key, using defaultPageSize for newly
// created lists (existing lists keep their stored page_size).
func NewList(kv RawKV, locks *LockTable, key string, defaultPageSize int) *List {
	if defaultPageSize <= 0 {
		defaultPageSize = 50
	}
	return &List{kv: kv, locks: locks, key: key, pageSize: defaultPageSize}
}

func pageKey(key string, n int) string {
	return fmt.Sprintf("%s/%d", key, n)
}

func (l *List) loadHeader(ctx context.Context) (ListHeader, error) {
	data, err := l.kv.GetRaw(ctx, l.key)
	if engine.IsNoSuchKey(err) {
		return ListHeader{FirstPage: 0, LastPage: 0, Length: 0, PageSize: l.pageSize}, nil
	}
	if err != nil {
		return ListHeader{}, err
	}
	var h ListHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return ListHeader{}, errors.IOError("list-header-decode", err)
	}
	return h, nil
}

func (l *List) saveHeader(ctx context.Context, h ListHeader) error {
	data, _ := json.Marshal(h)
	return l.kv.PutRaw(ctx, l.key, data)
}

func (l *List) loadAll(ctx context.Context, h ListHeader) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if h.Length == 0 {
		return items, nil
	}
	for n := h.FirstPage; n <= h.LastPage; n++ {
		data, err := l.kv.GetRaw(ctx, pageKey(l.key, n))
		if engine.IsNoSuchKey(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var page ListPage
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, errors.IOError("list-page-decode", err)
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

// saveAll rewrites the list's pages and header from items, deleting any
// now-unused trailing pages. An empty result normalizes first_page =
// last_page = 0 rather than leaving a stale negative first_page (spec.md
// §9 Open Question 1).
func (l *List) saveAll(ctx context.Context, oldHeader ListHeader, items []json.RawMessage) error {
	pageSize := oldHeader.PageSize
	if pageSize <= 0 {
		pageSize = l.pageSize
	}

	newLastPage := 0
	if len(items) > 0 {
		newLastPage = (len(items) - 1) / pageSize
	}

	for n := 0; n <= newLastPage; n++ {
		start := n * pageSize
		end := start + pageSize
		if end > len(items) {
			end = len(items)
		}
		page := ListPage{Items: items[start:end]}
		data, _ := json.Marshal(page)
		if err := l.kv.PutRaw(ctx, pageKey(l.key, n), data); err != nil {
			return err
		}
	}
	if len(items) == 0 {
		// Keep the anchor page present but empty rather than deleting it,
		// so the list object persists (spec.md §4.2 "Lists": pop/shift).
		data, _ := json.Marshal(ListPage{Items: nil})
		if err := l.kv.PutRaw(ctx, pageKey(l.key, 0), data); err != nil {
			return err
		}
	}
	for n := newLastPage + 1; n <= oldHeader.LastPage; n++ {
		_ = l.kv.DeleteRaw(ctx, pageKey(l.key, n))
	}
	for n := oldHeader.FirstPage; n < 0; n++ {
		_ = l.kv.DeleteRaw(ctx, pageKey(l.key, n))
	}

	h := ListHeader{FirstPage: 0, LastPage: newLastPage, Length: len(items), PageSize: pageSize}
	return l.saveHeader(ctx, h)
}

func marshalItem(v interface{}) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Validation("item", "not JSON-serializable")
	}
	return json.RawMessage(data), nil
}

// Push appends items to the end of the list.
func (l *List) Push(ctx context.Context, items ...interface{}) error {
	unlock, err := l.locks.AcquireExclusive(ctx, nsStructure+l.key)
	if err != nil {
		return err
	}
	defer unlock()

	h, err := l.loadHeader(ctx)
	if err != nil {
		return err
	}
	all, err := l.loadAll(ctx, h)
	if err != nil {
		return err
	}
	for _, v := range items {
		raw, err := marshalItem(v)
		if err != nil {
			return err
		}
		all = append(all, raw)
	}
	return l.saveAll(ctx, h, all)
}

// Unshift prepends items to the start of the list, in the given order.
func (l *List) Unshift(ctx context.Context, items ...interface{}) error {
	unlock, err := l.locks.AcquireExclusive(ctx, nsStructure+l.key)
	if err != nil {
		return err
	}
	defer unlock()

	h, err := l.loadHeader(ctx)
	if err != nil {
		return err
	}
	all, err := l.loadAll(ctx, h)
	if err != nil {
		return err
	}
	var prefix []json.RawMessage
	for _, v := range items {
		raw, err := marshalItem(v)
		if err != nil {
			return err
		}
		prefix = append(prefix, raw)
	}
	return l.saveAll(ctx, h, append(prefix, all...))
}

// Pop removes and returns the last item.
func (l *List) Pop(ctx context.Context, out interface{}) (bool, error) {
	unlock, err := l.locks.AcquireExclusive(ctx, nsStructure+l.key)
	if err != nil {
		return false, err
	}
	defer unlock()

	h, err := l.loadHeader(ctx)
	if err != nil {
		return false, err
	}
	all, err := l.loadAll(ctx, h)
	if err != nil {
		return false, err
	}
	if len(all) == 0 {
		return false, nil
	}
	last := all[len(all)-1]
	if out != nil {
		if err := json.Unmarshal(last, out); err != nil {
			return false, errors.IOError("list-item-decode", err)
		}
	}
	return true, l.saveAll(ctx, h, all[:len(all)-1])
}

// Shift removes and returns the first item.
func (l *List) Shift(ctx context.Context, out interface{}) (bool, error) {
	unlock, err := l.locks.AcquireExclusive(ctx, nsStructure+l.key)
	if err != nil {
		return false, err
	}
	defer unlock()

	h, err := l.loadHeader(ctx)
	if err != nil {
		return false, err
	}
	all, err := l.loadAll(ctx, h)
	if err != nil {
		return false, err
	}
	if len(all) == 0 {
		return false, nil
	}
	first := all[0]
	if out != nil {
		if err := json.Unmarshal(first, out); err != nil {
			return false, errors.IOError("list-item-decode", err)
		}
	}
	return true, l.saveAll(ctx, h, all[1:])
}

// Get returns length items starting at idx (negative idx counts from the
// end), under a shared lock.
func (l *List) Get(ctx context.Context, idx, length int) ([]json.RawMessage, error) {
	unlock, err := l.locks.AcquireShared(ctx, nsStructure+l.key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	h, err := l.loadHeader(ctx)
	if err != nil {
		return nil, err
	}
	all, err := l.loadAll(ctx, h)
	if err != nil {
		return nil, err
	}
	if idx < 0 {
		idx = len(all) + idx
	}
	if idx < 0 {
		idx = 0
	}
	if idx >= len(all) {
		return nil, nil
	}
	end := idx + length
	if length < 0 || end > len(all) {
		end = len(all)
	}
	return append([]json.RawMessage(nil), all[idx:end]...), nil
}

// Length returns the list's current item count.
func (l *List) Length(ctx context.Context) (int, error) {
	h, err := l.loadHeader(ctx)
	if err != nil {
		return 0, err
	}
	return h.Length, nil
}

// Splice performs a unified cut/insert/replace at idx, removing delCount
// items and inserting newItems in their place, returning the removed items.
func (l *List) Splice(ctx context.Context, idx, delCount int, newItems ...interface{}) ([]json.RawMessage, error) {
	unlock, err := l.locks.AcquireExclusive(ctx, nsStructure+l.key)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return l.spliceLocked(ctx, idx, delCount, newItems)
}

func (l *List) spliceLocked(ctx context.Context, idx, delCount int, newItems []interface{}) ([]json.RawMessage, error) {
	h, err := l.loadHeader(ctx)
	if err != nil {
		return nil, err
	}
	all, err := l.loadAll(ctx, h)
	if err != nil {
		return nil, err
	}
	if idx < 0 {
		idx = len(all) + idx
	}
	if idx < 0 {
		idx = 0
	}
	if idx > len(all) {
		idx = len(all)
	}
	end := idx + delCount
	if delCount < 0 || end > len(all) {
		end = len(all)
	}
	removed := append([]json.RawMessage(nil), all[idx:end]...)

	var inserted []json.RawMessage
	for _, v := range newItems {
		raw, err := marshalItem(v)
		if err != nil {
			return nil, err
		}
		inserted = append(inserted, raw)
	}

	result := append([]json.RawMessage(nil), all[:idx]...)
	result = append(result, inserted...)
	result = append(result, all[end:]...)

	return removed, l.saveAll(ctx, h, result)
}

// Predicate matches an item's decoded JSON fields for Find/FindUpdate/Each.
type Predicate func(item json.RawMessage) bool

// Find returns the index and raw bytes of the first item matching pred.
func (l *List) Find(ctx context.Context, pred Predicate) (int, json.RawMessage, error) {
	unlock, err := l.locks.AcquireShared(ctx, nsStructure+l.key)
	if err != nil {
		return -1, nil, err
	}
	defer unlock()

	h, err := l.loadHeader(ctx)
	if err != nil {
		return -1, nil, err
	}
	all, err := l.loadAll(ctx, h)
	if err != nil {
		return -1, nil, err
	}
	for i, item := range all {
		if pred(item) {
			return i, item, nil
		}
	}
	return -1, nil, nil
}

// FindUpdate locates the first item matching pred and replaces it with the
// result of update, under one outer exclusive lock spanning both steps.
func (l *List) FindUpdate(ctx context.Context, pred Predicate, update func(item json.RawMessage) (interface{}, error)) (bool, error) {
	unlock, err := l.locks.AcquireExclusive(ctx, nsStructure+l.key)
	if err != nil {
		return false, err
	}
	defer unlock()

	h, err := l.loadHeader(ctx)
	if err != nil {
		return false, err
	}
	all, err := l.loadAll(ctx, h)
	if err != nil {
		return false, err
	}
	for i, item := range all {
		if pred(item) {
			newItem, err := update(item)
			if err != nil {
				return false, err
			}
			_, err = l.spliceAllLocked(ctx, h, all, i, 1, []interface{}{newItem})
			return true, err
		}
	}
	return false, nil
}

func (l *List) spliceAllLocked(ctx context.Context, h ListHeader, all []json.RawMessage, idx, delCount int, newItems []interface{}) ([]json.RawMessage, error) {
	end := idx + delCount
	if end > len(all) {
		end = len(all)
	}
	removed := append([]json.RawMessage(nil), all[idx:end]...)
	var inserted []json.RawMessage
	for _, v := range newItems {
		raw, err := marshalItem(v)
		if err != nil {
			return nil, err
		}
		inserted = append(inserted, raw)
	}
	result := append([]json.RawMessage(nil), all[:idx]...)
	result = append(result, inserted...)
	result = append(result, all[end:]...)
	return removed, l.saveAll(ctx, h, result)
}

// EachFunc is called once per item during Each/EachUpdate iteration.
type EachFunc func(idx int, item json.RawMessage) (cont bool, err error)

// Each streams every item in order under a shared lock for the duration.
func (l *List) Each(ctx context.Context, fn EachFunc) error {
	unlock, err := l.locks.AcquireShared(ctx, nsStructure+l.key)
	if err != nil {
		return err
	}
	defer unlock()

	h, err := l.loadHeader(ctx)
	if err != nil {
		return err
	}
	all, err := l.loadAll(ctx, h)
	if err != nil {
		return err
	}
	for i, item := range all {
		cont, err := fn(i, item)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return nil
}

// UpdateFunc is called once per item during EachUpdate; returning changed
// writes newItem back in the item's place.
type UpdateFunc func(idx int, item json.RawMessage) (newItem interface{}, changed bool, cont bool, err error)

// EachUpdate streams every item under an exclusive lock, rewriting any
// item the callback reports as changed.
func (l *List) EachUpdate(ctx context.Context, fn UpdateFunc) error {
	unlock, err := l.locks.AcquireExclusive(ctx, nsStructure+l.key)
	if err != nil {
		return err
	}
	defer unlock()

	h, err := l.loadHeader(ctx)
	if err != nil {
		return err
	}
	all, err := l.loadAll(ctx, h)
	if err != nil {
		return err
	}
	dirty := false
	for i := range all {
		newItem, changed, cont, err := fn(i, all[i])
		if err != nil {
			return err
		}
		if changed {
			raw, err := marshalItem(newItem)
			if err != nil {
				return err
			}
			all[i] = raw
			dirty = true
		}
		if !cont {
			break
		}
	}
	if dirty {
		return l.saveAll(ctx, h, all)
	}
	return nil
}

// Comparator reports whether a sorts strictly before b.
type Comparator func(a, b json.RawMessage) bool

// InsertSorted splice-inserts item at the position of the first element
// that compares greater than it, appending if none is found.
func (l *List) InsertSorted(ctx context.Context, item interface{}, less Comparator) error {
	unlock, err := l.locks.AcquireExclusive(ctx, nsStructure+l.key)
	if err != nil {
		return err
	}
	defer unlock()

	raw, err := marshalItem(item)
	if err != nil {
		return err
	}
	h, err := l.loadHeader(ctx)
	if err != nil {
		return err
	}
	all, err := l.loadAll(ctx, h)
	if err != nil {
		return err
	}
	pos := len(all)
	for i, existing := range all {
		if less(raw, existing) {
			pos = i
			break
		}
	}
	_, err = l.spliceAllLocked(ctx, h, all, pos, 0, []interface{}{item})
	return err
}
