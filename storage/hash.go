package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"

	"github.com/cronicle-edge/corectl/infrastructure/errors"
	"github.com/cronicle-edge/corectl/storage/engine"
)

// HashHeader is the header record of spec.md §4.2 "Hashes".
type HashHeader struct {
	Length   int `json:"length"`
	PageSize int `json:"page_size"`
}

const (
	hashNodePage  = "hash_page"
	hashNodeIndex = "hash_index"
)

// hashNode is either a hash_page (an items map) or a hash_index (an
// implicit 16-way nibble-routed fan-out) — "never both" per spec.md §3's
// invariant (ii).
type hashNode struct {
	Type  string                     `json:"type"`
	Items map[string]json.RawMessage `json:"items,omitempty"`
}

// Hash is the md5-nibble sharded radix-tree hash of spec.md §4.2.
type Hash struct {
	kv       RawKV
	locks    *LockTable
	key      string
	pageSize int
}

// NewHash binds a Hash abstraction to key, using defaultPageSize for newly
// created hashes.
func NewHash(kv RawKV, locks *LockTable, key string, defaultPageSize int) *Hash {
	if defaultPageSize <= 0 {
		defaultPageSize = 50
	}
	return &Hash{kv: kv, locks: locks, key: key, pageSize: defaultPageSize}
}

func md5Hex(key string) string {
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (h *Hash) rootPath() string { return h.key + "/data" }

func childPath(parent string, nibble byte) string {
	return parent + "/" + string(nibble)
}

func (h *Hash) loadHeader(ctx context.Context) (HashHeader, error) {
	data, err := h.kv.GetRaw(ctx, h.key)
	if engine.IsNoSuchKey(err) {
		return HashHeader{Length: 0, PageSize: h.pageSize}, nil
	}
	if err != nil {
		return HashHeader{}, err
	}
	var hdr HashHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return HashHeader{}, errors.IOError("hash-header-decode", err)
	}
	return hdr, nil
}

func (h *Hash) saveHeader(ctx context.Context, hdr HashHeader) error {
	data, _ := json.Marshal(hdr)
	return h.kv.PutRaw(ctx, h.key, data)
}

func (h *Hash) loadNode(ctx context.Context, path string) (*hashNode, bool, error) {
	data, err := h.kv.GetRaw(ctx, path)
	if engine.IsNoSuchKey(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var node hashNode
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, false, errors.IOError("hash-node-decode", err)
	}
	return &node, true, nil
}

func (h *Hash) saveNode(ctx context.Context, path string, node *hashNode) error {
	data, _ := json.Marshal(node)
	return h.kv.PutRaw(ctx, path, data)
}

// Put inserts or overwrites key → value, splitting the landing page if it
// overflows past page_size.
func (h *Hash) Put(ctx context.Context, key string, value interface{}) error {
	unlock, err := h.locks.AcquireExclusive(ctx, nsStructure+h.key)
	if err != nil {
		return err
	}
	defer unlock()
	return h.putLocked(ctx, key, value)
}

func (h *Hash) putLocked(ctx context.Context, key string, value interface{}) error {
	raw, err := marshalItem(value)
	if err != nil {
		return err
	}
	hdr, err := h.loadHeader(ctx)
	if err != nil {
		return err
	}
	digest := md5Hex(key)
	path := h.rootPath()

	for depth := 0; ; depth++ {
		node, exists, err := h.loadNode(ctx, path)
		if err != nil {
			return err
		}
		if !exists {
			node = &hashNode{Type: hashNodePage, Items: map[string]json.RawMessage{}}
		}
		if node.Type == hashNodeIndex {
			path = childPath(path, digest[depth])
			continue
		}

		_, hadKey := node.Items[key]
		node.Items[key] = raw
		if err := h.saveNode(ctx, path, node); err != nil {
			return err
		}
		if !hadKey {
			hdr.Length++
			if err := h.saveHeader(ctx, hdr); err != nil {
				return err
			}
		}
		if len(node.Items) > hdr.PageSize {
			if err := h.split(ctx, path, node, depth); err != nil {
				return err
			}
		}
		return nil
	}
}

// split redistributes an overflowing page's items across 16 child pages
// keyed by the next md5 nibble, then rewrites the node as a hash_index.
func (h *Hash) split(ctx context.Context, path string, node *hashNode, depth int) error {
	buckets := make(map[byte]map[string]json.RawMessage)
	for k, v := range node.Items {
		nibble := md5Hex(k)[depth]
		b, ok := buckets[nibble]
		if !ok {
			b = map[string]json.RawMessage{}
			buckets[nibble] = b
		}
		b[k] = v
	}
	for nibble, items := range buckets {
		child := &hashNode{Type: hashNodePage, Items: items}
		if err := h.saveNode(ctx, childPath(path, nibble), child); err != nil {
			return err
		}
	}
	return h.saveNode(ctx, path, &hashNode{Type: hashNodeIndex})
}

// Get returns the raw value for key and whether it was present.
func (h *Hash) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	unlock, err := h.locks.AcquireShared(ctx, nsStructure+h.key)
	if err != nil {
		return nil, false, err
	}
	defer unlock()
	return h.getLocked(ctx, key)
}

func (h *Hash) getLocked(ctx context.Context, key string) (json.RawMessage, bool, error) {
	digest := md5Hex(key)
	path := h.rootPath()
	for depth := 0; ; depth++ {
		node, exists, err := h.loadNode(ctx, path)
		if err != nil {
			return nil, false, err
		}
		if !exists {
			return nil, false, nil
		}
		if node.Type == hashNodeIndex {
			path = childPath(path, digest[depth])
			continue
		}
		v, ok := node.Items[key]
		return v, ok, nil
	}
}

// PutMulti inserts or overwrites several key/value pairs under one
// exclusive hold of the hash root, per spec.md §4.2 "putMulti".
func (h *Hash) PutMulti(ctx context.Context, items map[string]interface{}) error {
	unlock, err := h.locks.AcquireExclusive(ctx, nsStructure+h.key)
	if err != nil {
		return err
	}
	defer unlock()
	for key, value := range items {
		if err := h.putLocked(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

// GetMulti returns every found key/value mapping among keys; keys absent
// from the hash are simply omitted from the result, per spec.md §4.2
// "getMulti".
func (h *Hash) GetMulti(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	unlock, err := h.locks.AcquireShared(ctx, nsStructure+h.key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	out := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		v, ok, err := h.getLocked(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = v
		}
	}
	return out, nil
}

// DeleteMulti removes several keys under one exclusive hold of the hash
// root and returns how many were actually present, per spec.md §4.2
// "deleteMulti".
func (h *Hash) DeleteMulti(ctx context.Context, keys []string) (int, error) {
	unlock, err := h.locks.AcquireExclusive(ctx, nsStructure+h.key)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var deleted int
	for _, key := range keys {
		ok, err := h.deleteLocked(ctx, key)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// Delete removes key, unsplitting any index node left with no non-empty
// children (spec.md §4.2 "Hashes": "if all empty or absent, unsplit").
func (h *Hash) Delete(ctx context.Context, key string) (bool, error) {
	unlock, err := h.locks.AcquireExclusive(ctx, nsStructure+h.key)
	if err != nil {
		return false, err
	}
	defer unlock()
	return h.deleteLocked(ctx, key)
}

func (h *Hash) deleteLocked(ctx context.Context, key string) (bool, error) {
	hdr, err := h.loadHeader(ctx)
	if err != nil {
		return false, err
	}
	digest := md5Hex(key)

	type frame = struct {
		path string
	}
	var stack []frame
	path := h.rootPath()
	for depth := 0; ; depth++ {
		node, exists, err := h.loadNode(ctx, path)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, nil
		}
		stack = append(stack, frame{path: path})
		if node.Type == hashNodeIndex {
			path = childPath(path, digest[depth])
			continue
		}

		if _, ok := node.Items[key]; !ok {
			return false, nil
		}
		delete(node.Items, key)
		if err := h.saveNode(ctx, path, node); err != nil {
			return false, err
		}
		hdr.Length--
		if err := h.saveHeader(ctx, hdr); err != nil {
			return false, err
		}

		if len(node.Items) == 0 && len(stack) > 1 {
			if err := h.maybeUnsplit(ctx, stack[:len(stack)-1]); err != nil {
				return false, err
			}
		}
		return true, nil
	}
}

// maybeUnsplit walks the ancestor chain bottom-up, collapsing any
// hash_index whose 16 children are all absent or empty pages back into a
// single empty hash_page.
func (h *Hash) maybeUnsplit(ctx context.Context, ancestors []struct{ path string }) error {
	for i := len(ancestors) - 1; i >= 0; i-- {
		parent := ancestors[i].path
		node, exists, err := h.loadNode(ctx, parent)
		if err != nil {
			return err
		}
		if !exists || node.Type != hashNodeIndex {
			return nil
		}
		allEmpty := true
		var nibble byte
		for n := byte(0); n < 16; n++ {
			hexDigit := "0123456789abcdef"[n]
			child, exists, err := h.loadNode(ctx, childPath(parent, hexDigit))
			if err != nil {
				return err
			}
			if exists && (child.Type == hashNodeIndex || len(child.Items) > 0) {
				allEmpty = false
				break
			}
			_ = nibble
		}
		if !allEmpty {
			return nil
		}
		for n := byte(0); n < 16; n++ {
			hexDigit := "0123456789abcdef"[n]
			_ = h.kv.DeleteRaw(ctx, childPath(parent, hexDigit))
		}
		if err := h.saveNode(ctx, parent, &hashNode{Type: hashNodePage, Items: map[string]json.RawMessage{}}); err != nil {
			return err
		}
	}
	return nil
}

// GetAll returns every key/value mapping currently stored in the hash.
func (h *Hash) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	unlock, err := h.locks.AcquireShared(ctx, nsStructure+h.key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := make(map[string]json.RawMessage)
	if err := h.collect(ctx, h.rootPath(), result); err != nil {
		return nil, err
	}
	return result, nil
}

func (h *Hash) collect(ctx context.Context, path string, out map[string]json.RawMessage) error {
	node, exists, err := h.loadNode(ctx, path)
	if err != nil || !exists {
		return err
	}
	if node.Type == hashNodePage {
		for k, v := range node.Items {
			out[k] = v
		}
		return nil
	}
	for n := byte(0); n < 16; n++ {
		hexDigit := "0123456789abcdef"[n]
		if err := h.collect(ctx, childPath(path, hexDigit), out); err != nil {
			return err
		}
	}
	return nil
}

// Each streams every key/value pair; returning false from fn stops
// iteration. Each is EachSync under a different name kept for callers
// already written against it.
func (h *Hash) Each(ctx context.Context, fn func(key string, value json.RawMessage) (cont bool, err error)) error {
	return h.EachSync(ctx, fn)
}

// EachSync walks the hash tree directly, visiting one item at a time and
// stopping as soon as fn reports it is done, per spec.md §4.2 "eachSync
// (synchronous iterator with early-abort)". Unlike GetAll it never
// materializes the whole hash in memory at once.
func (h *Hash) EachSync(ctx context.Context, fn func(key string, value json.RawMessage) (cont bool, err error)) error {
	unlock, err := h.locks.AcquireShared(ctx, nsStructure+h.key)
	if err != nil {
		return err
	}
	defer unlock()

	_, err = h.eachSyncWalk(ctx, h.rootPath(), fn)
	return err
}

// eachSyncWalk returns stop=true once fn has asked to stop, propagating it
// up through recursive calls so sibling subtrees are skipped too.
func (h *Hash) eachSyncWalk(ctx context.Context, path string, fn func(key string, value json.RawMessage) (cont bool, err error)) (stop bool, err error) {
	node, exists, err := h.loadNode(ctx, path)
	if err != nil || !exists {
		return false, err
	}
	if node.Type == hashNodePage {
		for k, v := range node.Items {
			cont, err := fn(k, v)
			if err != nil {
				return false, err
			}
			if !cont {
				return true, nil
			}
		}
		return false, nil
	}
	for n := byte(0); n < 16; n++ {
		hexDigit := "0123456789abcdef"[n]
		stop, err := h.eachSyncWalk(ctx, childPath(path, hexDigit), fn)
		if err != nil || stop {
			return stop, err
		}
	}
	return false, nil
}

// EachPage streams one page's full item map at a time, rather than one
// key/value pair at a time, per spec.md §4.2 "eachPage". Returning false
// from fn stops iteration.
func (h *Hash) EachPage(ctx context.Context, fn func(items map[string]json.RawMessage) (cont bool, err error)) error {
	unlock, err := h.locks.AcquireShared(ctx, nsStructure+h.key)
	if err != nil {
		return err
	}
	defer unlock()

	_, err = h.eachPageWalk(ctx, h.rootPath(), fn)
	return err
}

func (h *Hash) eachPageWalk(ctx context.Context, path string, fn func(items map[string]json.RawMessage) (cont bool, err error)) (stop bool, err error) {
	node, exists, err := h.loadNode(ctx, path)
	if err != nil || !exists {
		return false, err
	}
	if node.Type == hashNodePage {
		if len(node.Items) == 0 {
			return false, nil
		}
		cont, err := fn(node.Items)
		if err != nil {
			return false, err
		}
		return !cont, nil
	}
	for n := byte(0); n < 16; n++ {
		hexDigit := "0123456789abcdef"[n]
		stop, err := h.eachPageWalk(ctx, childPath(path, hexDigit), fn)
		if err != nil || stop {
			return stop, err
		}
	}
	return false, nil
}

// GetInfo returns the hash's header, per spec.md §4.2 "getInfo".
func (h *Hash) GetInfo(ctx context.Context) (HashHeader, error) {
	unlock, err := h.locks.AcquireShared(ctx, nsStructure+h.key)
	if err != nil {
		return HashHeader{}, err
	}
	defer unlock()
	return h.loadHeader(ctx)
}

// Copy duplicates every item into a freshly built hash at destKey, per
// spec.md §4.2 "copy" (named there as the canonical example of a hoisted
// compound op, "hashCopy"). destKey's prior contents, if any, are replaced.
func (h *Hash) Copy(ctx context.Context, destKey string) error {
	if destKey == h.key {
		return nil
	}
	dest := NewHash(h.kv, h.locks, destKey, h.pageSize)

	unlock, err := h.locks.AcquireShared(ctx, nsStructure+h.key)
	if err != nil {
		return err
	}
	items := make(map[string]json.RawMessage)
	collectErr := h.collect(ctx, h.rootPath(), items)
	unlock()
	if collectErr != nil {
		return collectErr
	}

	if err := dest.DeleteAll(ctx); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	copied := make(map[string]interface{}, len(items))
	for k, v := range items {
		copied[k] = v
	}
	return dest.PutMulti(ctx, copied)
}

// Rename copies the hash to destKey and then removes the source, per
// spec.md §4.2 "rename".
func (h *Hash) Rename(ctx context.Context, destKey string) error {
	if destKey == h.key {
		return nil
	}
	if err := h.Copy(ctx, destKey); err != nil {
		return err
	}
	return h.DeleteAll(ctx)
}

// Length returns the hash's current item count.
func (h *Hash) Length(ctx context.Context) (int, error) {
	hdr, err := h.loadHeader(ctx)
	if err != nil {
		return 0, err
	}
	return hdr.Length, nil
}

// DeleteAll removes every node and the header, resetting the hash to
// nonexistent.
func (h *Hash) DeleteAll(ctx context.Context) error {
	unlock, err := h.locks.AcquireExclusive(ctx, nsStructure+h.key)
	if err != nil {
		return err
	}
	defer unlock()

	if err := h.deleteSubtree(ctx, h.rootPath()); err != nil {
		return err
	}
	if err := h.kv.DeleteRaw(ctx, h.key); err != nil && !engine.IsNoSuchKey(err) {
		return err
	}
	return nil
}

func (h *Hash) deleteSubtree(ctx context.Context, path string) error {
	node, exists, err := h.loadNode(ctx, path)
	if err != nil || !exists {
		return err
	}
	if node.Type == hashNodeIndex {
		for n := byte(0); n < 16; n++ {
			hexDigit := "0123456789abcdef"[n]
			if err := h.deleteSubtree(ctx, childPath(path, hexDigit)); err != nil {
				return err
			}
		}
	}
	return h.kv.DeleteRaw(ctx, path)
}
