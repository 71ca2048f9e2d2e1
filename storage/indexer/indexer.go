// Package indexer implements the full-text/secondary indexer of spec.md
// §4.2 "Indexer": per-field word hashes, a value→count summary per field,
// and a custom query grammar (simple + PxQL) compiled to a boolean
// criteria tree and executed against those hashes.
package indexer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/cronicle-edge/corectl/infrastructure/errors"
	"github.com/cronicle-edge/corectl/storage"
)

// FieldType selects type-specific preparation before tokenizing.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldDate   FieldType = "date"
)

// FieldConfig describes one indexable field of a record kind.
type FieldConfig struct {
	ID            string
	Source        string // dotted path into the record
	Type          FieldType
	MinWordLength int
	MaxWordLength int
	MaxWords      int
	RemoveWords   map[string]bool
}

// SorterConfig describes a field used only for sorted listing, not search.
type SorterConfig struct {
	ID     string
	Source string
	Type   FieldType
}

// Config is one indexable entity kind's full indexing configuration.
type Config struct {
	BasePath     string
	Fields       []FieldConfig
	Sorters      []SorterConfig
	HashPageSize int
}

// recordData is the persisted `_data/<id>` record: per-field token lists
// and a checksum used to skip re-indexing unchanged content.
type recordData struct {
	Checksum string              `json:"checksum"`
	Fields   map[string][]string `json:"fields"`
}

// Indexer binds a Config to a storage core.
type Indexer struct {
	storage *storage.Storage
	cfg     Config
}

// New returns an Indexer for cfg backed by s.
func New(s *storage.Storage, cfg Config) *Indexer {
	if cfg.HashPageSize <= 0 {
		cfg.HashPageSize = 50
	}
	return &Indexer{storage: s, cfg: cfg}
}

func dataKey(basePath, id string) string { return basePath + "/_data/" + id }

// fieldConfig looks up the FieldConfig for field, so query execution
// tokenizes phrase text the same way the field was originally indexed.
func (ix *Indexer) fieldConfig(field string) FieldConfig {
	for _, fc := range ix.cfg.Fields {
		if fc.ID == field {
			return fc
		}
	}
	return FieldConfig{}
}

func summaryKey(basePath, field string) string {
	return basePath + "/" + field + "/summary"
}

var wordSplitRE = regexp.MustCompile(`[a-z0-9]+`)

// tokenize lowercases text, splits on word boundaries, and drops
// too-short/too-long words, capping the result at maxWords.
func tokenize(text string, cfg FieldConfig) []string {
	lower := strings.ToLower(text)
	words := wordSplitRE.FindAllString(lower, -1)
	var out []string
	for _, w := range words {
		if cfg.MinWordLength > 0 && len(w) < cfg.MinWordLength {
			continue
		}
		if cfg.MaxWordLength > 0 && len(w) > cfg.MaxWordLength {
			continue
		}
		if cfg.RemoveWords != nil && cfg.RemoveWords[w] {
			continue
		}
		out = append(out, w)
		if cfg.MaxWords > 0 && len(out) >= cfg.MaxWords {
			break
		}
	}
	return out
}

func checksum(fields map[string][]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha1.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(strings.Join(fields[k], " ")))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// extract resolves a dotted source path against record's decoded JSON.
func extract(record map[string]interface{}, source string) string {
	parts := strings.Split(source, ".")
	var cur interface{} = record
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return ""
		}
		cur, ok = m[p]
		if !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		data, _ := json.Marshal(v)
		return string(data)
	}
}

// IndexRecord indexes record under id, per spec.md §4.2 "Indexing a
// record": tokenize, diff against the prior indexed content, update word
// hashes and summaries only for the delta, and skip entirely if the
// content checksum is unchanged. Runs inside one hoisted transaction.
func (ix *Indexer) IndexRecord(ctx context.Context, id string, record map[string]interface{}) error {
	return ix.storage.WithTransaction(ctx, ix.cfg.BasePath, func(ctx context.Context, kv storage.RawKV) error {
		prior, err := ix.loadRecordData(ctx, kv, id)
		if err != nil {
			return err
		}

		newFields := make(map[string][]string, len(ix.cfg.Fields))
		for _, fc := range ix.cfg.Fields {
			value := extract(record, fc.Source)
			newFields[fc.ID] = tokenize(value, fc)
		}
		newChecksum := checksum(newFields)
		if prior != nil && prior.Checksum == newChecksum {
			return nil // content unchanged; skip re-indexing entirely
		}

		for _, fc := range ix.cfg.Fields {
			var oldWords []string
			if prior != nil {
				oldWords = prior.Fields[fc.ID]
			}
			if err := ix.reindexField(ctx, kv, fc, id, oldWords, newFields[fc.ID]); err != nil {
				return err
			}
		}

		for _, sc := range ix.cfg.Sorters {
			value := extract(record, sc.Source)
			if value == "" {
				continue
			}
			h := storage.NewHash(kv, ix.storage.Locks(), sortKey(ix.cfg.BasePath, sc.ID), ix.cfg.HashPageSize)
			if err := h.Put(ctx, id, value); err != nil {
				return err
			}
		}

		data := recordData{Checksum: newChecksum, Fields: newFields}
		raw, _ := json.Marshal(data)
		return kv.PutRaw(ctx, dataKey(ix.cfg.BasePath, id), raw)
	})
}

func sortKey(basePath, sorterID string) string { return basePath + "/" + sorterID + "/sort" }

func (ix *Indexer) sorterConfig(id string) (SorterConfig, bool) {
	for _, sc := range ix.cfg.Sorters {
		if sc.ID == id {
			return sc, true
		}
	}
	return SorterConfig{}, false
}

// Sort returns every id held by sorterID's sort hash ordered by that
// sorter's value, per spec.md §4.2 "Sorting": "load the field's sort hash
// page-by-page, project to pairs, sort ... in the requested direction."
func (ix *Indexer) Sort(ctx context.Context, sorterID string, ascending bool) ([]string, error) {
	sc, ok := ix.sorterConfig(sorterID)
	if !ok {
		return nil, apperrors.Validation("sorter", "unknown sorter "+sorterID)
	}
	h := storage.NewHash(ix.storage, ix.storage.Locks(), sortKey(ix.cfg.BasePath, sc.ID), ix.cfg.HashPageSize)

	type pair struct {
		id    string
		value string
	}
	var pairs []pair
	err := h.EachPage(ctx, func(items map[string]json.RawMessage) (bool, error) {
		for id, raw := range items {
			var v string
			_ = json.Unmarshal(raw, &v)
			pairs = append(pairs, pair{id: id, value: v})
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	numeric := sc.Type == FieldNumber || sc.Type == FieldDate
	sort.Slice(pairs, func(i, j int) bool {
		return comparePair(pairs[i].value, pairs[j].value, numeric)
	})
	if !ascending {
		for i, j := 0, len(pairs)-1; i < j; i, j = i+1, j-1 {
			pairs[i], pairs[j] = pairs[j], pairs[i]
		}
	}
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.id
	}
	return out, nil
}

// comparePair mirrors spec.md's "localeCompare or numeric comparator":
// when numeric is set and both values parse as numbers they compare as
// numbers; otherwise they compare lexicographically.
func comparePair(a, b string, numeric bool) bool {
	if numeric {
		af, aerr := strconv.ParseFloat(a, 64)
		bf, berr := strconv.ParseFloat(b, 64)
		if aerr == nil && berr == nil {
			return af < bf
		}
	}
	return a < b
}

func (ix *Indexer) loadRecordData(ctx context.Context, kv storage.RawKV, id string) (*recordData, error) {
	raw, err := kv.GetRaw(ctx, dataKey(ix.cfg.BasePath, id))
	if err != nil {
		if storage.IsNoSuchKey(err) {
			return nil, nil
		}
		return nil, err
	}
	var rd recordData
	if err := json.Unmarshal(raw, &rd); err != nil {
		return nil, apperrors.IOError("index-record-decode", err)
	}
	return &rd, nil
}

func wordSet(words []string) map[string][]int {
	out := make(map[string][]int)
	for i, w := range words {
		out[w] = append(out[w], i)
	}
	return out
}

// reindexField diffs oldWords vs newWords for one field and applies only
// the delta to that field's word hashes and summary.
func (ix *Indexer) reindexField(ctx context.Context, kv storage.RawKV, fc FieldConfig, id string, oldWords, newWords []string) error {
	oldSet := wordSet(oldWords)
	newSet := wordSet(newWords)

	locks := ix.storage.Locks()
	for w, offsets := range newSet {
		if _, existed := oldSet[w]; existed {
			delete(oldSet, w)
			continue // unchanged word; offsets may differ but treat as update
		}
		h := storage.NewHash(kv, locks, ix.cfg.BasePath+"/"+fc.ID+"/word", ix.cfg.HashPageSize)
		if err := h.Put(ctx, wordEntryKey(w, id), offsets); err != nil {
			return err
		}
		if err := ix.bumpSummary(ctx, kv, fc, w, 1); err != nil {
			return err
		}
	}
	// Re-write offsets for words that persisted but whose positions moved.
	for w, offsets := range newSet {
		if _, stillThere := wordSet(oldWords)[w]; stillThere {
			h := storage.NewHash(kv, locks, ix.cfg.BasePath+"/"+fc.ID+"/word", ix.cfg.HashPageSize)
			if err := h.Put(ctx, wordEntryKey(w, id), offsets); err != nil {
				return err
			}
		}
	}
	for w := range oldSet {
		h := storage.NewHash(kv, locks, ix.cfg.BasePath+"/"+fc.ID+"/word", ix.cfg.HashPageSize)
		if _, err := h.Delete(ctx, wordEntryKey(w, id)); err != nil {
			return err
		}
		if err := ix.bumpSummary(ctx, kv, fc, w, -1); err != nil {
			return err
		}
	}
	return nil
}

// newFieldWordHash and newFieldSummaryHash bind Hash handles against the
// real (non-transactional) storage core for read-only search execution —
// Search never runs inside an indexing transaction.
func newFieldWordHash(ix *Indexer, field string) *storage.Hash {
	return storage.NewHash(ix.storage, ix.storage.Locks(), ix.cfg.BasePath+"/"+field+"/word", ix.cfg.HashPageSize)
}

func newFieldSummaryHash(ix *Indexer, field string) *storage.Hash {
	return storage.NewHash(ix.storage, ix.storage.Locks(), summaryKey(ix.cfg.BasePath, field), ix.cfg.HashPageSize)
}

func wordEntryKey(word, id string) string { return word + "\x00" + id }

func splitWordEntryKey(entryKey string) (word, id string) {
	parts := strings.SplitN(entryKey, "\x00", 2)
	if len(parts) != 2 {
		return entryKey, ""
	}
	return parts[0], parts[1]
}

func (ix *Indexer) bumpSummary(ctx context.Context, kv storage.RawKV, fc FieldConfig, word string, delta int) error {
	h := storage.NewHash(kv, ix.storage.Locks(), summaryKey(ix.cfg.BasePath, fc.ID), ix.cfg.HashPageSize)
	raw, ok, err := h.Get(ctx, word)
	if err != nil {
		return err
	}
	count := 0
	if ok {
		_ = json.Unmarshal(raw, &count)
	}
	count += delta
	if count <= 0 {
		_, err := h.Delete(ctx, word)
		return err
	}
	return h.Put(ctx, word, count)
}

// UnindexRecord removes id's contribution to every field's word hash and
// summary, and deletes its `_data/<id>` record.
func (ix *Indexer) UnindexRecord(ctx context.Context, id string) error {
	return ix.storage.WithTransaction(ctx, ix.cfg.BasePath, func(ctx context.Context, kv storage.RawKV) error {
		prior, err := ix.loadRecordData(ctx, kv, id)
		if err != nil {
			return err
		}
		if prior == nil {
			return nil
		}
		for _, fc := range ix.cfg.Fields {
			if err := ix.reindexField(ctx, kv, fc, id, prior.Fields[fc.ID], nil); err != nil {
				return err
			}
		}
		for _, sc := range ix.cfg.Sorters {
			h := storage.NewHash(kv, ix.storage.Locks(), sortKey(ix.cfg.BasePath, sc.ID), ix.cfg.HashPageSize)
			if _, err := h.Delete(ctx, id); err != nil {
				return err
			}
		}
		return kv.DeleteRaw(ctx, dataKey(ix.cfg.BasePath, id))
	})
}
