package indexer

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	apperrors "github.com/cronicle-edge/corectl/infrastructure/errors"
)

// Op is a criterion's comparison operator.
type Op string

const (
	OpWord   Op = "word"
	OpPhrase Op = "phrase"
	OpEQ     Op = "eq"
	OpGT     Op = "gt"
	OpGTE    Op = "gte"
	OpLT     Op = "lt"
	OpLTE    Op = "lte"
	OpRange  Op = "range"
)

// Criterion is one leaf (or nested sub-query) of a compiled Query tree.
type Criterion struct {
	Not    bool
	Field  string
	Op     Op
	Value  string
	Value2 string
	Words  []string
	Sub    *Query
}

// Query is a flattened `{mode: and|or, criteria: [...]}` tree, per
// spec.md §4.2 "Query compilation": "Flatten into a recursive tree."
type Query struct {
	Mode     string // "and" | "or"
	Criteria []Criterion
}

// ParseSimple compiles the simple query syntax of spec.md §4.2: whitespace
// terms, optional `field:value`, `+`/`-` prefixes, `|`-OR alternates,
// quoted literal phrases, and `=`/`>`/`>=`/`<`/`<=`/`a..b` range operators.
func ParseSimple(defaultField, q string) (*Query, error) {
	terms, err := splitRespectingQuotes(q)
	if err != nil {
		return nil, err
	}
	query := &Query{Mode: "and"}
	for _, term := range terms {
		crit, err := parseTerm(defaultField, term)
		if err != nil {
			return nil, err
		}
		query.Criteria = append(query.Criteria, crit)
	}
	return query, nil
}

func splitRespectingQuotes(q string) ([]string, error) {
	var terms []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range q {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case r == ' ' && !inQuotes:
			if cur.Len() > 0 {
				terms = append(terms, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if inQuotes {
		return nil, apperrors.Validation("query", "unterminated quoted phrase")
	}
	if cur.Len() > 0 {
		terms = append(terms, cur.String())
	}
	return terms, nil
}

func parseTerm(defaultField, term string) (Criterion, error) {
	crit := Criterion{Field: defaultField}
	if strings.HasPrefix(term, "-") {
		crit.Not = true
		term = term[1:]
	} else if strings.HasPrefix(term, "+") {
		term = term[1:]
	}

	if idx := strings.Index(term, ":"); idx > 0 && !strings.HasPrefix(term, "\"") {
		crit.Field = term[:idx]
		term = term[idx+1:]
	}

	if strings.HasPrefix(term, "\"") && strings.HasSuffix(term, "\"") && len(term) >= 2 {
		crit.Op = OpPhrase
		crit.Value = term[1 : len(term)-1]
		return crit, nil
	}

	if strings.Contains(term, "|") {
		alts := strings.Split(term, "|")
		sub := &Query{Mode: "or"}
		for _, a := range alts {
			c, err := parseValueCriterion(crit.Field, a)
			if err != nil {
				return Criterion{}, err
			}
			sub.Criteria = append(sub.Criteria, c)
		}
		return Criterion{Not: crit.Not, Sub: sub}, nil
	}

	c, err := parseValueCriterion(crit.Field, term)
	c.Not = crit.Not
	return c, err
}

func parseValueCriterion(field, value string) (Criterion, error) {
	crit := Criterion{Field: field}
	switch {
	case strings.Contains(value, ".."):
		parts := strings.SplitN(value, "..", 2)
		crit.Op = OpRange
		crit.Value = parts[0]
		crit.Value2 = parts[1]
	case strings.HasPrefix(value, ">="):
		crit.Op = OpGTE
		crit.Value = value[2:]
	case strings.HasPrefix(value, "<="):
		crit.Op = OpLTE
		crit.Value = value[2:]
	case strings.HasPrefix(value, ">"):
		crit.Op = OpGT
		crit.Value = value[1:]
	case strings.HasPrefix(value, "<"):
		crit.Op = OpLT
		crit.Value = value[1:]
	case strings.HasPrefix(value, "="):
		crit.Op = OpWord
		crit.Value = strings.ToLower(value[1:])
	default:
		crit.Op = OpWord
		crit.Value = strings.ToLower(value)
	}
	return crit, nil
}

// ParsePxQL compiles the parenthesized `(field op value and|or ...)`
// grammar of spec.md §4.2 into the same Query tree as ParseSimple.
func ParsePxQL(q string) (*Query, error) {
	q = strings.TrimSpace(q)
	q = strings.TrimPrefix(q, "(")
	q = strings.TrimSuffix(q, ")")
	fields := strings.Fields(q)

	query := &Query{Mode: "and"}
	i := 0
	for i < len(fields) {
		if i+2 >= len(fields) {
			return nil, apperrors.Validation("pxql", "incomplete clause")
		}
		field, op, value := fields[i], fields[i+1], fields[i+2]
		crit := Criterion{Field: field}
		switch op {
		case "=":
			crit.Op = OpWord
			crit.Value = strings.ToLower(value)
		case ">":
			crit.Op = OpGT
			crit.Value = value
		case ">=":
			crit.Op = OpGTE
			crit.Value = value
		case "<":
			crit.Op = OpLT
			crit.Value = value
		case "<=":
			crit.Op = OpLTE
			crit.Value = value
		default:
			return nil, apperrors.Validation("pxql", "unknown operator "+op)
		}
		query.Criteria = append(query.Criteria, crit)
		i += 3
		if i < len(fields) {
			switch strings.ToLower(fields[i]) {
			case "and":
				query.Mode = "and"
			case "or":
				query.Mode = "or"
			default:
				return nil, apperrors.Validation("pxql", "expected and/or")
			}
			i++
		}
	}
	return query, nil
}

// idSet is a set of matching record ids.
type idSet map[string]bool

func union(a, b idSet) idSet {
	out := make(idSet, len(a)+len(b))
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}

func intersect(a, b idSet) idSet {
	out := make(idSet)
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	for k := range small {
		if large[k] {
			out[k] = true
		}
	}
	return out
}

func subtract(a, b idSet) idSet {
	out := make(idSet)
	for k := range a {
		if !b[k] {
			out[k] = true
		}
	}
	return out
}

// wordLookup abstracts where a criterion finds the record ids matching one
// field/word pair and the set of distinct values a field holds (for range
// criteria). Search and SearchSingle share the same evaluation tree below
// and differ only in which wordLookup they evaluate it against, per
// spec.md §4.2 step 6: "uses exactly the same pipeline on the record's own
// `_data/<id>` (no shared state)".
type wordLookup interface {
	ids(ctx context.Context, field, word string) (map[string][]int, error)
	values(ctx context.Context, field string) (map[string]bool, error)
}

// hashLookup is the normal Search path: consults the shared per-field word
// and summary hashes built by IndexRecord.
type hashLookup struct{ ix *Indexer }

// wordIDs returns, for one field's word, the set of record ids containing
// it, along with each id's token offsets (for literal phrase matching).
func (ix *Indexer) wordIDs(ctx context.Context, field, word string) (map[string][]int, error) {
	h := newFieldWordHash(ix, field)
	all, err := h.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]int)
	prefix := word + "\x00"
	for entryKey, raw := range all {
		if !strings.HasPrefix(entryKey, prefix) {
			continue
		}
		_, id := splitWordEntryKey(entryKey)
		var offsets []int
		_ = json.Unmarshal(raw, &offsets)
		out[id] = offsets
	}
	return out, nil
}

func (h hashLookup) ids(ctx context.Context, field, word string) (map[string][]int, error) {
	return h.ix.wordIDs(ctx, field, word)
}

func (h hashLookup) values(ctx context.Context, field string) (map[string]bool, error) {
	summaryHash := newFieldSummaryHash(h.ix, field)
	all, err := summaryHash.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(all))
	for v := range all {
		out[v] = true
	}
	return out, nil
}

// recordLookup is the SearchSingle path: evaluates entirely against one
// record's already-loaded `_data/<id>` tokens, never touching the shared
// hashes. The record is read from committed storage, where it is written in
// the same transaction as the word hashes, so it reflects the same writes
// Search does.
type recordLookup struct {
	id   string
	data *recordData
}

func (r recordLookup) ids(ctx context.Context, field, word string) (map[string][]int, error) {
	var offsets []int
	for i, t := range r.data.Fields[field] {
		if t == word {
			offsets = append(offsets, i)
		}
	}
	if len(offsets) == 0 {
		return map[string][]int{}, nil
	}
	return map[string][]int{r.id: offsets}, nil
}

func (r recordLookup) values(ctx context.Context, field string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, t := range r.data.Fields[field] {
		out[t] = true
	}
	return out, nil
}

// Search executes a compiled Query against this indexer's kind and returns
// the set of matching record ids (spec.md §4.2 "Query execution").
func (ix *Indexer) Search(ctx context.Context, q *Query) (map[string]bool, error) {
	return ix.eval(ctx, q, hashLookup{ix})
}

// SearchSingle evaluates q against only the record identified by id,
// reading its persisted `_data/<id>` directly rather than the shared word
// hashes, per spec.md §4.2 step 6 — it filters that one record without
// touching the shared index. It reads committed storage, so a write still
// buffered in an open transaction is not seen.
func (ix *Indexer) SearchSingle(ctx context.Context, q *Query, id string) (bool, error) {
	data, err := ix.loadRecordData(ctx, ix.storage, id)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	set, err := ix.eval(ctx, q, recordLookup{id: id, data: data})
	if err != nil {
		return false, err
	}
	return set[id], nil
}

func (ix *Indexer) eval(ctx context.Context, q *Query, lookup wordLookup) (idSet, error) {
	var result idSet
	for i, crit := range q.Criteria {
		set, err := ix.evalCriterion(ctx, crit, lookup)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			if crit.Not {
				return nil, apperrors.Validation("query", "leading NOT criterion has no base set")
			}
			result = set
			continue
		}
		if crit.Not {
			result = subtract(result, set)
			continue
		}
		if q.Mode == "or" {
			result = union(result, set)
		} else {
			result = intersect(result, set)
		}
	}
	if result == nil {
		result = idSet{}
	}
	return result, nil
}

func (ix *Indexer) evalCriterion(ctx context.Context, crit Criterion, lookup wordLookup) (idSet, error) {
	if crit.Sub != nil {
		return ix.eval(ctx, crit.Sub, lookup)
	}

	switch crit.Op {
	case OpPhrase:
		return ix.evalPhrase(ctx, crit, lookup)
	case OpWord, OpEQ:
		ids, err := lookup.ids(ctx, crit.Field, crit.Value)
		if err != nil {
			return nil, err
		}
		return idsOnly(ids), nil
	case OpGT, OpGTE, OpLT, OpLTE, OpRange:
		return ix.evalRange(ctx, crit, lookup)
	default:
		return nil, apperrors.Validation("query", "unsupported operator")
	}
}

func idsOnly(m map[string][]int) idSet {
	out := make(idSet, len(m))
	for id := range m {
		out[id] = true
	}
	return out
}

func (ix *Indexer) evalPhrase(ctx context.Context, crit Criterion, lookup wordLookup) (idSet, error) {
	words := crit.Words
	if len(words) == 0 && crit.Value != "" {
		words = tokenize(crit.Value, ix.fieldConfig(crit.Field))
	}
	if len(words) == 0 {
		return idSet{}, nil
	}
	candidates, err := lookup.ids(ctx, crit.Field, words[0])
	if err != nil {
		return nil, err
	}
	for _, w := range words[1:] {
		next, err := lookup.ids(ctx, crit.Field, w)
		if err != nil {
			return nil, err
		}
		merged := make(map[string][]int)
		for id, offsets := range candidates {
			nextOffsets, ok := next[id]
			if !ok {
				continue
			}
			nextSet := make(map[int]bool, len(nextOffsets))
			for _, o := range nextOffsets {
				nextSet[o] = true
			}
			var advanced []int
			for _, o := range offsets {
				if nextSet[o+1] {
					advanced = append(advanced, o+1)
				}
			}
			if len(advanced) > 0 {
				merged[id] = advanced
			}
		}
		candidates = merged
	}
	return idsOnly(candidates), nil
}

// evalRange consults the field's summary (value → count across all
// records) to enumerate qualifying values, then OR-merges their word sets.
// This is a direct, unbucketed scan rather than the source's hundred/
// thousand/year acceleration buckets — a performance optimization, not an
// externally observable semantic (see DESIGN.md).
func (ix *Indexer) evalRange(ctx context.Context, crit Criterion, lookup wordLookup) (idSet, error) {
	values, err := lookup.values(ctx, crit.Field)
	if err != nil {
		return nil, err
	}

	result := idSet{}
	for value := range values {
		if !rangeMatches(crit, value) {
			continue
		}
		ids, err := lookup.ids(ctx, crit.Field, value)
		if err != nil {
			return nil, err
		}
		for id := range ids {
			result[id] = true
		}
	}
	return result, nil
}

func rangeMatches(crit Criterion, value string) bool {
	vf, vErr := strconv.ParseFloat(value, 64)
	isNumeric := vErr == nil

	cmp := func(a string) int {
		if isNumeric {
			af, err := strconv.ParseFloat(a, 64)
			if err != nil {
				return strings.Compare(value, a)
			}
			switch {
			case vf < af:
				return -1
			case vf > af:
				return 1
			default:
				return 0
			}
		}
		return strings.Compare(value, a)
	}

	switch crit.Op {
	case OpGT:
		return cmp(crit.Value) > 0
	case OpGTE:
		return cmp(crit.Value) >= 0
	case OpLT:
		return cmp(crit.Value) < 0
	case OpLTE:
		return cmp(crit.Value) <= 0
	case OpRange:
		return cmp(crit.Value) >= 0 && cmp(crit.Value2) <= 0
	default:
		return false
	}
}
