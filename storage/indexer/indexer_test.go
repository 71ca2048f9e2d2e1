package indexer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cronicle-edge/corectl/storage"
	"github.com/cronicle-edge/corectl/storage/engine/localfs"
)

func newTestIndexer(t *testing.T) *Indexer {
	t.Helper()
	eng, err := localfs.New(t.TempDir())
	require.NoError(t, err)
	st := storage.New(eng, 4, t.TempDir(), nil)

	cfg := Config{
		BasePath:     "idx/events",
		HashPageSize: 10,
		Fields: []FieldConfig{
			{ID: "title", Source: "title", Type: FieldString, MinWordLength: 2},
			{ID: "priority", Source: "priority", Type: FieldNumber},
		},
		Sorters: []SorterConfig{
			{ID: "priority", Source: "priority", Type: FieldNumber},
			{ID: "title", Source: "title", Type: FieldString},
		},
	}
	return New(st, cfg)
}

func TestIndexer_RoundTrip(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndexer(t)

	record := map[string]interface{}{"title": "daily backup job", "priority": float64(5)}
	require.NoError(t, ix.IndexRecord(ctx, "job-1", record))

	res, err := ix.Search(ctx, &Query{Mode: "and", Criteria: []Criterion{{Field: "title", Op: OpWord, Value: "backup"}}})
	require.NoError(t, err)
	assert.True(t, res["job-1"])

	require.NoError(t, ix.UnindexRecord(ctx, "job-1"))
	res, err = ix.Search(ctx, &Query{Mode: "and", Criteria: []Criterion{{Field: "title", Op: OpWord, Value: "backup"}}})
	require.NoError(t, err)
	assert.False(t, res["job-1"])
}

func TestIndexer_ChecksumSkipsNoOpReindex(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndexer(t)
	record := map[string]interface{}{"title": "nightly sync", "priority": float64(1)}

	require.NoError(t, ix.IndexRecord(ctx, "job-2", record))
	prior, err := ix.loadRecordData(ctx, ix.storage, "job-2")
	require.NoError(t, err)
	require.NotNil(t, prior)

	require.NoError(t, ix.IndexRecord(ctx, "job-2", record))
	after, err := ix.loadRecordData(ctx, ix.storage, "job-2")
	require.NoError(t, err)
	assert.Equal(t, prior.Checksum, after.Checksum)
}

func TestIndexer_PhraseQueryRequiresAdjacency(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndexer(t)

	require.NoError(t, ix.IndexRecord(ctx, "a", map[string]interface{}{"title": "the quick brown fox", "priority": float64(1)}))
	require.NoError(t, ix.IndexRecord(ctx, "b", map[string]interface{}{"title": "brown quick animals", "priority": float64(1)}))

	q, err := ParseSimple("title", `"quick brown"`)
	require.NoError(t, err)
	res, err := ix.Search(ctx, q)
	require.NoError(t, err)
	assert.True(t, res["a"])
	assert.False(t, res["b"])
}

func TestIndexer_NumericRangeQuery(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndexer(t)

	require.NoError(t, ix.IndexRecord(ctx, "low", map[string]interface{}{"title": "alpha", "priority": float64(2)}))
	require.NoError(t, ix.IndexRecord(ctx, "mid", map[string]interface{}{"title": "beta", "priority": float64(5)}))
	require.NoError(t, ix.IndexRecord(ctx, "high", map[string]interface{}{"title": "gamma", "priority": float64(9)}))

	q := &Query{Mode: "and", Criteria: []Criterion{{Field: "priority", Op: OpRange, Value: "4", Value2: "8"}}}
	res, err := ix.Search(ctx, q)
	require.NoError(t, err)
	assert.False(t, res["low"])
	assert.True(t, res["mid"])
	assert.False(t, res["high"])
}

func TestIndexer_ANDandORCombination(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndexer(t)

	require.NoError(t, ix.IndexRecord(ctx, "a", map[string]interface{}{"title": "backup database", "priority": float64(1)}))
	require.NoError(t, ix.IndexRecord(ctx, "b", map[string]interface{}{"title": "backup logs", "priority": float64(1)}))
	require.NoError(t, ix.IndexRecord(ctx, "c", map[string]interface{}{"title": "restore database", "priority": float64(1)}))

	q := &Query{Mode: "and", Criteria: []Criterion{
		{Field: "title", Op: OpWord, Value: "backup"},
		{Field: "title", Op: OpWord, Value: "database"},
	}}
	res, err := ix.Search(ctx, q)
	require.NoError(t, err)
	assert.True(t, res["a"])
	assert.False(t, res["b"])
	assert.False(t, res["c"])
}

func TestParseSimple_FieldAndOrAlternates(t *testing.T) {
	q, err := ParseSimple("title", "backup|restore -logs")
	require.NoError(t, err)
	require.Len(t, q.Criteria, 2)
	assert.NotNil(t, q.Criteria[0].Sub)
	assert.Equal(t, "or", q.Criteria[0].Sub.Mode)
	assert.True(t, q.Criteria[1].Not)
	assert.Equal(t, "logs", q.Criteria[1].Value)
}

func TestParsePxQL_AndClause(t *testing.T) {
	q, err := ParsePxQL("(priority >= 5 and title = backup)")
	require.NoError(t, err)
	assert.Equal(t, "and", q.Mode)
	require.Len(t, q.Criteria, 2)
	assert.Equal(t, OpGTE, q.Criteria[0].Op)
	assert.Equal(t, OpWord, q.Criteria[1].Op)
}

func TestIndexer_SortAscendingAndDescending(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndexer(t)

	require.NoError(t, ix.IndexRecord(ctx, "low", map[string]interface{}{"title": "alpha", "priority": float64(2)}))
	require.NoError(t, ix.IndexRecord(ctx, "mid", map[string]interface{}{"title": "beta", "priority": float64(5)}))
	require.NoError(t, ix.IndexRecord(ctx, "high", map[string]interface{}{"title": "gamma", "priority": float64(9)}))

	asc, err := ix.Sort(ctx, "priority", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"low", "mid", "high"}, asc)

	desc, err := ix.Sort(ctx, "priority", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "mid", "low"}, desc)
}

func TestIndexer_SortUnknownSorterErrors(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndexer(t)
	_, err := ix.Sort(ctx, "nope", true)
	assert.Error(t, err)
}

func TestIndexer_SortDropsUnindexedRecords(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndexer(t)

	require.NoError(t, ix.IndexRecord(ctx, "a", map[string]interface{}{"title": "alpha", "priority": float64(1)}))
	require.NoError(t, ix.IndexRecord(ctx, "b", map[string]interface{}{"title": "beta", "priority": float64(2)}))
	require.NoError(t, ix.UnindexRecord(ctx, "a"))

	ids, err := ix.Sort(ctx, "priority", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

func TestIndexer_SearchSingleMatchesCommittedRecord(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndexer(t)

	require.NoError(t, ix.IndexRecord(ctx, "job-9", map[string]interface{}{"title": "daily backup job", "priority": float64(5)}))

	q := &Query{Mode: "and", Criteria: []Criterion{{Field: "title", Op: OpWord, Value: "backup"}}}
	match, err := ix.SearchSingle(ctx, q, "job-9")
	require.NoError(t, err)
	assert.True(t, match)

	q2 := &Query{Mode: "and", Criteria: []Criterion{{Field: "title", Op: OpWord, Value: "restore"}}}
	match, err = ix.SearchSingle(ctx, q2, "job-9")
	require.NoError(t, err)
	assert.False(t, match)
}

func TestIndexer_SearchSingleMissingRecordIsFalse(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndexer(t)

	q := &Query{Mode: "and", Criteria: []Criterion{{Field: "title", Op: OpWord, Value: "backup"}}}
	match, err := ix.SearchSingle(ctx, q, "ghost")
	require.NoError(t, err)
	assert.False(t, match)
}

func TestIndexer_SearchSingleAgreesWithSearch(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndexer(t)

	require.NoError(t, ix.IndexRecord(ctx, "a", map[string]interface{}{"title": "the quick brown fox", "priority": float64(3)}))
	require.NoError(t, ix.IndexRecord(ctx, "b", map[string]interface{}{"title": "brown quick animals", "priority": float64(7)}))

	q, err := ParseSimple("title", `"quick brown"`)
	require.NoError(t, err)

	res, err := ix.Search(ctx, q)
	require.NoError(t, err)

	for _, id := range []string{"a", "b"} {
		single, err := ix.SearchSingle(ctx, q, id)
		require.NoError(t, err)
		assert.Equal(t, res[id], single, "SearchSingle must agree with Search for id %q", id)
	}
}
