package touchview

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rowIDs(result *QueryResult) []string {
	ids := make([]string, len(result.Rows))
	for i, row := range result.Rows {
		ids[i] = row.ID
	}
	return ids
}

func TestAllDocs(t *testing.T) {
	db, store := newTestDatabase(t, nil)
	putNumberedDocs(t, store)

	result, err := db.AllDocs(nil)
	require.NoError(t, err)
	assert.Equal(t, 5, result.TotalRows)
	assert.Equal(t, []string{"11111", "22222", "33333", "44444", "55555"}, rowIDs(result))
	rev, err := store.GetDocument("11111")
	require.NoError(t, err)
	assert.Equal(t, QueryRow{ID: "11111", Key: "11111", Value: map[string]interface{}{"rev": rev.RevID}},
		result.Rows[0])

	opts := DefaultQueryOptions()
	opts.StartKey = "2"
	opts.EndKey = "44444"
	result, err = db.AllDocs(opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"22222", "33333", "44444"}, rowIDs(result))

	opts.InclusiveEnd = false
	result, err = db.AllDocs(opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"22222", "33333"}, rowIDs(result))

	opts = DefaultQueryOptions()
	opts.Descending = true
	opts.StartKey = "44444"
	opts.Limit = 2
	result, err = db.AllDocs(opts)
	require.NoError(t, err)
	assert.Equal(t, 4, result.TotalRows)
	assert.Equal(t, []string{"44444", "33333"}, rowIDs(result))

	// Deleted docs are left out:
	deleteDoc(t, store, "33333")
	result, err = db.AllDocs(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"11111", "22222", "44444", "55555"}, rowIDs(result))
}

func TestAllDocsIncludeDocs(t *testing.T) {
	db, store := newTestDatabase(t, nil)
	rev := putDoc(t, store, "doc1", map[string]interface{}{"a": "b"})

	opts := DefaultQueryOptions()
	opts.IncludeDocs = true
	result, err := db.AllDocs(opts)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, map[string]interface{}{"_id": "doc1", "_rev": rev.RevID, "a": "b"}, result.Rows[0].Doc)
}

func TestDocsWithIDs(t *testing.T) {
	db, store := newTestDatabase(t, nil)
	putNumberedDocs(t, store)

	result, err := db.DocsWithIDs([]string{"44444", "11111", "99999", "44444"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"11111", "44444"}, rowIDs(result))

	opts := DefaultQueryOptions()
	opts.Descending = true
	result, err = db.DocsWithIDs([]string{"44444", "11111"}, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"44444", "11111"}, rowIDs(result))

	result, err = db.DocsWithIDs([]string{}, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Rows)

	result, err = db.DocsWithIDs([]string{"33333"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"33333"}, rowIDs(result))

	opts = DefaultQueryOptions()
	opts.Keys = []interface{}{"55555", "22222"}
	result, err = db.AllDocs(opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"22222", "55555"}, rowIDs(result))
}

func TestDocsWithIDsListOnly(t *testing.T) {
	store := NewMemoryStore("db")
	defer store.Close()
	putNumberedDocs(t, store)
	// Hides GetDocument:
	db, err := NewDatabase("db", struct{ DocumentStore }{store}, nil)
	require.NoError(t, err)
	defer db.Close()

	result, err := db.DocsWithIDs([]string{"55555", "22222", "nope"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"22222", "55555"}, rowIDs(result))

	opts := DefaultQueryOptions()
	opts.IncludeDocs = true
	_, err = db.AllDocs(opts)
	assert.True(t, IsBadRequest(err))
}

func TestAllDocsBadRequests(t *testing.T) {
	db, _ := newTestDatabase(t, nil)
	for i, opts := range []QueryOptions{
		{Skip: -1},
		{Limit: -5},
		{Reduce: ReduceTrue},
		{Group: true},
		{GroupLevel: 1},
		{StartKey: 17.0},
		{EndKey: []interface{}{"a"}},
		{Keys: []interface{}{"a", 2.0}},
	} {
		_, err := db.AllDocs(&opts)
		assert.True(t, IsBadRequest(err), "case %d: %v", i, err)
	}
}
