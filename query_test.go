//  Copyright (c) 2013 Couchbase, Inc.
//  Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
//  except in compliance with the License. You may obtain a copy of the License at
//    http://www.apache.org/licenses/LICENSE-2.0
//  Unless required by applicable law or agreed to in writing, software distributed under the
//  License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
//  either express or implied. See the License for the specific language governing permissions
//  and limitations under the License.

package touchview

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queryKeys(t *testing.T, view *View, opts *QueryOptions) []interface{} {
	result, err := view.Query(opts)
	require.NoError(t, err)
	keys := make([]interface{}, len(result.Rows))
	for i, row := range result.Rows {
		keys[i] = row.Key
	}
	return keys
}

func TestQueryRange(t *testing.T) {
	db, store := newTestDatabase(t, nil)
	putNumberedDocs(t, store)
	view := newKeyView(t, db)

	result, err := view.Query(nil)
	require.NoError(t, err)
	assert.Equal(t, 5, result.TotalRows)
	assert.Equal(t, QueryRow{ID: "55555", Key: "five", Value: nil}, result.Rows[0])

	opts := DefaultQueryOptions()
	opts.StartKey = "a"
	opts.EndKey = "one"
	assert.Equal(t, []interface{}{"five", "four", "one"}, queryKeys(t, view, opts))

	opts.InclusiveEnd = false
	assert.Equal(t, []interface{}{"five", "four"}, queryKeys(t, view, opts))

	opts = DefaultQueryOptions()
	opts.Descending = true
	opts.StartKey = "o"
	opts.EndKey = "five"
	assert.Equal(t, []interface{}{"four", "five"}, queryKeys(t, view, opts))

	opts.InclusiveEnd = false
	assert.Equal(t, []interface{}{"four"}, queryKeys(t, view, opts))

	opts = DefaultQueryOptions()
	opts.Descending = true
	assert.Equal(t, []interface{}{"two", "three", "one", "four", "five"}, queryKeys(t, view, opts))

	opts = DefaultQueryOptions()
	opts.StartKey = "one"
	opts.EndKey = "one"
	assert.Equal(t, []interface{}{"one"}, queryKeys(t, view, opts))
}

func TestQuerySkipLimit(t *testing.T) {
	db, store := newTestDatabase(t, nil)
	putNumberedDocs(t, store)
	view := newKeyView(t, db)

	opts := DefaultQueryOptions()
	opts.Skip = 1
	opts.Limit = 2
	result, err := view.Query(opts)
	require.NoError(t, err)
	assert.Equal(t, 5, result.TotalRows)
	assert.Equal(t, 1, result.Offset)
	require.Len(t, result.Rows, 2)
	assert.Equal(t, "four", result.Rows[0].Key)
	assert.Equal(t, "one", result.Rows[1].Key)

	opts.Skip = 10
	result, err = view.Query(opts)
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
	assert.NotNil(t, result.Rows)
}

func TestQueryKeys(t *testing.T) {
	db, store := newTestDatabase(t, nil)
	putNumberedDocs(t, store)
	putDoc(t, store, "00000", map[string]interface{}{"key": "four"})
	view := newKeyView(t, db)

	opts := DefaultQueryOptions()
	opts.Keys = []interface{}{"two", "four", "missing", "two"}
	result, err := view.Query(opts)
	require.NoError(t, err)
	require.Len(t, result.Rows, 3)
	assert.Equal(t, QueryRow{ID: "00000", Key: "four"}, result.Rows[0])
	assert.Equal(t, QueryRow{ID: "44444", Key: "four"}, result.Rows[1])
	assert.Equal(t, QueryRow{ID: "22222", Key: "two"}, result.Rows[2])

	opts.Descending = true
	result, err = view.Query(opts)
	require.NoError(t, err)
	require.Len(t, result.Rows, 3)
	assert.Equal(t, "22222", result.Rows[0].ID)
	assert.Equal(t, "44444", result.Rows[1].ID)
	assert.Equal(t, "00000", result.Rows[2].ID)

	opts.Keys = []interface{}{}
	result, err = view.Query(opts)
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
}

func TestQueryIncludeDocs(t *testing.T) {
	db, store := newTestDatabase(t, nil)
	rev := putDoc(t, store, "doc1", map[string]interface{}{"key": "k", "n": 1})
	view := newKeyView(t, db)

	opts := DefaultQueryOptions()
	opts.IncludeDocs = true
	result, err := view.Query(opts)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, map[string]interface{}{"_id": "doc1", "_rev": rev.RevID, "key": "k", "n": float64(1)},
		result.Rows[0].Doc)

	// A doc deleted since the index was updated comes back without a body:
	deleteDoc(t, store, "doc1")
	opts.Stale = StaleOK
	result, err = view.Query(opts)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Nil(t, result.Rows[0].Doc)
}

func TestQueryReduce(t *testing.T) {
	db, store := newTestDatabase(t, nil)
	putDoc(t, store, "CD", map[string]interface{}{"cost": 8.99})
	putDoc(t, store, "App", map[string]interface{}{"cost": 1.95})
	putDoc(t, store, "Dessert", map[string]interface{}{"cost": 6.5})
	view, err := db.GetView("totaler")
	require.NoError(t, err)
	_, err = view.SetMapReduce(func(doc map[string]interface{}) ([]KeyValue, error) {
		return []KeyValue{{Key: doc["_id"], Value: doc["cost"]}}, nil
	}, ReduceSum, "1")
	require.NoError(t, err)

	result, err := view.Query(nil)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Nil(t, result.Rows[0].Key)
	assert.InDelta(t, 17.44, result.Rows[0].Value, 1e-9)

	opts := DefaultQueryOptions()
	opts.Reduce = ReduceFalse
	result, err = view.Query(opts)
	require.NoError(t, err)
	assert.Len(t, result.Rows, 3)

	// A keys query doesn't reduce unless asked to:
	opts = DefaultQueryOptions()
	opts.Keys = []interface{}{"CD", "App"}
	result, err = view.Query(opts)
	require.NoError(t, err)
	assert.Len(t, result.Rows, 2)
	opts.Reduce = ReduceTrue
	result, err = view.Query(opts)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.InDelta(t, 10.94, result.Rows[0].Value, 1e-9)

	// An empty range reduces to no rows:
	opts = DefaultQueryOptions()
	opts.StartKey = "X"
	result, err = view.Query(opts)
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
}

func putSongs(t *testing.T, store *MemoryStore) {
	songs := []map[string]interface{}{
		{"artist": "Gang Of Four", "album": "Entertainment!", "track": "Ether", "time": 231},
		{"artist": "Gang Of Four", "album": "Songs Of The Free", "track": "I Love a Man in Uniform", "time": 248},
		{"artist": "Gang Of Four", "album": "Entertainment!", "track": "Natural's Not In It", "time": 187},
		{"artist": "PiL", "album": "Metal Box", "track": "Memories", "time": 309},
		{"artist": "Gang Of Four", "album": "Entertainment!", "track": "Not Great Men", "time": 187},
	}
	for _, song := range songs {
		putDoc(t, store, "", song)
	}
}

func newSongView(t *testing.T, db *Database) *View {
	view, err := db.GetView("grouper")
	require.NoError(t, err)
	_, err = view.SetMapReduce(func(doc map[string]interface{}) ([]KeyValue, error) {
		key := []interface{}{doc["artist"], doc["album"], doc["track"]}
		return []KeyValue{{Key: key, Value: doc["time"]}}, nil
	}, ReduceSum, "1")
	require.NoError(t, err)
	return view
}

func TestQueryGrouped(t *testing.T) {
	db, store := newTestDatabase(t, nil)
	putSongs(t, store)
	view := newSongView(t, db)

	result, err := view.Query(nil)
	require.NoError(t, err)
	assert.Equal(t, []QueryRow{{Key: nil, Value: 1162.0}}, result.Rows)

	opts := DefaultQueryOptions()
	opts.Group = true
	result, err = view.Query(opts)
	require.NoError(t, err)
	assert.Equal(t, []QueryRow{
		{Key: []interface{}{"Gang Of Four", "Entertainment!", "Ether"}, Value: 231.0},
		{Key: []interface{}{"Gang Of Four", "Entertainment!", "Natural's Not In It"}, Value: 187.0},
		{Key: []interface{}{"Gang Of Four", "Entertainment!", "Not Great Men"}, Value: 187.0},
		{Key: []interface{}{"Gang Of Four", "Songs Of The Free", "I Love a Man in Uniform"}, Value: 248.0},
		{Key: []interface{}{"PiL", "Metal Box", "Memories"}, Value: 309.0},
	}, result.Rows)

	opts = DefaultQueryOptions()
	opts.GroupLevel = 1
	result, err = view.Query(opts)
	require.NoError(t, err)
	assert.Equal(t, []QueryRow{
		{Key: []interface{}{"Gang Of Four"}, Value: 853.0},
		{Key: []interface{}{"PiL"}, Value: 309.0},
	}, result.Rows)

	opts.GroupLevel = 2
	result, err = view.Query(opts)
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalRows)
	assert.Equal(t, []QueryRow{
		{Key: []interface{}{"Gang Of Four", "Entertainment!"}, Value: 605.0},
		{Key: []interface{}{"Gang Of Four", "Songs Of The Free"}, Value: 248.0},
		{Key: []interface{}{"PiL", "Metal Box"}, Value: 309.0},
	}, result.Rows)

	opts.Descending = true
	opts.Limit = 1
	result, err = view.Query(opts)
	require.NoError(t, err)
	assert.Equal(t, []QueryRow{
		{Key: []interface{}{"PiL", "Metal Box"}, Value: 309.0},
	}, result.Rows)
}

func TestQueryGroupedScalarKeys(t *testing.T) {
	db, store := newTestDatabase(t, nil)
	for _, name := range []string{"Alice", "Albert", "Naomi", "Jens", "Jed"} {
		putDoc(t, store, "", map[string]interface{}{"name": name})
	}
	view, err := db.GetView("initials")
	require.NoError(t, err)
	_, err = view.SetMapReduce(func(doc map[string]interface{}) ([]KeyValue, error) {
		return []KeyValue{{Key: doc["name"].(string)[:1], Value: 1}}, nil
	}, ReduceCount, "1")
	require.NoError(t, err)

	opts := DefaultQueryOptions()
	opts.GroupLevel = 1
	result, err := view.Query(opts)
	require.NoError(t, err)
	assert.Equal(t, []QueryRow{
		{Key: "A", Value: 2.0},
		{Key: "J", Value: 2.0},
		{Key: "N", Value: 1.0},
	}, result.Rows)
}

func TestQueryRereduce(t *testing.T) {
	db, store := newTestDatabase(t, &DatabaseOptions{ReduceBatchSize: 2})
	for i := 0; i < 5; i++ {
		putDoc(t, store, "", map[string]interface{}{"key": "k", "n": i})
	}
	var calls, rereduces int
	view, err := db.GetView("counter")
	require.NoError(t, err)
	_, err = view.SetMapReduce(func(doc map[string]interface{}) ([]KeyValue, error) {
		return []KeyValue{{Key: doc["key"], Value: doc["n"]}}, nil
	}, func(keys, values []interface{}, rereduce bool) (interface{}, error) {
		calls++
		if rereduce {
			rereduces++
			assert.Nil(t, keys)
		} else {
			assert.LessOrEqual(t, len(values), 2)
			assert.Len(t, keys, len(values))
		}
		return ReduceSum(keys, values, rereduce)
	}, "1")
	require.NoError(t, err)

	result, err := view.Query(nil)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, 10.0, result.Rows[0].Value)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 1, rereduces)
}

func TestQueryReduceFailure(t *testing.T) {
	db, store := newTestDatabase(t, nil)
	putNumberedDocs(t, store)
	view, err := db.GetView("aview")
	require.NoError(t, err)
	_, err = view.SetMapReduce(keyMapper, func(keys, values []interface{}, rereduce bool) (interface{}, error) {
		panic("oops")
	}, "1")
	require.NoError(t, err)
	_, err = view.Query(nil)
	assert.True(t, IsInternal(err))
}

func TestQueryStale(t *testing.T) {
	db, store := newTestDatabase(t, nil)
	putNumberedDocs(t, store)
	view := newKeyView(t, db)

	opts := DefaultQueryOptions()
	opts.Stale = StaleOK
	result, err := view.Query(opts)
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
	assert.Equal(t, uint64(0), view.LastSequence())

	opts.Stale = StaleUpdateAfter
	result, err = view.Query(opts)
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
	require.Eventually(t, func() bool {
		return view.LastSequence() == 5
	}, 5*time.Second, 10*time.Millisecond)

	opts.Stale = StaleOK
	result, err = view.Query(opts)
	require.NoError(t, err)
	assert.Len(t, result.Rows, 5)
}

func TestQueryBadRequests(t *testing.T) {
	db, store := newTestDatabase(t, nil)
	putNumberedDocs(t, store)
	view := newKeyView(t, db)
	reducing, err := db.GetView("reducing")
	require.NoError(t, err)
	_, err = reducing.SetMapReduce(keyMapper, ReduceCount, "1")
	require.NoError(t, err)

	bad := []struct {
		view *View
		opts QueryOptions
	}{
		{view, QueryOptions{Skip: -1}},
		{view, QueryOptions{Limit: -1}},
		{view, QueryOptions{GroupLevel: -2}},
		{view, QueryOptions{Reduce: ReduceTrue}},
		{view, QueryOptions{Group: true}},
		{view, QueryOptions{GroupLevel: 1}},
		{view, QueryOptions{StartKey: math.NaN()}},
		{view, QueryOptions{Keys: []interface{}{math.Inf(-1)}}},
		{reducing, QueryOptions{IncludeDocs: true}},
		{reducing, QueryOptions{Reduce: ReduceFalse, Group: true}},
	}
	for i, test := range bad {
		_, err := test.view.Query(&test.opts)
		assert.True(t, IsBadRequest(err), "case %d: %v", i, err)
	}

	opts := QueryOptions{Reduce: ReduceFalse, IncludeDocs: true}
	_, err = reducing.Query(&opts)
	assert.NoError(t, err)
}

func TestParseQueryParams(t *testing.T) {
	opts, err := ParseQueryParams(map[string]interface{}{
		"startkey":      json.RawMessage(`["a",1]`),
		"end_key":       "z",
		"inclusive_end": "false",
		"descending":    true,
		"skip":          "2",
		"limit":         float64(10),
		"group_level":   3,
		"reduce":        "true",
		"stale":         "update_after",
		"include_docs":  "false",
		"ignored":       "whatever",
	})
	require.NoError(t, err)
	assert.Equal(t, &QueryOptions{
		StartKey:   []interface{}{"a", float64(1)},
		EndKey:     "z",
		Descending: true,
		Skip:       2,
		Limit:      10,
		GroupLevel: 3,
		Reduce:     ReduceTrue,
		Stale:      StaleUpdateAfter,
	}, opts)

	opts, err = ParseQueryParams(map[string]interface{}{
		"startkey": "a",
		"key":      []byte(`{"x":true}`),
		"keys":     []interface{}{1, "two"},
		"stale":    "ok",
		"group":    "true",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"x": true}, opts.StartKey)
	assert.Equal(t, opts.StartKey, opts.EndKey)
	assert.Equal(t, []interface{}{float64(1), "two"}, opts.Keys)
	assert.Equal(t, StaleOK, opts.Stale)
	assert.True(t, opts.Group)
	assert.True(t, opts.InclusiveEnd)

	for _, params := range []map[string]interface{}{
		{"limit": "ten"},
		{"skip": 1.5},
		{"descending": "maybe"},
		{"stale": "later"},
		{"keys": json.RawMessage(`{"a":1}`)},
		{"startkey": json.RawMessage(`[unquoted]`)},
	} {
		_, err := ParseQueryParams(params)
		assert.True(t, IsBadRequest(err), "%v: %v", params, err)
	}
}

func TestQueryResultJSON(t *testing.T) {
	result := QueryResult{
		TotalRows: 1,
		Rows:      []QueryRow{{ID: "doc1", Key: "k", Value: nil}, {Key: []interface{}{"g"}, Value: 2.0}},
	}
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	assert.Equal(t,
		`{"total_rows":1,"offset":0,"rows":[{"id":"doc1","key":"k","value":null},{"key":["g"],"value":2}]}`,
		string(raw))
}
