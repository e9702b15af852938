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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/couchbaselabs/go.assert"
)

// Just verify that the calls to the emit() fn show up in the output.
func TestEmitFunction(t *testing.T) {
	mapper, err := NewJSMapFunction(`function(doc) {emit("key", "value"); emit("k2","v2")}`)
	assertNoError(t, err, "NewJSMapFunction failed")
	rows, err := mapper.CallFunction(`{}`, "doc1", "1-a")
	assertNoError(t, err, "CallFunction failed")
	assert.Equals(t, len(rows), 2)
	assert.DeepEquals(t, rows[0], KeyValue{Key: "key", Value: "value"})
	assert.DeepEquals(t, rows[1], KeyValue{Key: "k2", Value: "v2"})
}

func testMap(t *testing.T, mapFn string, doc string) []KeyValue {
	mapper, err := NewJSMapFunction(mapFn)
	assertNoError(t, err, "NewJSMapFunction failed")
	rows, err := mapper.CallFunction(doc, "doc1", "1-a")
	assertNoError(t, err, "CallFunction failed")
	for i, row := range rows {
		rows[i].Key = mustNormalize(t, row.Key)
		rows[i].Value = mustNormalize(t, row.Value)
	}
	return rows
}

// Now just make sure the input comes through intact
func TestInputParse(t *testing.T) {
	rows := testMap(t, `function(doc) {emit(doc.key, doc.value);}`,
		`{"key": "k", "value": "v"}`)
	assert.Equals(t, len(rows), 1)
	assert.DeepEquals(t, rows[0], KeyValue{Key: "k", Value: "v"})
}

// Test different types of keys/values:
func TestKeyTypes(t *testing.T) {
	rows := testMap(t, `function(doc) {emit(doc.key, doc.value);}`,
		`{"key": true, "value": false}`)
	assert.DeepEquals(t, rows[0], KeyValue{Key: true, Value: false})
	rows = testMap(t, `function(doc) {emit(doc.key, doc.value);}`,
		`{"key": null, "value": 0}`)
	assert.DeepEquals(t, rows[0], KeyValue{Key: nil, Value: float64(0)})
	rows = testMap(t, `function(doc) {emit(doc.key, doc.value);}`,
		`{"key": ["foo", 23, []], "value": [null]}`)
	assert.DeepEquals(t, rows[0],
		KeyValue{
			Key:   []interface{}{"foo", 23.0, []interface{}{}},
			Value: []interface{}{nil},
		})
	rows = testMap(t, `function(doc) {emit(doc.key, doc.value);}`,
		`{"key": {"a": 1.5}, "value": "x"}`)
	assert.DeepEquals(t, rows[0], KeyValue{Key: map[string]interface{}{"a": 1.5}, Value: "x"})
}

// Empty/no-op map fn
func TestEmptyJSMapFunction(t *testing.T) {
	rows := testMap(t, `function(doc) {}`, `{"key": "k", "value": "v"}`)
	assert.Equals(t, len(rows), 0)
}

// Test meta object
func TestMeta(t *testing.T) {
	rows := testMap(t,
		`function(doc,meta) {if (meta.id!="doc1" || meta.rev!="1-a") throw("bad meta"); emit(meta.id, null);}`,
		`{"key": "k", "value": "v"}`)
	assert.Equals(t, len(rows), 1)
	assert.DeepEquals(t, rows[0], KeyValue{Key: "doc1"})
}

func TestMapFunctionThrows(t *testing.T) {
	mapper, err := NewJSMapFunction(`function(doc) {emit(1, 1); throw("nope");}`)
	assertNoError(t, err, "NewJSMapFunction failed")
	_, err = mapper.CallFunction(`{}`, "doc1", "1-a")
	assertTrue(t, err != nil, "expected an exception")

	// The task is still usable, and doesn't remember the rows emitted before the exception:
	mapper, err = NewJSMapFunction(`function(doc) {if (doc.bad) throw("nope"); emit(doc.key, null);}`)
	assertNoError(t, err, "NewJSMapFunction failed")
	_, err = mapper.CallFunction(`{"bad": true, "key": 1}`, "doc1", "1-a")
	assertTrue(t, err != nil, "expected an exception")
	rows, err := mapper.CallFunction(`{"key": 2}`, "doc2", "1-a")
	assertNoError(t, err, "CallFunction failed")
	assert.Equals(t, len(rows), 1)
}

func TestMapFunctionSyntaxError(t *testing.T) {
	_, err := NewJSMapFunction(`function(doc) {emit(doc.key`)
	assertTrue(t, err != nil, "expected a syntax error")
	_, err = NewJSMapFunction(`"not a function"`)
	assertTrue(t, err != nil, "expected an error for a non-function")
}

// Test the MapFunc adapter, which is what views call
func TestJSMapFunc(t *testing.T) {
	mapper, err := NewJSMapFunction(`function(doc, meta) {emit([doc._id, meta.rev], doc.n * 2);}`)
	assertNoError(t, err, "NewJSMapFunction failed")
	rows, err := mapper.MapFunc()(map[string]interface{}{"_id": "doc7", "_rev": "3-c", "n": 21.0})
	assertNoError(t, err, "MapFunc failed")
	assert.Equals(t, len(rows), 1)
	assert.DeepEquals(t, mustNormalize(t, rows[0].Key), []interface{}{"doc7", "3-c"})
	assert.DeepEquals(t, mustNormalize(t, rows[0].Value), 42.0)
}

// Calls from many goroutines share the pooled runtimes.
func TestJSMapFunctionConcurrent(t *testing.T) {
	mapper, err := NewJSMapFunction(`function(doc, meta) {emit(meta.id, doc.n);}`)
	assertNoError(t, err, "NewJSMapFunction failed")
	var wg sync.WaitGroup
	failures := make(chan string, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rows, err := mapper.CallFunction(`{"n": 1}`, "doc", "1-a")
			if err != nil || len(rows) != 1 {
				failures <- "bad result"
			}
		}(i)
	}
	wg.Wait()
	close(failures)
	assert.Equals(t, len(failures), 0)
}

func TestJSFunctionTimeout(t *testing.T) {
	saved := MaxJSCallTime
	MaxJSCallTime = 50 * time.Millisecond
	defer func() { MaxJSCallTime = saved }()

	mapper, err := NewJSMapFunction(`function(doc) {if (doc.loop) {while (true) {}} emit(doc.key, null);}`)
	assertNoError(t, err, "NewJSMapFunction failed")
	_, err = mapper.CallFunction(`{"loop": true}`, "doc1", "1-a")
	assertTrue(t, errors.Is(err, ErrJSTimeout), "expected a timeout")

	rows, err := mapper.CallFunction(`{"key": "k"}`, "doc2", "1-a")
	assertNoError(t, err, "CallFunction after timeout failed")
	assert.Equals(t, len(rows), 1)
}

func TestJSReduceFunction(t *testing.T) {
	reducer, err := NewJSReduceFunction(`function(keys, values, rereduce) {
		var total = 0;
		for (var i = 0; i < values.length; i++) total += values[i];
		return rereduce ? -total : total;
	}`)
	assertNoError(t, err, "NewJSReduceFunction failed")
	result, err := reducer.CallFunction([]interface{}{"a", "b"}, []interface{}{1.0, 2.5}, false)
	assertNoError(t, err, "CallFunction failed")
	assert.Equals(t, result, 3.5)
	result, err = reducer.CallFunction(nil, []interface{}{1.0, 2.0}, true)
	assertNoError(t, err, "CallFunction failed")
	assert.Equals(t, result, -3.0)

	reducer, err = NewJSReduceFunction(`function(keys, values, rereduce) {return keys === null ? "none" : keys;}`)
	assertNoError(t, err, "NewJSReduceFunction failed")
	result, err = reducer.ReduceFunc()(nil, []interface{}{}, true)
	assertNoError(t, err, "ReduceFunc failed")
	assert.Equals(t, result, "none")
	result, err = reducer.ReduceFunc()([]interface{}{[]interface{}{"k", 1.0}}, []interface{}{nil}, false)
	assertNoError(t, err, "ReduceFunc failed")
	assert.DeepEquals(t, result, []interface{}{[]interface{}{"k", 1.0}})
}

//////// HELPERS:

func mustNormalize(t *testing.T, value interface{}) interface{} {
	normalized, err := normalizeValue(value)
	assertNoError(t, err, "normalizeValue failed")
	return normalized
}

func assertNoError(t *testing.T, err error, message string) {
	if err != nil {
		t.Fatalf("%s: %v", message, err)
	}
}

func assertTrue(t *testing.T, success bool, message string) {
	if !success {
		t.Fatalf("%s", message)
	}
}
