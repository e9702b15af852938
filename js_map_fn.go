//  Copyright (c) 2012-2013 Couchbase, Inc.
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
	"fmt"

	"github.com/robertkrimen/otto"
)

// A compiled JavaScript 'map' function: function(doc, meta) {...}
type JSMapFunction struct {
	*JSServer
}

type jsMapTask struct {
	JSRunner
	output []KeyValue
}

// Compiles a JavaScript map function into a jsMapTask, whose emit() collects its output.
func newJsMapTask(funcSource string) (JSServerTask, error) {
	mapper := &jsMapTask{}
	if err := mapper.init(funcSource); err != nil {
		return nil, err
	}

	mapper.DefineNativeFunction("emit", func(call otto.FunctionCall) otto.Value {
		key, err1 := call.Argument(0).Export()
		value, err2 := call.Argument(1).Export()
		if err1 != nil || err2 != nil {
			panic(fmt.Sprintf("Unsupported key or value types: emit(%#v,%#v): %v %v", key, value, err1, err2))
		}
		mapper.output = append(mapper.output, KeyValue{Key: key, Value: value})
		return otto.UndefinedValue()
	})
	return mapper, nil
}

func (mapper *jsMapTask) Call(inputs ...interface{}) (interface{}, error) {
	mapper.output = []KeyValue{}
	_, err := mapper.call(inputs...)
	output := mapper.output
	mapper.output = nil
	return output, err
}

// Compiles a JavaScript map function. Syntax errors are reported here rather than on first call.
func NewJSMapFunction(funcSource string) (*JSMapFunction, error) {
	server, err := NewJSServer(funcSource, kMaxPooledTasks, newJsMapTask)
	if err != nil {
		return nil, err
	}
	return &JSMapFunction{JSServer: server}, nil
}

// The "meta" second parameter of a map function.
func makeMeta(docID, revID string) string {
	meta := map[string]interface{}{"id": docID, "rev": revID}
	rawMeta, _ := json.Marshal(meta)
	return string(rawMeta)
}

// Calls the map function on a document, given as JSON. This is thread-safe.
func (mapper *JSMapFunction) CallFunction(doc string, docID, revID string) ([]KeyValue, error) {
	result, err := mapper.Call(JSONString(doc), JSONString(makeMeta(docID, revID)))
	if err != nil {
		return nil, err
	}
	return result.([]KeyValue), nil
}

// Adapts the JS function to a MapFunc.
func (mapper *JSMapFunction) MapFunc() MapFunc {
	return func(doc map[string]interface{}) ([]KeyValue, error) {
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		docID, _ := doc["_id"].(string)
		revID, _ := doc["_rev"].(string)
		return mapper.CallFunction(string(raw), docID, revID)
	}
}
