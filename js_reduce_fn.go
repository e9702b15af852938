package touchview

import (
	"encoding/json"
)

// A compiled JavaScript 'reduce' function: function(keys, values, rereduce) {...}
type JSReduceFunction struct {
	*JSServer
}

type jsReduceTask struct {
	JSRunner
}

func newJsReduceTask(funcSource string) (JSServerTask, error) {
	reducer := &jsReduceTask{}
	if err := reducer.init(funcSource); err != nil {
		return nil, err
	}
	return reducer, nil
}

// Calls the function and converts its result to a normalized Go value.
func (reducer *jsReduceTask) Call(inputs ...interface{}) (interface{}, error) {
	result, err := reducer.call(inputs...)
	if err != nil {
		return nil, err
	}
	exported, err := result.Export()
	if err != nil {
		return nil, err
	}
	return normalizeValue(exported)
}

func NewJSReduceFunction(funcSource string) (*JSReduceFunction, error) {
	server, err := NewJSServer(funcSource, kMaxPooledTasks, newJsReduceTask)
	if err != nil {
		return nil, err
	}
	return &JSReduceFunction{JSServer: server}, nil
}

// Calls the reduce function. This is thread-safe.
func (reducer *JSReduceFunction) CallFunction(keys, values []interface{}, rereduce bool) (interface{}, error) {
	keysParam := JSONString("") // null
	if keys != nil {
		rawKeys, err := json.Marshal(keys)
		if err != nil {
			return nil, err
		}
		keysParam = JSONString(rawKeys)
	}
	rawValues, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return reducer.Call(keysParam, JSONString(rawValues), rereduce)
}

// Adapts the JS function to a ReduceFunc.
func (reducer *JSReduceFunction) ReduceFunc() ReduceFunc {
	return reducer.CallFunction
}
