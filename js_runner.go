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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robertkrimen/otto"
)

// Longest a single call of a design document function may run before it's interrupted.
// Zero means no limit.
var MaxJSCallTime = 10 * time.Second

// Returned when a JS function is interrupted for running longer than MaxJSCallTime.
var ErrJSTimeout = errors.New("JavaScript function timed out")

// A Go string that a JSRunner passes to the function as parsed JSON, not as a JS string.
type JSONString string

type NativeFunction func(otto.FunctionCall) otto.Value

// A JavaScript map or reduce function compiled into its own otto runtime.
// JSRunner is NOT thread-safe! JSServer pools them for concurrent use.
type JSRunner struct {
	js       *otto.Otto
	fn       otto.Value
	fnSource string
}

// Compiles a JSRunner. 'funcSource' should look like "function(x,y) { ... }"; an empty source
// gives a runner whose calls do nothing.
func NewJSRunner(funcSource string) (*JSRunner, error) {
	runner := &JSRunner{}
	if err := runner.init(funcSource); err != nil {
		return nil, err
	}
	return runner, nil
}

func (runner *JSRunner) init(funcSource string) error {
	runner.js = otto.New()
	runner.fn = otto.UndefinedValue()
	runner.fnSource = funcSource
	jsRuntimes.Inc()

	runner.DefineNativeFunction("log", func(call otto.FunctionCall) otto.Value {
		args := make([]string, len(call.ArgumentList))
		for i, arg := range call.ArgumentList {
			args[i], _ = arg.ToString()
		}
		logg("JS: %s", strings.Join(args, " "))
		return otto.UndefinedValue()
	})

	if funcSource == "" {
		return nil
	}
	fnobj, err := runner.js.Object("(" + funcSource + ")")
	if err != nil {
		return err
	}
	if fnobj.Class() != "Function" {
		return errors.New("JavaScript source does not evaluate to a function")
	}
	runner.fn = fnobj.Value()
	return nil
}

func (runner *JSRunner) Function() string {
	return runner.fnSource
}

// Defines a native helper function (such as "emit" for map functions) in the main namespace
// of the JS runtime. Only call this before calling the function.
func (runner *JSRunner) DefineNativeFunction(name string, function NativeFunction) {
	runner.js.Set(name, (func(otto.FunctionCall) otto.Value)(function))
}

func (runner *JSRunner) toValue(input interface{}) (otto.Value, error) {
	str, ok := input.(JSONString)
	if !ok {
		return runner.js.ToValue(input)
	}
	if str == "" {
		return otto.NullValue(), nil
	}
	return runner.js.Call("JSON.parse", nil, string(str))
}

// Invokes the function with Go inputs (JSONString inputs are parsed), returning its raw result.
// Returns ErrJSTimeout if the call is interrupted.
func (runner *JSRunner) call(inputs ...interface{}) (result otto.Value, err error) {
	if runner.fn.IsUndefined() {
		return otto.UndefinedValue(), nil
	}
	args := make([]interface{}, len(inputs))
	for i, input := range inputs {
		if args[i], err = runner.toValue(input); err != nil {
			return otto.UndefinedValue(), fmt.Errorf("couldn't convert %#v to JS: %w", input, err)
		}
	}

	if limit := MaxJSCallTime; limit > 0 {
		// A fresh channel per call, so a timer that fires late can't interrupt the next call.
		interrupt := make(chan func(), 1)
		runner.js.Interrupt = interrupt
		timer := time.AfterFunc(limit, func() {
			interrupt <- func() { panic(ErrJSTimeout) }
		})
		defer func() {
			timer.Stop()
			if caught := recover(); caught != nil {
				if caught != ErrJSTimeout {
					panic(caught)
				}
				jsTimeouts.Inc()
				result, err = otto.UndefinedValue(), ErrJSTimeout
			}
		}()
	}
	return runner.fn.Call(runner.fn, args...)
}
