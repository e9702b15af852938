//  Copyright (c) 2012-2013 Couchbase, Inc.
//  Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
//  except in compliance with the License. You may obtain a copy of the License at
//    http://www.apache.org/licenses/LICENSE-2.0
//  Unless required by applicable law or agreed to in writing, software distributed under the
//  License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
//  either express or implied. See the License for the specific language governing permissions
//  and limitations under the License.

package touchview

import "errors"

// Max number of idle JS runtimes kept per function.
const kMaxPooledTasks = 16

// Thread-safe pool of JSServerTasks all running the same function. The updater maps documents on
// many goroutines at once, so each call borrows an idle task or compiles a new one.
type JSServer struct {
	fnSource string
	factory  JSServerTaskFactory
	tasks    chan JSServerTask
}

// A compiled function with its own runtime. Not thread-safe.
type JSServerTask interface {
	Call(inputs ...interface{}) (interface{}, error)
}

// Compiles a function into a new JSServerTask.
type JSServerTaskFactory func(fnSource string) (JSServerTask, error)

// Creates a JSServer, compiling the first task right away so that errors in the source are
// reported here rather than by the first call.
func NewJSServer(fnSource string, maxTasks int, factory JSServerTaskFactory) (*JSServer, error) {
	task, err := factory(fnSource)
	if err != nil {
		return nil, err
	}
	server := &JSServer{
		fnSource: fnSource,
		factory:  factory,
		tasks:    make(chan JSServerTask, maxTasks),
	}
	server.returnTask(task)
	return server, nil
}

func (server *JSServer) Function() string {
	return server.fnSource
}

func (server *JSServer) getTask() (JSServerTask, error) {
	select {
	case task := <-server.tasks:
		return task, nil
	default:
		return server.factory(server.fnSource)
	}
}

func (server *JSServer) returnTask(task JSServerTask) {
	select {
	case server.tasks <- task:
	default:
		// Drop it on the floor if the pool is already full
	}
}

// Calls the function on an idle task. This is thread-safe.
func (server *JSServer) Call(inputs ...interface{}) (interface{}, error) {
	task, err := server.getTask()
	if err != nil {
		return nil, err
	}
	result, err := task.Call(inputs...)
	// An interrupted runtime isn't reused.
	if !errors.Is(err, ErrJSTimeout) {
		server.returnTask(task)
	}
	return result, err
}
