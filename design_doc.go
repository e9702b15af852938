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
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

type ViewDef struct {
	Map    string `json:"map"`
	Reduce string `json:"reduce,omitempty"`
}

type ViewMap map[string]ViewDef

type DesignDocOptions struct {
	LocalSeq      bool `json:"local_seq,omitempty"`
	IncludeDesign bool `json:"include_design,omitempty"`
	Raw           bool `json:"raw,omitempty"` // Use raw collation for keys
}

// A CouchDB-style design document, which stores map/reduce function definitions.
type DesignDoc struct {
	Language string            `json:"language,omitempty"`
	Views    ViewMap           `json:"views,omitempty"`
	Options  *DesignDocOptions `json:"options,omitempty"`
}

// Installs the views defined by a design document, compiling their JavaScript functions. Each
// view is named "docname/viewname". A reduce function may also name a built-in ("_count",
// "_sum", "_stats"). value may be a DesignDoc or anything that marshals to one.
func (db *Database) PutDesignDoc(docname string, value interface{}) error {
	source, err := json.Marshal(value)
	if err != nil {
		return err
	}
	var design DesignDoc
	if err := json.Unmarshal(source, &design); err != nil {
		return badRequest("invalid design doc %q: %v", docname, err)
	}
	if design.Language != "" && design.Language != "javascript" {
		return badRequest("design docs don't support language %q", design.Language)
	}
	collation := CollationDefault
	if design.Options != nil && design.Options.Raw {
		collation = CollationRaw
	}

	type compiledView struct {
		name     string
		mapFn    MapFunc
		reduceFn ReduceFunc
		version  string
	}
	compiled := make([]compiledView, 0, len(design.Views))
	for name, fns := range design.Views {
		mapFn, reduceFn, err := compileViewDef(fns)
		if err != nil {
			return badRequest("view %q of design doc %q: %v", name, docname, err)
		}
		compiled = append(compiled, compiledView{
			name:     docname + "/" + name,
			mapFn:    mapFn,
			reduceFn: reduceFn,
			version:  viewDefVersion(fns, collation),
		})
	}

	// Everything compiled, so now install:
	for _, c := range compiled {
		if _, err := db.installView(c.name, c.mapFn, c.reduceFn, c.version, collation); err != nil {
			return err
		}
	}
	return nil
}

// Defines a single view from JavaScript map and reduce sources.
func (db *Database) DefineView(name string, def ViewDef, collation Collation) (*View, error) {
	mapFn, reduceFn, err := compileViewDef(def)
	if err != nil {
		return nil, badRequest("view %q: %v", name, err)
	}
	return db.installView(name, mapFn, reduceFn, viewDefVersion(def, collation), collation)
}

func (db *Database) installView(name string, mapFn MapFunc, reduceFn ReduceFunc, version string, collation Collation) (*View, error) {
	view, err := db.GetView(name)
	if err != nil {
		return nil, err
	}
	if err := view.SetCollation(collation); err != nil {
		return nil, err
	}
	if _, err := view.SetMapReduce(mapFn, reduceFn, version); err != nil {
		return nil, err
	}
	return view, nil
}

// Returns the views installed by a design document.
func (db *Database) DesignDocViews(docname string) []*View {
	prefix := docname + "/"
	var views []*View
	for _, view := range db.AllViews() {
		if strings.HasPrefix(view.Name(), prefix) {
			views = append(views, view)
		}
	}
	return views
}

func compileViewDef(def ViewDef) (MapFunc, ReduceFunc, error) {
	if def.Map == "" {
		return nil, nil, fmt.Errorf("missing map function")
	}
	mapper, err := NewJSMapFunction(def.Map)
	if err != nil {
		return nil, nil, err
	}
	var reduceFn ReduceFunc
	if strings.HasPrefix(def.Reduce, "_") {
		reduceFn, err = BuiltinReduce(strings.TrimSpace(def.Reduce))
	} else if def.Reduce != "" {
		var reducer *JSReduceFunction
		if reducer, err = NewJSReduceFunction(def.Reduce); err == nil {
			reduceFn = reducer.ReduceFunc()
		}
	}
	if err != nil {
		return nil, nil, err
	}
	return mapper.MapFunc(), reduceFn, nil
}

// A version token fingerprinting a view's functions and collation.
func viewDefVersion(def ViewDef, collation Collation) string {
	digest := xxhash.New()
	digest.WriteString(def.Map)
	digest.WriteString("\x00")
	digest.WriteString(def.Reduce)
	digest.WriteString("\x00")
	digest.WriteString(collation.String())
	return fmt.Sprintf("%016x", digest.Sum64())
}
