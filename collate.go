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
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Collation selects the ordering rule a view applies to its keys.
type Collation uint8

const (
	// CouchDB-compatible collation: null < false < true < numbers < strings < arrays < objects,
	// with strings compared case-insensitively first and lowercase before uppercase.
	CollationDefault Collation = iota
	// Numbers < false < null < true < arrays < objects < strings, strings compared bytewise.
	CollationRaw
)

func (c Collation) String() string {
	switch c {
	case CollationDefault:
		return "default"
	case CollationRaw:
		return "raw"
	}
	return fmt.Sprintf("Collation(%d)", uint8(c))
}

// ParseCollation maps "default"/"unicode"/"" and "raw" to a Collation.
func ParseCollation(name string) (Collation, error) {
	switch strings.ToLower(name) {
	case "", "default", "unicode", "json":
		return CollationDefault, nil
	case "raw":
		return CollationRaw, nil
	}
	return 0, fmt.Errorf("unknown collation %q", name)
}

// JSONCollator compares JSON values, either decoded (Collate) or as compact JSON text (CollateRaw).
// It is stateless apart from its mode and safe for concurrent use.
type JSONCollator struct {
	mode Collation
}

var (
	defaultCollator = &JSONCollator{mode: CollationDefault}
	rawCollator     = &JSONCollator{mode: CollationRaw}
)

// CollatorFor returns the shared collator for a mode.
func CollatorFor(mode Collation) *JSONCollator {
	if mode == CollationRaw {
		return rawCollator
	}
	return defaultCollator
}

func (c *JSONCollator) Mode() Collation {
	return c.mode
}

// CouchDB-compatible collation/comparison of JSON values.
// See: http://wiki.apache.org/couchdb/View_collation#Collation_Specification
// Both values must already be normalized (see normalizeValue).
func CollateJSON(key1, key2 interface{}) int {
	return defaultCollator.Collate(key1, key2)
}

// Collate compares two normalized values, returning -1, 0 or 1.
func (c *JSONCollator) Collate(key1, key2 interface{}) int {
	type1 := c.collationType(key1)
	type2 := c.collationType(key2)
	if type1 != type2 {
		return compareInts(type1, type2)
	}
	switch key1 := key1.(type) {
	case nil, bool:
		return 0
	case float64:
		return compareFloats(key1, key2.(float64))
	case string:
		return c.compareStrings(key1, key2.(string))
	case []interface{}:
		array2 := key2.([]interface{})
		for i, item1 := range key1 {
			if i >= len(array2) {
				return 1
			}
			if cmp := c.Collate(item1, array2[i]); cmp != 0 {
				return cmp
			}
		}
		return compareInts(len(key1), len(array2))
	case map[string]interface{}:
		return c.collateObjects(key1, key2.(map[string]interface{}))
	}
	panic(fmt.Sprintf("Collate doesn't understand %#v", key1))
}

// Objects are compared as lists of (key, value) pairs in sorted key order, which is also the
// order json.Marshal writes them in, so this agrees with CollateRaw.
func (c *JSONCollator) collateObjects(obj1, obj2 map[string]interface{}) int {
	keys1 := sortedKeys(obj1)
	keys2 := sortedKeys(obj2)
	for i, k1 := range keys1 {
		if i >= len(keys2) {
			return 1
		}
		if cmp := c.compareStrings(k1, keys2[i]); cmp != 0 {
			return cmp
		}
		if cmp := c.Collate(obj1[k1], obj2[keys2[i]]); cmp != 0 {
			return cmp
		}
	}
	return compareInts(len(keys1), len(keys2))
}

func sortedKeys(obj map[string]interface{}) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Type ranks, per mode.
var (
	defaultTypeRank = [...]int{typeNull: 0, typeFalse: 1, typeTrue: 2, typeNumber: 3, typeString: 4, typeArray: 5, typeObject: 6}
	rawTypeRank     = [...]int{typeNumber: 0, typeFalse: 1, typeNull: 2, typeTrue: 3, typeArray: 4, typeObject: 5, typeString: 6}
)

const (
	typeNull = iota
	typeFalse
	typeTrue
	typeNumber
	typeString
	typeArray
	typeObject
)

func (c *JSONCollator) rank(valueType int) int {
	if c.mode == CollationRaw {
		return rawTypeRank[valueType]
	}
	return defaultTypeRank[valueType]
}

func (c *JSONCollator) collationType(value interface{}) int {
	return c.rank(valueType(value))
}

func valueType(value interface{}) int {
	if value == nil {
		return typeNull
	}
	switch value := value.(type) {
	case bool:
		if !value {
			return typeFalse
		}
		return typeTrue
	case float64:
		return typeNumber
	case string:
		return typeString
	case []interface{}:
		return typeArray
	case map[string]interface{}:
		return typeObject
	}
	panic(fmt.Sprintf("collationType doesn't understand %+v", value))
}

func compareInts(a, b int) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

func compareFloats(n1, n2 float64) int {
	if n1 < n2 {
		return -1
	} else if n1 > n2 {
		return 1
	}
	return 0
}

func (c *JSONCollator) compareStrings(s1, s2 string) int {
	if c.mode == CollationRaw {
		return strings.Compare(s1, s2)
	}
	return compareStringsDefault(s1, s2)
}

//////// DEFAULT STRING COLLATION:

// Primary weights of ASCII characters. Letters share the weight of their lowercase form;
// case is only considered at the tertiary level.
var asciiPriority [128]uint32

func init() {
	const order = "\x00\x01\x02\x03\x04\x05\x06\x07\x08" +
		"\x0e\x0f\x10\x11\x12\x13\x14\x15\x16\x17\x18\x19\x1a\x1b\x1c\x1d\x1e\x1f\x7f" +
		"\t\n\v\f\r " +
		"_-,;:!?.'\"()[]{}@*/\\&#%`^+<=>|~$" +
		"0123456789" +
		"abcdefghijklmnopqrstuvwxyz"
	var assigned [128]bool
	weight := uint32(1)
	for i := 0; i < len(order); i++ {
		asciiPriority[order[i]] = weight
		assigned[order[i]] = true
		weight++
	}
	for ch := 'A'; ch <= 'Z'; ch++ {
		asciiPriority[ch] = asciiPriority[ch+('a'-'A')]
		assigned[ch] = true
	}
	for i := range assigned {
		if !assigned[i] {
			asciiPriority[i] = weight
			weight++
		}
	}
}

// Base weight for non-ASCII characters; keeps them after every ASCII character.
const nonASCIIWeight = 0x100

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func compareStringsDefault(s1, s2 string) int {
	if s1 == s2 {
		return 0
	}
	if isASCII(s1) && isASCII(s2) {
		return compareASCII(s1, s2)
	}
	return compareUnicode(s1, s2)
}

func compareASCII(s1, s2 string) int {
	n := len(s1)
	if len(s2) < n {
		n = len(s2)
	}
	for i := 0; i < n; i++ {
		if cmp := compareWeights(asciiPriority[s1[i]], asciiPriority[s2[i]]); cmp != 0 {
			return cmp
		}
	}
	if cmp := compareInts(len(s1), len(s2)); cmp != 0 {
		return cmp
	}
	// Same primary weights and length: lowercase sorts before uppercase at the first difference.
	for i := 0; i < n; i++ {
		if cmp := compareInts(asciiCase(s1[i]), asciiCase(s2[i])); cmp != 0 {
			return cmp
		}
	}
	return strings.Compare(s1, s2)
}

func asciiCase(ch byte) int {
	if ch >= 'A' && ch <= 'Z' {
		return 1
	}
	return 0
}

func compareWeights(w1, w2 uint32) int {
	if w1 < w2 {
		return -1
	} else if w1 > w2 {
		return 1
	}
	return 0
}

// A collation element: a base character plus the combining marks that follow it.
type collationElement struct {
	primary  uint32
	accents  string
	tertiary int
}

func collationElements(s string) []collationElement {
	decomposed := norm.NFD.String(s)
	elements := make([]collationElement, 0, len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) && len(elements) > 0 {
			elements[len(elements)-1].accents += string(r)
			continue
		}
		elem := collationElement{}
		if r < utf8.RuneSelf {
			elem.primary = asciiPriority[r]
			elem.tertiary = asciiCase(byte(r))
		} else {
			lower := unicode.ToLower(r)
			elem.primary = nonASCIIWeight + uint32(lower)
			if lower != r {
				elem.tertiary = 1
			}
		}
		elements = append(elements, elem)
	}
	return elements
}

func compareUnicode(s1, s2 string) int {
	e1 := collationElements(s1)
	e2 := collationElements(s2)
	n := len(e1)
	if len(e2) < n {
		n = len(e2)
	}
	for i := 0; i < n; i++ {
		if cmp := compareWeights(e1[i].primary, e2[i].primary); cmp != 0 {
			return cmp
		}
	}
	if cmp := compareInts(len(e1), len(e2)); cmp != 0 {
		return cmp
	}
	for i := 0; i < n; i++ {
		if cmp := strings.Compare(e1[i].accents, e2[i].accents); cmp != 0 {
			return cmp
		}
	}
	for i := 0; i < n; i++ {
		if cmp := compareInts(e1[i].tertiary, e2[i].tertiary); cmp != 0 {
			return cmp
		}
	}
	return strings.Compare(s1, s2)
}

//////// NORMALIZATION:

// Converts a Go value into the closed set of types the collator understands:
// nil, bool, float64, string, []interface{} and map[string]interface{}.
// Other types go through a JSON round trip. NaN and infinities are rejected.
func normalizeValue(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case nil, bool, string:
		return v, nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-finite number %v can't be collated", v)
		}
		return v, nil
	case float32:
		return normalizeValue(float64(v))
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, err
		}
		return normalizeValue(f)
	case []interface{}:
		result := make([]interface{}, len(v))
		for i, item := range v {
			var err error
			if result[i], err = normalizeValue(item); err != nil {
				return nil, err
			}
		}
		return result, nil
	case map[string]interface{}:
		result := make(map[string]interface{}, len(v))
		for key, item := range v {
			var err error
			if result[key], err = normalizeValue(item); err != nil {
				return nil, err
			}
		}
		return result, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("value %#v can't be collated: %w", value, err)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// Encodes a normalized value as compact JSON without HTML escaping.
func encodeJSON(value interface{}) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func decodeJSON(raw []byte) (interface{}, error) {
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}
