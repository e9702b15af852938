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
	"encoding/binary"

	"github.com/cockroachdb/pebble"
)

// Key spaces of the index database. The first byte of every key is its kind.
const (
	kindCounter    = 'c' // 'c' -> last assigned view ID
	kindDocEntries = 'd' // 'd' viewID docID -> entry keys emitted by that doc
	kindEntry      = 'e' // 'e' viewID mode keyJSON docID seq emit# -> value JSON
	kindMeta       = 'm' // 'm' viewName -> viewMeta JSON
	kindUUID       = 'u' // 'u' -> database UUID
)

// indexComparer orders index entries by the view's collation of their keys, then doc ID,
// sequence and emit order. All other keys sort bytewise.
var indexComparer = &pebble.Comparer{
	Compare: compareIndexKeys,
	Equal: func(a, b []byte) bool {
		return compareIndexKeys(a, b) == 0
	},
	AbbreviatedKey: func(key []byte) uint64 {
		if len(key) == 0 {
			return 0
		}
		return uint64(key[0]) << 56
	},
	FormatKey: pebble.DefaultComparer.FormatKey,
	Separator: func(dst, a, b []byte) []byte {
		return append(dst, a...)
	},
	Successor: func(dst, a []byte) []byte {
		return append(dst, a...)
	},
	ImmediateSuccessor: func(dst, a []byte) []byte {
		return append(append(dst, a...), 0)
	},
	Split: func(a []byte) int {
		return len(a)
	},
	Name: "touchview.collation.v1",
}

func compareIndexKeys(a, b []byte) int {
	if len(a) == 0 || len(b) == 0 || a[0] != b[0] || a[0] != kindEntry {
		return bytes.Compare(a, b)
	}
	return compareEntryKeys(parseEntryKey(a), parseEntryKey(b))
}

// A decoded entry key. Bounds used for seeking are truncated entry keys; fields counts how many
// fields are present and tail holds whatever couldn't be decoded.
type entryKey struct {
	viewID uint64
	mode   Collation
	key    []byte
	docID  []byte
	seq    uint64
	emit   uint32
	fields int
	tail   []byte
}

const (
	fieldViewID = iota + 1
	fieldMode
	fieldKey
	fieldDocID
	fieldSeq
	fieldEmit
)

func parseEntryKey(raw []byte) (k entryKey) {
	rest := raw[1:]
	defer func() {
		k.tail = rest
	}()
	if len(rest) < 8 {
		return
	}
	k.viewID = binary.BigEndian.Uint64(rest)
	rest = rest[8:]
	k.fields = fieldViewID
	if len(rest) < 1 {
		return
	}
	k.mode = Collation(rest[0])
	rest = rest[1:]
	k.fields = fieldMode
	var ok bool
	if k.key, rest, ok = readLengthPrefixed(rest); !ok {
		return
	}
	k.fields = fieldKey
	if k.docID, rest, ok = readLengthPrefixed(rest); !ok {
		return
	}
	k.fields = fieldDocID
	if len(rest) < 8 {
		return
	}
	k.seq = binary.BigEndian.Uint64(rest)
	rest = rest[8:]
	k.fields = fieldSeq
	if len(rest) < 4 {
		return
	}
	k.emit = binary.BigEndian.Uint32(rest)
	rest = rest[4:]
	k.fields = fieldEmit
	return
}

func readLengthPrefixed(raw []byte) (field []byte, rest []byte, ok bool) {
	n, size := binary.Uvarint(raw)
	if size <= 0 || uint64(len(raw)-size) < n {
		return nil, raw, false
	}
	end := size + int(n)
	return raw[size:end], raw[end:], true
}

func compareEntryKeys(a, b entryKey) int {
	for field := fieldViewID; field <= fieldEmit; field++ {
		hasA, hasB := a.fields >= field, b.fields >= field
		if !hasA || !hasB {
			if hasA == hasB {
				return bytes.Compare(a.tail, b.tail)
			} else if hasA {
				return 1
			}
			return -1
		}
		var cmp int
		switch field {
		case fieldViewID:
			cmp = compareUint64(a.viewID, b.viewID)
		case fieldMode:
			cmp = compareInts(int(a.mode), int(b.mode))
		case fieldKey:
			cmp = CollatorFor(a.mode).CollateRaw(a.key, b.key)
		case fieldDocID:
			cmp = bytes.Compare(a.docID, b.docID)
		case fieldSeq:
			cmp = compareUint64(a.seq, b.seq)
		case fieldEmit:
			cmp = compareUint64(uint64(a.emit), uint64(b.emit))
		}
		if cmp != 0 {
			return cmp
		}
	}
	return bytes.Compare(a.tail, b.tail)
}

func compareUint64(a, b uint64) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

//////// KEY CONSTRUCTION:

func viewIDBytes(kind byte, viewID int64) []byte {
	key := make([]byte, 9, 32)
	key[0] = kind
	binary.BigEndian.PutUint64(key[1:], uint64(viewID))
	return key
}

// Lower bound of all entries of a view; viewEntriesPrefix(id+1) is the upper bound.
func viewEntriesPrefix(viewID int64) []byte {
	return viewIDBytes(kindEntry, viewID)
}

// Seek bound that sorts before every entry whose key collates equal to keyJSON.
func entryBound(viewID int64, mode Collation, keyJSON []byte) []byte {
	key := append(viewIDBytes(kindEntry, viewID), byte(mode))
	key = binary.AppendUvarint(key, uint64(len(keyJSON)))
	return append(key, keyJSON...)
}

func makeEntryKey(viewID int64, mode Collation, keyJSON []byte, docID string, seq uint64, emit uint32) []byte {
	key := entryBound(viewID, mode, keyJSON)
	key = binary.AppendUvarint(key, uint64(len(docID)))
	key = append(key, docID...)
	key = binary.BigEndian.AppendUint64(key, seq)
	return binary.BigEndian.AppendUint32(key, emit)
}

func docEntriesPrefix(viewID int64) []byte {
	return viewIDBytes(kindDocEntries, viewID)
}

func docEntriesKey(viewID int64, docID string) []byte {
	return append(docEntriesPrefix(viewID), docID...)
}

func metaKey(viewName string) []byte {
	return append([]byte{kindMeta}, viewName...)
}

var (
	counterKey = []byte{kindCounter}
	uuidKey    = []byte{kindUUID}
)

// The back-index value: a list of length-prefixed entry keys.
func appendEntryKeyList(list []byte, entryKey []byte) []byte {
	list = binary.AppendUvarint(list, uint64(len(entryKey)))
	return append(list, entryKey...)
}

func splitEntryKeyList(list []byte) (keys [][]byte) {
	for len(list) > 0 {
		key, rest, ok := readLengthPrefixed(list)
		if !ok {
			break
		}
		keys = append(keys, key)
		list = rest
	}
	return keys
}
