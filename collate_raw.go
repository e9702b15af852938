// Copyright 2023-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

package touchview

import (
	"bytes"
	"fmt"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"
)

type token int8

// JSON input tokens. Structural tokens sort below every value token, in this order, so that a
// shorter array or object sorts before a longer one with the same prefix.
const (
	kEndArray = token(iota)
	kEndObject
	kComma
	kColon
	kNull
	kFalse
	kTrue
	kNumber
	kString
	kArray
	kObject
	kInvalid
)

// Value tokens ordered as in CollationRaw.
var rawTokenOrder = [...]int{
	kNumber: 0,
	kFalse:  1,
	kNull:   2,
	kTrue:   3,
	kArray:  4,
	kObject: 5,
	kString: 6,
}

// Token starting with each possible byte.
var byteTokens [256]token

func init() {
	for i := range byteTokens {
		byteTokens[i] = kInvalid
	}
	for _, c := range []byte("-0123456789") {
		byteTokens[c] = kNumber
	}
	byteTokens['n'] = kNull
	byteTokens['f'] = kFalse
	byteTokens['t'] = kTrue
	byteTokens['"'] = kString
	byteTokens['['] = kArray
	byteTokens['{'] = kObject
	byteTokens[']'] = kEndArray
	byteTokens['}'] = kEndObject
	byteTokens[','] = kComma
	byteTokens[':'] = kColon
}

// Bytes taken by a token that's skipped rather than read.
func (tok token) width() int {
	switch tok {
	case kNull, kTrue:
		return 4
	case kFalse:
		return 5
	default:
		return 1
	}
}

// Change in nesting depth after a token.
func (tok token) nesting() int {
	switch tok {
	case kArray, kObject:
		return 1
	case kEndArray, kEndObject:
		return -1
	default:
		return 0
	}
}

func (c *JSONCollator) compareTokens(a, b token) int {
	if c.mode == CollationRaw && a >= kNull && b >= kNull {
		return compareInts(rawTokenOrder[a], rawTokenOrder[b])
	}
	return compareInts(int(a), int(b))
}

// Collates raw JSON data without unmarshaling it, using the collator's mode.
// THE INPUTS MUST BE VALID JSON, WITH NO WHITESPACE!
// Invalid input will result in a panic, or perhaps just bogus output.
func (c *JSONCollator) CollateRaw(key1, key2 []byte) int {
	s1, s2 := jsonScanner{key1}, jsonScanner{key2}
	depth := 0
	for {
		tok1, tok2 := s1.peek(), s2.peek()
		if tok1 != tok2 {
			return c.compareTokens(tok1, tok2)
		}
		switch tok1 {
		case kNumber:
			if diff := compareFloats(s1.readNumber(), s2.readNumber()); diff != 0 {
				return diff
			}
		case kString:
			if diff := c.compareStrings(s1.readString(), s2.readString()); diff != 0 {
				return diff
			}
		default:
			s1.skip(tok1.width())
			s2.skip(tok1.width())
			depth += tok1.nesting()
		}
		if depth == 0 {
			return 0
		}
	}
}

// Reads tokens from the front of compact JSON text.
type jsonScanner struct {
	input []byte
}

func (s *jsonScanner) peek() token {
	tok := byteTokens[s.input[0]]
	if tok == kInvalid {
		panic(fmt.Sprintf("Unexpected character '%c' parsing JSON", s.input[0]))
	}
	return tok
}

func (s *jsonScanner) skip(n int) {
	s.input = s.input[n:]
}

// Reads a number, which ends at a delimiter or at the end of input.
func (s *jsonScanner) readNumber() float64 {
	end := bytes.IndexAny(s.input, ",]}")
	if end < 0 {
		end = len(s.input)
	}
	result, _ := strconv.ParseFloat(string(s.input[:end]), 64)
	s.skip(end)
	return result
}

// Reads a string, starting at its opening quote.
func (s *jsonScanner) readString() string {
	i := 1
	escapes := 0
	for ; s.input[i] != '"'; i++ {
		if s.input[i] == '\\' {
			escapes++
			i++
			if s.input[i] == 'u' {
				i += 4
			}
		}
	}
	body := s.input[1:i]
	s.skip(i + 1)
	if escapes == 0 {
		return string(body)
	}
	return unescapeJSON(body, i-escapes)
}

// Decodes the escape sequences in the body of a JSON string.
func unescapeJSON(body []byte, sizeHint int) string {
	decoded := make([]byte, 0, sizeHint)
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' {
			decoded = append(decoded, c)
			continue
		}
		i++
		switch c = body[i]; c {
		case 'u':
			// A UTF-16 surrogate pair is two consecutive escapes:
			r := readHex4(body[i+1 : i+5])
			i += 4
			if utf16.IsSurrogate(r) && i+6 < len(body) && body[i+1] == '\\' && body[i+2] == 'u' {
				if pair := utf16.DecodeRune(r, readHex4(body[i+3:i+7])); pair != utf8.RuneError {
					r = pair
					i += 6
				}
			}
			decoded = utf8.AppendRune(decoded, r)
		case 'b':
			decoded = append(decoded, '\b')
		case 'f':
			decoded = append(decoded, '\f')
		case 'n':
			decoded = append(decoded, '\n')
		case 'r':
			decoded = append(decoded, '\r')
		case 't':
			decoded = append(decoded, '\t')
		default:
			decoded = append(decoded, c)
		}
	}
	return string(decoded)
}

func readHex4(hex []byte) rune {
	r, _ := strconv.ParseUint(string(hex), 16, 32)
	return rune(r)
}
