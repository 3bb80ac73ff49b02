package core

// decode.go turns JSON text into Records without losing key order.
//
// encoding/json decodes objects into map[string]any, which drops the source
// field order. The decoder here walks the token stream instead and builds
// *Record values directly. Numbers are kept as json.Number so that identifiers
// and hashes see the exact source text.

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DecodeRecord parses a single JSON object.
func DecodeRecord(data []byte) (*Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	rec, ok := v.(*Record)
	if !ok {
		return nil, fmt.Errorf("%w: expected JSON object, got %s", ErrTypeMismatch, describe(v))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unexpected data after JSON object")
	}
	return rec, nil
}

// MaxDecodeDepth bounds the object and array nesting the decoder accepts.
// Deeper input fails with ErrDepthExceeded before the rest of it is read.
const MaxDecodeDepth = 10000

// decodeValue reads one complete JSON value from the decoder.
func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return decodeFromToken(dec, tok)
}

// openValue is an object or array whose closing delimiter was not read yet.
type openValue struct {
	rec *Record // nil for arrays
	arr []any
	key string // key of the value being read, objects only
}

// decodeFromToken finishes decoding a value whose first token was already
// read. Nesting is tracked on an explicit stack.
func decodeFromToken(dec *json.Decoder, tok json.Token) (any, error) {
	var stack []*openValue

	for {
		var (
			v    any
			done bool
		)
		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{', '[':
				if len(stack) >= MaxDecodeDepth {
					return nil, fmt.Errorf("%w: nesting deeper than %d", ErrDepthExceeded, MaxDecodeDepth)
				}
				open := &openValue{}
				if t == '{' {
					open.rec = NewRecord()
				} else {
					open.arr = make([]any, 0)
				}
				stack = append(stack, open)
			default: // '}' or ']'; the decoder guarantees they match
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if top.rec != nil {
					v = top.rec
				} else {
					v = top.arr
				}
				done = true
			}
		default:
			// string, json.Number, bool, nil
			v, done = t, true
		}

		if done {
			if len(stack) == 0 {
				return v, nil
			}
			if parent := stack[len(stack)-1]; parent.rec != nil {
				parent.rec.Set(parent.key, v)
			} else {
				parent.arr = append(parent.arr, v)
			}
		}

		top := stack[len(stack)-1]
		if top.rec != nil && dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, ok := kt.(string)
			if !ok {
				return nil, fmt.Errorf("expected object key, got %v", kt)
			}
			top.key = key
		}

		var err error
		if tok, err = dec.Token(); err != nil {
			if top.rec != nil && top.key != "" {
				return nil, fmt.Errorf("field %q: %w", top.key, err)
			}
			return nil, err
		}
	}
}

// describe names the JSON shape of a decoded value for error messages.
func describe(v any) string {
	switch classify(v) {
	case kindNull:
		return "null"
	case kindObject:
		return "object"
	case kindArray:
		return "array"
	case kindScalar:
		switch v.(type) {
		case string:
			return "string"
		case bool:
			return "boolean"
		default:
			return "number"
		}
	default:
		return fmt.Sprintf("%T", v)
	}
}
