package core

// extract.go is the hierarchy extractor: it applies the array policy to one
// array value found while flattening a row.
//
//	smart     arrays of scalars (nulls included) stay inline as a sequence;
//	          an array with any object or nested array is extracted
//	separate  every non-empty array is extracted
//	inline    the array stays in the row; objects and nested arrays are
//	          serialised to JSON strings inside the sequence
//	skip      the field is dropped
//
// Extracted elements become child records. Elements that are not objects are
// wrapped as {"value": element}. Child rows are produced in array order.

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ArrayMode is the array handling policy.
type ArrayMode string

const (
	ArraySmart    ArrayMode = "smart"
	ArraySeparate ArrayMode = "separate"
	ArrayInline   ArrayMode = "inline"
	ArraySkip     ArrayMode = "skip"
)

// WrappedValueField is the field name used when a non-object array element is
// extracted into a child row.
const WrappedValueField = "value"

// ParseArrayMode converts a configuration string to an ArrayMode.
func ParseArrayMode(s string) (ArrayMode, error) {
	switch m := ArrayMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ArraySmart, nil
	case ArraySmart, ArraySeparate, ArrayInline, ArraySkip:
		return m, nil
	default:
		return "", fmt.Errorf("unknown array mode %q (want smart, separate, inline or skip)", s)
	}
}

type arrayAction int

const (
	arrayDrop arrayAction = iota
	arrayInlineValue
	arrayExtract
)

// arrayPlan is the extractor's verdict for one array.
type arrayPlan struct {
	action arrayAction
	value  []any // inline sequence
	bad    any   // first unsupported element, if any
}

// planArray decides how arr is handled under mode.
func planArray(arr []any, mode ArrayMode, includeNulls bool) arrayPlan {
	if mode == ArraySkip {
		return arrayPlan{action: arrayDrop}
	}
	if len(arr) == 0 {
		if includeNulls && mode != ArraySeparate {
			return arrayPlan{action: arrayInlineValue, value: []any{}}
		}
		return arrayPlan{action: arrayDrop}
	}

	nested := false
	for _, el := range arr {
		switch classify(el) {
		case kindObject, kindArray:
			nested = true
		case kindUnsupported:
			return arrayPlan{bad: el}
		}
	}

	switch mode {
	case ArraySeparate:
		return arrayPlan{action: arrayExtract}
	case ArrayInline:
		seq, bad := inlineSequence(arr)
		if bad != nil {
			return arrayPlan{bad: bad}
		}
		return arrayPlan{action: arrayInlineValue, value: seq}
	default:
		if nested {
			return arrayPlan{action: arrayExtract}
		}
		seq := make([]any, len(arr))
		copy(seq, arr)
		return arrayPlan{action: arrayInlineValue, value: seq}
	}
}

// inlineSequence copies arr, replacing objects and nested arrays by their
// JSON text.
func inlineSequence(arr []any) ([]any, any) {
	out := make([]any, len(arr))
	for i, el := range arr {
		switch classify(el) {
		case kindObject, kindArray:
			b, err := json.Marshal(el)
			if err != nil {
				return nil, el
			}
			out[i] = string(b)
		default:
			out[i] = el
		}
	}
	return out, nil
}

// childRecord returns the record extracted for one array element.
func childRecord(el any) *Record {
	if classify(el) == kindObject {
		return asRecord(el)
	}
	return RecordOf(WrappedValueField, el)
}
