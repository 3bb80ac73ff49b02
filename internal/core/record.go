package core

// record.go defines the two data shapes that flow through the pipeline:
//
//   - Record: one nested source document with key order preserved.
//   - FlatRow: one output row of a single table with scalar values only.
//
// Both are backed by an ordered map so that column order in every sink follows
// the order fields were first seen in the source.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Record is an ordered mapping from field name to value.
//
// Values are one of: nil, bool, string, json.Number (or any Go numeric type),
// *Record, map[string]any, or []any whose elements follow the same rules.
// A Record is treated as immutable once handed to the pipeline.
type Record struct {
	fields *orderedmap.OrderedMap[string, any]
}

// NewRecord returns an empty record.
func NewRecord() *Record {
	return &Record{fields: orderedmap.New[string, any]()}
}

// RecordOf builds a record from alternating key/value arguments.
// Keys that are not strings are formatted with fmt.Sprint.
//
//	rec := core.RecordOf("id", "X1", "tags", []any{"a", "b"})
func RecordOf(kv ...any) *Record {
	r := NewRecord()
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		r.Set(key, kv[i+1])
	}
	return r
}

// FromMap converts a plain map into a Record. Go maps carry no order, so keys
// are sorted to keep the result deterministic. Nested maps are converted too.
func FromMap(m map[string]any) *Record {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	r := NewRecord()
	for _, k := range keys {
		r.Set(k, normalizeMaps(m[k]))
	}
	return r
}

func normalizeMaps(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return FromMap(t)
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = normalizeMaps(el)
		}
		return out
	default:
		return v
	}
}

// Set stores a value, keeping the original position when the key already exists.
func (r *Record) Set(key string, v any) {
	r.fields.Set(key, v)
}

// Get returns the value stored under key.
func (r *Record) Get(key string) (any, bool) {
	if r == nil {
		return nil, false
	}
	return r.fields.Get(key)
}

// Len returns the number of top-level fields.
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return r.fields.Len()
}

// Keys returns the field names in insertion order.
func (r *Record) Keys() []string {
	keys := make([]string, 0, r.Len())
	r.Each(func(k string, _ any) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Each calls fn for every field in order until fn returns false.
func (r *Record) Each(fn func(key string, v any) bool) {
	if r == nil {
		return
	}
	for pair := r.fields.Oldest(); pair != nil; pair = pair.Next() {
		if !fn(pair.Key, pair.Value) {
			return
		}
	}
}

// first returns the iteration cursor used by the flattening work-list.
func (r *Record) first() *orderedmap.Pair[string, any] {
	if r == nil {
		return nil
	}
	return r.fields.Oldest()
}

// Canonical returns a plain-map copy of the record without the excluded keys.
// Marshalling the result with encoding/json yields sorted keys, which is the
// canonical form used for content hashing.
func (r *Record) Canonical(exclude map[string]bool) map[string]any {
	out := make(map[string]any, r.Len())
	r.Each(func(k string, v any) bool {
		if !exclude[k] {
			out[k] = canonicalValue(v)
		}
		return true
	})
	return out
}

func canonicalValue(v any) any {
	switch t := v.(type) {
	case *Record:
		return t.Canonical(nil)
	case map[string]any:
		return FromMap(t).Canonical(nil)
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = canonicalValue(el)
		}
		return out
	default:
		return v
	}
}

// MarshalJSON writes the record as a JSON object in field order.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	i := 0
	var err error
	r.Each(func(k string, v any) bool {
		if i > 0 {
			buf.WriteByte(',')
		}
		i++
		if err = writeJSONPair(&buf, k, v); err != nil {
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, preserving key order at every level.
func (r *Record) UnmarshalJSON(data []byte) error {
	rec, err := DecodeRecord(data)
	if err != nil {
		return err
	}
	r.fields = rec.fields
	return nil
}

// String renders the record as JSON, mainly for logs and test failures.
func (r *Record) String() string {
	b, err := r.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<record: %v>", err)
	}
	return string(b)
}

func writeJSONPair(buf *bytes.Buffer, k string, v any) error {
	key, err := json.Marshal(k)
	if err != nil {
		return err
	}
	val, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("field %q: %w", k, err)
	}
	buf.Write(key)
	buf.WriteByte(':')
	buf.Write(val)
	return nil
}

// ============================================================================
// FlatRow
// ============================================================================

// MetadataFields names the reserved columns added to every row.
type MetadataFields struct {
	ID        string // default "_id"
	ParentID  string // default "_parent_id"
	Timestamp string // default "_timestamp"
}

// DefaultMetadataFields returns the standard reserved column names.
func DefaultMetadataFields() MetadataFields {
	return MetadataFields{ID: "_id", ParentID: "_parent_id", Timestamp: "_timestamp"}
}

// Names returns the reserved names as a lookup set.
func (m MetadataFields) Names() map[string]bool {
	return map[string]bool{m.ID: true, m.ParentID: true, m.Timestamp: true}
}

// FlatRow is one row of one table. Metadata columns come first, followed by
// data columns in traversal order. Table membership never changes after the
// row is created.
type FlatRow struct {
	table    string
	id       string
	parentID string

	meta   int // number of leading metadata entries in values
	values *orderedmap.OrderedMap[string, any]
}

// newFlatRow creates a row. Child rows always carry the parent id column.
func newFlatRow(table string, meta MetadataFields, id, parentID, timestamp string, child bool) *FlatRow {
	row := &FlatRow{
		table:    table,
		id:       id,
		parentID: parentID,
		values:   orderedmap.New[string, any](),
	}
	row.values.Set(meta.ID, id)
	row.meta++
	if child {
		row.values.Set(meta.ParentID, parentID)
		row.meta++
	}
	if timestamp != "" {
		row.values.Set(meta.Timestamp, timestamp)
		row.meta++
	}
	return row
}

// Table returns the name of the table the row belongs to.
func (r *FlatRow) Table() string { return r.table }

// ID returns the row identifier.
func (r *FlatRow) ID() string { return r.id }

// ParentID returns the parent row identifier, or "" for root rows.
func (r *FlatRow) ParentID() string { return r.parentID }

// Get returns a column value, metadata included.
func (r *FlatRow) Get(name string) (any, bool) {
	return r.values.Get(name)
}

// DataLen returns the number of data columns (metadata excluded).
func (r *FlatRow) DataLen() int {
	return r.values.Len() - r.meta
}

// Len returns the number of columns including metadata.
func (r *FlatRow) Len() int {
	return r.values.Len()
}

// Columns returns all column names in order, metadata first.
func (r *FlatRow) Columns() []string {
	cols := make([]string, 0, r.values.Len())
	for pair := r.values.Oldest(); pair != nil; pair = pair.Next() {
		cols = append(cols, pair.Key)
	}
	return cols
}

// Each calls fn for every column in order, metadata first.
func (r *FlatRow) Each(fn func(name string, v any)) {
	for pair := r.values.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Key, pair.Value)
	}
}

// Map returns a plain-map copy of the row, metadata included.
func (r *FlatRow) Map() map[string]any {
	out := make(map[string]any, r.values.Len())
	r.Each(func(name string, v any) { out[name] = v })
	return out
}

// MarshalJSON writes the row as a JSON object in column order.
func (r *FlatRow) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	i := 0
	for pair := r.values.Oldest(); pair != nil; pair = pair.Next() {
		if i > 0 {
			buf.WriteByte(',')
		}
		i++
		if err := writeJSONPair(&buf, pair.Key, pair.Value); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *FlatRow) set(name string, v any) {
	r.values.Set(name, v)
}

// ============================================================================
// Value classification
// ============================================================================

type valueKind int

const (
	kindNull valueKind = iota
	kindScalar
	kindObject
	kindArray
	kindUnsupported
)

func classify(v any) valueKind {
	switch v.(type) {
	case nil:
		return kindNull
	case bool, string, json.Number, time.Time,
		float32, float64,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return kindScalar
	case *Record, map[string]any:
		return kindObject
	case []any:
		return kindArray
	default:
		return kindUnsupported
	}
}

// asRecord returns the object value as a *Record.
func asRecord(v any) *Record {
	switch t := v.(type) {
	case *Record:
		return t
	case map[string]any:
		return FromMap(t)
	default:
		return nil
	}
}
