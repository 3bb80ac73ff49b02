// Package sinks holds the batch sink adapters that ship with the flattener.
//
// Every adapter registers itself with core.RegisterSink from an init function,
// so importing the package for side effects is enough to make the names
// "memory", "jsonl", "sqlite", "postgres" and "parquet" available to
// core.OpenSink.
//
// Adapters are not safe for concurrent use. Runs that share one sink across
// several pipeline instances wrap it in core.NewSharedSink.
package sinks

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cast"

	"github.com/JonMunkholm/flattener/internal/core"
)

// columnsOf returns the union of the rows' columns in first-seen order.
func columnsOf(rows []*core.FlatRow) []string {
	return lo.Uniq(lo.FlatMap(rows, func(r *core.FlatRow, _ int) []string {
		return r.Columns()
	}))
}

// textValue renders a cell as text. Sequences and nested records become
// JSON. The boolean is false for null cells.
func textValue(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case *core.Record, []any, map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t), true
		}
		return string(b), true
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return fmt.Sprint(v), true
	}
	return s, true
}

// quoteIdent double-quotes a SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// missing returns the entries of want that are not in have.
func missing(have map[string]bool, want []string) []string {
	return lo.Filter(want, func(c string, _ int) bool { return !have[c] })
}
