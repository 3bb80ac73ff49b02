package sinks

import (
	"context"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/JonMunkholm/flattener/internal/core"
)

func init() {
	core.RegisterSink("memory", func(context.Context, core.SinkOptions) (core.BatchSink, error) {
		return NewMemorySink(), nil
	})
}

// MemorySink keeps every accepted row in memory, grouped by table in the
// order tables first appeared. It is meant for tests and dry runs.
type MemorySink struct {
	tables    *orderedmap.OrderedMap[string, []map[string]any]
	drifts    map[string]int
	finalized bool
}

// NewMemorySink returns an empty memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		tables: orderedmap.New[string, []map[string]any](),
		drifts: make(map[string]int),
	}
}

// AcceptBatch copies the rows. The pipeline reuses row storage between
// batches, so references are not kept.
func (s *MemorySink) AcceptBatch(_ context.Context, table string, rows []*core.FlatRow, drifted bool) error {
	existing, _ := s.tables.Get(table)
	for _, r := range rows {
		existing = append(existing, r.Map())
	}
	s.tables.Set(table, existing)
	if drifted {
		s.drifts[table]++
	}
	return nil
}

// Finalize marks the sink as complete.
func (s *MemorySink) Finalize(context.Context) error {
	s.finalized = true
	return nil
}

// Tables returns table names in first-seen order.
func (s *MemorySink) Tables() []string {
	names := make([]string, 0, s.tables.Len())
	for pair := s.tables.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Rows returns the rows written to table.
func (s *MemorySink) Rows(table string) []map[string]any {
	rows, _ := s.tables.Get(table)
	return rows
}

// Drifts returns how many batches for table were flagged as drifted.
func (s *MemorySink) Drifts(table string) int { return s.drifts[table] }

// Finalized reports whether Finalize has been called.
func (s *MemorySink) Finalized() bool { return s.finalized }
