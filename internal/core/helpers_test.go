package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

// ============================================================================
// Fixtures shared by the core tests
// ============================================================================

// recordingSink keeps copies of every batch it accepts.
type recordingSink struct {
	batches   []recordedBatch
	finalized int
	failOn    string // table name whose batch is rejected
	stopAfter int    // return ErrStop on this batch number (1-based); 0 disables
}

type recordedBatch struct {
	table   string
	rows    []map[string]any
	ids     []string
	drifted bool
}

func (s *recordingSink) AcceptBatch(_ context.Context, table string, rows []*FlatRow, drifted bool) error {
	if table == s.failOn {
		return errors.New("disk full")
	}
	if s.stopAfter > 0 && len(s.batches)+1 == s.stopAfter {
		return ErrStop
	}
	b := recordedBatch{table: table, drifted: drifted}
	for _, r := range rows {
		b.rows = append(b.rows, r.Map())
		b.ids = append(b.ids, r.ID())
	}
	s.batches = append(s.batches, b)
	return nil
}

func (s *recordingSink) Finalize(context.Context) error {
	s.finalized++
	return nil
}

// rows returns every row written to table, in order.
func (s *recordingSink) rows(table string) []map[string]any {
	var out []map[string]any
	for _, b := range s.batches {
		if b.table == table {
			out = append(out, b.rows...)
		}
	}
	return out
}

func (s *recordingSink) tables() []string {
	seen := map[string]bool{}
	var out []string
	for _, b := range s.batches {
		if !seen[b.table] {
			seen[b.table] = true
			out = append(out, b.table)
		}
	}
	return out
}

// failingSource returns the records, then err for every later call.
type failingSource struct {
	records []*Record
	err     error
	pos     int
}

func (s *failingSource) Next(context.Context) (*Record, error) {
	if s.pos < len(s.records) {
		s.pos++
		return s.records[s.pos-1], nil
	}
	return nil, s.err
}

func mustDecode(t *testing.T, js string) *Record {
	t.Helper()
	rec, err := DecodeRecord([]byte(js))
	if err != nil {
		t.Fatalf("DecodeRecord(%s): %v", js, err)
	}
	return rec
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ChunkSize = 10
	return cfg
}

// runRecords runs the pipeline over JSON documents and returns the sink.
func runRecords(t *testing.T, cfg Config, docs ...string) (*recordingSink, *Summary, error) {
	t.Helper()
	recs := make([]*Record, len(docs))
	for i, d := range docs {
		recs[i] = mustDecode(t, d)
	}
	sink := &recordingSink{}
	sum, err := Run(context.Background(), NewSliceSource(recs...), cfg, sink, WithLogger(quietLogger()))
	return sink, sum, err
}

func newTestEngine(cfg Config) (*Engine, *Recovery) {
	rec := NewRecovery(cfg.ErrorStrategy, cfg.RecoveryActions, cfg.RecoveryDefaults, quietLogger(), nil)
	return NewEngine(cfg, rec), rec
}

func rowsOf(rows []*FlatRow, table string) []*FlatRow {
	var out []*FlatRow
	for _, r := range rows {
		if r.Table() == table {
			out = append(out, r)
		}
	}
	return out
}

func stringsReader(s string) io.Reader {
	return strings.NewReader(s)
}

func columnsString(r *FlatRow) string {
	return strings.Join(r.Columns(), ",")
}

// checkParentLinks verifies that root rows carry no parent column and that
// every other row references an _id written to some other table.
func checkParentLinks(t *testing.T, sink *recordingSink, root string) {
	t.Helper()
	ids := map[string]map[any]bool{}
	for _, table := range sink.tables() {
		ids[table] = map[any]bool{}
		for _, r := range sink.rows(table) {
			ids[table][r["_id"]] = true
		}
	}

	for _, table := range sink.tables() {
		for i, r := range sink.rows(table) {
			parent, ok := r["_parent_id"]
			if table == root {
				if ok {
					t.Errorf("%s row %d has _parent_id %v", table, i, parent)
				}
				continue
			}
			if !ok {
				t.Errorf("%s row %d has no _parent_id: %v", table, i, r)
				continue
			}
			found := false
			for other, set := range ids {
				if other != table && set[parent] {
					found = true
				}
			}
			if !found {
				t.Errorf("%s row %d references unknown parent %v", table, i, parent)
			}
		}
	}
}
