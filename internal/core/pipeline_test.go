package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
)

// ============================================================================
// Chunking
// ============================================================================

func TestPipelineFlushesPerChunk(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkSize = 2

	var docs []string
	for i := range 5 {
		docs = append(docs, fmt.Sprintf(`{"n": %d, "items": [{"k": %d}]}`, i, i))
	}
	sink, sum, err := runRecords(t, cfg, docs...)
	if err != nil {
		t.Fatal(err)
	}

	if sum.TotalRecords != 5 || sum.Chunks != 3 {
		t.Errorf("records=%d chunks=%d, want 5 and 3", sum.TotalRecords, sum.Chunks)
	}
	// 3 chunks, two tables each
	if len(sink.batches) != 6 {
		t.Fatalf("got %d batches, want 6", len(sink.batches))
	}
	wantSizes := []int{2, 2, 2, 2, 1, 1}
	for i, b := range sink.batches {
		if len(b.rows) != wantSizes[i] {
			t.Errorf("batch %d (%s) has %d rows, want %d", i, b.table, len(b.rows), wantSizes[i])
		}
	}
	if !reflect.DeepEqual(sink.tables(), []string{"main", "items"}) {
		t.Errorf("tables = %v", sink.tables())
	}
	if sum.RowsByTable["main"] != 5 || sum.RowsByTable["items"] != 5 {
		t.Errorf("RowsByTable = %v", sum.RowsByTable)
	}
	if sink.finalized != 1 {
		t.Errorf("Finalize called %d times, want 1", sink.finalized)
	}
	if !sum.Clean() || sum.Stopped {
		t.Errorf("summary = %+v, want clean and not stopped", sum)
	}
}

func TestPipelineBuffersAreReused(t *testing.T) {
	// rows handed to the sink must be complete before the buffers are reset
	cfg := testConfig()
	cfg.ChunkSize = 1
	sink, _, err := runRecords(t, cfg, `{"a": 1}`, `{"a": 2}`)
	if err != nil {
		t.Fatal(err)
	}
	rows := sink.rows("main")
	if len(rows) != 2 || rows[0]["a"] == rows[1]["a"] {
		t.Errorf("rows = %v", rows)
	}
}

func TestPipelineParentLinksAcrossTables(t *testing.T) {
	sink, _, err := runRecords(t, testConfig(),
		`{"id": 1, "orders": [{"no": 1, "lines": [{"q": 1}, {"q": 2}]}]}`,
		`{"id": 2, "orders": [{"no": 2, "lines": [{"q": 3}]}, {"no": 3}]}`,
	)
	if err != nil {
		t.Fatal(err)
	}

	ids := map[string]map[string]bool{}
	for _, table := range []string{"main", "orders", "orders_lines"} {
		ids[table] = map[string]bool{}
		for _, r := range sink.rows(table) {
			ids[table][r["_id"].(string)] = true
		}
	}
	check := func(child, parent string) {
		for _, r := range sink.rows(child) {
			pid, ok := r["_parent_id"].(string)
			if !ok || !ids[parent][pid] {
				t.Errorf("%s row %v has dangling parent", child, r)
			}
		}
	}
	check("orders", "main")
	check("orders_lines", "orders")

	if n := len(sink.rows("orders_lines")); n != 3 {
		t.Errorf("got %d lines, want 3", n)
	}
}

func TestPipelineChildRowsAlwaysReferenceParents(t *testing.T) {
	docs := []string{
		`{"sku": "", "region": "", "items": [{"a": 1}, {"a": 1}]}`,
		`{"sku": "S2", "region": "eu", "items": [{"a": 1, "parts": [{"p": 1}]}]}`,
	}
	perTable := map[string]IdentifierSpec{
		"items":       {Strategy: IDHash},
		"items_parts": {Strategy: IDRandom},
	}

	tests := []struct {
		name     string
		spec     IdentifierSpec
		strategy ErrorStrategy
		action   Decision
		defaults map[FailureKind]any
		wantRoot int
		wantErrs int
	}{
		{"natural, empty id accepted", IdentifierSpec{Strategy: IDNatural, Field: "sku"}, StrategyPartialRecovery, DecisionAccept, nil, 2, 1},
		{"natural, empty id skips record", IdentifierSpec{Strategy: IDNatural, Field: "sku"}, StrategySkipAndLog, "", nil, 1, 1},
		{"composite, empty key gets default", IdentifierSpec{Strategy: IDComposite, Fields: []string{"region"}}, StrategyPartialRecovery, DecisionUseDefault,
			map[FailureKind]any{KindMissingField: "unknown"}, 2, 1},
		{"composite, hashed", IdentifierSpec{Strategy: IDComposite, Fields: []string{"sku", "region"}, Hash: true}, StrategyStrict, "", nil, 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.IDs = NewIDResolver(tt.spec, perTable)
			cfg.ErrorStrategy = tt.strategy
			if tt.action != "" {
				cfg.RecoveryActions = map[FailureKind]Decision{KindMissingField: tt.action}
			}
			cfg.RecoveryDefaults = tt.defaults

			sink, sum, err := runRecords(t, cfg, docs...)
			if err != nil {
				t.Fatal(err)
			}
			if n := len(sink.rows("main")); n != tt.wantRoot {
				t.Errorf("got %d root rows, want %d", n, tt.wantRoot)
			}
			if sum.ErrorCount != tt.wantErrs {
				t.Errorf("ErrorCount = %d, want %d", sum.ErrorCount, tt.wantErrs)
			}
			checkParentLinks(t, sink, "main")

			seen := map[any]bool{}
			for _, r := range sink.rows("items") {
				if seen[r["_id"]] {
					t.Errorf("duplicate items id %v", r["_id"])
				}
				seen[r["_id"]] = true
			}
		})
	}
}

func TestPipelineEmptyNaturalIDAbortsStrictRun(t *testing.T) {
	cfg := testConfig()
	cfg.IDs = NewIDResolver(IdentifierSpec{Strategy: IDNatural, Field: "sku"}, nil)

	sink, _, err := runRecords(t, cfg, `{"sku": "", "items": [{"a": 1}]}`)
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("err = %v, want ErrMissingField", err)
	}
	if len(sink.batches) != 0 {
		t.Errorf("got %d batches, want none", len(sink.batches))
	}
}

func TestPipelineKeyNamedLikeRootTable(t *testing.T) {
	cfg := testConfig()
	cfg.IDs = NewIDResolver(IdentifierSpec{Strategy: IDRandom}, map[string]IdentifierSpec{
		"main_main": {Strategy: IDNatural, Field: "a"},
	})

	sink, _, err := runRecords(t, cfg,
		`{"id": "X1", "main": [{"a": 1}, {"a": 2}]}`,
		`{"id": "X2", "main": [{"a": 3, "main": [{"b": true}]}]}`,
	)
	if err != nil {
		t.Fatal(err)
	}

	if got := sink.tables(); !reflect.DeepEqual(got, []string{"main", "main_main", "main_main_main"}) {
		t.Fatalf("tables = %v", got)
	}
	if n := len(sink.rows("main")); n != 2 {
		t.Errorf("main has %d rows, want only the 2 root rows", n)
	}
	children := sink.rows("main_main")
	if len(children) != 3 {
		t.Fatalf("main_main has %d rows, want 3", len(children))
	}
	for i, want := range []string{"1", "2", "3"} {
		if id := fmt.Sprint(children[i]["_id"]); id != want {
			t.Errorf("child %d _id = %s, want %s from the per-table spec", i, id, want)
		}
	}
	checkParentLinks(t, sink, "main")
}

// ============================================================================
// Drift
// ============================================================================

func TestPipelineFlagsSchemaDrift(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkSize = 1
	sink, _, err := runRecords(t, cfg,
		`{"a": 1}`,
		`{"a": 2}`,
		`{"a": 3, "b": 1}`,
		`{"b": 2}`,
	)
	if err != nil {
		t.Fatal(err)
	}
	want := []bool{false, false, true, true}
	for i, b := range sink.batches {
		if b.drifted != want[i] {
			t.Errorf("batch %d drifted = %v, want %v", i, b.drifted, want[i])
		}
	}
}

func TestDriftTracker(t *testing.T) {
	d := newDriftTracker()
	row := func(cols ...string) *FlatRow {
		r := newFlatRow("t", DefaultMetadataFields(), "id", "", "", false)
		for _, c := range cols {
			r.set(c, 1)
		}
		return r
	}

	if added := d.observe("t", []*FlatRow{row("a"), row("b")}); added != nil {
		t.Errorf("first batch drifted: %v", added)
	}
	if added := d.observe("t", []*FlatRow{row("b")}); len(added) != 0 {
		t.Errorf("subset drifted: %v", added)
	}
	if added := d.observe("t", []*FlatRow{row("a", "c")}); !reflect.DeepEqual(added, []string{"c"}) {
		t.Errorf("added = %v, want [c]", added)
	}
	if added := d.observe("u", []*FlatRow{row("z")}); added != nil {
		t.Errorf("first batch of another table drifted: %v", added)
	}
}

// ============================================================================
// Failure handling
// ============================================================================

func TestPipelineSkipAndLogIsAtomic(t *testing.T) {
	cfg := testConfig()
	cfg.ErrorStrategy = StrategySkipAndLog
	cfg.MaxDepth = 3

	sink, sum, err := runRecords(t, cfg,
		`{"n": 1, "items": [{"k": 1}]}`,
		// fails inside the second child, after the root and first child rows were staged
		`{"n": 2, "items": [{"k": 2}, {"deep": {"a": {"b": {"c": 1}}}}]}`,
		`{"n": 3, "items": [{"k": 3}]}`,
	)
	if err != nil {
		t.Fatal(err)
	}

	main := sink.rows("main")
	items := sink.rows("items")
	if len(main) != 2 || len(items) != 2 {
		t.Fatalf("got %d main and %d items rows, want 2 and 2", len(main), len(items))
	}
	for _, r := range main {
		if r["n"] == json.Number("2") {
			t.Error("row from the discarded record was emitted")
		}
	}
	if sum.ErrorCount != 1 || sum.RecordsSkipped != 1 || sum.TotalRecords != 3 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Errors[0].Kind != KindDepthExceeded || sum.Errors[0].RecordIndex != 1 {
		t.Errorf("error entry = %+v", sum.Errors[0])
	}
	if sum.Errors[0].RecordID == "" {
		t.Error("error entry should carry the root record id")
	}
}

func TestPipelineStrictAbortKeepsCompletedChunks(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkSize = 2
	cfg.IDs = NewIDResolver(IdentifierSpec{Strategy: IDNatural, Field: "id"}, nil)

	sink, sum, err := runRecords(t, cfg,
		`{"id": "a"}`, `{"id": "b"}`, // chunk 1, flushed
		`{"id": "c"}`, `{"x": "no id"}`, // chunk 2, aborted
		`{"id": "e"}`,
	)
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("err = %v, want missing field", err)
	}
	if got := len(sink.rows("main")); got != 2 {
		t.Errorf("got %d rows, want 2 from the completed chunk", got)
	}
	if sink.finalized != 0 {
		t.Error("Finalize must not be called after an abort")
	}
	if sum == nil || sum.TotalRecords != 4 || sum.ErrorCount != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestPipelineSinkRejectionAbortsInEveryMode(t *testing.T) {
	for _, strategy := range []ErrorStrategy{StrategyStrict, StrategySkipAndLog, StrategyPartialRecovery} {
		t.Run(string(strategy), func(t *testing.T) {
			cfg := testConfig()
			cfg.ErrorStrategy = strategy
			sink := &recordingSink{failOn: "main"}

			_, err := Run(context.Background(), NewSliceSource(RecordOf("a", 1)), cfg, sink, WithLogger(quietLogger()))
			if !errors.Is(err, ErrSinkRejected) {
				t.Fatalf("err = %v, want sink rejection", err)
			}
			if AsFailure(err).Path != "main" {
				t.Errorf("failure path = %q, want main", AsFailure(err).Path)
			}
		})
	}
}

func TestPipelineInterruptedChunkKeepsParentsFirst(t *testing.T) {
	// The first record has no children, so table order in the chunk is
	// main, orders, orders_lines.
	docs := []string{
		`{"id": 1}`,
		`{"id": 2, "orders": [{"no": 1, "lines": [{"q": 1}]}]}`,
	}
	tests := []struct {
		name       string
		sink       *recordingSink
		wantTables []string
		wantErr    bool
	}{
		{
			name:       "stop on second table",
			sink:       &recordingSink{stopAfter: 2},
			wantTables: []string{"main"},
		},
		{
			name:       "rejection on third table",
			sink:       &recordingSink{failOn: "orders_lines"},
			wantTables: []string{"main", "orders"},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs := make([]*Record, len(docs))
			for i, d := range docs {
				recs[i] = mustDecode(t, d)
			}
			_, err := Run(context.Background(), NewSliceSource(recs...), testConfig(), tt.sink, WithLogger(quietLogger()))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := tt.sink.tables(); !reflect.DeepEqual(got, tt.wantTables) {
				t.Errorf("delivered tables = %v, want %v", got, tt.wantTables)
			}
			checkParentLinks(t, tt.sink, "main")
		})
	}
}

func TestPipelineReadFailures(t *testing.T) {
	t.Run("recoverable failure is counted and skipped", func(t *testing.T) {
		cfg := testConfig()
		cfg.ErrorStrategy = StrategySkipAndLog
		src := NewNDJSONSource(stringsReader("{\"a\":1}\nnot json\n{\"a\":3}\n"), 0)
		sink := &recordingSink{}

		sum, err := Run(context.Background(), src, cfg, sink, WithLogger(quietLogger()))
		if err != nil {
			t.Fatal(err)
		}
		if sum.TotalRecords != 3 || sum.RecordsSkipped != 1 || sum.ErrorCount != 1 {
			t.Errorf("summary = %+v", sum)
		}
		if sum.Errors[0].Kind != KindReadFailure || sum.Errors[0].RecordIndex != 1 {
			t.Errorf("entry = %+v", sum.Errors[0])
		}
		if len(sink.rows("main")) != 2 {
			t.Errorf("got %d rows, want 2", len(sink.rows("main")))
		}
	})

	t.Run("terminal failure ends input and flushes", func(t *testing.T) {
		cfg := testConfig()
		cfg.ErrorStrategy = StrategySkipAndLog
		src := &failingSource{
			records: []*Record{RecordOf("a", 1)},
			err:     &Failure{Kind: KindReadFailure, Terminal: true, Err: errors.New("connection lost")},
		}
		sink := &recordingSink{}

		sum, err := Run(context.Background(), src, cfg, sink, WithLogger(quietLogger()))
		if err != nil {
			t.Fatal(err)
		}
		if len(sink.rows("main")) != 1 || sink.finalized != 1 {
			t.Errorf("rows=%d finalized=%d", len(sink.rows("main")), sink.finalized)
		}
		if sum.TotalRecords != 2 || sum.ErrorCount != 1 {
			t.Errorf("summary = %+v", sum)
		}
	})

	t.Run("strict aborts on read failure", func(t *testing.T) {
		src := &failingSource{err: errors.New("truncated")}
		_, err := Run(context.Background(), src, testConfig(), &recordingSink{}, WithLogger(quietLogger()))
		if !errors.Is(err, ErrReadFailure) {
			t.Errorf("err = %v, want read failure", err)
		}
	})
}

// ============================================================================
// Cooperative stop
// ============================================================================

func TestPipelineSourceStop(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkSize = 2
	src := &failingSource{
		records: []*Record{RecordOf("a", 1), RecordOf("a", 2), RecordOf("a", 3)},
		err:     ErrStop,
	}
	sink := &recordingSink{}

	sum, err := Run(context.Background(), src, cfg, sink, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Stopped {
		t.Error("summary should report a stop")
	}
	// first chunk flushed, record 3 was in the discarded partial chunk
	if got := len(sink.rows("main")); got != 2 {
		t.Errorf("got %d rows, want 2", got)
	}
	if sink.finalized != 1 {
		t.Errorf("Finalize called %d times, want 1", sink.finalized)
	}
}

func TestPipelineSinkStop(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkSize = 1
	sink := &recordingSink{stopAfter: 2}

	sum, err := Run(context.Background(),
		NewSliceSource(RecordOf("a", 1), RecordOf("a", 2), RecordOf("a", 3)),
		cfg, sink, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Stopped || sum.TotalRecords != 2 {
		t.Errorf("summary = %+v, want stopped after 2 records", sum)
	}
	if len(sink.batches) != 1 {
		t.Errorf("got %d batches, want 1", len(sink.batches))
	}
}

func TestPipelineContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := &recordingSink{}

	sum, err := Run(ctx, NewSliceSource(RecordOf("a", 1)), testConfig(), sink, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Stopped || len(sink.batches) != 0 {
		t.Errorf("summary = %+v, batches = %d", sum, len(sink.batches))
	}
	if sink.finalized != 1 {
		t.Error("a cancelled run still finalizes the sink")
	}
}

// ============================================================================
// Determinism and options
// ============================================================================

func TestPipelineHashIDsAreIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.IDs = NewIDResolver(IdentifierSpec{Strategy: IDHash}, map[string]IdentifierSpec{
		"orders": {Strategy: IDComposite, Fields: []string{"sku"}, Hash: true},
	})
	docs := []string{
		`{"id": 1, "orders": [{"sku": "a", "lines": [{"q": 1}, {"q": 1}]}]}`,
		`{"id": 2, "orders": [{"sku": "b"}]}`,
	}

	first, _, err := runRecords(t, cfg, docs...)
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := runRecords(t, cfg, docs...)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(first.batches, second.batches) {
		t.Error("re-running on identical input produced different rows")
	}
	lines := first.rows("orders_lines")
	if lines[0]["_id"] == lines[1]["_id"] {
		t.Error("identical siblings should get distinct hash ids")
	}
}

func TestPipelineTimestampAndProgress(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkSize = 1
	cfg.AddTimestamp = true
	fixed := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

	var updates []Progress
	sink := &recordingSink{}
	_, err := Run(context.Background(),
		NewSliceSource(RecordOf("a", 1), RecordOf("a", 2)),
		cfg, sink,
		WithLogger(quietLogger()),
		WithClock(func() time.Time { return fixed }),
		WithProgress(func(p Progress) { updates = append(updates, p) }),
	)
	if err != nil {
		t.Fatal(err)
	}

	for _, r := range sink.rows("main") {
		if r["_timestamp"] != "2024-05-06T07:08:09Z" {
			t.Errorf("_timestamp = %v", r["_timestamp"])
		}
	}
	if len(updates) != 2 || updates[1].Records != 2 || updates[1].Rows != 2 || updates[1].Chunks != 2 {
		t.Errorf("progress = %+v", updates)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkSize = 0
	if _, err := New(cfg, &recordingSink{}); err == nil {
		t.Error("expected validation error")
	}
	if _, err := New(testConfig(), nil); err == nil {
		t.Error("expected error for nil sink")
	}
}

func TestMultiSink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	_, err := Run(context.Background(), NewSliceSource(RecordOf("x", 1)), testConfig(), MultiSink{a, b}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if len(a.rows("main")) != 1 || len(b.rows("main")) != 1 || a.finalized != 1 || b.finalized != 1 {
		t.Error("every sink should receive the batch and be finalized")
	}
}

func TestSharedSinkViewDoesNotFinalize(t *testing.T) {
	inner := &recordingSink{}
	shared := NewSharedSink(inner)
	_, err := Run(context.Background(), NewSliceSource(RecordOf("x", 1)), testConfig(), shared.View(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if inner.finalized != 0 {
		t.Error("view finalized the shared sink")
	}
	if err := shared.Finalize(context.Background()); err != nil || inner.finalized != 1 {
		t.Errorf("Finalize: %v, finalized=%d", err, inner.finalized)
	}
}
