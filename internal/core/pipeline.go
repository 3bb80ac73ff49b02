package core

// pipeline.go is the streaming pipeline.
//
// One pipeline run pulls records from a source, flattens each one, and
// buffers the rows per table. After every ChunkSize records the buffers are
// handed to the sink, one AcceptBatch call per table in first-seen order,
// and then cleared for reuse. Peak memory is bounded by one chunk.
//
// Termination:
//   - end of input: the partial chunk is flushed, then Finalize is called
//   - ErrStop from the source or sink, or context cancellation: the partial
//     chunk is discarded, Finalize is called, and Summary.Stopped is set
//   - abort (strict mode or a rejected batch): the failure is returned and
//     Finalize is not called; rows up to the last completed chunk were
//     already handed to the sink
//
// A stop or rejection during a flush interrupts the chunk at that table.
// Tables flushed before it in the same chunk stay delivered and the rest of
// the chunk is dropped. Tables are flushed in first-seen order and a parent
// table is always seen before its children, so delivered rows never
// reference an undelivered parent.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/JonMunkholm/flattener/internal/logging"
)

// Summary reports the outcome of a run.
type Summary struct {
	RunID          string         `json:"run_id"`
	TotalRecords   int            `json:"total_records"`
	RecordsSkipped int            `json:"records_skipped"`
	ErrorCount     int            `json:"error_count"`
	Errors         []ErrorEntry   `json:"errors,omitempty"`
	RowsByTable    map[string]int `json:"rows_by_table"`
	Chunks         int            `json:"chunks"`
	Stopped        bool           `json:"stopped"`
	Duration       time.Duration  `json:"duration"`
}

// Clean reports whether the run completed without any failure. A run can
// succeed without being clean in the non-strict modes.
func (s *Summary) Clean() bool {
	return s.ErrorCount == 0
}

// TotalRows returns the number of rows handed to the sink across all tables.
func (s *Summary) TotalRows() int {
	n := 0
	for _, c := range s.RowsByTable {
		n += c
	}
	return n
}

// Progress is passed to the progress callback after each flushed chunk.
type Progress struct {
	Records   int
	Skipped   int
	Rows      int
	Errors    int
	Chunks    int
	BytesRead int64 // 0 when the source does not count bytes
}

// ProgressFunc receives progress updates.
type ProgressFunc func(Progress)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. By default the pipeline logs through
// logging.FromContext.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithProgress sets the progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(p *Pipeline) { p.progress = fn }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline runs sources through the engine into a sink. A Pipeline can be
// run several times; runs share no state.
type Pipeline struct {
	cfg      Config
	sink     BatchSink
	logger   *slog.Logger
	observer Observer
	progress ProgressFunc
	now      func() time.Time
}

// New validates cfg and creates a pipeline writing to sink.
func New(cfg Config, sink BatchSink, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	p := &Pipeline{
		cfg:      cfg,
		sink:     sink,
		observer: NopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run is shorthand for New followed by Pipeline.Run.
func Run(ctx context.Context, src RecordSource, cfg Config, sink BatchSink, opts ...Option) (*Summary, error) {
	p, err := New(cfg, sink, opts...)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, src)
}

type tableBuffer struct {
	rows []*FlatRow
}

// run holds the state of one Run call.
type run struct {
	*Pipeline
	src      RecordSource
	logger   *slog.Logger
	recovery *Recovery
	engine   *Engine
	buffers  *orderedmap.OrderedMap[string, *tableBuffer]
	drift    *driftTracker
	summary  *Summary
	inChunk  int
}

// Run processes src to completion. The summary is returned even when the run
// aborts, with the error that stopped it.
func (p *Pipeline) Run(ctx context.Context, src RecordSource) (*Summary, error) {
	start := p.now()
	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	logger := logging.FromContext(ctx)
	if p.logger != nil {
		logger = p.logger.With("run_id", runID)
	}

	recovery := NewRecovery(p.cfg.ErrorStrategy, p.cfg.RecoveryActions, p.cfg.RecoveryDefaults, logger, p.observer)
	engine := NewEngine(p.cfg, recovery)
	if p.cfg.AddTimestamp {
		engine.SetTimestamp(start.UTC().Format(time.RFC3339Nano))
	}

	r := &run{
		Pipeline: p,
		src:      src,
		logger:   logger,
		recovery: recovery,
		engine:   engine,
		buffers:  orderedmap.New[string, *tableBuffer](),
		drift:    newDriftTracker(),
		summary:  &Summary{RunID: runID, RowsByTable: make(map[string]int)},
	}

	logger.Info("run started",
		"chunk_size", p.cfg.ChunkSize,
		"array_mode", p.cfg.ArrayMode,
		"error_strategy", p.cfg.ErrorStrategy,
	)

	err := r.loop(ctx)

	s := r.summary
	s.Errors = recovery.Errors()
	s.ErrorCount = recovery.Count()
	s.Duration = p.now().Sub(start)

	if err != nil {
		logger.Error("run aborted",
			"records", s.TotalRecords,
			"errors", s.ErrorCount,
			"error", err,
		)
		return s, err
	}

	if ferr := p.sink.Finalize(context.WithoutCancel(ctx)); ferr != nil {
		logger.Error("sink finalize failed", "error", ferr)
		return s, fmt.Errorf("finalize sink: %w", ferr)
	}

	logger.Info("run completed",
		"records", s.TotalRecords,
		"skipped", s.RecordsSkipped,
		"rows", s.TotalRows(),
		"errors", s.ErrorCount,
		"chunks", s.Chunks,
		"stopped", s.Stopped,
		"duration", s.Duration,
	)
	return s, nil
}

// loop pulls records until the input ends, a stop is requested, or the run
// aborts. It returns nil for both end of input and clean stops.
func (r *run) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			r.stop("context cancelled")
			return nil
		}

		rec, err := r.src.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return r.flush(ctx)
		case isStop(err):
			r.stop("source requested stop")
			return nil
		}

		index := r.summary.TotalRecords
		r.summary.TotalRecords++

		if err != nil {
			terminal, rerr := r.readFailure(err, index)
			if rerr != nil {
				return rerr
			}
			if terminal {
				return r.flush(ctx)
			}
		} else {
			rows, ferr := r.engine.Flatten(rec, index)
			switch {
			case ferr == nil:
				r.buffer(rows)
				r.observer.RecordProcessed(false)
			case errors.Is(ferr, errRecordSkipped):
				r.summary.RecordsSkipped++
				r.observer.RecordProcessed(true)
			default:
				return ferr
			}
		}

		r.inChunk++
		if r.inChunk >= r.cfg.ChunkSize {
			if err := r.flush(ctx); err != nil {
				return err
			}
			if r.summary.Stopped {
				return nil
			}
		}
	}
}

// readFailure routes a source error through recovery. It reports whether the
// failure was terminal for the source.
func (r *run) readFailure(err error, index int) (bool, error) {
	f := AsFailure(err)
	f.RecordIndex = index
	if _, _, rerr := r.recovery.Resolve(f); rerr != nil {
		return false, rerr
	}
	r.summary.RecordsSkipped++
	r.observer.RecordProcessed(true)
	return f.Terminal, nil
}

func (r *run) buffer(rows []*FlatRow) {
	for _, row := range rows {
		tb, ok := r.buffers.Get(row.Table())
		if !ok {
			tb = &tableBuffer{}
			r.buffers.Set(row.Table(), tb)
		}
		tb.rows = append(tb.rows, row)
	}
}

// flush hands every buffered table to the sink and clears the buffers.
// A sink ErrStop becomes a clean stop.
func (r *run) flush(ctx context.Context) error {
	if r.inChunk == 0 {
		return nil
	}
	began := time.Now()
	rows := 0

	for pair := r.buffers.Oldest(); pair != nil; pair = pair.Next() {
		table, tb := pair.Key, pair.Value
		if len(tb.rows) == 0 {
			continue
		}

		added := r.drift.observe(table, tb.rows)
		drifted := len(added) > 0
		if drifted {
			r.logger.Warn("schema drift", "table", table, "new_columns", added)
			r.observer.SchemaDrift(table)
		}

		if err := r.sink.AcceptBatch(ctx, table, tb.rows, drifted); err != nil {
			if isStop(err) {
				r.stop("sink requested stop")
				return nil
			}
			f := sinkRejected(table, err)
			_, _, rerr := r.recovery.Resolve(f)
			return rerr
		}

		r.summary.RowsByTable[table] += len(tb.rows)
		r.observer.RowsEmitted(table, len(tb.rows))
		rows += len(tb.rows)
	}

	r.reset()
	r.summary.Chunks++
	r.observer.ChunkFlushed(r.inChunk, time.Since(began))
	r.logger.Debug("chunk flushed",
		"chunk", r.summary.Chunks,
		"records", r.inChunk,
		"rows", rows,
	)
	r.inChunk = 0

	if r.progress != nil {
		pr := Progress{
			Records: r.summary.TotalRecords,
			Skipped: r.summary.RecordsSkipped,
			Rows:    r.summary.TotalRows(),
			Errors:  r.recovery.Count(),
			Chunks:  r.summary.Chunks,
		}
		if bc, ok := r.src.(ByteCounter); ok {
			pr.BytesRead = bc.BytesRead()
		}
		r.progress(pr)
	}
	return nil
}

// reset empties every table buffer, keeping the backing arrays.
func (r *run) reset() {
	for pair := r.buffers.Oldest(); pair != nil; pair = pair.Next() {
		clear(pair.Value.rows)
		pair.Value.rows = pair.Value.rows[:0]
	}
}

// stop discards the chunk in progress and marks the run as stopped.
func (r *run) stop(reason string) {
	r.logger.Info("run stopped", "reason", reason, "discarded_records", r.inChunk)
	r.reset()
	r.inChunk = 0
	r.summary.Stopped = true
}

func isStop(err error) bool {
	return errors.Is(err, ErrStop) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
