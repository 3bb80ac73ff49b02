package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/samber/lo"
)

// BatchSink receives finished rows, one table at a time.
//
// AcceptBatch is called once per table per chunk with every row of that table
// produced by the chunk, in production order. drifted is true when the batch
// has columns that were not present in the first batch for the same table.
// The rows slice is reused after the call returns; sinks must copy what they
// keep. Returning ErrStop ends the run cleanly; any other error aborts it.
// Either way, batches already accepted for earlier tables of the same chunk
// are not withdrawn.
//
// Finalize is called once after the last batch of a run that was not aborted.
type BatchSink interface {
	AcceptBatch(ctx context.Context, table string, rows []*FlatRow, drifted bool) error
	Finalize(ctx context.Context) error
}

// MultiSink fans every batch out to several sinks in order.
type MultiSink []BatchSink

// AcceptBatch forwards the batch, stopping at the first error.
func (m MultiSink) AcceptBatch(ctx context.Context, table string, rows []*FlatRow, drifted bool) error {
	for i, s := range m {
		if err := s.AcceptBatch(ctx, table, rows, drifted); err != nil {
			if errors.Is(err, ErrStop) {
				return err
			}
			return fmt.Errorf("sink %d: %w", i, err)
		}
	}
	return nil
}

// Finalize finalizes every sink and joins their errors.
func (m MultiSink) Finalize(ctx context.Context) error {
	var errs []error
	for i, s := range m {
		if err := s.Finalize(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// SharedSink serialises access to one sink used by several pipeline
// instances. Each instance gets its own View; the owner calls Finalize once
// all instances are done.
type SharedSink struct {
	mu   sync.Mutex
	sink BatchSink
}

// NewSharedSink wraps s.
func NewSharedSink(s BatchSink) *SharedSink {
	return &SharedSink{sink: s}
}

// AcceptBatch forwards the batch under the lock.
func (s *SharedSink) AcceptBatch(ctx context.Context, table string, rows []*FlatRow, drifted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink.AcceptBatch(ctx, table, rows, drifted)
}

// Finalize finalizes the wrapped sink.
func (s *SharedSink) Finalize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink.Finalize(ctx)
}

// View returns a sink for one pipeline instance. Its Finalize does nothing.
func (s *SharedSink) View() BatchSink {
	return sharedView{s}
}

type sharedView struct{ s *SharedSink }

func (v sharedView) AcceptBatch(ctx context.Context, table string, rows []*FlatRow, drifted bool) error {
	return v.s.AcceptBatch(ctx, table, rows, drifted)
}

func (v sharedView) Finalize(context.Context) error { return nil }

// ============================================================================
// Drift detection
// ============================================================================

// driftTracker remembers the column set of the first batch of every table.
type driftTracker struct {
	first map[string][]string
}

func newDriftTracker() *driftTracker {
	return &driftTracker{first: make(map[string][]string)}
}

// observe returns the columns of rows that were absent from the first batch
// of table. The first batch itself never drifts.
func (d *driftTracker) observe(table string, rows []*FlatRow) []string {
	cols := batchColumns(rows)
	base, ok := d.first[table]
	if !ok {
		d.first[table] = cols
		return nil
	}
	_, added := lo.Difference(base, cols)
	return added
}

// batchColumns returns the union of the rows' columns in first-seen order.
func batchColumns(rows []*FlatRow) []string {
	var cols []string
	for _, r := range rows {
		cols = append(cols, r.Columns()...)
	}
	return lo.Uniq(cols)
}
