package core

import "time"

// Observer receives pipeline events for metrics. Calls come from the
// pipeline's own goroutine; implementations shared between shards must be
// safe for concurrent use.
type Observer interface {
	RecordProcessed(skipped bool)
	RowsEmitted(table string, n int)
	SchemaDrift(table string)
	FailureResolved(kind FailureKind, d Decision)
	ChunkFlushed(records int, elapsed time.Duration)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) RecordProcessed(bool)                  {}
func (NopObserver) RowsEmitted(string, int)               {}
func (NopObserver) SchemaDrift(string)                    {}
func (NopObserver) FailureResolved(FailureKind, Decision) {}
func (NopObserver) ChunkFlushed(int, time.Duration)       {}
