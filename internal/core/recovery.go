package core

// recovery.go implements the error recovery controller.
//
// Every failure raised while processing a run passes through Resolve exactly
// once. The controller decides, based on the run's ErrorStrategy, whether the
// run aborts or what the engine should do with the failed field or record:
//
//	strict            any failure aborts the run
//	skip_and_log      the record is discarded and the failure is logged
//	partial_recovery  the decision comes from the per-kind action table;
//	                  unmapped kinds discard the record
//
// Invariants enforced regardless of the action table:
//   - sink_rejected always aborts the run;
//   - depth_exceeded and read_failure can only discard the record or abort;
//   - use_default without a configured default discards the record.

import (
	"fmt"
	"log/slog"
	"strings"
)

// ErrorStrategy selects the run-wide recovery mode.
type ErrorStrategy string

const (
	StrategyStrict          ErrorStrategy = "strict"
	StrategySkipAndLog      ErrorStrategy = "skip_and_log"
	StrategyPartialRecovery ErrorStrategy = "partial_recovery"
)

// ParseErrorStrategy converts a configuration string to an ErrorStrategy.
func ParseErrorStrategy(s string) (ErrorStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return StrategyStrict, nil
	case "skip", "skip_and_log", "skip-and-log":
		return StrategySkipAndLog, nil
	case "partial", "partial_recovery", "partial-recovery":
		return StrategyPartialRecovery, nil
	default:
		return "", fmt.Errorf("unknown error strategy %q (want strict, skip_and_log or partial_recovery)", s)
	}
}

// Decision is the outcome of resolving one failure.
type Decision string

const (
	// DecisionAccept keeps going with the strategy's fallback: the offending
	// value is kept in string form, or a missing identifier is replaced by a
	// random one.
	DecisionAccept Decision = "accept"
	// DecisionSkipField drops only the offending field.
	DecisionSkipField Decision = "skip_field"
	// DecisionSkipRecord drops the whole record and all rows derived from it.
	DecisionSkipRecord Decision = "skip_record"
	// DecisionUseDefault substitutes the configured default value.
	DecisionUseDefault Decision = "use_default"
	// DecisionAbort terminates the run.
	DecisionAbort Decision = "abort"
)

// ParseDecision converts a configuration string to a Decision.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accept":
		return DecisionAccept, nil
	case "skip_field":
		return DecisionSkipField, nil
	case "skip_record":
		return DecisionSkipRecord, nil
	case "use_default":
		return DecisionUseDefault, nil
	default:
		return "", fmt.Errorf("unknown recovery decision %q", s)
	}
}

// ErrorEntry is one structured error in the run summary.
type ErrorEntry struct {
	RecordIndex int         `json:"record_index"`
	RecordID    string      `json:"record_id,omitempty"`
	Path        string      `json:"path,omitempty"`
	Field       string      `json:"field,omitempty"`
	Kind        FailureKind `json:"kind"`
	Code        string      `json:"code"`
	Message     string      `json:"message"`
	Decision    Decision    `json:"decision"`
}

// Recovery is the error recovery controller for one run. It is not safe for
// concurrent use.
type Recovery struct {
	strategy ErrorStrategy
	actions  map[FailureKind]Decision
	defaults map[FailureKind]any

	entries  []ErrorEntry
	logger   *slog.Logger
	observer Observer
}

// NewRecovery creates a controller. actions and defaults are only consulted
// in partial_recovery mode.
func NewRecovery(strategy ErrorStrategy, actions map[FailureKind]Decision, defaults map[FailureKind]any, logger *slog.Logger, observer Observer) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Recovery{
		strategy: strategy,
		actions:  actions,
		defaults: defaults,
		logger:   logger,
		observer: observer,
	}
}

// Resolve decides what to do about f. When the returned error is non-nil the
// run must stop and return it. The returned value is the substitute for
// DecisionUseDefault.
func (c *Recovery) Resolve(f *Failure) (Decision, any, error) {
	d, def := c.decide(f)

	c.entries = append(c.entries, ErrorEntry{
		RecordIndex: f.RecordIndex,
		RecordID:    f.RecordID,
		Path:        f.Path,
		Field:       f.Field,
		Kind:        f.Kind,
		Code:        MapError(f).Code,
		Message:     f.Error(),
		Decision:    d,
	})
	c.observer.FailureResolved(f.Kind, d)

	if d == DecisionAbort {
		c.logger.Error("processing failure, aborting run",
			"kind", f.Kind,
			"record_index", f.RecordIndex,
			"path", f.Path,
			"error", f.Error(),
		)
		return d, nil, f
	}

	c.logger.Warn("processing failure recovered",
		"kind", f.Kind,
		"decision", d,
		"record_index", f.RecordIndex,
		"record_id", f.RecordID,
		"path", f.Path,
		"error", f.Error(),
	)
	return d, def, nil
}

func (c *Recovery) decide(f *Failure) (Decision, any) {
	if f.Kind == KindSinkRejected {
		return DecisionAbort, nil
	}

	switch c.strategy {
	case StrategySkipAndLog:
		return DecisionSkipRecord, nil
	case StrategyPartialRecovery:
		// handled below
	default:
		return DecisionAbort, nil
	}

	d, ok := c.actions[f.Kind]
	if !ok {
		return DecisionSkipRecord, nil
	}

	switch f.Kind {
	case KindDepthExceeded, KindReadFailure:
		return DecisionSkipRecord, nil
	}

	switch d {
	case DecisionUseDefault:
		def, ok := c.defaults[f.Kind]
		if !ok {
			return DecisionSkipRecord, nil
		}
		return d, def
	case DecisionAccept, DecisionSkipField, DecisionSkipRecord:
		return d, nil
	default:
		return DecisionSkipRecord, nil
	}
}

// Errors returns the structured error list accumulated so far.
func (c *Recovery) Errors() []ErrorEntry {
	return c.entries
}

// Count returns the number of failures routed through the controller.
func (c *Recovery) Count() int {
	return len(c.entries)
}
