package core

// errors.go defines the failure taxonomy shared by the engine, the sources,
// the sinks and the recovery controller.

import (
	"errors"
	"fmt"
)

// FailureKind classifies a processing failure.
type FailureKind string

const (
	// KindMissingField: an identifier field (NATURAL or COMPOSITE) is absent.
	KindMissingField FailureKind = "missing_field"
	// KindTypeMismatch: a value has an unexpected shape.
	KindTypeMismatch FailureKind = "type_mismatch"
	// KindDepthExceeded: nesting deeper than the configured maximum.
	KindDepthExceeded FailureKind = "depth_exceeded"
	// KindReadFailure: the source could not produce a record.
	KindReadFailure FailureKind = "read_failure"
	// KindSinkRejected: a sink refused a batch.
	KindSinkRejected FailureKind = "sink_rejected"
)

// Sentinel errors for errors.Is checks against a *Failure.
var (
	ErrMissingField  = errors.New("missing field")
	ErrTypeMismatch  = errors.New("type mismatch")
	ErrDepthExceeded = errors.New("depth exceeded")
	ErrReadFailure   = errors.New("read failure")
	ErrSinkRejected  = errors.New("sink rejected batch")
)

// ErrStop is returned by a source or a sink to end the run cleanly.
// Rows of the chunk in progress are discarded; earlier chunks stay flushed.
var ErrStop = errors.New("stop requested")

// errRecordSkipped is the internal signal that the current record was
// discarded by a recovery decision.
var errRecordSkipped = errors.New("record skipped")

// ParseFailureKind converts a configuration string to a FailureKind.
// The error-class names MissingFieldError, TypeMismatchError,
// DepthExceededError, ReadFailureError and SinkRejectedBatchError are accepted
// as aliases.
func ParseFailureKind(s string) (FailureKind, error) {
	switch s {
	case string(KindMissingField), "MissingFieldError":
		return KindMissingField, nil
	case string(KindTypeMismatch), "TypeMismatchError":
		return KindTypeMismatch, nil
	case string(KindDepthExceeded), "DepthExceededError":
		return KindDepthExceeded, nil
	case string(KindReadFailure), "ReadFailureError":
		return KindReadFailure, nil
	case string(KindSinkRejected), "SinkRejectedBatchError":
		return KindSinkRejected, nil
	default:
		return "", fmt.Errorf("unknown failure kind %q", s)
	}
}

// Failure describes one failed unit of work: a field, a record or a batch.
type Failure struct {
	Kind FailureKind

	// Path is the dotted traversal path or table name where the failure happened.
	Path string
	// Field is the column name when the failure concerns a single field.
	Field string
	// RecordIndex is the zero-based position of the record in the source, -1 if unknown.
	RecordIndex int
	// RecordID is the root row identifier when it was already assigned.
	RecordID string
	// Message is a short human-readable description.
	Message string
	// Terminal marks read failures after which the source cannot continue.
	Terminal bool

	Err error
}

// Error implements error.
func (f *Failure) Error() string {
	msg := f.Message
	if msg == "" && f.Err != nil {
		msg = f.Err.Error()
	}
	if f.Path != "" {
		return fmt.Sprintf("%s at %s: %s", f.Kind, f.Path, msg)
	}
	return fmt.Sprintf("%s: %s", f.Kind, msg)
}

// Unwrap exposes the underlying cause.
func (f *Failure) Unwrap() error {
	return f.Err
}

// Is matches the sentinel error of the failure kind.
func (f *Failure) Is(target error) bool {
	return target == f.Kind.sentinel()
}

func (k FailureKind) sentinel() error {
	switch k {
	case KindMissingField:
		return ErrMissingField
	case KindTypeMismatch:
		return ErrTypeMismatch
	case KindDepthExceeded:
		return ErrDepthExceeded
	case KindReadFailure:
		return ErrReadFailure
	case KindSinkRejected:
		return ErrSinkRejected
	default:
		return nil
	}
}

// AsFailure returns err as a *Failure, wrapping unknown errors as read failures.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	switch {
	case errors.Is(err, ErrTypeMismatch):
		return &Failure{Kind: KindTypeMismatch, RecordIndex: -1, Err: err}
	case errors.Is(err, ErrMissingField):
		return &Failure{Kind: KindMissingField, RecordIndex: -1, Err: err}
	}
	return &Failure{Kind: KindReadFailure, RecordIndex: -1, Err: err}
}

func missingField(field string) *Failure {
	return &Failure{
		Kind:        KindMissingField,
		Field:       field,
		RecordIndex: -1,
		Message:     fmt.Sprintf("identifier field %q is absent", field),
	}
}

func typeMismatch(path Path, field string, want string, got any) *Failure {
	return &Failure{
		Kind:        KindTypeMismatch,
		Path:        path.String(),
		Field:       field,
		RecordIndex: -1,
		Message:     fmt.Sprintf("expected %s, got %s", want, describe(got)),
	}
}

func depthExceeded(path Path, depth, max int) *Failure {
	return &Failure{
		Kind:        KindDepthExceeded,
		Path:        path.String(),
		RecordIndex: -1,
		Message:     fmt.Sprintf("nesting depth %d exceeds maximum %d", depth, max),
	}
}

func sinkRejected(table string, err error) *Failure {
	return &Failure{
		Kind:        KindSinkRejected,
		Path:        table,
		RecordIndex: -1,
		Err:         err,
	}
}
