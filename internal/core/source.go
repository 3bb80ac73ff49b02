package core

// source.go provides the record sources a pipeline can pull from:
//
//   - SliceSource over records already in memory
//   - SeqSource over an iter.Seq2 producer
//   - NDJSONSource over line-delimited JSON
//   - JSONDocumentSource over one JSON document, either a top-level array
//     streamed element by element or a sequence of objects
//
// The file-backed sources read through WrapForStreaming and never hold more
// than one record in memory.

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
)

// RecordSource produces records lazily. Next returns io.EOF at end of input.
// Any other error is a failure for one record; a *Failure with Terminal set
// means the source cannot continue. ErrStop ends the run cleanly.
type RecordSource interface {
	Next(ctx context.Context) (*Record, error)
}

// ByteCounter is implemented by sources that know how much input they consumed.
type ByteCounter interface {
	BytesRead() int64
}

// ============================================================================
// In-memory sources
// ============================================================================

// SliceSource yields records from a slice.
type SliceSource struct {
	records []*Record
	pos     int
}

// NewSliceSource creates a source over recs.
func NewSliceSource(recs ...*Record) *SliceSource {
	return &SliceSource{records: recs}
}

// Next implements RecordSource.
func (s *SliceSource) Next(ctx context.Context) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	r := s.records[s.pos]
	s.pos++
	return r, nil
}

// SeqSource pulls records from an iterator.
type SeqSource struct {
	next func() (*Record, error, bool)
	stop func()
}

// FromSeq adapts seq. Call Close if the source is abandoned before io.EOF.
func FromSeq(seq iter.Seq2[*Record, error]) *SeqSource {
	next, stop := iter.Pull2(seq)
	return &SeqSource{next: next, stop: stop}
}

// Next implements RecordSource.
func (s *SeqSource) Next(ctx context.Context) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err, ok := s.next()
	if !ok {
		s.stop()
		return nil, io.EOF
	}
	return rec, err
}

// Close releases the iterator.
func (s *SeqSource) Close() error {
	s.stop()
	return nil
}

// ============================================================================
// Line-delimited JSON
// ============================================================================

// NDJSONSource reads one JSON object per line. Blank lines are ignored. A
// line that does not parse is reported as a recoverable failure and reading
// continues with the next line.
type NDJSONSource struct {
	in   *CountingReader
	r    *bufio.Reader
	line int
	done bool
}

// NewNDJSONSource reads from r; size is the expected input size or 0.
func NewNDJSONSource(r io.Reader, size int64) *NDJSONSource {
	in := WrapForStreaming(r, size)
	return &NDJSONSource{in: in, r: bufio.NewReaderSize(in, 64*1024)}
}

// Next implements RecordSource.
func (s *NDJSONSource) Next(ctx context.Context) (*Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.done {
			return nil, io.EOF
		}

		data, err := s.r.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.done = true
				return nil, &Failure{
					Kind:        KindReadFailure,
					RecordIndex: -1,
					Message:     fmt.Sprintf("reading line %d", s.line+1),
					Terminal:    true,
					Err:         err,
				}
			}
			s.done = true
			if len(data) == 0 {
				return nil, io.EOF
			}
		}
		s.line++

		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			continue
		}

		rec, derr := DecodeRecord(data)
		if derr != nil {
			kind := KindReadFailure
			switch {
			case errors.Is(derr, ErrTypeMismatch):
				kind = KindTypeMismatch
			case errors.Is(derr, ErrDepthExceeded):
				kind = KindDepthExceeded
			}
			return nil, &Failure{
				Kind:        kind,
				Path:        fmt.Sprintf("line %d", s.line),
				RecordIndex: -1,
				Err:         derr,
			}
		}
		return rec, nil
	}
}

// BytesRead implements ByteCounter.
func (s *NDJSONSource) BytesRead() int64 {
	return s.in.BytesRead
}

// ============================================================================
// Whole-document JSON
// ============================================================================

// JSONDocumentSource streams records out of one JSON document. A top-level
// array yields its elements in order; otherwise the input is read as one or
// more concatenated objects. Array elements that are not objects are reported
// as recoverable type mismatches. Syntax errors are terminal.
type JSONDocumentSource struct {
	in      *CountingReader
	dec     *json.Decoder
	started bool
	inArray bool
	done    bool
}

// NewJSONDocumentSource reads from r; size is the expected input size or 0.
func NewJSONDocumentSource(r io.Reader, size int64) *JSONDocumentSource {
	in := WrapForStreaming(r, size)
	dec := json.NewDecoder(in)
	dec.UseNumber()
	return &JSONDocumentSource{in: in, dec: dec}
}

// Next implements RecordSource.
func (s *JSONDocumentSource) Next(ctx context.Context) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.done {
		return nil, io.EOF
	}

	if !s.started {
		s.started = true
		tok, err := s.dec.Token()
		if errors.Is(err, io.EOF) {
			s.done = true
			return nil, io.EOF
		}
		if err != nil {
			return nil, s.terminal(err)
		}
		if d, ok := tok.(json.Delim); ok && d == '[' {
			s.inArray = true
			return s.Next(ctx)
		}
		return s.objectFrom(tok)
	}

	if s.inArray {
		if !s.dec.More() {
			if _, err := s.dec.Token(); err != nil { // closing ']'
				return nil, s.terminal(err)
			}
			s.done = true
			return nil, io.EOF
		}
		v, err := decodeValue(s.dec)
		if err != nil {
			return nil, s.terminal(err)
		}
		rec, ok := v.(*Record)
		if !ok {
			return nil, &Failure{
				Kind:        KindTypeMismatch,
				RecordIndex: -1,
				Message:     fmt.Sprintf("expected object array element, got %s", describe(v)),
			}
		}
		return rec, nil
	}

	tok, err := s.dec.Token()
	if errors.Is(err, io.EOF) {
		s.done = true
		return nil, io.EOF
	}
	if err != nil {
		return nil, s.terminal(err)
	}
	return s.objectFrom(tok)
}

func (s *JSONDocumentSource) objectFrom(tok json.Token) (*Record, error) {
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, s.terminal(fmt.Errorf("%w: expected JSON object or array, got %v", ErrTypeMismatch, tok))
	}
	v, err := decodeFromToken(s.dec, tok)
	if err != nil {
		return nil, s.terminal(err)
	}
	return v.(*Record), nil
}

func (s *JSONDocumentSource) terminal(err error) *Failure {
	s.done = true
	return &Failure{
		Kind:        KindReadFailure,
		Path:        fmt.Sprintf("offset %d", s.dec.InputOffset()),
		RecordIndex: -1,
		Terminal:    true,
		Err:         err,
	}
}

// BytesRead implements ByteCounter.
func (s *JSONDocumentSource) BytesRead() int64 {
	return s.in.BytesRead
}
