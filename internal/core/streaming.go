package core

// streaming.go provides the reader stack placed under every file-backed
// record source:
//
//   - BOM removal, since editors on Windows often prefix JSON files with one
//   - UTF-8 sanitising, replacing invalid bytes with '?' as they stream past
//   - byte counting for progress reporting
//
// Each layer holds at most a few bytes beyond the caller's buffer.

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// NewBOMSkippingReader returns a reader that drops a leading UTF-8 BOM.
func NewBOMSkippingReader(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	return br
}

// UTF8Sanitizer replaces invalid UTF-8 bytes with '?'. Multi-byte sequences
// split across reads are carried over to the next call.
type UTF8Sanitizer struct {
	r     io.Reader
	carry []byte
}

// NewUTF8Sanitizer wraps r.
func NewUTF8Sanitizer(r io.Reader) *UTF8Sanitizer {
	return &UTF8Sanitizer{r: r, carry: make([]byte, 0, utf8.UTFMax)}
}

// Read implements io.Reader.
func (s *UTF8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(p) < utf8.UTFMax && len(s.carry) > 0 {
		// too small to hold a carried sequence plus new input; flush raw
		n := copy(p, s.carry)
		s.carry = s.carry[n:]
		return n, nil
	}

	off := copy(p, s.carry)
	s.carry = s.carry[:0]

	n, err := s.r.Read(p[off:])
	n += off
	if n == 0 {
		return 0, err
	}
	return s.sanitize(p[:n], err != nil), err
}

// sanitize rewrites data in place and returns the number of bytes to hand out.
// Unless final is set, an incomplete sequence at the end is held back.
func (s *UTF8Sanitizer) sanitize(data []byte, final bool) int {
	w := 0
	for i := 0; i < len(data); {
		b := data[i]
		if b < utf8.RuneSelf {
			data[w] = b
			w++
			i++
			continue
		}
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			if !final && !utf8.FullRune(data[i:]) {
				s.carry = append(s.carry, data[i:]...)
				return w
			}
			data[w] = '?'
			w++
			i++
			continue
		}
		copy(data[w:], data[i:i+size])
		w += size
		i += size
	}
	return w
}

// CountingReader tracks the bytes handed to the consumer.
type CountingReader struct {
	r         io.Reader
	BytesRead int64
	Total     int64 // 0 if unknown
}

// NewCountingReader wraps r; total is the expected size or 0.
func NewCountingReader(r io.Reader, total int64) *CountingReader {
	return &CountingReader{r: r, Total: total}
}

// Read implements io.Reader.
func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.BytesRead += int64(n)
	return n, err
}

// Progress returns the read progress as a percentage, or 0 when the total is
// unknown.
func (c *CountingReader) Progress() int {
	if c.Total <= 0 {
		return 0
	}
	return int(c.BytesRead * 100 / c.Total)
}

// WrapForStreaming applies BOM removal, UTF-8 sanitising and counting, in that
// order.
func WrapForStreaming(r io.Reader, totalSize int64) *CountingReader {
	return NewCountingReader(NewUTF8Sanitizer(NewBOMSkippingReader(r)), totalSize)
}
