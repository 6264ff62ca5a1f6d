// Package ingest parses uploaded tabular files (CSV, XLSX) into the raw
// column-and-record form the import engine consumes. Text inputs are
// streamed through BOM stripping and UTF-8 sanitization so malformed
// exports from spreadsheet tools cannot poison downstream parsing.
package ingest

import (
	"io"
	"unicode/utf8"
)

// NewReader wraps a text stream for parsing: the UTF-8 BOM is stripped,
// invalid UTF-8 bytes are replaced, and bytes read are counted against
// total for progress reporting. Memory usage stays proportional to the
// caller's buffer, not the file.
//
// Only text formats go through this; binary containers like XLSX must be
// read raw.
func NewReader(r io.Reader, total int64) *Counter {
	return &Counter{r: &sanitizer{r: &bomSkip{r: r}}, total: total}
}

// bomSkip drops a leading UTF-8 BOM (0xEF 0xBB 0xBF), commonly written by
// Windows spreadsheet exports. Any other leading bytes pass through.
type bomSkip struct {
	r       io.Reader
	checked bool
	held    []byte
}

func (b *bomSkip) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		var head [3]byte
		n, err := io.ReadFull(b.r, head[:])
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return 0, err
		}
		if !(n == 3 && head[0] == 0xEF && head[1] == 0xBB && head[2] == 0xBF) {
			b.held = append(b.held, head[:n]...)
		}
	}
	if len(b.held) > 0 {
		n := copy(p, b.held)
		b.held = b.held[n:]
		return n, nil
	}
	return b.r.Read(p)
}

// sanitizer replaces invalid UTF-8 bytes with '?'. The single-byte
// replacement keeps output no larger than input, so sanitization happens
// in the caller's buffer. A multi-byte sequence split across reads is
// held back until its remainder arrives.
type sanitizer struct {
	r       io.Reader
	pending []byte
}

func (s *sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	offset := copy(p, s.pending)
	s.pending = s.pending[:0]

	n, err := s.r.Read(p[offset:])
	n += offset
	if n == 0 {
		return 0, err
	}

	data := p[:n]
	if err == nil {
		if tail := incompleteTail(data); tail > 0 {
			s.pending = append(s.pending, data[n-tail:]...)
			data = data[:n-tail]
		}
	}

	w := 0
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			data[w] = '?'
			w++
			i++
			continue
		}
		copy(data[w:], data[i:i+size])
		w += size
		i += size
	}
	return w, err
}

// incompleteTail returns how many trailing bytes form the unfinished start
// of a multi-byte UTF-8 sequence.
func incompleteTail(data []byte) int {
	for i := 1; i <= utf8.UTFMax && i <= len(data); i++ {
		b := data[len(data)-i]
		if b&0xC0 == 0x80 {
			// Continuation byte, keep walking back to the start byte.
			continue
		}
		if want := seqLen(b); want > i {
			return i
		}
		return 0
	}
	return 0
}

// seqLen returns the expected byte length of a UTF-8 sequence starting
// with b, or 0 for a bare continuation byte.
func seqLen(b byte) int {
	switch {
	case b < 0x80:
		return 1
	case b < 0xC0:
		return 0
	case b < 0xE0:
		return 2
	case b < 0xF0:
		return 3
	default:
		return 4
	}
}

// Counter tracks bytes consumed from the wrapped reader so upload
// handlers can report parse progress.
type Counter struct {
	r     io.Reader
	read  int64
	total int64
}

func (c *Counter) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	return n, err
}

// BytesRead returns the bytes consumed so far.
func (c *Counter) BytesRead() int64 { return c.read }

// Progress returns the percentage consumed, or 0 when the total size is
// unknown.
func (c *Counter) Progress() int {
	if c.total <= 0 {
		return 0
	}
	return int(c.read * 100 / c.total)
}
