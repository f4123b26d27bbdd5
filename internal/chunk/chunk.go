// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chunk splits model output into transport-sized segments without
// breaking words.
package chunk

import (
	"errors"
	"unicode"
)

// ErrLineTooLong is returned by SplitLines when a single line cannot fit the
// limit. Pre-formatted text cannot be split mid-line without corrupting its
// markup, so the caller must fall back to plain splitting.
var ErrLineTooLong = errors.New("line exceeds chunk limit")

// =============================================================================
// SPLITTING PRIMITIVE
// =============================================================================

// takePrefix cuts a transport-sized prefix off buf. Limits are counted in
// code points, matching how the transport enforces message length.
//
// When buf is shorter than max the whole buffer is the prefix and nothing
// remains. Otherwise the cut goes after the last whitespace within the first
// max code points, so the whitespace stays at the end of the prefix and
// concatenating prefix+rest reproduces buf exactly. With no whitespace in
// range the cut lands hard at max (a single unbroken token longer than the
// limit).
func takePrefix(buf []rune, max int) (prefix, rest []rune) {
	if len(buf) < max {
		return buf, nil
	}

	lastWS := -1
	for i := 0; i < max; i++ {
		if unicode.IsSpace(buf[i]) {
			lastWS = i
		}
	}

	cut := max
	if lastWS >= 0 {
		cut = lastWS + 1
	}
	return buf[:cut], buf[cut:]
}

// =============================================================================
// NON-STREAMING MODE
// =============================================================================

// Split breaks text into chunks of at most limit code points. Boundaries fall
// on whitespace whenever one exists within the limit; the concatenation of
// the chunks is byte-for-byte the input. A non-positive limit yields nil.
func Split(text string, limit int) []string {
	if limit <= 0 {
		return nil
	}

	runes := []rune(text)
	var out []string
	for len(runes) > limit {
		prefix, rest := takePrefix(runes, limit)
		out = append(out, string(prefix))
		runes = rest
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

// SplitLines breaks pre-formatted text into chunks of at most limit code
// points, cutting only at newlines so markup entities are never torn apart.
// Chunks are joined from whole lines; the separating newlines are preserved
// inside each chunk but not across chunk boundaries.
func SplitLines(text string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, ErrLineTooLong
	}

	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}, nil
	}

	var out []string
	var buf []rune
	start := 0
	for i := 0; i <= len(runes); i++ {
		if i < len(runes) && runes[i] != '\n' {
			continue
		}
		line := runes[start:i]
		start = i + 1

		if len(line) > limit {
			return nil, ErrLineTooLong
		}

		// +1 for the joining newline when the buffer is non-empty.
		needed := len(line)
		if len(buf) > 0 {
			needed++
		}
		if len(buf)+needed > limit {
			out = append(out, string(buf))
			buf = buf[:0]
		}
		if len(buf) > 0 {
			buf = append(buf, '\n')
		}
		buf = append(buf, line...)
	}
	if len(buf) > 0 {
		out = append(out, string(buf))
	}
	return out, nil
}

// =============================================================================
// STREAMING MODE
// =============================================================================

// Sink delivers one chunk to the transport. An error stops further emission
// for the response; chunks already delivered are not rolled back.
type Sink func(text string) error

// StreamBuffer accumulates text deltas as they arrive and emits
// transport-sized chunks through its sink. Deltas for one response are
// consumed sequentially, so emission order matches arrival order and each
// chunk is delivered before the next delta is folded in.
//
// Feeding a complete text as a single delta followed by Finalize produces the
// same chunk sequence as Split.
type StreamBuffer struct {
	limit int
	sink  Sink
	buf   []rune
}

// NewStreamBuffer creates a buffer emitting chunks of at most limit code
// points through sink.
func NewStreamBuffer(limit int, sink Sink) *StreamBuffer {
	return &StreamBuffer{limit: limit, sink: sink}
}

// Append folds a delta into the buffer, emitting chunks while more than a
// full chunk is buffered. The tail stays buffered: later deltas may still
// move the split point onto nicer whitespace.
func (b *StreamBuffer) Append(delta string) error {
	b.buf = append(b.buf, []rune(delta)...)

	for len(b.buf) > b.limit {
		prefix, rest := takePrefix(b.buf, b.limit)
		b.buf = rest
		if err := b.sink(string(prefix)); err != nil {
			return err
		}
	}
	return nil
}

// Finalize flushes any buffered remainder as the final chunk.
func (b *StreamBuffer) Finalize() error {
	if len(b.buf) == 0 {
		return nil
	}
	tail := string(b.buf)
	b.buf = nil
	return b.sink(tail)
}

// Len returns the number of buffered code points.
func (b *StreamBuffer) Len() int {
	return len(b.buf)
}
