// Package buffer provides bounded, caller-owned byte regions used as the
// backing store for request/response formatting and parsing. Nothing in this
// package allocates a new backing array for message bytes: every Region
// wraps a slice the caller already owns and reports InsufficientMemory
// instead of growing past its capacity.
package buffer

import (
	"github.com/embedhttps/coreshttps/pkg/status"
)

// Region is a typed (begin, cursor, end) view over a caller-supplied slice.
// begin is always 0 (the start of buf); cursor marks how much of buf holds
// meaningful bytes; end is len(buf). Region enforces cursor ∈ [0, end] at
// every mutation, matching the invariant in spec §3.
type Region struct {
	buf    []byte
	cursor int
}

// NewRegion wraps buf. The region starts empty (cursor == 0); buf's existing
// contents are left untouched until Reset or an Append call.
func NewRegion(buf []byte) *Region {
	return &Region{buf: buf}
}

// Cap returns the total capacity of the backing slice.
func (r *Region) Cap() int {
	if r == nil {
		return 0
	}
	return len(r.buf)
}

// Len returns the number of bytes currently held (the cursor position).
func (r *Region) Len() int {
	if r == nil {
		return 0
	}
	return r.cursor
}

// Remaining returns the number of free bytes before the region is full.
func (r *Region) Remaining() int {
	return r.Cap() - r.Len()
}

// Bytes returns the filled prefix of the backing slice: buf[:cursor].
func (r *Region) Bytes() []byte {
	if r == nil {
		return nil
	}
	return r.buf[:r.cursor]
}

// Free returns the unfilled suffix of the backing slice: buf[cursor:]. Useful
// for handing the parser a write target without a copy.
func (r *Region) Free() []byte {
	if r == nil {
		return nil
	}
	return r.buf[r.cursor:]
}

// Append writes p at the cursor and advances it. It fails with
// status.InsufficientMemory if p would not fit in the remaining capacity.
func (r *Region) Append(p []byte) error {
	if r == nil {
		return status.New(status.InvalidParameter, "buffer.Append", "nil region", nil)
	}
	if len(p) > r.Remaining() {
		return status.New(status.InsufficientMemory, "buffer.Append",
			"caller buffer too small for formatted bytes", nil)
	}
	n := copy(r.buf[r.cursor:], p)
	r.cursor += n
	return nil
}

// Advance moves the cursor forward by n bytes without copying (used when the
// parser has already written directly into Free()). It is an error to
// advance past the end of the backing slice.
func (r *Region) Advance(n int) error {
	if r == nil {
		return status.New(status.InvalidParameter, "buffer.Advance", "nil region", nil)
	}
	if n < 0 || n > r.Remaining() {
		return status.New(status.InsufficientMemory, "buffer.Advance",
			"advance past end of caller buffer", nil)
	}
	r.cursor += n
	return nil
}

// Reset zeroes the backing slice and rewinds the cursor to 0. The spec
// requires the response buffer to be zeroed on initialize so stale bytes
// from a previous message never parse as payload.
func (r *Region) Reset() {
	if r == nil {
		return
	}
	for i := range r.buf {
		r.buf[i] = 0
	}
	r.cursor = 0
}

// Rebind swaps the backing slice for a freshly-supplied one and rewinds the
// cursor. This is how async mode's per-call read_response_body buffer is
// threaded through the same Region type used for the sync body buffer.
func (r *Region) Rebind(buf []byte) {
	r.buf = buf
	r.cursor = 0
}

// SetCursor forces the cursor to an explicit position, used by the parser
// driver when it advances past bytes it consumed directly via Free().
func (r *Region) SetCursor(n int) error {
	if n < 0 || n > r.Cap() {
		return status.New(status.InsufficientMemory, "buffer.SetCursor",
			"cursor out of bounds", nil)
	}
	r.cursor = n
	return nil
}
