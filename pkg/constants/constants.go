// Package constants defines default values and minimum buffer sizes used
// throughout coreshttps.
package constants

import "time"

// Connection defaults.
const (
	DefaultConnTimeout  = 10 * time.Second
	DefaultReadTimeout  = 30 * time.Second
	DefaultUserAgent    = "coreshttps/1.0"
	MaxHostLength       = 253 // RFC 1035 max hostname length
	MaxALPNLength       = 255
)

// HTTP limits.
const (
	MaxContentLength = 1024 * 1024 * 1024 * 1024 // 1TB, mirrors the teacher's sanity cap
)

// FlushScratchBufferSize is the size of the fixed scratch buffer the Message
// Engine's Flush step reads discarded post-message bytes into (§4.3).
const FlushScratchBufferSize = 1024

// AsyncBodyChunkSize is the size of the per-chunk staging region the async
// read_ready_callback loop feeds from, one transport read at a time.
const AsyncBodyChunkSize = 1024

// MaxChunkFramingLineSize bounds how many bytes a chunked-transfer framing
// line (size line, trailing CRLF, or trailer line) may accumulate across
// transport reads before a split line is treated as malformed rather than
// merely incomplete.
const MaxChunkFramingLineSize = 1024

// requestRecordSize and responseRecordSize approximate the size of the
// internal bookkeeping structs the C original stores at the head of each
// caller buffer. Go's Request/Response are heap-allocated, not buffer-
// resident, so these exist only to compute the exported minimum sizes below
// in the spirit of spec §3's invariant.
const (
	requestRecordSize  = 64
	responseRecordSize = 64
	connRecordSize     = 96
)

// MinRequestBufferSize is the minimum size of a request header buffer: large
// enough for "<METHOD> / HTTP/1.1\r\n", "User-Agent: <ua>\r\n" and
// "Host: \r\n" plus the (approximated) internal record, per spec §3.
const MinRequestBufferSize = requestRecordSize +
	len("CONNECT / HTTP/1.1\r\n") +
	len("User-Agent: ") + len(DefaultUserAgent) + len("\r\n") +
	len("Host: \r\n")

// MinResponseBufferSize is the minimum size of a response header buffer.
const MinResponseBufferSize = responseRecordSize

// MinConnectionBufferSize is the minimum size of a connection handle's
// bookkeeping area.
const MinConnectionBufferSize = connRecordSize
