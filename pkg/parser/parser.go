// Package parser is the Parser Driver: a restartable HTTP/1.1 tokenizer
// bound to a process-wide immutable settings table of callback closures,
// modeled on the joyent/llhttp discrete-callback style named in the
// specification this package implements, ported to Go as closures over a
// *Response rather than C function pointers and a void* user-data pointer.
package parser

import (
	"bytes"
	"errors"
	"io"
	"net/textproto"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/embedhttps/coreshttps/pkg/buffer"
	"github.com/embedhttps/coreshttps/pkg/constants"
	"github.com/embedhttps/coreshttps/pkg/logging"
	"github.com/embedhttps/coreshttps/pkg/network"
	"github.com/embedhttps/coreshttps/pkg/status"
)

// ParserState is the position within the HTTP/1.1 response message.
type ParserState int

const (
	None ParserState = iota
	InHeaders
	HeadersComplete
	InBody
	BodyComplete
)

// BufferProcessingState selects which in-place role the settings-table
// callbacks serve: ingesting a live response, or searching already-filled
// header bytes for one named field.
type BufferProcessingState int

const (
	ProcNone BufferProcessingState = iota
	FillingHeaderBuffer
	FillingBodyBuffer
	SearchingHeaderBuffer
	Finished
)

type bodyMode int

const (
	bodyModeNone bodyMode = iota
	bodyModeContentLength
	bodyModeChunked
	bodyModeUntilClose
)

// Response is the Parser Driver's user-data: the live state of one response
// being tokenized, plus the two caller-owned byte regions it fills.
type Response struct {
	HeaderBuf *buffer.Region
	BodyBuf   *buffer.Region // nil until supplied (async read_response_body)

	StatusCode       int
	ContentLength    int64
	HasContentLength bool

	State     ParserState
	ProcState BufferProcessingState

	// SkipBody is set by the engine before Receive: true for HEAD requests
	// only. A sync request initialized without a body buffer is not skipped:
	// its receive fails with NotSupported once the headers are complete.
	SkipBody bool

	// BodyStartInHeaderBuf/BodyLenInHeaderBuf record body bytes that arrived
	// inside the header buffer during the headers read, for async hand-off
	// the first time the application supplies a body buffer.
	BodyStartInHeaderBuf int
	BodyLenInHeaderBuf   int
	pendingHandoff       bool

	// search-pass fields
	readHeaderField  string
	foundHeaderField bool
	FoundHeaderValue string
	foundHeader      bool

	// internal tokenizer scratch, resumable across feedHeaders/feedBody calls
	headerScanOffset int
	sawStatusLine    bool
	lastHeaderField  string

	mode           bodyMode
	chunkRemaining int64
	chunkPhase     int // 0=size-line 1=data 2=trailing-crlf 3=trailer-line
	// lineAccum carries the unconsumed tail of a chunk-framing line (size
	// line, trailing CRLF, or trailer line) across feedBody calls whenever a
	// transport read ends mid-line. Line-oriented phases only, never holds
	// body bytes.
	lineAccum []byte
	bodyDone  bool

	BodyRxStatus error

	// TTFB is the time between the request finishing sending and the first
	// byte of this response arriving, set by pkg/conn once the receive
	// dispatcher picks up the exchange. Zero until then.
	TTFB time.Duration

	cancelled atomic.Bool
}

// Cancel marks the response cancelled; the receive dispatcher and the async
// body loop check this at their safe points.
func (r *Response) Cancel() { r.cancelled.Store(true) }

// Cancelled reports whether Cancel has been called on this response.
func (r *Response) Cancelled() bool { return r.cancelled.Load() }

// NewResponse wires hdrBuf as the header region; bodyBuf may be nil for
// async mode, supplied later via Rebind.
func NewResponse(hdrBuf, bodyBuf *buffer.Region) *Response {
	return &Response{HeaderBuf: hdrBuf, BodyBuf: bodyBuf}
}

// ResetForReceive rewinds a Response to receive a fresh message on the same
// buffers, matching initialize_request's "zero the response buffer" step.
func (r *Response) ResetForReceive() {
	r.HeaderBuf.Reset()
	if r.BodyBuf != nil {
		r.BodyBuf.Reset()
	}
	r.StatusCode = 0
	r.ContentLength = 0
	r.HasContentLength = false
	r.State = None
	r.ProcState = ProcNone
	r.BodyStartInHeaderBuf = 0
	r.BodyLenInHeaderBuf = 0
	r.pendingHandoff = false
	r.readHeaderField = ""
	r.foundHeaderField = false
	r.FoundHeaderValue = ""
	r.foundHeader = false
	r.headerScanOffset = 0
	r.sawStatusLine = false
	r.lastHeaderField = ""
	r.mode = bodyModeNone
	r.chunkRemaining = 0
	r.chunkPhase = 0
	r.lineAccum = r.lineAccum[:0]
	r.bodyDone = false
	r.TTFB = 0
	r.BodyRxStatus = nil
	r.cancelled.Store(false)
}

// Settings is the process-wide immutable callback table, built once in
// init() and shared by every parse — the Go analogue of a static
// http_parser_settings struct borrowed by every tokenizer instance.
type Settings struct {
	OnMessageBegin    func(*Response)
	OnStatus          func(*Response, int)
	OnHeaderField     func(*Response, string) bool
	OnHeaderValue     func(*Response, string, string) bool
	OnHeadersComplete func(*Response) bool
	OnBody            func(*Response, []byte) bool
	OnMessageComplete func(*Response) bool
	OnChunkHeader     func(*Response, int64)
	OnChunkComplete   func(*Response)
}

var table Settings

func init() {
	table = Settings{
		OnMessageBegin:    onMessageBegin,
		OnStatus:          onStatus,
		OnHeaderField:     onHeaderField,
		OnHeaderValue:     onHeaderValue,
		OnHeadersComplete: onHeadersComplete,
		OnBody:            onBody,
		OnMessageComplete: onMessageComplete,
		OnChunkHeader:     onChunkHeader,
		OnChunkComplete:   onChunkComplete,
	}
}

func onMessageBegin(r *Response) {
	if r.ProcState == SearchingHeaderBuffer {
		return
	}
	r.State = InHeaders
}

func onStatus(r *Response, code int) {
	r.StatusCode = code
}

func onHeaderField(r *Response, field string) bool {
	if r.ProcState == SearchingHeaderBuffer {
		r.foundHeaderField = strings.EqualFold(field, r.readHeaderField)
	}
	r.lastHeaderField = field
	return false
}

func onHeaderValue(r *Response, field, value string) bool {
	if r.ProcState == SearchingHeaderBuffer {
		if r.foundHeaderField {
			r.FoundHeaderValue = value
			r.foundHeader = true
			return true // stop the parse early: value emitted
		}
		return false
	}
	switch strings.ToLower(field) {
	case "content-length":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			r.ContentLength = n
			r.HasContentLength = true
		}
	case "transfer-encoding":
		if strings.Contains(strings.ToLower(value), "chunked") {
			r.mode = bodyModeChunked
		}
	}
	return false
}

func onHeadersComplete(r *Response) bool {
	if r.ProcState == SearchingHeaderBuffer {
		return true
	}
	r.State = HeadersComplete
	if r.mode != bodyModeChunked {
		if r.HasContentLength {
			r.mode = bodyModeContentLength
			r.chunkRemaining = r.ContentLength
		} else {
			r.mode = bodyModeUntilClose
		}
	}
	if r.SkipBody || statusNeverHasBody(r.StatusCode) {
		r.mode = bodyModeNone
		return true
	}
	return false
}

// statusNeverHasBody reports the response-status classes RFC 7230 §3.3.3
// excludes from ever carrying a body, regardless of Content-Length or
// Transfer-Encoding: 1xx, 204, and 304.
func statusNeverHasBody(code int) bool {
	return (code >= 100 && code < 200) || code == 204 || code == 304
}

func onBody(r *Response, chunk []byte) bool {
	r.State = InBody
	if len(chunk) == 0 {
		return false
	}
	if r.BodyBuf == nil {
		// async, no body buffer yet: caller already tracked the pending
		// slice via BodyStartInHeaderBuf/Len; nothing more to do here.
		return false
	}
	if len(chunk) > r.BodyBuf.Remaining() {
		r.BodyRxStatus = status.New(status.MessageTooLarge, "parser.onBody",
			"response body exceeds body buffer", nil)
		return true
	}
	_ = r.BodyBuf.Append(chunk)
	return false
}

func onMessageComplete(r *Response) bool {
	r.State = BodyComplete
	r.bodyDone = true
	return true // halt: no pipelining, never consume bytes of a next response
}

func onChunkHeader(r *Response, size int64) {
	logging.Tracef("parser.chunk", "chunk size=%d", size)
}

func onChunkComplete(r *Response) {}

// parseStatusLine parses "HTTP/1.1 200 OK" and returns the status code.
func parseStatusLine(line string) (int, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return 0, status.New(status.ParsingError, "parser.parseStatusLine", "malformed status line", nil)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, status.New(status.ParsingError, "parser.parseStatusLine", "non-numeric status code", err)
	}
	return code, nil
}

func splitHeaderLine(line string) (field, value string, err error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", status.New(status.ParsingError, "parser.splitHeaderLine", "header line missing colon", nil)
	}
	field = textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(line[:idx]))
	value = strings.TrimSpace(line[idx+1:])
	return field, value, nil
}

// feedHeaders re-scans HeaderBuf.Bytes() from the last unprocessed offset
// for complete \n-terminated lines, tolerating obs-fold continuations, and
// returns stop=true once headers-complete (or a search match) fires.
func feedHeaders(r *Response) (stop bool, err error) {
	buf := r.HeaderBuf.Bytes()
	for {
		rest := buf[r.headerScanOffset:]
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			return false, nil
		}
		lineEnd := r.headerScanOffset + idx + 1
		raw := buf[r.headerScanOffset:lineEnd]
		r.headerScanOffset = lineEnd
		trimmed := strings.TrimRight(string(raw), "\r\n")

		if !r.sawStatusLine {
			table.OnMessageBegin(r)
			code, perr := parseStatusLine(trimmed)
			if perr != nil {
				return true, perr
			}
			table.OnStatus(r, code)
			r.sawStatusLine = true
			continue
		}

		if len(trimmed) == 0 {
			// OnHeadersComplete's skip-body verdict is already recorded in
			// r.mode; the header phase itself always stops here.
			table.OnHeadersComplete(r)
			return true, nil
		}

		if (raw[0] == ' ' || raw[0] == '\t') && r.lastHeaderField != "" {
			// obs-fold continuation of the previous header's value
			if table.OnHeaderValue(r, r.lastHeaderField, strings.TrimSpace(trimmed)) {
				return true, nil
			}
			continue
		}

		field, value, perr := splitHeaderLine(trimmed)
		if perr != nil {
			return true, perr
		}
		if table.OnHeaderField(r, field) {
			return true, nil
		}
		if table.OnHeaderValue(r, field, value) {
			return true, nil
		}
	}
}

// feedBody consumes newly-arrived raw bytes (already copied into src) using
// the active body mode, invoking OnBody/OnChunkHeader/OnMessageComplete.
func feedBody(r *Response, src []byte) (consumed int, err error) {
	switch r.mode {
	case bodyModeNone:
		table.OnMessageComplete(r)
		return 0, nil
	case bodyModeContentLength:
		take := src
		if int64(len(take)) > r.chunkRemaining {
			take = take[:r.chunkRemaining]
		}
		if table.OnBody(r, take) {
			return len(take), r.BodyRxStatus
		}
		r.chunkRemaining -= int64(len(take))
		consumed += len(take)
		if r.chunkRemaining == 0 {
			table.OnMessageComplete(r)
		}
		return consumed, nil
	case bodyModeUntilClose:
		if table.OnBody(r, src) {
			return len(src), r.BodyRxStatus
		}
		return len(src), nil
	case bodyModeChunked:
		return feedChunked(r, src)
	default:
		return 0, nil
	}
}

// feedChunked decodes chunked-transfer framing, which may span many calls
// when a chunk-size line, trailing CRLF, or trailer line is split across
// transport reads. The line-oriented phases (0, 2, 3) always report the
// full length of src as consumed: any bytes short of a terminating '\n' are
// parked in r.lineAccum rather than handed back to the caller, since the
// caller has already pulled them off the wire and has nowhere else to put
// them. Only phase 1 (chunk data) can return a partial consumed count.
func feedChunked(r *Response, src []byte) (int, error) {
	pos := 0
	for pos < len(src) {
		switch r.chunkPhase {
		case 0, 2, 3: // line-oriented: size-line, trailing CRLF, trailer-line
			idx := bytes.IndexByte(src[pos:], '\n')
			if idx < 0 {
				if len(r.lineAccum)+len(src)-pos > constants.MaxChunkFramingLineSize {
					return len(src), status.New(status.ParsingError, "parser.feedChunked",
						"chunk framing line exceeds maximum length", nil)
				}
				r.lineAccum = append(r.lineAccum, src[pos:]...)
				return len(src), nil
			}
			r.lineAccum = append(r.lineAccum, src[pos:pos+idx+1]...)
			pos += idx + 1
			line := strings.TrimRight(string(r.lineAccum), "\r\n")
			r.lineAccum = r.lineAccum[:0]

			switch r.chunkPhase {
			case 0:
				if semi := strings.IndexByte(line, ';'); semi >= 0 {
					line = line[:semi]
				}
				size, perr := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
				if perr != nil {
					return pos, status.New(status.ParsingError, "parser.feedChunked", "bad chunk size", perr)
				}
				table.OnChunkHeader(r, size)
				r.chunkRemaining = size
				if size == 0 {
					r.chunkPhase = 3
				} else {
					r.chunkPhase = 1
				}
			case 2:
				table.OnChunkComplete(r)
				r.chunkPhase = 0
			case 3:
				if line == "" {
					table.OnMessageComplete(r)
					return pos, nil
				}
			}
		case 1: // chunk data
			take := src[pos:]
			if int64(len(take)) > r.chunkRemaining {
				take = take[:r.chunkRemaining]
			}
			if table.OnBody(r, take) {
				return pos + len(take), r.BodyRxStatus
			}
			pos += len(take)
			r.chunkRemaining -= int64(len(take))
			if r.chunkRemaining == 0 {
				r.chunkPhase = 2
			}
		}
	}
	return pos, nil
}

// ReceiveMessage is the driver loop of §4.2: while the parser state is below
// target, pull more bytes via network.RecvSome into the live cursor and feed
// them, tolerating the documented "trailing bytes past end of message"
// outcomes, until target is reached or an unrecoverable error occurs.
func ReceiveMessage(h *network.Handle, r *Response, target ParserState, readTimeout time.Duration) error {
	for r.State < target {
		switch {
		case r.State < HeadersComplete:
			if err := receiveHeaderStep(h, r, readTimeout); err != nil {
				return err
			}
		default:
			if err := receiveBodyStep(h, r, readTimeout); err != nil {
				return err
			}
		}
	}
	return nil
}

func receiveHeaderStep(h *network.Handle, r *Response, readTimeout time.Duration) error {
	r.ProcState = FillingHeaderBuffer
	if r.HeaderBuf.Remaining() == 0 {
		return status.New(status.InsufficientMemory, "parser.ReceiveMessage",
			"header buffer full before headers complete", nil)
	}
	network.SetDeadline(h, readTimeout)
	n, rerr := network.RecvSome(h, r.HeaderBuf.Free())
	if n > 0 {
		_ = r.HeaderBuf.Advance(n)
	}
	if rerr != nil {
		return rerr
	}
	stop, ferr := feedHeaders(r)
	if ferr != nil {
		return ferr
	}
	if stop && r.State == HeadersComplete {
		if terr := onHeadersCompleteTransition(r); terr != nil {
			return terr
		}
	}
	return nil
}

// onHeadersCompleteTransition records any body bytes that rode in with the
// header read and, if a body buffer is already available, starts feeding
// them immediately. Returns an error if that immediate feed overflows the
// body buffer, so a MessageTooLarge discovered here is never silently
// dropped in favor of a later timeout waiting for bytes that will never
// arrive.
func onHeadersCompleteTransition(r *Response) error {
	leftover := r.HeaderBuf.Bytes()[r.headerScanOffset:]
	r.BodyStartInHeaderBuf = r.headerScanOffset
	r.BodyLenInHeaderBuf = len(leftover)
	if r.mode == bodyModeNone {
		r.State = BodyComplete
		return nil
	}
	r.State = InBody
	r.ProcState = FillingBodyBuffer
	if r.BodyBuf != nil {
		if len(leftover) > 0 {
			if _, err := feedBody(r, leftover); err != nil {
				return err
			}
		}
	} else {
		r.pendingHandoff = len(leftover) > 0
	}
	return nil
}

func receiveBodyStep(h *network.Handle, r *Response, readTimeout time.Duration) error {
	if r.BodyBuf == nil {
		// async mode, no buffer yet: caller must supply one via
		// read_response_body before more bytes can be consumed.
		return status.New(status.NotSupported, "parser.ReceiveMessage",
			"no body buffer registered", nil)
	}
	if r.pendingHandoff {
		leftover := r.HeaderBuf.Bytes()[r.BodyStartInHeaderBuf : r.BodyStartInHeaderBuf+r.BodyLenInHeaderBuf]
		r.pendingHandoff = false
		if _, err := feedBody(r, leftover); err != nil {
			return err
		}
		if r.State == BodyComplete {
			return nil
		}
	}
	scratch := make([]byte, constants.FlushScratchBufferSize)
	network.SetDeadline(h, readTimeout)
	n, rerr := network.RecvSome(h, scratch)
	if rerr != nil {
		if r.mode == bodyModeUntilClose && errors.Is(rerr, io.EOF) {
			// A close-delimited body (no Content-Length, not chunked) is
			// only ever terminated by the peer closing the connection;
			// that EOF is the expected completion signal, not a failure.
			table.OnMessageComplete(r)
			return nil
		}
		return rerr
	}
	if n == 0 {
		return nil
	}
	_, ferr := feedBody(r, scratch[:n])
	return ferr
}

// HasPendingHandoff reports whether body bytes arrived inside the header
// buffer during the headers read and are still waiting for the application
// to supply a body buffer via read_response_body.
func (r *Response) HasPendingHandoff() bool {
	return r.pendingHandoff
}

// TakePendingHandoff returns the leftover body bytes recorded at
// headers-complete and clears the pending flag.
func (r *Response) TakePendingHandoff() []byte {
	if !r.pendingHandoff {
		return nil
	}
	r.pendingHandoff = false
	return r.HeaderBuf.Bytes()[r.BodyStartInHeaderBuf : r.BodyStartInHeaderBuf+r.BodyLenInHeaderBuf]
}

// SetBodyBuffer registers buf as the active body region, used the first
// time async mode's read_response_body supplies a buffer.
func (r *Response) SetBodyBuffer(buf *buffer.Region) {
	r.BodyBuf = buf
}

// ModeUntilClose is the body mode for a response with neither
// Content-Length nor chunked Transfer-Encoding: its body ends only when the
// peer closes the connection. Exported so callers driving their own receive
// loop (pkg/conn's async body loop) can recognize that an EOF there means
// completion, not failure.
const ModeUntilClose = bodyModeUntilClose

// BodyMode reports the response's active body-framing mode.
func (r *Response) BodyMode() bodyMode { return r.mode }

// MarkBodyComplete transitions the response straight to BodyComplete,
// invoked by a caller-owned receive loop when it has recognized the
// close-delimited body's terminating EOF itself.
func (r *Response) MarkBodyComplete() {
	r.State = BodyComplete
	r.bodyDone = true
}

// FeedBody drives the active body mode over one freshly-received raw chunk.
// Exported for the async per-call read_response_body loop in pkg/conn and
// for engine.Flush, which own their receive step rather than
// ReceiveMessage's blocking one.
func FeedBody(r *Response, raw []byte) error {
	_, err := feedBody(r, raw)
	return err
}

// SearchHeader reuses the settings table over the already-filled header
// buffer to look up a named field, per §4.4's read-header operation. It
// never perturbs the live ParserState/ProcState of an in-flight receive:
// it saves ProcState and the tokenizer's scan fields itself and restores
// them before returning.
func SearchHeader(r *Response, name string) (string, error) {
	saved := *r
	restore := func() {
		procState, headerScanOffset, sawStatusLine := saved.ProcState, saved.headerScanOffset, saved.sawStatusLine
		lastHeaderField, foundHeaderField := saved.lastHeaderField, saved.foundHeaderField
		foundHeader, foundHeaderValue, readHeaderField := saved.foundHeader, saved.FoundHeaderValue, saved.readHeaderField
		r.ProcState = procState
		r.headerScanOffset = headerScanOffset
		r.sawStatusLine = sawStatusLine
		r.lastHeaderField = lastHeaderField
		r.foundHeaderField = foundHeaderField
		r.foundHeader = foundHeader
		r.FoundHeaderValue = foundHeaderValue
		r.readHeaderField = readHeaderField
	}
	defer restore()

	r.ProcState = SearchingHeaderBuffer
	r.headerScanOffset = 0
	r.sawStatusLine = false
	r.lastHeaderField = ""
	r.foundHeaderField = false
	r.foundHeader = false
	r.FoundHeaderValue = ""
	r.readHeaderField = name

	if _, err := feedHeaders(r); err != nil {
		return "", err
	}
	found, value := r.foundHeader, r.FoundHeaderValue
	if !found {
		return "", status.New(status.NotFound, "parser.SearchHeader", "header not present", nil)
	}
	return value, nil
}
