// Package engine is the Message Engine: it formats the request line and
// default headers into the caller's request buffer, appends user headers,
// transmits headers then body, drives the Parser Driver to fill the
// caller's header and body buffers, and performs a terminal flush of any
// unread response bytes. Exactly the responsibilities named in §4.3;
// formatting writes directly into the caller's byte regions, never
// allocating a new backing array for the message itself.
package engine

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/embedhttps/coreshttps/pkg/buffer"
	"github.com/embedhttps/coreshttps/pkg/constants"
	"github.com/embedhttps/coreshttps/pkg/logging"
	"github.com/embedhttps/coreshttps/pkg/network"
	"github.com/embedhttps/coreshttps/pkg/parser"
	"github.com/embedhttps/coreshttps/pkg/status"
)

var autoGeneratedHeaders = map[string]bool{
	"Content-Length": true,
	"Connection":     true,
	"Host":           true,
	"User-Agent":     true,
}

// RequestInfo names what initialize_request formats into the request
// buffer.
type RequestInfo struct {
	Method          string
	Path            string
	Host            string
	UserAgent       string
	IsNonPersistent bool
	IsAsync         bool
}

// Request is the engine's view of one outgoing message: the formatted
// header block living in the caller's request buffer, plus the body bytes
// (fully known before Send, since chunked/streaming uploads are out of
// scope) and the bookkeeping flags §3 names.
type Request struct {
	HeaderBuf *buffer.Region
	Body      []byte

	Method          string
	IsNonPersistent bool
	IsAsync         bool

	// ConnInfo optionally carries the origin/credentials to implicit-connect
	// with, per §4.4: if the submit path observes a nil or disconnected
	// connection, it dials using this instead of failing outright. Opaque to
	// engine itself (a conn.Info value for the one caller that interprets it,
	// pkg/conn, which sits above engine in the import graph).
	ConnInfo interface{}

	finishedSending atomic.Bool
	cancelled       atomic.Bool
	bodySet         bool
}

// SetConnInfo records connInfo for implicit connect.
func (r *Request) SetConnInfo(connInfo interface{}) { r.ConnInfo = connInfo }

// Cancel marks the request cancelled; checked cooperatively at the safe
// points named in §5.
func (r *Request) Cancel() { r.cancelled.Store(true) }

// Cancelled reports whether Cancel has been called.
func (r *Request) Cancelled() bool { return r.cancelled.Load() }

// FinishedSending reports whether Send completed successfully.
func (r *Request) FinishedSending() bool { return r.finishedSending.Load() }

// InitializeRequest formats the request line and default headers into
// reqBuf, and initializes a fresh Response bound to the header/body
// buffers. Fails with InsufficientMemory if reqBuf cannot hold the default
// lines. Idempotent: called twice on a zeroed reqBuf, it writes the same
// bytes both times.
func InitializeRequest(reqBuf, respHdrBuf, respBodyBuf *buffer.Region, info RequestInfo) (*Request, *parser.Response, error) {
	path := info.Path
	if path == "" {
		path = "/"
	}
	ua := info.UserAgent
	if ua == "" {
		ua = constants.DefaultUserAgent
	}

	reqBuf.Reset()
	lines := fmt.Sprintf("%s %s HTTP/1.1\r\nUser-Agent: %s\r\nHost: %s\r\n", info.Method, path, ua, info.Host)
	if err := reqBuf.Append([]byte(lines)); err != nil {
		return nil, nil, status.New(status.InsufficientMemory, "engine.InitializeRequest",
			"request buffer too small for default header lines", err)
	}

	resp := parser.NewResponse(respHdrBuf, respBodyBuf)
	resp.ResetForReceive()
	resp.SkipBody = strings.EqualFold(info.Method, "HEAD")

	req := &Request{
		HeaderBuf:       reqBuf,
		Method:          info.Method,
		IsNonPersistent: info.IsNonPersistent,
		IsAsync:         info.IsAsync,
	}
	return req, resp, nil
}

// AddHeader appends "name: value\r\n" to the request's header area,
// reserving 2 bytes for the terminating blank line. Rejects the four
// auto-generated header names.
func AddHeader(req *Request, name, value string) error {
	if autoGeneratedHeaders[canonicalName(name)] {
		return status.New(status.InvalidParameter, "engine.AddHeader",
			fmt.Sprintf("%q is auto-generated and cannot be set directly", name), nil)
	}
	line := fmt.Sprintf("%s: %s\r\n", name, value)
	if req.HeaderBuf.Len()+len(line)+2 > req.HeaderBuf.Cap() {
		return status.New(status.InsufficientMemory, "engine.AddHeader",
			"header buffer too small for additional header", nil)
	}
	return req.HeaderBuf.Append([]byte(line))
}

func canonicalName(name string) string {
	switch strings.ToLower(name) {
	case "content-length":
		return "Content-Length"
	case "connection":
		return "Connection"
	case "host":
		return "Host"
	case "user-agent":
		return "User-Agent"
	default:
		return name
	}
}

// WriteRequestBody registers req's body exactly once (async mode; sync
// callers set Body directly before Send). isComplete must be true: chunked
// or multi-call streaming uploads are out of scope, so the full body must
// be known before Send can compute Content-Length. A second call fails with
// MessageFinished, matching the single-shot write_request_body contract.
func WriteRequestBody(req *Request, body []byte, isComplete bool) error {
	if req.bodySet {
		return status.New(status.MessageFinished, "engine.WriteRequestBody",
			"request body already written", nil)
	}
	if !isComplete {
		return status.New(status.NotSupported, "engine.WriteRequestBody",
			"streaming/chunked request bodies are not supported", nil)
	}
	req.Body = append([]byte(nil), body...)
	req.bodySet = true
	return nil
}

// Send transmits the formatted header block, then the auto-generated tail
// (Content-Length iff the body is non-empty, then Connection, then the
// blank line), then the body — exactly the wire sequence named in §4.3 and
// §6, in three send_all calls so the on-wire call ordering stays observable
// for tests like scenario 6 in §8.
func Send(h *network.Handle, req *Request) error {
	if req.cancelled.Load() {
		return status.New(status.AsyncCancelled, "engine.Send", "cancelled before send", nil)
	}
	if err := network.SendAll(h, req.HeaderBuf.Bytes()); err != nil {
		return err
	}
	if req.cancelled.Load() {
		return status.New(status.AsyncCancelled, "engine.Send", "cancelled after headers", nil)
	}

	var tail strings.Builder
	if len(req.Body) > 0 {
		fmt.Fprintf(&tail, "Content-Length: %d\r\n", len(req.Body))
	}
	if req.IsNonPersistent {
		tail.WriteString("Connection: close\r\n")
	} else {
		tail.WriteString("Connection: keep-alive\r\n")
	}
	tail.WriteString("\r\n")
	if err := network.SendAll(h, []byte(tail.String())); err != nil {
		return err
	}

	if len(req.Body) > 0 {
		if req.cancelled.Load() {
			return status.New(status.AsyncCancelled, "engine.Send", "cancelled before body", nil)
		}
		if err := network.SendAll(h, req.Body); err != nil {
			return err
		}
	}
	req.finishedSending.Store(true)
	return nil
}

// Receive drives the Parser Driver to HeadersComplete then BodyComplete
// (sync mode; async mode drives its own per-call loop in pkg/conn using
// parser.FeedBody directly and never calls this for the body phase once a
// buffer is outstanding).
func Receive(h *network.Handle, resp *parser.Response, readTimeout time.Duration) error {
	return parser.ReceiveMessage(h, resp, parser.BodyComplete, readTimeout)
}

// ReceiveHeaders drives the Parser Driver only to HeadersComplete, used by
// async mode before it starts invoking the application's read-ready
// callback for the body phase.
func ReceiveHeaders(h *network.Handle, resp *parser.Response, readTimeout time.Duration) error {
	return parser.ReceiveMessage(h, resp, parser.HeadersComplete, readTimeout)
}

// Flush drains and discards any remaining response bytes into a fixed
// scratch buffer until the parser reaches BodyComplete or the network
// yields a timeout. Timeouts are treated as "nothing more"; other network
// errors are logged and flushing stops rather than blocking teardown.
func Flush(h *network.Handle, resp *parser.Response, readTimeout time.Duration) error {
	if resp.State >= parser.BodyComplete {
		return nil
	}
	scratch := make([]byte, constants.FlushScratchBufferSize)
	for resp.State < parser.BodyComplete {
		network.SetDeadline(h, readTimeout)
		n, err := network.RecvSome(h, scratch)
		if err != nil {
			if status.IsTimeout(err) {
				return nil
			}
			logging.Debugf("engine.Flush", "stopping drain after network error: %v", err)
			return nil
		}
		if n == 0 {
			return nil
		}
		if ferr := parser.FeedBody(resp, scratch[:n]); ferr != nil {
			logging.Debugf("engine.Flush", "stopping drain after parse error: %v", ferr)
			return nil
		}
	}
	return nil
}
