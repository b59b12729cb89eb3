// Package coreshttps is an HTTPS request/response engine for constrained
// devices: it formats and transmits HTTP/1.1 requests over a TLS-secured
// byte stream and parses the response into caller-supplied, bounded byte
// buffers. The wire-data path never allocates a new backing array; only
// the small bookkeeping structs below are heap-allocated, which Go cannot
// avoid but which does not affect the memory bound that matters on a
// constrained device.
//
// Two execution modes are supported: synchronous call-and-wait (SendSync)
// and asynchronous callback-driven streaming (SendAsync), both enforcing
// at-most-one-in-flight request per Connection via a queued scheduler.
//
// Out of scope: HTTP/2, request pipelining, chunked or multi-call request
// bodies, response decompression, redirect following, cookie jars, DNS
// caching, and retries.
package coreshttps

import (
	"context"
	"time"

	"github.com/embedhttps/coreshttps/pkg/buffer"
	"github.com/embedhttps/coreshttps/pkg/conn"
	"github.com/embedhttps/coreshttps/pkg/constants"
	"github.com/embedhttps/coreshttps/pkg/engine"
	"github.com/embedhttps/coreshttps/pkg/network"
	"github.com/embedhttps/coreshttps/pkg/parser"
	"github.com/embedhttps/coreshttps/pkg/tlsconfig"
)

// Re-exported types giving the public surface one stable import path; the
// implementations live in the leaf packages named in each doc comment.
type (
	// Connection is a TLS stream to one origin (pkg/conn).
	Connection = conn.Connection
	// ConnInfo configures Connect: origin, TLS credentials, proxy, timeout.
	ConnInfo = conn.Info
	// Request is one outgoing HTTP/1.1 message (pkg/engine).
	Request = engine.Request
	// RequestInfo configures InitializeRequest: method, path, host, etc.
	RequestInfo = engine.RequestInfo
	// Response is one in-flight/received HTTP/1.1 response (pkg/parser).
	Response = parser.Response
	// AsyncCallbacks are the hooks SendAsync drives as a response streams in.
	AsyncCallbacks = conn.AsyncCallbacks
	// Credentials configures TLS identity and trust for Connect.
	Credentials = tlsconfig.Credentials
	// ProxyConfig configures an upstream SOCKS5 proxy for Connect.
	ProxyConfig = network.ProxyConfig
)

// Minimum buffer sizes, exported per §3's invariant.
const (
	MinRequestBufferSize    = constants.MinRequestBufferSize
	MinResponseBufferSize   = constants.MinResponseBufferSize
	MinConnectionBufferSize = constants.MinConnectionBufferSize
)

// Init performs process-wide setup. Called once before any other function
// in this package; present for symmetry with Deinit and with the embedded
// library's init()/deinit() pair, though Go's package-level sync.Once
// already makes most internal state self-initializing.
func Init() {}

// Deinit releases the process-wide task pool's goroutines. Call once at
// shutdown, after every Connection has been disconnected.
func Deinit() {
	conn.ReleaseSharedPool()
}

// Connect establishes a TLS (or, with info.IsNonTLS, plain TCP) stream to
// the origin named in info.
func Connect(ctx context.Context, info ConnInfo) (*Connection, error) {
	return conn.Connect(ctx, info)
}

// Disconnect tears down the connection. Returns a Busy status if a request
// is still sending.
func Disconnect(c *Connection) error {
	return conn.Disconnect(c)
}

// NewRequest wraps the caller's raw byte slices as bounded regions and
// formats the request line and default headers into reqBuf, pairing it
// with a fresh Response bound to respHeaderBuf and (optionally, nil in
// async mode) respBodyBuf. connInfo is optional (nil is fine when the
// caller already holds a connected *Connection); when set, it is carried on
// the Request so SendSync/SendAsync can implicit-connect with it.
func NewRequest(reqBuf, respHeaderBuf, respBodyBuf []byte, info RequestInfo, connInfo *ConnInfo) (*Request, *Response, error) {
	var bodyRegion *buffer.Region
	if respBodyBuf != nil {
		bodyRegion = buffer.NewRegion(respBodyBuf)
	}
	req, resp, err := engine.InitializeRequest(
		buffer.NewRegion(reqBuf),
		buffer.NewRegion(respHeaderBuf),
		bodyRegion,
		info,
	)
	if err != nil {
		return nil, nil, err
	}
	if connInfo != nil {
		req.SetConnInfo(*connInfo)
	}
	return req, resp, nil
}

// AddHeader appends one request header, rejecting the four auto-generated
// names (Content-Length, Connection, Host, User-Agent).
func AddHeader(req *Request, name, value string) error {
	return engine.AddHeader(req, name, value)
}

// WriteRequestBody registers req's body exactly once. isComplete must be
// true: chunked/streaming request uploads are not supported.
func WriteRequestBody(req *Request, body []byte, isComplete bool) error {
	return engine.WriteRequestBody(req, body, isComplete)
}

// SendSync submits req on c and blocks until resp completes or timeout
// elapses (0 waits indefinitely). c may be nil if req was built with
// NewRequest's connInfo argument, in which case the connection dialed for
// this call is returned for the caller to reuse.
func SendSync(c *Connection, req *Request, resp *Response, timeout time.Duration) (*Connection, error) {
	return conn.SendSync(c, req, resp, timeout)
}

// SendAsync submits req on c and returns immediately; callbacks fire from
// c's receive-ready goroutine as the response streams in. See SendSync for
// the implicit-connect contract when c is nil.
func SendAsync(c *Connection, req *Request, resp *Response, callbacks AsyncCallbacks) (*Connection, error) {
	return conn.SendAsync(c, req, resp, callbacks)
}

// ReadResponseBody copies currently-staged body bytes into buf; meant to be
// called from within an AsyncCallbacks.OnBodyReady hook.
func ReadResponseBody(resp *Response, buf []byte) (int, error) {
	return conn.ReadResponseBody(resp, buf)
}

// CancelRequest cooperatively cancels req/resp; checked at the safe points
// named in §5 of the engine's concurrency model.
func CancelRequest(req *Request, resp *Response) error {
	return conn.Cancel(req, resp)
}

// ReadResponseStatus returns the parsed HTTP status code.
func ReadResponseStatus(resp *Response) (int, error) {
	return conn.ReadResponseStatus(resp)
}

// ReadHeader looks up a named response header by re-running the parser's
// search pass over the already-filled header buffer.
func ReadHeader(resp *Response, name string) (string, error) {
	return conn.ReadHeader(resp, name)
}

// ReadContentLength returns the response's declared Content-Length, or a
// NotFound status if the server didn't send one.
func ReadContentLength(resp *Response) (int64, error) {
	return conn.ReadContentLength(resp)
}
