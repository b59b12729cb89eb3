// Package conn is the Connection & Scheduler: it owns the request FIFO per
// connection, enforces at-most-one-in-flight, dispatches asynchronous sends
// via a shared task pool, routes the network receive-ready notification to
// the Message Engine, surfaces completion to waiters or async callbacks,
// and manages connect/disconnect. This adopts Snapshot A of the two
// architectures on record (queued per-connection FIFOs, a task pool, and a
// non-blocking receive dispatcher) as authoritative.
package conn

import (
	"container/list"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/embedhttps/coreshttps/pkg/buffer"
	"github.com/embedhttps/coreshttps/pkg/constants"
	"github.com/embedhttps/coreshttps/pkg/engine"
	"github.com/embedhttps/coreshttps/pkg/logging"
	"github.com/embedhttps/coreshttps/pkg/network"
	"github.com/embedhttps/coreshttps/pkg/parser"
	"github.com/embedhttps/coreshttps/pkg/status"
	"github.com/embedhttps/coreshttps/pkg/timing"
	"github.com/embedhttps/coreshttps/pkg/tlsconfig"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/semaphore"
)

var (
	poolOnce sync.Once
	taskPool *ants.Pool
)

func sharedPool() *ants.Pool {
	poolOnce.Do(func() {
		p, err := ants.NewPool(256, ants.WithNonblocking(false))
		if err != nil {
			logging.Errorf("conn.sharedPool", err, "ants pool init failed, falling back to bare goroutines")
			return
		}
		taskPool = p
	})
	return taskPool
}

// ReleaseSharedPool releases the process-wide task pool's goroutines. Meant
// to be called once at library teardown (coreshttps.Deinit).
func ReleaseSharedPool() {
	if taskPool != nil {
		taskPool.Release()
	}
}

func submitTask(fn func()) error {
	p := sharedPool()
	if p == nil {
		go fn()
		return nil
	}
	if err := p.Submit(fn); err != nil {
		return status.New(status.AsyncSchedulingError, "conn.submitTask", "task pool submission failed", err)
	}
	return nil
}

// Info names an origin plus the per-connection options of §6's
// configuration table: TLS credentials, an optional SOCKS5 proxy, and the
// per-receive response timeout (0 selects the library default).
type Info struct {
	Host            string
	Port            int
	IsNonTLS        bool
	Credentials     *tlsconfig.Credentials
	Proxy           *network.ProxyConfig
	ResponseTimeout time.Duration
}

// AsyncCallbacks are the application-registered hooks for one async
// request: OnBodyReady fires once per staged body chunk (the application
// is expected to call ReadResponseBody inside it), OnComplete fires exactly
// once when the response finishes, OnError fires for any terminal failure.
type AsyncCallbacks struct {
	OnBodyReady func(resp *parser.Response) (cont bool)
	OnComplete  func()
	OnError     func(err error)
}

// Connection represents a TLS stream to one origin, per §3: a transport
// handle, a bounded request queue, and the synchronization needed to
// enforce at-most-one-in-flight.
type Connection struct {
	info   Info
	handle *network.Handle
	meta   *network.ConnMetadata

	// ttfbTimer marks request-sent/first-byte-arrived for the exchange
	// currently in flight; its TTFB phase is folded into meta.Timing after
	// each response so the connect-time DNS/TCP/TLS phases and the
	// most-recent request's TTFB live on the same surfaced Metrics value.
	ttfbTimer *timing.Timer

	connected atomic.Bool

	reqQMutex sync.Mutex
	reqQueue  *list.List

	respQMutex sync.Mutex
	respQueue  *list.List

	disconnectOnce sync.Once
}

type exchange struct {
	req   *engine.Request
	resp  *parser.Response
	async bool
	hooks AsyncCallbacks
	sem   *semaphore.Weighted

	reqElem  *list.Element
	respElem *list.Element

	sentAt time.Time

	result error
	once   sync.Once
}

// Connect validates info and establishes the TLS stream, matching §4.4's
// Connect sequence (minus the C-string marshalling, which Go's net package
// makes unnecessary).
func Connect(ctx context.Context, info Info) (*Connection, error) {
	if info.Host == "" {
		return nil, status.New(status.InvalidParameter, "conn.Connect", "empty host", nil)
	}
	if len(info.Host) > constants.MaxHostLength {
		return nil, status.New(status.InvalidParameter, "conn.Connect", "host exceeds MaxHostLength", nil)
	}
	if info.ResponseTimeout == 0 {
		info.ResponseTimeout = constants.DefaultReadTimeout
	}

	h, meta, err := network.Create(ctx, network.ServerInfo{
		Host: info.Host, Port: info.Port, IsNonTLS: info.IsNonTLS, Proxy: info.Proxy,
	}, info.Credentials)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		info:      info,
		handle:    h,
		meta:      meta,
		ttfbTimer: timing.NewTimer(),
		reqQueue:  list.New(),
		respQueue: list.New(),
	}
	c.connected.Store(true)
	network.SetReceiveCallback(h, c.onReceiveReady)
	return c, nil
}

// Connected reports whether the connection currently has a live transport
// handle.
func (c *Connection) Connected() bool { return c.connected.Load() }

// Metadata returns the ambient connection diagnostics captured at Connect.
func (c *Connection) Metadata() *network.ConnMetadata { return c.meta }

// Disconnect tears down the transport. Reports Busy if the head-of-queue
// request has not finished sending. Clears both FIFOs once the transport is
// down — callers reach this path with no exchange still threading through
// finishAndAdvance, so there is no other dequeue racing the Init() calls.
func Disconnect(c *Connection) error {
	c.reqQMutex.Lock()
	if front := c.reqQueue.Front(); front != nil {
		ex := front.Value.(*exchange)
		if !ex.req.FinishedSending() {
			c.reqQMutex.Unlock()
			return status.New(status.Busy, "conn.Disconnect", "request still sending", nil)
		}
	}
	c.reqQMutex.Unlock()

	c.closeTransportOnce()

	c.reqQMutex.Lock()
	c.reqQueue.Init()
	c.reqQMutex.Unlock()

	c.respQMutex.Lock()
	c.respQueue.Init()
	c.respQMutex.Unlock()

	return nil
}

// closeTransportOnce marks the connection dead and closes the transport
// handle, exactly once regardless of how many paths race to call it. It
// never touches reqQueue/respQueue: callers that still have an exchange
// working its way through finishAndAdvance must let that path perform the
// one legitimate dequeue, or the element's stale list pointers from a
// concurrent container/list.Init() drive the list length negative and crash
// the next Front() lookup.
func (c *Connection) closeTransportOnce() {
	c.disconnectOnce.Do(func() {
		c.connected.Store(false)
		network.Close(c.handle)
	})
}

func (c *Connection) fatalDisconnect(op string, cause error) {
	logging.Errorf(op, cause, "fatal protocol violation, disconnecting")
	c.closeTransportOnce()
}

// implicitConnect dials using req's stored connection-info when c is nil or
// disconnected, per §4.4: "If the submit path observes a null connection
// handle or a disconnected one, it invokes Connect using the Request's
// stored connection-info; fails with InvalidParameter if none was provided."
func implicitConnect(ctx context.Context, c *Connection, req *engine.Request, op string) (*Connection, error) {
	if c != nil && c.connected.Load() {
		return c, nil
	}
	info, ok := req.ConnInfo.(Info)
	if !ok {
		return nil, status.New(status.InvalidParameter, op,
			"connection is nil or disconnected and request carries no connection-info", nil)
	}
	return Connect(ctx, info)
}

// SendSync submits req and blocks until its Response completes or timeout
// elapses, per §6's send_sync. A zero timeout waits indefinitely. c may be
// nil; the Connection actually used (freshly dialed via implicit connect, or
// c itself) is always returned so the caller can reuse it for later calls.
func SendSync(c *Connection, req *engine.Request, resp *parser.Response, timeout time.Duration) (*Connection, error) {
	if req.IsAsync {
		return nil, status.New(status.InvalidParameter, "conn.SendSync",
			"request was initialized with IsAsync; use SendAsync", nil)
	}
	c, err := implicitConnect(context.Background(), c, req, "conn.SendSync")
	if err != nil {
		return nil, err
	}
	sem := semaphore.NewWeighted(1)
	_ = sem.Acquire(context.Background(), 1)
	ex := &exchange{req: req, resp: resp, sem: sem}

	if err := c.submit(ex); err != nil {
		return c, err
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		req.Cancel()
		resp.Cancel()
		return c, status.New(status.Busy, "conn.SendSync", "timed out waiting for response", err)
	}
	return c, ex.result
}

// SendAsync submits req and returns immediately; hooks are invoked from the
// connection's receive-ready goroutine as the response progresses. c may be
// nil; see SendSync for the implicit-connect contract.
func SendAsync(c *Connection, req *engine.Request, resp *parser.Response, hooks AsyncCallbacks) (*Connection, error) {
	if !req.IsAsync {
		return nil, status.New(status.InvalidParameter, "conn.SendAsync",
			"request was not initialized with IsAsync; use SendSync", nil)
	}
	c, err := implicitConnect(context.Background(), c, req, "conn.SendAsync")
	if err != nil {
		return nil, err
	}
	ex := &exchange{req: req, resp: resp, async: true, hooks: hooks}
	return c, c.submit(ex)
}

func (c *Connection) submit(ex *exchange) error {
	c.reqQMutex.Lock()
	wasEmpty := c.reqQueue.Len() == 0
	ex.reqElem = c.reqQueue.PushBack(ex)
	c.reqQMutex.Unlock()

	if wasEmpty {
		return c.scheduleSend(ex)
	}
	return nil
}

func (c *Connection) scheduleSend(ex *exchange) error {
	err := submitTask(func() { c.runSendTask(ex) })
	if err != nil {
		ex.finish(err)
		return err
	}
	return nil
}

func (c *Connection) runSendTask(ex *exchange) {
	c.respQMutex.Lock()
	ex.respElem = c.respQueue.PushBack(ex)
	c.respQMutex.Unlock()

	if ex.req.Cancelled() {
		c.abortExchange(ex, status.New(status.AsyncCancelled, "conn.runSendTask", "cancelled before send", nil))
		return
	}
	if err := engine.Send(c.handle, ex.req); err != nil {
		c.abortExchange(ex, err)
		return
	}
	ex.sentAt = time.Now()
	c.ttfbTimer.StartTTFB()
	// success: the receive-ready dispatcher completes this exchange once
	// the server responds.
}

// abortExchange removes ex from both queues, schedules the next queued
// request if any, and delivers the error to the waiter/callbacks. Used when
// the send phase itself fails, since the response will never arrive.
func (c *Connection) abortExchange(ex *exchange, err error) {
	c.respQMutex.Lock()
	if ex.respElem != nil {
		c.respQueue.Remove(ex.respElem)
	}
	c.respQMutex.Unlock()

	next := c.dequeueAndPeekNext(ex)
	if next != nil {
		c.scheduleSend(next)
	}
	ex.finish(err)
}

func (c *Connection) dequeueAndPeekNext(ex *exchange) *exchange {
	c.reqQMutex.Lock()
	defer c.reqQMutex.Unlock()
	if ex.reqElem != nil {
		c.reqQueue.Remove(ex.reqElem)
	}
	if front := c.reqQueue.Front(); front != nil {
		return front.Value.(*exchange)
	}
	return nil
}

// onReceiveReady is invoked on the transport-owned goroutine each time the
// socket has at least one unread byte. It implements §4.4's receive
// dispatch: dequeue the response FIFO head, validate protocol ordering,
// drive the Message Engine, flush or disconnect, then dequeue the request
// and schedule the next one.
func (c *Connection) onReceiveReady() {
	c.respQMutex.Lock()
	frontElem := c.respQueue.Front()
	if frontElem == nil {
		c.respQMutex.Unlock()
		c.fatalDisconnect("conn.onReceiveReady", status.New(status.InternalError,
			"conn.onReceiveReady", "data arrived with no pending response", nil))
		return
	}
	ex := frontElem.Value.(*exchange)
	c.respQueue.Remove(frontElem)
	c.respQMutex.Unlock()

	// The dispatcher only fires once per response (each call drains a full
	// message before looping back to Peek(1)), so this invocation's
	// timestamp is the first-byte-arrival time for ex.
	if !ex.sentAt.IsZero() {
		ex.resp.TTFB = time.Since(ex.sentAt)
		c.ttfbTimer.EndTTFB()
		c.meta.Timing.TTFB = c.ttfbTimer.Metrics().TTFB
	}

	if !ex.req.FinishedSending() {
		c.fatalDisconnect("conn.onReceiveReady", status.New(status.InternalError,
			"conn.onReceiveReady", "data arrived before request finished sending", nil))
		c.finishAndAdvance(ex, status.New(status.InternalError, "conn.onReceiveReady",
			"rogue server: response before request complete", nil))
		return
	}

	var recvErr error
	if ex.req.Cancelled() || ex.resp.Cancelled() {
		recvErr = status.New(status.AsyncCancelled, "conn.onReceiveReady", "cancelled before receive", nil)
	} else if ex.async {
		recvErr = engine.ReceiveHeaders(c.handle, ex.resp, c.info.ResponseTimeout)
		if recvErr == nil {
			recvErr = c.runAsyncBodyLoop(ex)
		}
	} else {
		recvErr = engine.Receive(c.handle, ex.resp, c.info.ResponseTimeout)
	}

	fatal := recvErr != nil && status.Of(recvErr) == status.ParsingError
	if fatal {
		c.fatalDisconnect("conn.onReceiveReady", recvErr)
	} else if ex.req.IsNonPersistent {
		// Close the transport only; ex is still this connection's sole
		// reqQueue entry and must be dequeued by finishAndAdvance below, not
		// wiped out from under it by Disconnect's queue Init().
		c.closeTransportOnce()
	} else {
		_ = engine.Flush(c.handle, ex.resp, c.info.ResponseTimeout)
	}

	c.finishAndAdvance(ex, recvErr)
}

func (c *Connection) finishAndAdvance(ex *exchange, err error) {
	next := c.dequeueAndPeekNext(ex)
	if next != nil {
		_ = c.scheduleSend(next)
	}
	ex.finish(err)
}

func (ex *exchange) finish(err error) {
	ex.once.Do(func() {
		ex.result = err
		if ex.sem != nil {
			ex.sem.Release(1)
			return
		}
		if err != nil {
			if ex.hooks.OnError != nil {
				ex.hooks.OnError(err)
			}
			return
		}
		if ex.hooks.OnComplete != nil {
			ex.hooks.OnComplete()
		}
	})
}

// runAsyncBodyLoop stages one transport read at a time into a fixed-size
// body buffer, invoking OnBodyReady once per chunk, until the parser
// reaches BodyComplete or the callback/request is cancelled.
func (c *Connection) runAsyncBodyLoop(ex *exchange) error {
	resp := ex.resp
	if resp.SkipBody || resp.State >= parser.BodyComplete {
		return nil
	}
	for resp.State < parser.BodyComplete {
		if ex.req.Cancelled() || resp.Cancelled() {
			return status.New(status.AsyncCancelled, "conn.runAsyncBodyLoop", "cancelled mid-body", nil)
		}

		staging := buffer.NewRegion(make([]byte, constants.AsyncBodyChunkSize))
		resp.SetBodyBuffer(staging)

		if resp.HasPendingHandoff() {
			leftover := resp.TakePendingHandoff()
			if err := parser.FeedBody(resp, leftover); err != nil {
				return err
			}
		} else {
			network.SetDeadline(c.handle, c.info.ResponseTimeout)
			n, err := network.RecvSome(c.handle, staging.Free())
			if err != nil {
				if resp.BodyMode() == parser.ModeUntilClose && errors.Is(err, io.EOF) {
					resp.MarkBodyComplete()
					return nil
				}
				return err
			}
			if n > 0 {
				// The bytes already sit at staging's cursor; FeedBody's append
				// into the same region copies them in place and advances it.
				if err := parser.FeedBody(resp, staging.Free()[:n]); err != nil {
					return err
				}
			}
		}

		if ex.hooks.OnBodyReady != nil {
			if !ex.hooks.OnBodyReady(resp) {
				resp.Cancel()
				ex.req.Cancel()
				return status.New(status.AsyncCancelled, "conn.runAsyncBodyLoop",
					"cancelled by read-ready callback", nil)
			}
		}
	}
	return nil
}

// ReadResponseBody copies whatever body bytes are currently staged for resp
// into buf, for async mode's read_response_body pull inside OnBodyReady.
func ReadResponseBody(resp *parser.Response, buf []byte) (int, error) {
	if resp.BodyBuf == nil {
		return 0, status.New(status.NotFound, "conn.ReadResponseBody", "no body buffer staged", nil)
	}
	n := copy(buf, resp.BodyBuf.Bytes())
	return n, nil
}

// Cancel marks both the request and its response cancelled; the send task
// and the async body loop check this at their documented safe points.
func Cancel(req *engine.Request, resp *parser.Response) error {
	req.Cancel()
	if resp != nil {
		resp.Cancel()
	}
	return nil
}

// ReadHeader runs the Parser Driver's search pass over resp's already-filled
// header buffer, matching §4.4's read-header operation.
func ReadHeader(resp *parser.Response, name string) (string, error) {
	return parser.SearchHeader(resp, name)
}

// ReadResponseStatus returns the parsed status code once headers are
// complete.
func ReadResponseStatus(resp *parser.Response) (int, error) {
	if resp.State < parser.HeadersComplete {
		return 0, status.New(status.NotFound, "conn.ReadResponseStatus", "headers not yet received", nil)
	}
	return resp.StatusCode, nil
}

// ReadContentLength returns the response's declared Content-Length, or
// NotFound if the server didn't send one (e.g. chunked transfer).
func ReadContentLength(resp *parser.Response) (int64, error) {
	if !resp.HasContentLength {
		return 0, status.New(status.NotFound, "conn.ReadContentLength", "no Content-Length header", nil)
	}
	return resp.ContentLength, nil
}
