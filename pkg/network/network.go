// Package network is the Network Driver: a thin adapter over a TLS/TCP
// transport capability. It exposes blocking send_all/recv_some and installs
// one receive-ready callback per connection, and nothing else — it does not
// retry or own any timer beyond the read deadline set on the transport. Its
// only buffering is the per-handle bufio.Reader shared by the receive-ready
// Peek and RecvSome.
package network

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/embedhttps/coreshttps/pkg/constants"
	"github.com/embedhttps/coreshttps/pkg/logging"
	"github.com/embedhttps/coreshttps/pkg/status"
	"github.com/embedhttps/coreshttps/pkg/timing"
	"github.com/embedhttps/coreshttps/pkg/tlsconfig"
	netproxy "golang.org/x/net/proxy"
)

// ProxyConfig configures an upstream SOCKS5 proxy used to reach the origin.
// This is the one proxy mechanism SPEC_FULL wires (golang.org/x/net/proxy);
// HTTP CONNECT and SOCKS4 are not carried forward from the teacher.
type ProxyConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// ServerInfo names the origin to connect to.
type ServerInfo struct {
	Host     string
	Port     int
	IsNonTLS bool
	Proxy    *ProxyConfig
}

// ConnMetadata records facts about an established connection, surfaced to
// callers as an ambient diagnostic (not part of the core protocol).
type ConnMetadata struct {
	ConnectedIP        string
	ConnectedPort      int
	LocalAddr          string
	RemoteAddr         string
	TLSVersion         string
	TLSCipherSuite     string
	NegotiatedProtocol string
	Timing             timing.Metrics
}

var connIDCounter uint64

// Handle is the transport-owned connection object: the raw net.Conn, a
// buffered reader used both for the blocking receive-ready Peek and for
// actual reads, and the one registered receive-ready callback.
type Handle struct {
	id     uint64
	conn   net.Conn
	reader *bufio.Reader
	host   string
	port   int

	mu       sync.Mutex
	onReady  func()
	stopCh   chan struct{}
	stopOnce sync.Once
	closed   atomic.Bool
}

// Create dials host:port, optionally through a SOCKS5 proxy, and unless
// info.IsNonTLS upgrades the stream to TLS using creds. Mirrors the
// teacher's Transport.Connect/upgradeTLS sequence, collapsed to one
// connection per call (no pooling: the spec models one Connection per
// caller-managed TLS stream).
func Create(ctx context.Context, info ServerInfo, creds *tlsconfig.Credentials) (*Handle, *ConnMetadata, error) {
	if info.Host == "" {
		return nil, nil, status.New(status.InvalidParameter, "network.Create", "empty host", nil)
	}
	if len(info.Host) > constants.MaxHostLength {
		return nil, nil, status.New(status.InvalidParameter, "network.Create", "host exceeds MaxHostLength", nil)
	}
	port := info.Port
	if port == 0 {
		if info.IsNonTLS {
			port = 80
		} else {
			port = 443
		}
	}
	dialAddr := net.JoinHostPort(info.Host, strconv.Itoa(port))

	timer := timing.NewTimer()
	var conn net.Conn
	var err error
	if info.Proxy != nil {
		timer.StartTCP()
		conn, err = dialViaSOCKS5(ctx, info.Proxy, dialAddr)
		timer.EndTCP()
	} else {
		// Resolve and dial as separate steps (rather than letting Dialer do
		// both internally) so DNSLookup is a real measured phase instead of
		// folded into TCPConnect.
		resolveAddr := dialAddr
		if net.ParseIP(info.Host) == nil {
			timer.StartDNS()
			addrs, lerr := net.DefaultResolver.LookupHost(ctx, info.Host)
			timer.EndDNS()
			if lerr != nil {
				return nil, nil, status.NewWithAddr(status.ConnectionError, "network.Create",
					"dns lookup failed", info.Host, port, lerr)
			}
			resolveAddr = net.JoinHostPort(addrs[0], strconv.Itoa(port))
		}
		dialer := &net.Dialer{Timeout: constants.DefaultConnTimeout}
		timer.StartTCP()
		conn, err = dialer.DialContext(ctx, "tcp", resolveAddr)
		timer.EndTCP()
	}
	if err != nil {
		return nil, nil, status.NewWithAddr(status.ConnectionError, "network.Create",
			"tcp dial failed", info.Host, port, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
	}

	meta := &ConnMetadata{}
	if la := conn.LocalAddr(); la != nil {
		meta.LocalAddr = la.String()
	}
	if ra := conn.RemoteAddr(); ra != nil {
		meta.RemoteAddr = ra.String()
		if info.Proxy != nil {
			// ra names the proxy socket, not the origin behind it; report
			// the origin host we actually asked for instead.
			meta.ConnectedIP = info.Host
		} else if host, _, splitErr := net.SplitHostPort(ra.String()); splitErr == nil {
			meta.ConnectedIP = host
		}
	}
	meta.ConnectedPort = port

	if !info.IsNonTLS {
		tlsCfg, buildErr := tlsconfig.BuildConfig(creds, info.Host)
		if buildErr != nil {
			conn.Close()
			return nil, nil, status.NewWithAddr(status.ConnectionError, "network.Create",
				"tls config build failed", info.Host, port, buildErr)
		}
		handshakeCtx, cancel := context.WithTimeout(ctx, constants.DefaultConnTimeout)
		tlsConn := tls.Client(conn, tlsCfg)
		timer.StartTLS()
		hsErr := tlsConn.HandshakeContext(handshakeCtx)
		timer.EndTLS()
		cancel()
		if hsErr != nil {
			conn.Close()
			return nil, nil, status.NewWithAddr(status.ConnectionError, "network.Create",
				"tls handshake failed", info.Host, port, hsErr)
		}
		state := tlsConn.ConnectionState()
		meta.TLSVersion = tlsconfig.GetVersionName(state.Version)
		meta.TLSCipherSuite = tlsconfig.GetCipherSuiteName(state.CipherSuite)
		meta.NegotiatedProtocol = state.NegotiatedProtocol
		conn = tlsConn
		if tlsconfig.IsVersionDeprecated(state.Version) {
			logging.Debugf("network.Create",
				"negotiated deprecated TLS version %s with %s", meta.TLSVersion, info.Host)
		}
	}
	if meta.NegotiatedProtocol == "" {
		meta.NegotiatedProtocol = "HTTP/1.1"
	}
	meta.Timing = timer.Metrics()

	h := &Handle{
		id:     atomic.AddUint64(&connIDCounter, 1),
		conn:   conn,
		reader: bufio.NewReader(conn),
		host:   info.Host,
		port:   port,
		stopCh: make(chan struct{}),
	}
	return h, meta, nil
}

// NewHandle wraps an already-established net.Conn as a Handle, bypassing
// Create's dial/TLS-upgrade sequence. Used by pkg/engine and pkg/conn's
// tests to drive the Message Engine over an in-memory net.Pipe instead of a
// real socket.
func NewHandle(conn net.Conn) *Handle {
	return &Handle{
		id:     atomic.AddUint64(&connIDCounter, 1),
		conn:   conn,
		reader: bufio.NewReader(conn),
		stopCh: make(chan struct{}),
	}
}

func dialViaSOCKS5(ctx context.Context, proxy *ProxyConfig, targetAddr string) (net.Conn, error) {
	var auth *netproxy.Auth
	if proxy.Username != "" {
		auth = &netproxy.Auth{User: proxy.Username, Password: proxy.Password}
	}
	proxyAddr := net.JoinHostPort(proxy.Host, strconv.Itoa(proxy.Port))
	dialer, err := netproxy.SOCKS5("tcp", proxyAddr, auth, &net.Dialer{Timeout: constants.DefaultConnTimeout})
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}
	if ctxDialer, ok := dialer.(netproxy.ContextDialer); ok {
		return ctxDialer.DialContext(ctx, "tcp", targetAddr)
	}
	return dialer.Dial("tcp", targetAddr)
}

// SetReceiveCallback registers cb as the receive-ready notification and
// starts the transport-owned goroutine that blocks on Peek(1) and invokes cb
// once per byte-available event, until the handle is closed. cb runs
// synchronously on that goroutine — this is the "transport-owned thread" of
// §5 that the dispatcher rides to run the Message Engine.
func SetReceiveCallback(h *Handle, cb func()) {
	h.mu.Lock()
	h.onReady = cb
	h.mu.Unlock()

	go func() {
		for {
			select {
			case <-h.stopCh:
				return
			default:
			}
			if _, err := h.reader.Peek(1); err != nil {
				if h.closed.Load() {
					return
				}
				logging.Debugf("network.receiveReady", "peek on %s:%d ended: %v", h.host, h.port, err)
				return
			}
			h.mu.Lock()
			fn := h.onReady
			h.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	}()
}

// SendAll loops over conn.Write until buf is fully flushed, reporting
// status.NetworkError on any error or zero-progress write.
func SendAll(h *Handle, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := h.conn.Write(buf[total:])
		if err != nil {
			return status.New(status.NetworkError, "network.SendAll", "write failed", err)
		}
		if n == 0 {
			return status.New(status.NetworkError, "network.SendAll", "zero-progress write", nil)
		}
		total += n
	}
	return nil
}

// RecvSome performs one buffered read into buf. A deadline-exceeded read
// with zero bytes is status.TimeoutError; any other read error is
// status.NetworkError. Partial reads are normal.
func RecvSome(h *Handle, buf []byte) (int, error) {
	n, err := h.reader.Read(buf)
	if err != nil {
		if n == 0 && status.IsTimeout(err) {
			return 0, status.New(status.TimeoutError, "network.RecvSome", "receive timed out", err)
		}
		return n, status.New(status.NetworkError, "network.RecvSome", "read failed", err)
	}
	return n, nil
}

// SetDeadline sets the read deadline enforced by the next RecvSome call.
func SetDeadline(h *Handle, d time.Duration) {
	if d <= 0 {
		h.conn.SetReadDeadline(time.Time{})
		return
	}
	h.conn.SetReadDeadline(time.Now().Add(d))
}

// Close unconditionally closes the underlying connection and stops the
// receive-ready goroutine. Failures are logged, never propagated — the
// caller has already committed to teardown.
func Close(h *Handle) {
	if h == nil {
		return
	}
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.stopOnce.Do(func() { close(h.stopCh) })
	if err := h.conn.Close(); err != nil {
		logging.Errorf("network.Close", err, "close failed for %s:%d", h.host, h.port)
	}
}

// Destroy is Close under another name, matching the transport capability's
// create/close/destroy triad from spec §6; coreshttps has no separate
// handle-allocation step to release, so Destroy just guarantees teardown.
func Destroy(h *Handle) {
	Close(h)
}
