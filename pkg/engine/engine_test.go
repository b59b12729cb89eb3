package engine_test

import (
	"net"
	"testing"
	"time"

	"github.com/embedhttps/coreshttps/pkg/buffer"
	"github.com/embedhttps/coreshttps/pkg/engine"
	"github.com/embedhttps/coreshttps/pkg/network"
	"github.com/embedhttps/coreshttps/pkg/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRequestFixture(t *testing.T, info engine.RequestInfo) (*engine.Request, *buffer.Region) {
	t.Helper()
	reqBuf := buffer.NewRegion(make([]byte, 256))
	respHdrBuf := buffer.NewRegion(make([]byte, 256))
	respBodyBuf := buffer.NewRegion(make([]byte, 256))
	req, _, err := engine.InitializeRequest(reqBuf, respHdrBuf, respBodyBuf, info)
	require.NoError(t, err)
	return req, reqBuf
}

func TestInitializeRequestFormatsRequestLineAndDefaultHeaders(t *testing.T) {
	req, reqBuf := newRequestFixture(t, engine.RequestInfo{
		Method: "GET", Path: "/status", Host: "example.test",
	})
	lines := string(reqBuf.Bytes())
	assert.Equal(t, "GET /status HTTP/1.1\r\nUser-Agent: coreshttps/1.0\r\nHost: example.test\r\n", lines)
	assert.False(t, req.FinishedSending())
	assert.False(t, req.Cancelled())
}

func TestInitializeRequestDefaultsEmptyPathToSlash(t *testing.T) {
	_, reqBuf := newRequestFixture(t, engine.RequestInfo{Method: "GET", Host: "example.test"})
	assert.Contains(t, string(reqBuf.Bytes()), "GET / HTTP/1.1\r\n")
}

func TestInitializeRequestIsIdempotentOnSameBuffers(t *testing.T) {
	reqBuf := buffer.NewRegion(make([]byte, 256))
	respHdrBuf := buffer.NewRegion(make([]byte, 256))
	info := engine.RequestInfo{Method: "GET", Path: "/a", Host: "h"}

	_, _, err := engine.InitializeRequest(reqBuf, respHdrBuf, nil, info)
	require.NoError(t, err)
	first := append([]byte(nil), reqBuf.Bytes()...)

	_, _, err = engine.InitializeRequest(reqBuf, respHdrBuf, nil, info)
	require.NoError(t, err)
	assert.Equal(t, first, reqBuf.Bytes())
}

func TestInitializeRequestFailsWhenBufferTooSmall(t *testing.T) {
	reqBuf := buffer.NewRegion(make([]byte, 4))
	respHdrBuf := buffer.NewRegion(make([]byte, 64))
	_, _, err := engine.InitializeRequest(reqBuf, respHdrBuf, nil, engine.RequestInfo{
		Method: "GET", Path: "/", Host: "h",
	})
	require.Error(t, err)
	assert.Equal(t, status.InsufficientMemory, status.Of(err))
}

func TestInitializeRequestSkipsBodyForHEAD(t *testing.T) {
	reqBuf := buffer.NewRegion(make([]byte, 256))
	respHdrBuf := buffer.NewRegion(make([]byte, 256))
	_, resp, err := engine.InitializeRequest(reqBuf, respHdrBuf, nil, engine.RequestInfo{
		Method: "HEAD", Path: "/", Host: "h",
	})
	require.NoError(t, err)
	assert.True(t, resp.SkipBody)
}

func TestAddHeaderRejectsAutoGeneratedNames(t *testing.T) {
	for _, name := range []string{"Content-Length", "Connection", "Host", "User-Agent", "content-length", "HOST"} {
		req, _ := newRequestFixture(t, engine.RequestInfo{Method: "GET", Path: "/", Host: "h"})
		err := engine.AddHeader(req, name, "whatever")
		require.Error(t, err, "expected %q to be rejected", name)
		assert.Equal(t, status.InvalidParameter, status.Of(err))
	}
}

func TestAddHeaderAppendsWellFormedLine(t *testing.T) {
	req, reqBuf := newRequestFixture(t, engine.RequestInfo{Method: "GET", Path: "/", Host: "h"})
	require.NoError(t, engine.AddHeader(req, "Accept", "application/json"))
	assert.Contains(t, string(reqBuf.Bytes()), "Accept: application/json\r\n")
}

func TestAddHeaderFailsWhenNoRoomForBlankLine(t *testing.T) {
	reqBuf := buffer.NewRegion(make([]byte, 64))
	respHdrBuf := buffer.NewRegion(make([]byte, 64))
	req, _, err := engine.InitializeRequest(reqBuf, respHdrBuf, nil, engine.RequestInfo{
		Method: "GET", Path: "/", Host: "h",
	})
	require.NoError(t, err)
	// The default lines take 53 of the 64 bytes; "X-Pad: aa\r\n" fills the
	// remaining 11 exactly, leaving no room for the reserved blank line.
	err = engine.AddHeader(req, "X-Pad", "aa")
	require.Error(t, err)
	assert.Equal(t, status.InsufficientMemory, status.Of(err))
}

func TestWriteRequestBodySingleShot(t *testing.T) {
	req, _ := newRequestFixture(t, engine.RequestInfo{Method: "POST", Path: "/", Host: "h"})
	require.NoError(t, engine.WriteRequestBody(req, []byte("payload"), true))

	err := engine.WriteRequestBody(req, []byte("again"), true)
	require.Error(t, err)
	assert.Equal(t, status.MessageFinished, status.Of(err))
}

func TestWriteRequestBodyRejectsIncompleteWrites(t *testing.T) {
	req, _ := newRequestFixture(t, engine.RequestInfo{Method: "POST", Path: "/", Host: "h"})
	err := engine.WriteRequestBody(req, []byte("partial"), false)
	require.Error(t, err)
	assert.Equal(t, status.NotSupported, status.Of(err))
}

func TestSendWritesHeaderBlockAutoTailThenBody(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	h := network.NewHandle(client)

	req, _ := newRequestFixture(t, engine.RequestInfo{Method: "POST", Path: "/submit", Host: "example.test"})
	require.NoError(t, engine.AddHeader(req, "Accept", "*/*"))
	require.NoError(t, engine.WriteRequestBody(req, []byte("hello"), true))

	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 512)
		total := 0
		for {
			server.SetReadDeadline(time.Now().Add(time.Second))
			n, err := server.Read(buf[total:])
			if n > 0 {
				total += n
			}
			if err != nil {
				break
			}
		}
		readDone <- buf[:total]
	}()

	require.NoError(t, engine.Send(h, req))
	client.Close()

	got := string(<-readDone)
	assert.Equal(t,
		"POST /submit HTTP/1.1\r\n"+
			"User-Agent: coreshttps/1.0\r\n"+
			"Host: example.test\r\n"+
			"Accept: */*\r\n"+
			"Content-Length: 5\r\n"+
			"Connection: keep-alive\r\n"+
			"\r\n"+
			"hello",
		got,
	)
	assert.True(t, req.FinishedSending())
}

func TestSendMarksNonPersistentConnectionClose(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	h := network.NewHandle(client)

	req, _ := newRequestFixture(t, engine.RequestInfo{
		Method: "GET", Path: "/", Host: "h", IsNonPersistent: true,
	})

	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 512)
		total := 0
		for {
			server.SetReadDeadline(time.Now().Add(time.Second))
			n, err := server.Read(buf[total:])
			if n > 0 {
				total += n
			}
			if err != nil {
				break
			}
		}
		readDone <- buf[:total]
	}()

	require.NoError(t, engine.Send(h, req))
	client.Close()
	assert.Contains(t, string(<-readDone), "Connection: close\r\n")
}

func TestSendFailsImmediatelyWhenAlreadyCancelled(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	h := network.NewHandle(client)

	req, _ := newRequestFixture(t, engine.RequestInfo{Method: "GET", Path: "/", Host: "h"})
	req.Cancel()

	err := engine.Send(h, req)
	require.Error(t, err)
	assert.Equal(t, status.AsyncCancelled, status.Of(err))
}
