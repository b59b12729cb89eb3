package network_test

import (
	"net"
	"testing"
	"time"

	"github.com/embedhttps/coreshttps/pkg/network"
	"github.com/embedhttps/coreshttps/pkg/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendAllDeliversWholeBufferToPeer(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	hClient := network.NewHandle(client)

	done := make(chan struct{})
	var got []byte
	go func() {
		defer close(done)
		buf := make([]byte, 64)
		n, err := server.Read(buf)
		require.NoError(t, err)
		got = append([]byte(nil), buf[:n]...)
	}()

	require.NoError(t, network.SendAll(hClient, []byte("GET / HTTP/1.1\r\n\r\n")))
	<-done
	assert.Equal(t, "GET / HTTP/1.1\r\n\r\n", string(got))
}

func TestRecvSomeTimeoutReportsTimeoutStatus(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	h := network.NewHandle(client)
	network.SetDeadline(h, 20*time.Millisecond)

	buf := make([]byte, 16)
	_, err := network.RecvSome(h, buf)
	require.Error(t, err)
	assert.Equal(t, status.TimeoutError, status.Of(err))
}

func TestSetReceiveCallbackFiresOnData(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	h := network.NewHandle(client)
	fired := make(chan struct{}, 1)
	network.SetReceiveCallback(h, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	_, err := server.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("receive-ready callback never fired")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	client, _ := net.Pipe()
	h := network.NewHandle(client)
	network.Close(h)
	assert.NotPanics(t, func() { network.Close(h) })
}
