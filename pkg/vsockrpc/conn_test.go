package vsockrpc

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := NewConn(client)
	sc := NewConn(server)

	done := make(chan struct{})
	go func() {
		var env Envelope
		require.NoError(t, sc.ReadFrame(&env))
		require.Equal(t, "Bootstrap", env.Method)
		close(done)
	}()

	require.NoError(t, cc.WriteFrame(Envelope{ID: 1, Method: "Bootstrap"}))
	<-done
}

func TestCloseDeferredUntilFirstRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	cc := NewConn(client)
	require.NoError(t, cc.Close()) // no frame exchanged yet: must not close the pipe

	errc := make(chan error, 1)
	go func() {
		var env Envelope
		errc <- cc.ReadFrame(&env)
	}()

	sc := NewConn(server)
	require.NoError(t, sc.WriteFrame(Envelope{ID: 7}))
	require.NoError(t, <-errc)
}
