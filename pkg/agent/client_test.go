package agent

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/combust-labs/containervisor/pkg/vsockrpc"
)

// fakeAgentServer answers requests over one end of a net.Pipe, standing
// in for the in-guest agent so Client can be exercised without a real VM.
func fakeAgentServer(t *testing.T, conn *vsockrpc.Conn) {
	t.Helper()
	go func() {
		for {
			var env vsockrpc.Envelope
			if err := conn.ReadFrame(&env); err != nil {
				return
			}
			resp := vsockrpc.Envelope{ID: env.ID}
			switch env.Method {
			case "Bootstrap":
				resp.Result = json.RawMessage(`{}`)
			case "StartProcess":
				var p processIDParams
				json.Unmarshal(env.Params, &p)
				if p.ID == "missing-binary" {
					resp.Err = &vsockrpc.RPCError{Kind: "internal_error", Message: "failed to find target executable"}
				} else {
					resp.Result = json.RawMessage(`{}`)
				}
			case "WaitProcess":
				resp.Result = json.RawMessage(`{"code":42}`)
			default:
				resp.Result = json.RawMessage(`{}`)
			}
			if err := conn.WriteFrame(resp); err != nil {
				return
			}
		}
	}()
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close(); serverSide.Close() })
	fakeAgentServer(t, vsockrpc.NewConn(serverSide))
	return NewClient(vsockrpc.NewConn(clientSide))
}

func TestBootstrapAndWaitProcess(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Bootstrap(ctx, BootstrapConfig{Process: ProcessConfig{ID: "1", Args: []string{"/bin/true"}}}))

	status, err := c.WaitProcess(ctx, "1", 0)
	require.NoError(t, err)
	require.Equal(t, 42, status.Code)
}

func TestStartProcessSurfacesAgentErrorVerbatim(t *testing.T) {
	c := newTestClient(t)
	err := c.StartProcess(context.Background(), "missing-binary")
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to find target executable")
}

func TestConcurrentCallsDoNotBlockEachOther(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 81; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			status, err := c.WaitProcess(ctx, "x", 0)
			require.NoError(t, err)
			require.Equal(t, 42, status.Code)
		}(i)
	}
	wg.Wait()
}
