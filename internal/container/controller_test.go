package container

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/combust-labs/containervisor/pkg/agent"
	"github.com/combust-labs/containervisor/pkg/hypervisor"
	"github.com/combust-labs/containervisor/pkg/vsockrpc"
)

// fakeVMHandle is the minimal hypervisor.VMHandle a test needs.
type fakeVMHandle struct{ id string }

func (h fakeVMHandle) ID() string { return h.id }

// fakeHypervisor answers StartVM/OpenVsock/ReleaseVM entirely in memory,
// handing back one end of a net.Pipe for the agent channel and running a
// scripted guest agent on the other end.
type fakeHypervisor struct {
	mu        sync.Mutex
	started   int
	released  int
	exitCode  int
	bootstrap agent.BootstrapConfig
	gotBoot   bool
}

func (h *fakeHypervisor) StartVM(ctx context.Context, opts hypervisor.StartVMOptions) (hypervisor.VMHandle, error) {
	h.mu.Lock()
	h.started++
	h.mu.Unlock()
	return fakeVMHandle{id: "vm-1"}, nil
}

func (h *fakeHypervisor) OpenVsock(ctx context.Context, handle hypervisor.VMHandle, port uint32) (io.ReadWriteCloser, error) {
	clientSide, serverSide := net.Pipe()
	go h.serveAgent(serverSide)
	return clientSide, nil
}

func (h *fakeHypervisor) ReleaseVM(ctx context.Context, handle hypervisor.VMHandle) error {
	h.mu.Lock()
	h.released++
	h.mu.Unlock()
	return nil
}

func (h *fakeHypervisor) serveAgent(conn net.Conn) {
	c := vsockrpc.NewConn(conn)
	for {
		var env vsockrpc.Envelope
		if err := c.ReadFrame(&env); err != nil {
			return
		}
		resp := vsockrpc.Envelope{ID: env.ID, Result: json.RawMessage(`{}`)}
		switch env.Method {
		case "Bootstrap":
			var cfg agent.BootstrapConfig
			json.Unmarshal(env.Params, &cfg)
			h.mu.Lock()
			h.bootstrap = cfg
			h.gotBoot = true
			h.mu.Unlock()
		case "CreateProcess":
			resp.Result = json.RawMessage(`{"stdinPort":1,"stdoutPort":2,"stderrPort":3}`)
		case "StartProcess":
			// no-op ack
		case "WaitProcess":
			h.mu.Lock()
			code := h.exitCode
			h.mu.Unlock()
			body, _ := json.Marshal(agent.ExitStatus{Code: code})
			resp.Result = body
		case "SignalProcess", "DeleteProcess":
			// no-op ack
		default:
			resp.Err = &vsockrpc.RPCError{Kind: "unsupported", Message: fmt.Sprintf("unknown method %s", env.Method)}
		}
		if err := c.WriteFrame(resp); err != nil {
			return
		}
	}
}

func newTestController(t *testing.T) (*Controller, *fakeHypervisor) {
	t.Helper()
	hv := &fakeHypervisor{}
	ctrl := New(nil, "test-container", hv, Config{
		CPUs:        1,
		MemoryBytes: 128 << 20,
		Process:     agent.ProcessConfig{ID: "init", Args: []string{"/bin/true"}},
		Hostname:    "test-container",
		DNS:         agent.DNSConfig{Nameservers: []string{"1.1.1.1"}},
		RootfsOptions: []string{"ro"},
	})
	return ctrl, hv
}

func TestCreateStartWaitStop(t *testing.T) {
	ctrl, hv := newTestController(t)
	hv.exitCode = 0

	require.NoError(t, ctrl.Create(context.Background()))
	hv.mu.Lock()
	require.True(t, hv.gotBoot)
	require.True(t, hv.bootstrap.RootfsReadOnly)
	hv.mu.Unlock()

	require.NoError(t, ctrl.Start(context.Background()))
	status, err := ctrl.Wait(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 0, status.ExitCode())

	require.NoError(t, ctrl.Stop(context.Background()))
	hv.mu.Lock()
	require.Equal(t, 1, hv.released)
	hv.mu.Unlock()
}

func TestCreateIsRejectedWhenAlreadyUp(t *testing.T) {
	ctrl, _ := newTestController(t)
	require.NoError(t, ctrl.Create(context.Background()))
	err := ctrl.Create(context.Background())
	require.Error(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	ctrl, hv := newTestController(t)
	require.NoError(t, ctrl.Create(context.Background()))
	require.NoError(t, ctrl.Stop(context.Background()))
	require.NoError(t, ctrl.Stop(context.Background()))
	hv.mu.Lock()
	require.Equal(t, 1, hv.released)
	hv.mu.Unlock()
}

func TestExecRunsIndependentlyOfPrimary(t *testing.T) {
	ctrl, hv := newTestController(t)
	hv.exitCode = 5
	require.NoError(t, ctrl.Create(context.Background()))

	ep, err := ctrl.Exec(context.Background(), agent.ProcessConfig{ID: "exec-1", Args: []string{"echo", "hi"}})
	require.NoError(t, err)
	require.NoError(t, ep.Start(context.Background()))
	status, err := ep.Wait(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 5, status.ExitCode())
}

func TestOperationsBeforeCreateFail(t *testing.T) {
	ctrl, _ := newTestController(t)
	require.Error(t, ctrl.Start(context.Background()))
	_, err := ctrl.Wait(context.Background(), 0)
	require.Error(t, err)
	require.Error(t, ctrl.Signal(context.Background(), 9))
	_, err = ctrl.Exec(context.Background(), agent.ProcessConfig{ID: "x"})
	require.Error(t, err)
}
