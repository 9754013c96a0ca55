package pod

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

type fakeVMHandle struct{ id string }

func (h fakeVMHandle) ID() string { return h.id }

// fakeHypervisor serves one shared agent channel per pod, recording
// every CreateProcess call's resolved hostname so inheritance can be
// asserted without a real guest.
type fakeHypervisor struct {
	mu       sync.Mutex
	released int
	exitCode map[string]int
	created  map[string]agent.ProcessConfig
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{exitCode: map[string]int{}, created: map[string]agent.ProcessConfig{}}
}

func (h *fakeHypervisor) StartVM(ctx context.Context, opts hypervisor.StartVMOptions) (hypervisor.VMHandle, error) {
	return fakeVMHandle{id: "pod-vm"}, nil
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
		case "CreateProcess":
			var cfg agent.ProcessConfig
			json.Unmarshal(env.Params, &cfg)
			h.mu.Lock()
			h.created[cfg.ID] = cfg
			h.mu.Unlock()
			resp.Result = json.RawMessage(`{"stdinPort":1,"stdoutPort":2,"stderrPort":3}`)
		case "StartProcess":
		case "WaitProcess":
			var p struct {
				ID string `json:"id"`
			}
			json.Unmarshal(env.Params, &p)
			h.mu.Lock()
			code := h.exitCode[p.ID]
			h.mu.Unlock()
			body, _ := json.Marshal(agent.ExitStatus{Code: code})
			resp.Result = body
		case "SignalProcess", "DeleteProcess":
		default:
			resp.Err = &vsockrpc.RPCError{Kind: "unsupported", Message: fmt.Sprintf("unknown method %s", env.Method)}
		}
		if err := c.WriteFrame(resp); err != nil {
			return
		}
	}
}

func newTestPod(t *testing.T) (*Controller, *fakeHypervisor) {
	t.Helper()
	hv := newFakeHypervisor()
	ctrl := New(nil, "test-pod", hv, Config{
		CPUs:        2,
		MemoryBytes: 256 << 20,
		Hostname:    "pod-default",
		DNS:         agent.DNSConfig{Nameservers: []string{"1.1.1.1"}},
	})
	return ctrl, hv
}

func TestAddContainerRejectsOverPodBounds(t *testing.T) {
	ctrl, _ := newTestPod(t)
	err := ctrl.AddContainer(ContainerSpec{
		ID:          "too-big",
		Process:     agent.ProcessConfig{Args: []string{"/bin/true"}},
		MemoryBytes: 512 << 20, // exceeds pod's 256MiB
	})
	require.Error(t, err)
}

func TestConfigInheritanceFullReplaceNotMerge(t *testing.T) {
	ctrl, hv := newTestPod(t)
	require.NoError(t, ctrl.AddContainer(ContainerSpec{
		ID:      "inherits",
		Process: agent.ProcessConfig{Args: []string{"/bin/true"}},
	}))
	require.NoError(t, ctrl.AddContainer(ContainerSpec{
		ID:       "overrides",
		Process:  agent.ProcessConfig{Args: []string{"/bin/true"}},
		Hostname: "overridden",
		DNS:      &agent.DNSConfig{Nameservers: []string{"8.8.8.8"}},
	}))

	require.NoError(t, ctrl.Create(context.Background()))

	hv.mu.Lock()
	defer hv.mu.Unlock()
	require.Equal(t, "pod-default", hv.created["inherits"].Hostname)
	require.Equal(t, []string{"1.1.1.1"}, hv.created["inherits"].DNS.Nameservers)
	require.Equal(t, "overridden", hv.created["overrides"].Hostname)
	require.Equal(t, []string{"8.8.8.8"}, hv.created["overrides"].DNS.Nameservers)
}

func TestPerContainerLifecycleIndependent(t *testing.T) {
	ctrl, hv := newTestPod(t)
	require.NoError(t, ctrl.AddContainer(ContainerSpec{ID: "a", Process: agent.ProcessConfig{Args: []string{"/bin/true"}}}))
	require.NoError(t, ctrl.AddContainer(ContainerSpec{ID: "b", Process: agent.ProcessConfig{Args: []string{"/bin/true"}}}))
	require.NoError(t, ctrl.Create(context.Background()))

	require.ElementsMatch(t, []string{"a", "b"}, ctrl.ListContainers())

	hv.mu.Lock()
	hv.exitCode["a"] = 0
	hv.exitCode["b"] = 3
	hv.mu.Unlock()

	require.NoError(t, ctrl.StartContainer(context.Background(), "a"))
	require.NoError(t, ctrl.StartContainer(context.Background(), "b"))

	statusA, err := ctrl.WaitContainer(context.Background(), "a", 0)
	require.NoError(t, err)
	require.Equal(t, 0, statusA.ExitCode())

	statusB, err := ctrl.WaitContainer(context.Background(), "b", 0)
	require.NoError(t, err)
	require.Equal(t, 3, statusB.ExitCode())

	require.NoError(t, ctrl.StopContainer(context.Background(), "a"))
	require.NoError(t, ctrl.StopContainer(context.Background(), "a")) // idempotent
}

func TestShareProcessNamespacePropagatesToEveryContainer(t *testing.T) {
	hv := newFakeHypervisor()
	ctrl := New(nil, "shared-pid-pod", hv, Config{
		CPUs:                  1,
		MemoryBytes:           128 << 20,
		ShareProcessNamespace: true,
	})
	require.NoError(t, ctrl.AddContainer(ContainerSpec{ID: "a", Process: agent.ProcessConfig{Args: []string{"/bin/true"}}}))
	require.NoError(t, ctrl.Create(context.Background()))

	hv.mu.Lock()
	defer hv.mu.Unlock()
	require.True(t, hv.created["a"].SharePIDNamespace)
}

func TestStopReleasesVMOnce(t *testing.T) {
	ctrl, hv := newTestPod(t)
	require.NoError(t, ctrl.AddContainer(ContainerSpec{ID: "a", Process: agent.ProcessConfig{Args: []string{"/bin/true"}}}))
	require.NoError(t, ctrl.Create(context.Background()))
	require.NoError(t, ctrl.Stop(context.Background()))
	require.NoError(t, ctrl.Stop(context.Background()))
	hv.mu.Lock()
	require.Equal(t, 1, hv.released)
	hv.mu.Unlock()
}
