package managerapi

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/combust-labs/containervisor/internal/manager"
	"github.com/combust-labs/containervisor/pkg/agent"
	"github.com/combust-labs/containervisor/pkg/hypervisor"
	"github.com/combust-labs/containervisor/pkg/rterrors"
)

type noopHypervisor struct{}

func (noopHypervisor) StartVM(ctx context.Context, opts hypervisor.StartVMOptions) (hypervisor.VMHandle, error) {
	return nil, nil
}
func (noopHypervisor) OpenVsock(ctx context.Context, handle hypervisor.VMHandle, port uint32) (io.ReadWriteCloser, error) {
	return nil, nil
}
func (noopHypervisor) ReleaseVM(ctx context.Context, handle hypervisor.VMHandle) error { return nil }

func newTestServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	root := t.TempDir()
	mgr, err := manager.New(nil, root, noopHypervisor{}, nil)
	require.NoError(t, err)

	socketPath := filepath.Join(root, "control.sock")
	srv, err := New(nil, mgr, socketPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	// give Serve's Accept loop a moment to come up
	var client *Client
	for i := 0; i < 50; i++ {
		client, err = Dial(socketPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return srv, client
}

func TestCreateListDeleteRoundTrip(t *testing.T) {
	_, client := newTestServer(t)

	id, err := client.CreateContainer(CreateContainerRequest{
		ID:     "c1",
		Config: manager.PersistedConfig{Process: agent.ProcessConfig{ID: "init", Args: []string{"/bin/true"}}},
	})
	require.NoError(t, err)
	require.Equal(t, "c1", id)

	ids, err := client.ListContainers()
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, ids)

	require.NoError(t, client.DeleteContainer("c1"))

	ids, err = client.ListContainers()
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestCreateContainerRejectsDuplicateOverWire(t *testing.T) {
	_, client := newTestServer(t)

	cfg := manager.PersistedConfig{Process: agent.ProcessConfig{ID: "init", Args: []string{"/bin/true"}}}
	_, err := client.CreateContainer(CreateContainerRequest{ID: "dup", Config: cfg})
	require.NoError(t, err)

	_, err = client.CreateContainer(CreateContainerRequest{ID: "dup", Config: cfg})
	require.Error(t, err)
}

func TestUnknownMethodReturnsUnsupported(t *testing.T) {
	_, client := newTestServer(t)
	var result struct{}
	err := client.call("NotAMethod", struct{}{}, &result)
	require.Error(t, err)
	require.True(t, rterrors.Is(err, rterrors.Unsupported))
}

func TestDeleteContainerMissingIsNoop(t *testing.T) {
	_, client := newTestServer(t)
	require.NoError(t, client.DeleteContainer("missing"))
}
