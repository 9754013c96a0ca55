package collector

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/combust-labs/containervisor/internal/manager"
	"github.com/combust-labs/containervisor/pkg/agent"
	"github.com/combust-labs/containervisor/pkg/hypervisor"
	"github.com/combust-labs/containervisor/pkg/metrics"
)

type noopHypervisor struct{}

func (noopHypervisor) StartVM(ctx context.Context, opts hypervisor.StartVMOptions) (hypervisor.VMHandle, error) {
	return nil, nil
}
func (noopHypervisor) OpenVsock(ctx context.Context, handle hypervisor.VMHandle, port uint32) (io.ReadWriteCloser, error) {
	return nil, nil
}
func (noopHypervisor) ReleaseVM(ctx context.Context, handle hypervisor.VMHandle) error { return nil }

func TestCollectPopulatesContainersTotal(t *testing.T) {
	root := t.TempDir()
	mgr, err := manager.New(nil, root, noopHypervisor{}, nil)
	require.NoError(t, err)

	cfg := manager.PersistedConfig{Process: agent.ProcessConfig{ID: "init", Args: []string{"/bin/true"}}}
	_, err = mgr.Create(context.Background(), "c1", cfg)
	require.NoError(t, err)
	_, err = mgr.Create(context.Background(), "c2", cfg)
	require.NoError(t, err)
	require.NoError(t, mgr.SetState("c2", "running"))

	c := New(mgr, 10*time.Millisecond)
	c.Collect()

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.ContainersTotal.WithLabelValues("created")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.ContainersTotal.WithLabelValues("running")))
}

func TestStartStopPollsInBackground(t *testing.T) {
	root := t.TempDir()
	mgr, err := manager.New(nil, root, noopHypervisor{}, nil)
	require.NoError(t, err)

	cfg := manager.PersistedConfig{Process: agent.ProcessConfig{ID: "init", Args: []string{"/bin/true"}}}
	_, err = mgr.Create(context.Background(), "c3", cfg)
	require.NoError(t, err)

	c := New(mgr, 5*time.Millisecond)
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.ContainersTotal.WithLabelValues("created")) >= 1
	}, time.Second, 5*time.Millisecond)
}
