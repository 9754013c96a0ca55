package manager

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/combust-labs/containervisor/pkg/agent"
	"github.com/combust-labs/containervisor/pkg/hypervisor"
)

// noopHypervisor is never actually asked to start anything in these
// tests; Manager.Create stops short of bringing the VM up, leaving
// that to container.Controller.Create, which these tests don't call.
type noopHypervisor struct{}

func (noopHypervisor) StartVM(ctx context.Context, opts hypervisor.StartVMOptions) (hypervisor.VMHandle, error) {
	return nil, nil
}
func (noopHypervisor) OpenVsock(ctx context.Context, handle hypervisor.VMHandle, port uint32) (io.ReadWriteCloser, error) {
	return nil, nil
}
func (noopHypervisor) ReleaseVM(ctx context.Context, handle hypervisor.VMHandle) error { return nil }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	root := t.TempDir()
	m, err := New(nil, root, noopHypervisor{}, nil)
	require.NoError(t, err)
	return m
}

func TestCreatePersistsConfigAndState(t *testing.T) {
	m := newTestManager(t)
	cfg := PersistedConfig{
		CPUs:        1,
		MemoryBytes: 64 << 20,
		Process:     agent.ProcessConfig{ID: "init", Args: []string{"/bin/true"}},
	}
	ctrl, err := m.Create(context.Background(), "c1", cfg)
	require.NoError(t, err)
	require.Equal(t, "c1", ctrl.ID())

	dir := m.containerDir("c1")
	require.DirExists(t, filepath.Join(dir, rootfsDirName))

	var gotCfg PersistedConfig
	data, err := os.ReadFile(filepath.Join(dir, configFileName))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &gotCfg))
	require.Equal(t, cfg.Process.ID, gotCfg.Process.ID)

	var gotState PersistedState
	data, err = os.ReadFile(filepath.Join(dir, stateFileName))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &gotState))
	require.Equal(t, "created", gotState.State)
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	m := newTestManager(t)
	cfg := PersistedConfig{Process: agent.ProcessConfig{ID: "init", Args: []string{"/bin/true"}}}
	_, err := m.Create(context.Background(), "dup", cfg)
	require.NoError(t, err)
	_, err = m.Create(context.Background(), "dup", cfg)
	require.Error(t, err)
}

func TestCreateRejectsEmptyID(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(context.Background(), "", PersistedConfig{})
	require.Error(t, err)
}

func TestListAndGet(t *testing.T) {
	m := newTestManager(t)
	cfg := PersistedConfig{Process: agent.ProcessConfig{ID: "init", Args: []string{"/bin/true"}}}
	_, err := m.Create(context.Background(), "a", cfg)
	require.NoError(t, err)
	_, err = m.Create(context.Background(), "b", cfg)
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"a", "b"}, m.List())

	ctrl, err := m.Get("a")
	require.NoError(t, err)
	require.Equal(t, "a", ctrl.ID())

	_, err = m.Get("missing")
	require.Error(t, err)
}

func TestSetStateUpdatesFile(t *testing.T) {
	m := newTestManager(t)
	cfg := PersistedConfig{Process: agent.ProcessConfig{ID: "init", Args: []string{"/bin/true"}}}
	_, err := m.Create(context.Background(), "c1", cfg)
	require.NoError(t, err)

	require.NoError(t, m.SetState("c1", "running"))

	var gotState PersistedState
	data, err := os.ReadFile(filepath.Join(m.containerDir("c1"), stateFileName))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &gotState))
	require.Equal(t, "running", gotState.State)
}

func TestDeleteRemovesDirectoryAndEntry(t *testing.T) {
	m := newTestManager(t)
	cfg := PersistedConfig{Process: agent.ProcessConfig{ID: "init", Args: []string{"/bin/true"}}}
	_, err := m.Create(context.Background(), "c1", cfg)
	require.NoError(t, err)

	dir := m.containerDir("c1")
	require.NoError(t, m.Delete(context.Background(), "c1"))
	require.NoDirExists(t, dir)

	_, err = m.Get("c1")
	require.Error(t, err)

	// Deleting again is a no-op, not an error.
	require.NoError(t, m.Delete(context.Background(), "c1"))
}

func TestStatesReflectsLastSetState(t *testing.T) {
	m := newTestManager(t)
	cfg := PersistedConfig{Process: agent.ProcessConfig{ID: "init", Args: []string{"/bin/true"}}}
	_, err := m.Create(context.Background(), "c1", cfg)
	require.NoError(t, err)
	require.NoError(t, m.SetState("c1", "running"))

	states := m.States()
	require.Equal(t, "running", states["c1"])
}

func TestCreateAfterDeleteReusesID(t *testing.T) {
	m := newTestManager(t)
	cfg := PersistedConfig{Process: agent.ProcessConfig{ID: "init", Args: []string{"/bin/true"}}}
	_, err := m.Create(context.Background(), "reuse", cfg)
	require.NoError(t, err)
	require.NoError(t, m.Delete(context.Background(), "reuse"))

	_, err = m.Create(context.Background(), "reuse", cfg)
	require.NoError(t, err)
}
