// Package manager implements the container manager (§4.I): a registry
// of containers on a host, one on-disk subdirectory per ContainerId,
// guarded against concurrent manager processes by an flock.
package manager

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/combust-labs/containervisor/internal/container"
	"github.com/combust-labs/containervisor/pkg/agent"
	"github.com/combust-labs/containervisor/pkg/flock"
	"github.com/combust-labs/containervisor/pkg/hypervisor"
	"github.com/combust-labs/containervisor/pkg/netattach"
	"github.com/combust-labs/containervisor/pkg/rterrors"
)

const (
	rootfsDirName   = "rootfs"
	writableFSName  = "writable.ext4"
	configFileName  = "config.json"
	stateFileName   = "state.json"
	networkFileName = "network.json"
	lockFileName    = ".lock"
)

// PersistedConfig is the on-disk shape of config.json: everything
// needed to reconstruct a container.Controller's Config across a
// process restart, minus the live hypervisor/agent handles.
type PersistedConfig struct {
	CPUs                 int                        `json:"cpus"`
	MemoryBytes          int64                      `json:"memoryBytes"`
	Process              agent.ProcessConfig         `json:"process"`
	Hostname             string                      `json:"hostname,omitempty"`
	DNS                  agent.DNSConfig             `json:"dns,omitempty"`
	Hosts                []agent.HostEntry           `json:"hosts,omitempty"`
	Capabilities         []string                    `json:"capabilities,omitempty"`
	Rlimits              map[string]agent.Rlimit     `json:"rlimits,omitempty"`
	RootfsOptions        []string                    `json:"rootfsOptions,omitempty"`
	NestedVirtualization bool                        `json:"nestedVirtualization,omitempty"`
	Interfaces           []hypervisor.InterfaceConfig `json:"interfaces,omitempty"`
	NetworkMTU           int                         `json:"networkMtu,omitempty"`
}

// PersistedState is the on-disk shape of state.json: the last known
// lifecycle state, written by Create and by every SetState call so a
// manager restart can reconcile reality against disk. It holds the state
// string only.
type PersistedState struct {
	State string `json:"state"`
}

// entry is one managed container: its on-disk paths, controller (once
// created), and flock guarding the directory.
type entry struct {
	mu         sync.Mutex
	dir        string
	lock       flock.Lock
	controller *container.Controller
	cfg        PersistedConfig
	state      string
}

// Manager owns a root directory, one subdirectory per ContainerId.
type Manager struct {
	root     string
	logger   hclog.Logger
	hv       hypervisor.Hypervisor
	netSvc   *netattach.Service

	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs a manager rooted at root. netSvc may be nil, in which
// case containers only ever get loopback (§4.I).
func New(logger hclog.Logger, root string, hv hypervisor.Hypervisor, netSvc *netattach.Service) (*Manager, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed creating manager root directory")
	}
	return &Manager{
		root:    root,
		logger:  logger,
		hv:      hv,
		netSvc:  netSvc,
		entries: map[string]*entry{},
	}, nil
}

func (m *Manager) containerDir(id string) string {
	return filepath.Join(m.root, id)
}

// Create materialises a new ContainerId directory (rejecting a
// duplicate, §3 invariant 1: "a ContainerId maps to at most one active
// controller within a manager"), persists cfg to config.json, and
// returns a ready-but-not-created container.Controller. Callers still
// call Controller.Create/Start themselves.
func (m *Manager) Create(ctx context.Context, id string, cfg PersistedConfig) (*container.Controller, error) {
	if id == "" {
		return nil, rterrors.New(rterrors.InvalidArgument, "container id must not be empty")
	}

	m.mu.Lock()
	if _, exists := m.entries[id]; exists {
		m.mu.Unlock()
		return nil, rterrors.New(rterrors.StateConflict, "container already managed: "+id)
	}
	m.mu.Unlock()

	dir := m.containerDir(id)
	if _, err := os.Stat(dir); err == nil {
		return nil, rterrors.New(rterrors.StateConflict, "container directory already exists: "+id)
	}
	if err := os.MkdirAll(filepath.Join(dir, rootfsDirName), 0o755); err != nil {
		return nil, rterrors.Wrap(rterrors.IO, err, "failed creating container directory")
	}

	l := flock.New(filepath.Join(dir, lockFileName))
	if err := l.TryAcquire(); err != nil {
		os.RemoveAll(dir)
		return nil, rterrors.Wrap(rterrors.StateConflict, err, "another manager process holds this container")
	}

	if err := writeJSON(filepath.Join(dir, configFileName), cfg); err != nil {
		l.Release()
		os.RemoveAll(dir)
		return nil, err
	}
	if err := writeJSON(filepath.Join(dir, stateFileName), PersistedState{State: "created"}); err != nil {
		l.Release()
		os.RemoveAll(dir)
		return nil, err
	}

	ctrl := container.New(m.logger, id, m.hv, container.Config{
		CPUs:                 cfg.CPUs,
		MemoryBytes:          cfg.MemoryBytes,
		Mounts:               []hypervisor.Mount{{Kind: hypervisor.MountRootfs, HostPath: filepath.Join(dir, rootfsDirName), GuestPath: "/"}},
		Interfaces:           cfg.Interfaces,
		NestedVirtualization: cfg.NestedVirtualization,
		Process:              cfg.Process,
		Hostname:             cfg.Hostname,
		DNS:                  cfg.DNS,
		Hosts:                cfg.Hosts,
		Capabilities:         cfg.Capabilities,
		Rlimits:              cfg.Rlimits,
		RootfsOptions:        cfg.RootfsOptions,
	})

	m.mu.Lock()
	m.entries[id] = &entry{dir: dir, lock: l, controller: ctrl, cfg: cfg, state: "created"}
	m.mu.Unlock()

	return ctrl, nil
}

// Get returns the controller for an already-created ContainerId.
func (m *Manager) Get(id string) (*container.Controller, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return nil, rterrors.New(rterrors.NotFound, "no such container: "+id)
	}
	return e.controller, nil
}

// List returns every managed ContainerId.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for id := range m.entries {
		out = append(out, id)
	}
	return out
}

// SetState persists the container's last known lifecycle state to
// state.json; the manager doesn't interpret it, only stores it.
func (m *Manager) SetState(id, state string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return rterrors.New(rterrors.NotFound, "no such container: "+id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
	return writeJSON(filepath.Join(e.dir, stateFileName), PersistedState{State: state})
}

// States returns every managed container's last known lifecycle state,
// keyed by ContainerId; used by pkg/metrics to populate ContainersTotal.
func (m *Manager) States() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.entries))
	for id, e := range m.entries {
		e.mu.Lock()
		out[id] = e.state
		e.mu.Unlock()
	}
	return out
}

// AttachNetwork attaches vethName to the container's VM network
// namespace via the manager's configured netattach.Service, persisting
// the resulting attachment to network.json. A no-op if the manager was
// constructed without a network service.
func (m *Manager) AttachNetwork(ctx context.Context, id, vethName, netNS string, mtu int) error {
	if m.netSvc == nil {
		return nil
	}
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return rterrors.New(rterrors.NotFound, "no such container: "+id)
	}
	a, err := m.netSvc.Attach(ctx, id, vethName, netNS, mtu)
	if err != nil {
		return rterrors.Wrap(rterrors.IO, err, "failed attaching network")
	}
	return writeJSON(filepath.Join(e.dir, networkFileName), a)
}

// Delete stops the container (idempotent), releases its network
// attachment if any, and removes its entire on-disk directory — the
// manager's delete contract from §6.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := e.controller.Stop(ctx); err != nil {
		m.logger.Warn("failed stopping container during delete", "id", id, "reason", err)
	}

	if m.netSvc != nil {
		if a, found, err := netattach.LoadAttachment(filepath.Join(e.dir, networkFileName)); err == nil && found {
			if err := m.netSvc.Detach(ctx, a); err != nil {
				m.logger.Warn("failed detaching network during delete", "id", id, "reason", err)
			}
		}
	}

	e.mu.Lock()
	e.lock.Release()
	e.mu.Unlock()

	if err := os.RemoveAll(e.dir); err != nil {
		return rterrors.Wrap(rterrors.IO, err, "failed removing container directory")
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return rterrors.Wrap(rterrors.Format, err, "failed encoding "+filepath.Base(path))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return rterrors.Wrap(rterrors.IO, err, "failed writing "+filepath.Base(path))
	}
	return nil
}
