// Package container implements the container controller (§4.G): one VM,
// one primary process, any number of exec children, every state
// transition linearised by an async lock.
package container

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/combust-labs/containervisor/pkg/agent"
	"github.com/combust-labs/containervisor/pkg/asyncutil"
	"github.com/combust-labs/containervisor/pkg/hypervisor"
	"github.com/combust-labs/containervisor/internal/process"
	"github.com/combust-labs/containervisor/pkg/metrics"
	"github.com/combust-labs/containervisor/pkg/rterrors"
	"github.com/combust-labs/containervisor/pkg/vsockrpc"
)

// AgentPort is the well-known vsock port the guest agent listens on
// (§4.E: "a vsock connection from the host to a well-known port").
const AgentPort uint32 = 10000

// Config is everything the controller's create path (§4.G steps 1-6)
// needs: VM sizing and mounts for the hypervisor, and the resolved
// bootstrap configuration for the guest agent.
type Config struct {
	CPUs                 int
	MemoryBytes          int64
	Mounts               []hypervisor.Mount
	Interfaces           []hypervisor.InterfaceConfig
	Sockets              []hypervisor.SocketConfig
	BootLog              io.Writer
	NestedVirtualization bool

	Process      agent.ProcessConfig
	Hostname     string
	DNS          agent.DNSConfig
	Hosts        []agent.HostEntry
	Capabilities []string
	Rlimits      map[string]agent.Rlimit
	// RootfsOptions mirrors the per-container rootfs options list; "ro"
	// triggers the write-hosts-then-remount sequence in §4.G step 5.
	RootfsOptions []string
}

func (c *Config) readOnlyRootfs() bool {
	for _, o := range c.RootfsOptions {
		if o == "ro" {
			return true
		}
	}
	return false
}

// Controller orchestrates one VM and its primary/exec processes.
type Controller struct {
	lock asyncutil.Mutex

	id     string
	logger hclog.Logger
	hv     hypervisor.Hypervisor
	cfg    Config

	mu      sync.Mutex
	vm      hypervisor.VMHandle
	client  *agent.Client
	primary *process.PrimaryProcess
	execs   map[string]*process.ExecProcess
}

// New constructs a controller for id against hv; call Create to bring
// the VM up.
func New(logger hclog.Logger, id string, hv hypervisor.Hypervisor, cfg Config) *Controller {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Controller{
		id:     id,
		logger: logger,
		hv:     hv,
		cfg:    cfg,
		execs:  map[string]*process.ExecProcess{},
	}
}

func (c *Controller) ID() string { return c.id }

// Create executes §4.G's five-step create path under the controller's
// async lock. Reusable after a successful Stop with the same
// ContainerId (§4.G: "after a successful stop the controller may be
// re-used").
func (c *Controller) Create(ctx context.Context) error {
	timer := metrics.NewTimer()
	err := c.create(ctx)
	if err != nil {
		metrics.ContainersCreateFailedTotal.Inc()
		return err
	}
	metrics.ContainersCreatedTotal.Inc()
	timer.ObserveDuration(metrics.ContainerCreateDuration)
	return nil
}

func (c *Controller) create(ctx context.Context) error {
	return c.lock.WithLock(ctx, func() error {
		c.mu.Lock()
		alreadyUp := c.vm != nil
		c.mu.Unlock()
		if alreadyUp {
			return rterrors.New(rterrors.StateConflict, "container already created")
		}

		vm, err := c.hv.StartVM(ctx, hypervisor.StartVMOptions{
			MemoryBytes:          c.cfg.MemoryBytes,
			CPUs:                 c.cfg.CPUs,
			Mounts:               c.cfg.Mounts,
			Interfaces:           c.cfg.Interfaces,
			Sockets:              c.cfg.Sockets,
			BootLogSink:          c.cfg.BootLog,
			NestedVirtualization: c.cfg.NestedVirtualization,
		})
		if err != nil {
			return rterrors.Wrapf(rterrors.IO, err, "failed starting vm for container %q", c.id)
		}

		stream, err := c.hv.OpenVsock(ctx, vm, AgentPort)
		if err != nil {
			c.hv.ReleaseVM(ctx, vm)
			return rterrors.Wrapf(rterrors.IO, err, "failed opening agent channel for container %q", c.id)
		}
		conn := vsockrpc.NewConn(asReadWriteCloserConn{stream})
		client := agent.NewClient(conn)

		if err := client.Bootstrap(ctx, agent.BootstrapConfig{
			Process:        c.cfg.Process,
			Hostname:       c.cfg.Hostname,
			DNS:            c.cfg.DNS,
			Hosts:          c.cfg.Hosts,
			Capabilities:   c.cfg.Capabilities,
			Rlimits:        c.cfg.Rlimits,
			RootfsReadOnly: c.cfg.readOnlyRootfs(),
		}); err != nil {
			client.Close()
			c.hv.ReleaseVM(ctx, vm)
			return rterrors.Wrap(rterrors.Internal, err, "bootstrap failed")
		}

		primary := process.NewPrimaryProcess(client, c.cfg.Process)
		if _, err := client.CreateProcess(ctx, c.cfg.Process); err != nil {
			client.Close()
			c.hv.ReleaseVM(ctx, vm)
			return rterrors.Wrap(rterrors.Internal, err, "failed creating primary process")
		}

		c.mu.Lock()
		c.vm = vm
		c.client = client
		c.primary = primary
		c.mu.Unlock()
		return nil
	})
}

// Start launches the primary process (§4.F "start" delegated via the
// controller). A failed Start leaves no guest-side process per §7.
func (c *Controller) Start(ctx context.Context) error {
	timer := metrics.NewTimer()
	err := c.lock.WithLock(ctx, func() error {
		c.mu.Lock()
		primary := c.primary
		c.mu.Unlock()
		if primary == nil {
			return rterrors.New(rterrors.StateConflict, "container has not been created")
		}
		if err := primary.Start(ctx); err != nil {
			return err
		}
		return nil
	})
	if err == nil {
		timer.ObserveDuration(metrics.ContainerStartDuration)
	}
	return err
}

// Wait blocks for the primary process's exit.
func (c *Controller) Wait(ctx context.Context, timeout time.Duration) (agent.ExitStatus, error) {
	c.mu.Lock()
	primary := c.primary
	c.mu.Unlock()
	if primary == nil {
		return agent.ExitStatus{}, rterrors.New(rterrors.StateConflict, "container has not been created")
	}
	return primary.Wait(ctx, timeout)
}

// Signal delivers signum to the primary process.
func (c *Controller) Signal(ctx context.Context, signum int) error {
	c.mu.Lock()
	primary := c.primary
	c.mu.Unlock()
	if primary == nil {
		return rterrors.New(rterrors.StateConflict, "container has not been created")
	}
	return primary.Signal(ctx, signum)
}

// Exec starts a new process inside the already-running container,
// independent of the primary process (§8 scenario 2: 80 concurrent
// execs). The returned process.Process may be started, waited on,
// signalled, and deleted like any other.
func (c *Controller) Exec(ctx context.Context, cfg agent.ProcessConfig) (*process.ExecProcess, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, rterrors.New(rterrors.StateConflict, "container has not been created")
	}
	if _, err := client.CreateProcess(ctx, cfg); err != nil {
		return nil, rterrors.Wrap(rterrors.Internal, err, "failed creating exec process")
	}
	ep := process.NewExecProcess(client, cfg)
	c.mu.Lock()
	c.execs[cfg.ID] = ep
	c.mu.Unlock()
	metrics.ExecProcessesTotal.Inc()
	return ep, nil
}

// CopyIn streams hostPath's content into guestPath inside the VM,
// preserving size and bytes exactly (§8's copyIn/copyOut round-trip
// law, for files up to 10 MiB — vsockrpc's frame cap of 64 MiB covers
// this comfortably without needing a chunked transfer protocol).
func (c *Controller) CopyIn(ctx context.Context, hostPath, guestPath string) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return rterrors.New(rterrors.StateConflict, "container has not been created")
	}
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return rterrors.Wrapf(rterrors.IO, err, "failed to read data for: %s", hostPath)
	}
	info, statErr := os.Stat(hostPath)
	mode := uint32(0o644)
	if statErr == nil {
		mode = uint32(info.Mode().Perm())
	}
	return client.CopyIn(ctx, guestPath, data, mode)
}

// CopyOut reads guestPath back from the VM into hostPath.
func (c *Controller) CopyOut(ctx context.Context, guestPath, hostPath string) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return rterrors.New(rterrors.StateConflict, "container has not been created")
	}
	data, err := client.CopyOut(ctx, guestPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(hostPath, data, 0o644); err != nil {
		return rterrors.Wrapf(rterrors.IO, err, "failed to read data for: %s", hostPath)
	}
	return nil
}

// Stop is idempotent (§4.G, §8 invariant 6): it tears down the agent
// channel and releases the VM, and may be called any number of times.
// A subsequent Create with the same ContainerId restarts cleanly.
func (c *Controller) Stop(ctx context.Context) error {
	timer := metrics.NewTimer()
	err := c.lock.WithLock(ctx, func() error {
		c.mu.Lock()
		vm, client := c.vm, c.client
		c.vm, c.client, c.primary = nil, nil, nil
		c.execs = map[string]*process.ExecProcess{}
		c.mu.Unlock()

		if client == nil && vm == nil {
			return nil
		}
		var firstErr error
		if client != nil {
			if err := client.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if vm != nil {
			if err := c.hv.ReleaseVM(ctx, vm); err != nil && firstErr == nil {
				firstErr = rterrors.Wrap(rterrors.IO, err, "failed releasing vm")
			}
		}
		return firstErr
	})
	timer.ObserveDuration(metrics.ContainerStopDuration)
	return err
}

// asReadWriteCloserConn adapts an io.ReadWriteCloser (what hypervisors
// return from OpenVsock) to net.Conn so it can be handed to
// vsockrpc.NewConn; vsockrpc.Conn never calls the deadline methods, so
// they are no-ops here.
type asReadWriteCloserConn struct {
	io.ReadWriteCloser
}

func (asReadWriteCloserConn) LocalAddr() net.Addr                { return vsockAddr{} }
func (asReadWriteCloserConn) RemoteAddr() net.Addr               { return vsockAddr{} }
func (asReadWriteCloserConn) SetDeadline(t time.Time) error      { return nil }
func (asReadWriteCloserConn) SetReadDeadline(t time.Time) error  { return nil }
func (asReadWriteCloserConn) SetWriteDeadline(t time.Time) error { return nil }

type vsockAddr struct{}

func (vsockAddr) Network() string { return "vsock" }
func (vsockAddr) String() string  { return "vsock" }

var _ net.Conn = asReadWriteCloserConn{}
