// Package pod implements the pod controller (§4.H): many containers
// sharing one VM, each with its own mount namespace and, by default,
// its own PID namespace, optionally sharing one PID namespace across
// the whole pod.
package pod

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/combust-labs/containervisor/pkg/agent"
	"github.com/combust-labs/containervisor/pkg/asyncutil"
	"github.com/combust-labs/containervisor/pkg/hypervisor"
	"github.com/combust-labs/containervisor/internal/container"
	"github.com/combust-labs/containervisor/internal/process"
	"github.com/combust-labs/containervisor/pkg/rterrors"
	"github.com/combust-labs/containervisor/pkg/vsockrpc"
)

// Config is pod-level sizing and defaults; CPUs/MemoryBytes bound the
// VM itself, Hostname/DNS/Hosts are the default any container that
// doesn't override them inherits (§4.H: "a container-level value fully
// replaces the pod-level value, no merge").
type Config struct {
	CPUs                 int
	MemoryBytes          int64
	Hostname             string
	DNS                  agent.DNSConfig
	Hosts                []agent.HostEntry
	Mounts               []hypervisor.Mount
	Interfaces           []hypervisor.InterfaceConfig
	Sockets              []hypervisor.SocketConfig
	BootLog              io.Writer
	NestedVirtualization bool
	// ShareProcessNamespace, if true, gives every staged container the
	// same PID namespace (§8 scenario 7): a process started in one
	// container is visible in another's /proc.
	ShareProcessNamespace bool
}

// ContainerSpec stages one container to be provisioned when the pod's
// VM comes up. Hostname/DNS/Hosts left at their zero value inherit the
// pod-level default; a non-zero value fully replaces it.
type ContainerSpec struct {
	ID          string
	Process     agent.ProcessConfig
	Hostname    string
	DNS         *agent.DNSConfig
	Hosts       []agent.HostEntry
	CPUs        int
	MemoryBytes int64
	UseInit     bool
}

func (s ContainerSpec) withinBounds(pod Config) bool {
	if s.CPUs > 0 && pod.CPUs > 0 && s.CPUs > pod.CPUs {
		return false
	}
	if s.MemoryBytes > 0 && pod.MemoryBytes > 0 && s.MemoryBytes > pod.MemoryBytes {
		return false
	}
	return true
}

// podContainer is one staged or provisioned container within a pod;
// each carries its own lock so operations on different containers in
// the same pod run concurrently (§5: "the pod controller holds
// per-container locks, not a single pod-wide lock").
type podContainer struct {
	lock asyncutil.Mutex

	spec     ContainerSpec
	resolved agent.ProcessConfig // spec.Process with pod-level inheritance applied

	mu      sync.Mutex
	primary *process.PodProcess
	execs   map[string]*process.ExecProcess
}

// Controller provisions and drives every container staged into one
// pod-shared VM.
type Controller struct {
	lock asyncutil.Mutex // guards the one-shot pod-wide VM bring-up/teardown

	id     string
	logger hclog.Logger
	hv     hypervisor.Hypervisor
	cfg    Config

	mu         sync.Mutex
	vm         hypervisor.VMHandle
	client     *agent.Client
	containers map[string]*podContainer
	order      []string // addContainer order, for listContainers
}

// New constructs a pod controller; call AddContainer for each staged
// container before Create.
func New(logger hclog.Logger, id string, hv hypervisor.Hypervisor, cfg Config) *Controller {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Controller{
		id:         id,
		logger:     logger,
		hv:         hv,
		cfg:        cfg,
		containers: map[string]*podContainer{},
	}
}

func (c *Controller) ID() string { return c.id }

// AddContainer stages spec for provisioning at Create time, resolving
// pod-level inheritance and checking the per-container cgroup bounds
// against the pod-level cpus/memory-bytes (§4.H: "per-container
// cpus/memory ≤ pod-level", enforced at addContainer time).
func (c *Controller) AddContainer(spec ContainerSpec) error {
	if !spec.withinBounds(c.cfg) {
		return rterrors.New(rterrors.InvalidArgument,
			"container cpus/memory exceeds pod-level bound for "+spec.ID)
	}

	resolved := spec.Process
	resolved.ID = spec.ID
	resolved.UseInit = spec.UseInit
	resolved.SharePIDNamespace = c.cfg.ShareProcessNamespace

	resolved.Hostname = c.cfg.Hostname
	if spec.Hostname != "" {
		resolved.Hostname = spec.Hostname
	}
	resolved.DNS = &c.cfg.DNS
	if spec.DNS != nil {
		resolved.DNS = spec.DNS
	}
	resolved.Hosts = c.cfg.Hosts
	if spec.Hosts != nil {
		resolved.Hosts = spec.Hosts
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.containers[spec.ID]; exists {
		return rterrors.New(rterrors.InvalidArgument, "container already staged: "+spec.ID)
	}
	c.containers[spec.ID] = &podContainer{
		spec:     spec,
		resolved: resolved,
		execs:    map[string]*process.ExecProcess{},
	}
	c.order = append(c.order, spec.ID)
	return nil
}

// ListContainers returns the staged set in AddContainer order.
func (c *Controller) ListContainers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

func (c *Controller) container(id string) (*podContainer, error) {
	c.mu.Lock()
	pc, ok := c.containers[id]
	c.mu.Unlock()
	if !ok {
		return nil, rterrors.New(rterrors.NotFound, "no such container in pod: "+id)
	}
	return pc, nil
}

// Create brings the pod's VM up once and provisions every staged
// container's primary process against the shared agent channel. Unlike
// the single-container controller, Bootstrap carries only the
// pod-level hostname/DNS/hosts default; per-container overrides travel
// on each container's own CreateProcess call (see agent.ProcessConfig).
func (c *Controller) Create(ctx context.Context) error {
	return c.lock.WithLock(ctx, func() error {
		c.mu.Lock()
		alreadyUp := c.vm != nil
		c.mu.Unlock()
		if alreadyUp {
			return rterrors.New(rterrors.StateConflict, "pod already created")
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
			return rterrors.Wrapf(rterrors.IO, err, "failed starting vm for pod %q", c.id)
		}

		stream, err := c.hv.OpenVsock(ctx, vm, container.AgentPort)
		if err != nil {
			c.hv.ReleaseVM(ctx, vm)
			return rterrors.Wrapf(rterrors.IO, err, "failed opening agent channel for pod %q", c.id)
		}
		conn := vsockrpc.NewConn(podConn{stream})
		client := agent.NewClient(conn)

		if err := client.Bootstrap(ctx, agent.BootstrapConfig{
			Hostname: c.cfg.Hostname,
			DNS:      c.cfg.DNS,
			Hosts:    c.cfg.Hosts,
		}); err != nil {
			client.Close()
			c.hv.ReleaseVM(ctx, vm)
			return rterrors.Wrap(rterrors.Internal, err, "pod bootstrap failed")
		}

		c.mu.Lock()
		c.vm = vm
		c.client = client
		containers := make([]*podContainer, 0, len(c.containers))
		for _, pc := range c.containers {
			containers = append(containers, pc)
		}
		c.mu.Unlock()

		// Each container's primary process is an independent CreateProcess
		// call over the shared agent channel; agent.Client multiplexes
		// concurrent calls by correlation id, so staging them in parallel
		// is a real fan-out, not just a cosmetic goroutine wrapper.
		g, gctx := errgroup.WithContext(ctx)
		for _, pc := range containers {
			pc := pc
			g.Go(func() error {
				if _, err := client.CreateProcess(gctx, pc.resolved); err != nil {
					return rterrors.Wrapf(rterrors.Internal, err, "failed creating primary process for container %q", pc.spec.ID)
				}
				pc.mu.Lock()
				pc.primary = process.NewPodProcess(client, pc.resolved)
				pc.mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			client.Close()
			c.hv.ReleaseVM(ctx, vm)
			return err
		}
		return nil
	})
}

// StartContainer launches id's primary process, locked independently
// of every other container in the pod.
func (c *Controller) StartContainer(ctx context.Context, id string) error {
	pc, err := c.container(id)
	if err != nil {
		return err
	}
	return pc.lock.WithLock(ctx, func() error {
		pc.mu.Lock()
		primary := pc.primary
		pc.mu.Unlock()
		if primary == nil {
			return rterrors.New(rterrors.StateConflict, "pod has not been created")
		}
		return primary.Start(ctx)
	})
}

// WaitContainer blocks for id's primary process exit.
func (c *Controller) WaitContainer(ctx context.Context, id string, timeout time.Duration) (agent.ExitStatus, error) {
	pc, err := c.container(id)
	if err != nil {
		return agent.ExitStatus{}, err
	}
	pc.mu.Lock()
	primary := pc.primary
	pc.mu.Unlock()
	if primary == nil {
		return agent.ExitStatus{}, rterrors.New(rterrors.StateConflict, "pod has not been created")
	}
	return primary.Wait(ctx, timeout)
}

// KillContainer signals id's primary process.
func (c *Controller) KillContainer(ctx context.Context, id string, signum int) error {
	pc, err := c.container(id)
	if err != nil {
		return err
	}
	pc.mu.Lock()
	primary := pc.primary
	pc.mu.Unlock()
	if primary == nil {
		return rterrors.New(rterrors.StateConflict, "pod has not been created")
	}
	return primary.Signal(ctx, signum)
}

// StopContainer deletes id's primary process; the pod's VM and the
// agent channel stay up for the remaining containers. Idempotent.
func (c *Controller) StopContainer(ctx context.Context, id string) error {
	pc, err := c.container(id)
	if err != nil {
		return err
	}
	return pc.lock.WithLock(ctx, func() error {
		pc.mu.Lock()
		primary := pc.primary
		pc.mu.Unlock()
		if primary == nil {
			return nil
		}
		return primary.Delete(ctx)
	})
}

// ExecInContainer starts a new process attributed to container id,
// independent of that container's primary process and of every other
// container's operations.
func (c *Controller) ExecInContainer(ctx context.Context, id string, cfg agent.ProcessConfig) (*process.ExecProcess, error) {
	pc, err := c.container(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, rterrors.New(rterrors.StateConflict, "pod has not been created")
	}

	cfg.Hostname = pc.resolved.Hostname
	cfg.DNS = pc.resolved.DNS
	cfg.Hosts = pc.resolved.Hosts
	cfg.SharePIDNamespace = pc.resolved.SharePIDNamespace

	if _, err := client.CreateProcess(ctx, cfg); err != nil {
		return nil, rterrors.Wrap(rterrors.Internal, err, "failed creating exec process")
	}
	ep := process.NewExecProcess(client, cfg)
	pc.mu.Lock()
	pc.execs[cfg.ID] = ep
	pc.mu.Unlock()
	return ep, nil
}

// Stop tears down the shared agent channel and releases the pod's VM.
// Idempotent; safe to call any number of times.
func (c *Controller) Stop(ctx context.Context) error {
	return c.lock.WithLock(ctx, func() error {
		c.mu.Lock()
		vm, client := c.vm, c.client
		c.vm, c.client = nil, nil
		for _, pc := range c.containers {
			pc.mu.Lock()
			pc.primary = nil
			pc.execs = map[string]*process.ExecProcess{}
			pc.mu.Unlock()
		}
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
}

// podConn adapts an io.ReadWriteCloser to net.Conn, identical in spirit
// to internal/container's adapter; kept separate since the two
// controllers otherwise share no implementation types.
type podConn struct {
	io.ReadWriteCloser
}

func (podConn) LocalAddr() net.Addr                { return podAddr{} }
func (podConn) RemoteAddr() net.Addr               { return podAddr{} }
func (podConn) SetDeadline(t time.Time) error      { return nil }
func (podConn) SetReadDeadline(t time.Time) error  { return nil }
func (podConn) SetWriteDeadline(t time.Time) error { return nil }

type podAddr struct{}

func (podAddr) Network() string { return "vsock" }
func (podAddr) String() string  { return "vsock" }

var _ net.Conn = podConn{}
