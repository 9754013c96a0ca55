// Package firecracker adapts the Firecracker jailer/CNI/vsock stack
// behind pkg/hypervisor.Hypervisor: the "real" backend for §6's
// pluggable hypervisor interface, exercising firecracker-go-sdk.
package firecracker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/combust-labs/containervisor/pkg/hypervisor"
	"github.com/combust-labs/containervisor/pkg/naming"
	"github.com/combust-labs/containervisor/pkg/netattach"
)

// JailerConfig mirrors the teacher's JailingFirecrackerConfig: the
// jailer chroot/uid/gid settings every VMM is started under.
type JailerConfig struct {
	BinaryFirecracker string
	BinaryJailer      string
	ChrootBase        string
	GID               int
	UID               int
	NumaNode          int
	NetNS             string
}

// MachineConfig mirrors the teacher's MachineConfig: the kernel and
// CPU template shared by every VM this backend starts.
type MachineConfig struct {
	KernelImagePath  string
	KernelArgs       string
	CPUTemplate      string
	RootDrivePartUUID string
	CNINetworkName   string
	VethIfaceName    string
	ShutdownTimeout  time.Duration
}

// Backend is a pkg/hypervisor.Hypervisor backed by real Firecracker
// microVMs, one jailed process per VM.
type Backend struct {
	jailer  JailerConfig
	machine MachineConfig
	logger  hclog.Logger
	netSvc  *netattach.Service
}

// New constructs a Firecracker-backed hypervisor. netSvc may be nil if
// VMs are expected to bring their own CNI network interface config
// directly (no separate attach/detach step needed).
func New(logger hclog.Logger, jailer JailerConfig, machine MachineConfig, netSvc *netattach.Service) *Backend {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if machine.ShutdownTimeout == 0 {
		machine.ShutdownTimeout = 10 * time.Second
	}
	return &Backend{jailer: jailer, machine: machine, logger: logger, netSvc: netSvc}
}

// vmHandle wraps a running firecracker.Machine plus the bookkeeping
// ReleaseVM/OpenVsock need: the vsock UDS path firecracker created and
// the jailer's VMM id for CNI cleanup.
type vmHandle struct {
	id       string
	machine  *fcsdk.Machine
	vsockUDS string
	netNS    string
	vethName string

	mu      sync.Mutex
	stopped bool
}

func (h *vmHandle) ID() string { return h.id }

var _ hypervisor.VMHandle = (*vmHandle)(nil)
var _ hypervisor.Hypervisor = (*Backend)(nil)

// StartVM jails and boots a Firecracker microVM per the teacher's
// vmm.Provider.Start: builds an firecracker.Config from the jailer and
// machine settings plus this call's mounts/interfaces/sockets, then
// starts the machine and waits for the jailer socket handshake to
// complete.
func (b *Backend) StartVM(ctx context.Context, opts hypervisor.StartVMOptions) (hypervisor.VMHandle, error) {
	vmmID := newVMMID()

	drives := make([]models.Drive, 0, len(opts.Mounts))
	driveIdx := 0
	for _, m := range opts.Mounts {
		if m.Kind == hypervisor.MountShare {
			continue // virtio-fs shares are not block drives
		}
		driveIdx++
		drives = append(drives, models.Drive{
			DriveID:      fcsdk.String(strconv.Itoa(driveIdx)),
			PathOnHost:   fcsdk.String(m.HostPath),
			IsRootDevice: fcsdk.Bool(m.Kind == hypervisor.MountRootfs),
			IsReadOnly:   fcsdk.Bool(m.ReadOnly),
			Partuuid:     b.machine.RootDrivePartUUID,
		})
	}

	// Jailer chroot layout is <base>/<fc-binary-name>/<vmm-id>/root/run/...
	// (pkg/vmm/chroot.Location), the same tree firecracker-go-sdk's
	// jailer places the API socket in.
	vsockUDS := filepath.Join(b.jailer.ChrootBase, filepath.Base(b.jailer.BinaryFirecracker), vmmID, "root", "run", "v.sock")
	netIfaces := make([]fcsdk.NetworkInterface, 0, len(opts.Interfaces))
	for _, iface := range opts.Interfaces {
		// A veth name must be unique per VM: fall back to the interface's
		// own host name, then the backend default, and only generate a
		// fresh random one (pkg/naming, the teacher's jailer veth-naming
		// helper) if neither was supplied.
		vethName := firstNonEmpty(iface.HostVethName, b.machine.VethIfaceName)
		if vethName == "" {
			vethName = naming.GetRandomVethName()
		}
		netIfaces = append(netIfaces, fcsdk.NetworkInterface{
			CNIConfiguration: &fcsdk.CNIConfiguration{
				NetworkName: b.machine.CNINetworkName,
				IfName:      vethName,
			},
		})
	}

	cfg := fcsdk.Config{
		KernelImagePath: b.machine.KernelImagePath,
		KernelArgs:      b.machine.KernelArgs,
		NetNS:           b.jailer.NetNS,
		Drives:          drives,
		NetworkInterfaces: netIfaces,
		VsockDevices: []fcsdk.VsockDevice{
			{Path: vsockUDS, CID: 3},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:   fcsdk.Int64(int64(opts.CPUs)),
			CPUTemplate: models.CPUTemplate(b.machine.CPUTemplate),
			HtEnabled:   fcsdk.Bool(false),
			MemSizeMib:  fcsdk.Int64(opts.MemoryBytes / (1024 * 1024)),
		},
		JailerCfg: &fcsdk.JailerConfig{
			GID:           fcsdk.Int(b.jailer.GID),
			UID:           fcsdk.Int(b.jailer.UID),
			ID:            vmmID,
			NumaNode:      fcsdk.Int(b.jailer.NumaNode),
			ExecFile:      b.jailer.BinaryFirecracker,
			JailerBinary:  b.jailer.BinaryJailer,
			ChrootBaseDir: b.jailer.ChrootBase,
			Daemonize:     false,
			Stdout:        opts.BootLogSink,
		},
		VMID: vmmID,
	}

	vmmLoggerEntry := logrus.NewEntry(logrus.New())
	machine, err := fcsdk.NewMachine(ctx, cfg, fcsdk.WithLogger(vmmLoggerEntry))
	if err != nil {
		return nil, errors.Wrap(err, "failed creating firecracker machine")
	}
	if err := machine.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "failed starting firecracker machine")
	}

	return &vmHandle{
		id:       vmmID,
		machine:  machine,
		vsockUDS: vsockUDS,
		netNS:    b.jailer.NetNS,
		vethName: b.machine.VethIfaceName,
	}, nil
}

// OpenVsock implements the Firecracker host-side vsock handshake: dial
// the UDS firecracker exposes, send "CONNECT <port>\n", and on the
// "OK <port>\n" reply the connection becomes a raw byte stream to the
// guest's listener on that port — this is what carries both the guest
// agent RPC channel (§4.E) and every per-process stdio stream.
func (b *Backend) OpenVsock(ctx context.Context, handle hypervisor.VMHandle, port uint32) (io.ReadWriteCloser, error) {
	h, ok := handle.(*vmHandle)
	if !ok {
		return nil, errors.New("handle not produced by this backend")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", h.vsockUDS)
	if err != nil {
		return nil, errors.Wrap(err, "failed dialing vsock UDS")
	}
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed sending vsock CONNECT")
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed reading vsock CONNECT reply")
	}
	if !strings.HasPrefix(reply, "OK ") {
		conn.Close()
		return nil, errors.Errorf("vsock CONNECT rejected: %s", strings.TrimSpace(reply))
	}
	return conn, nil
}

// ReleaseVM shuts the machine down gracefully, falling back to a
// forced stop on timeout, then tears down its CNI network — mirroring
// the teacher's defaultStartedMachine.Stop.
func (b *Backend) ReleaseVM(ctx context.Context, handle hypervisor.VMHandle) error {
	h, ok := handle.(*vmHandle)
	if !ok {
		return errors.New("handle not produced by this backend")
	}
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, b.machine.ShutdownTimeout)
	defer cancel()

	stopped := make(chan error, 1)
	go func() { stopped <- h.machine.Shutdown(shutdownCtx) }()

	select {
	case err := <-stopped:
		if err != nil {
			b.logger.Warn("vmm graceful shutdown failed, forcing stop", "id", h.id, "reason", err)
			h.machine.StopVMM()
		}
	case <-shutdownCtx.Done():
		b.logger.Warn("vmm graceful shutdown timed out, forcing stop", "id", h.id)
		h.machine.StopVMM()
	}

	if b.netSvc != nil {
		a := &netattach.Attachment{ContainerID: h.id, VethName: h.vethName, NetworkName: b.machine.CNINetworkName, NetNS: h.netNS}
		if err := b.netSvc.Detach(ctx, a); err != nil {
			b.logger.Warn("failed detaching vmm network", "id", h.id, "reason", err)
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func newVMMID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
