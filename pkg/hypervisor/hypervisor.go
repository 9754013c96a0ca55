// Package hypervisor defines the pluggable VM backend interface named in
// §6: an implementation MUST be treated as an external collaborator,
// never a hard dependency of the container/pod controllers.
package hypervisor

import (
	"context"
	"io"
)

// MountKind distinguishes the roles a mount can play inside a VM.
type MountKind string

const (
	MountRootfs   MountKind = "rootfs"
	MountWritable MountKind = "writable"
	MountShare    MountKind = "share"
	MountFile     MountKind = "file"
)

// Mount describes one host-to-guest filesystem attachment.
type Mount struct {
	Kind      MountKind
	HostPath  string
	GuestPath string
	ReadOnly  bool
	Tag       string // virtio-fs/share tag; empty for block-backed mounts
}

// InterfaceConfig describes one network interface to attach to the VM;
// actual address assignment happens later via the agent's
// ConfigureInterface call, once the guest is up.
type InterfaceConfig struct {
	Name string
	MTU  int
	// HostVethName is the host-side veth/tap device name the hypervisor
	// should bridge this interface to, populated by pkg/netattach.
	HostVethName string
}

// SocketConfig describes a unix socket to expose into the guest (e.g.
// for a vsock-to-unix proxy, or a bind-mounted control socket).
type SocketConfig struct {
	HostPath  string
	GuestPath string
}

// StartVMOptions mirrors §6's startVM signature.
type StartVMOptions struct {
	MemoryBytes          int64
	CPUs                 int
	Mounts               []Mount
	Interfaces           []InterfaceConfig
	Sockets              []SocketConfig
	BootLogSink          io.Writer
	NestedVirtualization bool
}

// VMHandle identifies one running VM to its hypervisor; implementations
// define their own concrete type, callers only ever hold the interface.
type VMHandle interface {
	ID() string
}

// Hypervisor is the capability set §6 requires of any VM backend.
type Hypervisor interface {
	StartVM(ctx context.Context, opts StartVMOptions) (VMHandle, error)
	// OpenVsock opens a bidirectional byte stream to port inside handle's
	// guest; the guest agent RPC channel (§4.E) and every per-process
	// stdio stream are both opened this way.
	OpenVsock(ctx context.Context, handle VMHandle, port uint32) (io.ReadWriteCloser, error)
	ReleaseVM(ctx context.Context, handle VMHandle) error
}
