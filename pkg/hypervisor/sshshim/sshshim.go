// Package sshshim is a manual-testing pkg/hypervisor.Hypervisor backend:
// instead of booting a microVM, it SSHes into an already-running host
// (a devbox, a long-lived VM, a container) and treats that single SSH
// connection as the transport vsock would otherwise provide. It is not
// a production backend — there is no isolation, no jailer, no real VM
// lifecycle — only a convenient way to run the rest of this module
// against a real Linux box while developing without Firecracker or KVM.
package sshshim

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/combust-labs/containervisor/pkg/hypervisor"
)

// Config describes the SSH target this backend connects to. Every
// StartVM call against one Backend reuses the same target: the shim
// treats the remote host as a single always-on, always-idle "VM" slot.
type Config struct {
	Host           string
	Port           int
	Username       string
	Signer         ssh.Signer
	TimeoutSeconds int

	// AgentListenAddr is where the guest agent process is expected to be
	// listening on the remote host, e.g. "127.0.0.1:10000". OpenVsock
	// dials it through the SSH connection rather than over vsock.
	AgentListenAddr string
}

// Backend adapts an SSH connection to a single always-available remote
// host behind pkg/hypervisor.Hypervisor.
type Backend struct {
	cfg    Config
	logger hclog.Logger
}

// New constructs an sshshim backend.
func New(logger hclog.Logger, cfg Config) *Backend {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Backend{cfg: cfg, logger: logger}
}

// vmHandle wraps the live ssh.Client; ReleaseVM closes it, OpenVsock
// dials through it.
type vmHandle struct {
	id     string
	client *ssh.Client
}

func (h *vmHandle) ID() string { return h.id }

var _ hypervisor.VMHandle = (*vmHandle)(nil)
var _ hypervisor.Hypervisor = (*Backend)(nil)

// StartVM dials the configured SSH target; the "VM" is already running,
// this just establishes the control connection, mirroring how
// pkg/remote.Connect waits for the SSH endpoint to come up.
func (b *Backend) StartVM(ctx context.Context, opts hypervisor.StartVMOptions) (hypervisor.VMHandle, error) {
	timeout := time.Duration(b.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	config := &ssh.ClientConfig{
		User:            b.cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(b.cfg.Signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // manual testing only, never production
		Timeout:         timeout,
	}

	hostPort := fmt.Sprintf("%s:%d", b.cfg.Host, b.cfg.Port)

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var client *ssh.Client
	var dialErr error
	done := make(chan struct{})
	go func() {
		client, dialErr = ssh.Dial("tcp", hostPort, config)
		close(done)
	}()

	select {
	case <-done:
		if dialErr != nil {
			return nil, errors.Wrap(dialErr, "failed dialing ssh shim target")
		}
	case <-dialCtx.Done():
		return nil, errors.Wrap(dialCtx.Err(), "timed out dialing ssh shim target")
	}

	b.logger.Debug("ssh shim connected", "host-port", hostPort)
	return &vmHandle{id: hostPort, client: client}, nil
}

// OpenVsock dials AgentListenAddr through the SSH connection's own
// network, standing in for a vsock channel into the guest.
func (b *Backend) OpenVsock(ctx context.Context, handle hypervisor.VMHandle, port uint32) (io.ReadWriteCloser, error) {
	h, ok := handle.(*vmHandle)
	if !ok {
		return nil, errors.New("handle not produced by this backend")
	}
	addr := b.cfg.AgentListenAddr
	if addr == "" {
		addr = fmt.Sprintf("127.0.0.1:%d", port)
	}
	conn, err := h.client.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed dialing remote agent listener over ssh")
	}
	return conn, nil
}

// ReleaseVM closes the SSH connection; the remote host itself is left
// running, since this backend never started it.
func (b *Backend) ReleaseVM(ctx context.Context, handle hypervisor.VMHandle) error {
	h, ok := handle.(*vmHandle)
	if !ok {
		return errors.New("handle not produced by this backend")
	}
	return h.client.Close()
}
