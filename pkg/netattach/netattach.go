// Package netattach attaches a veth interface to a running VM via CNI,
// optional plumbing the container manager (§4.I) reaches for only when
// a network service has been supplied — without one, a container has
// loopback only.
package netattach

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/containernetworking/cni/libcni"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/combust-labs/containervisor/pkg/metrics"
)

// Config points at the host's CNI plugin binaries, network-list
// configuration, and cache directory.
type Config struct {
	BinDir   string
	ConfDir  string
	CacheDir string
	// NetworkName selects which conf list under ConfDir to apply; empty
	// uses libcni's default resolution for a single conf list present.
	NetworkName string
}

// Attachment records what a successful Attach did, so a later Detach
// (or a process restart recovering from persisted metadata) can tear
// down the exact same CNI result.
type Attachment struct {
	ContainerID string `json:"containerId"`
	VethName    string `json:"vethName"`
	NetworkName string `json:"networkName"`
	NetNS       string `json:"netNs"`
	MTU         int    `json:"mtu,omitempty"`
}

// Service attaches and detaches network interfaces for VMs via CNI.
type Service struct {
	cfg    Config
	logger hclog.Logger
	plugin *libcni.CNIConfig
}

// New constructs a netattach service. A nil Service pointer is not
// valid to call methods on; callers that have no network service
// configured simply don't construct one (§4.I: "otherwise only
// loopback is present").
func New(logger hclog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Service{
		cfg:    cfg,
		logger: logger,
		plugin: libcni.NewCNIConfigWithCacheDir([]string{cfg.BinDir}, cfg.CacheDir, nil),
	}
}

// Attach runs the configured CNI network list for a VM's network
// namespace, bridging vethName into it, and returns the attachment
// record to persist alongside the container's other metadata.
func (s *Service) Attach(ctx context.Context, containerID, vethName, netNS string, mtu int) (*Attachment, error) {
	networkConfig, err := libcni.LoadConfList(s.cfg.ConfDir, s.cfg.NetworkName)
	if err != nil {
		return nil, errors.Wrap(err, "failed loading CNI conf list")
	}
	if _, err := s.plugin.AddNetworkList(ctx, networkConfig, &libcni.RuntimeConf{
		ContainerID: containerID,
		NetNS:       netNS,
		IfName:      vethName,
	}); err != nil {
		return nil, errors.Wrap(err, "failed adding CNI network")
	}
	metrics.NetworkAttachmentsTotal.Inc()
	return &Attachment{
		ContainerID: containerID,
		VethName:    vethName,
		NetworkName: s.cfg.NetworkName,
		NetNS:       netNS,
		MTU:         mtu,
	}, nil
}

// Detach reverses a prior Attach; safe to call with a zero-value
// Attachment (e.g. one read back as "not found") as a no-op.
func (s *Service) Detach(ctx context.Context, a *Attachment) error {
	if a == nil || a.ContainerID == "" {
		return nil
	}
	networkConfig, err := libcni.LoadConfList(s.cfg.ConfDir, a.NetworkName)
	if err != nil {
		return errors.Wrap(err, "failed loading CNI conf list")
	}
	if err := s.plugin.DelNetworkList(ctx, networkConfig, &libcni.RuntimeConf{
		ContainerID: a.ContainerID,
		NetNS:       a.NetNS,
		IfName:      a.VethName,
	}); err != nil {
		return errors.Wrap(err, "failed removing CNI network")
	}
	metrics.NetworkAttachmentsTotal.Dec()
	ifaceCacheDir := filepath.Join(s.cfg.CacheDir, a.ContainerID)
	if err := os.RemoveAll(ifaceCacheDir); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed removing CNI cache directory", "dir", ifaceCacheDir, "reason", err)
	}
	return nil
}

// LoadAttachment reads a persisted Attachment from path, returning
// ok=false (not an error) when the file does not exist.
func LoadAttachment(path string) (*Attachment, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "failed reading network attachment metadata")
	}
	a := &Attachment{}
	if err := json.Unmarshal(data, a); err != nil {
		return nil, false, errors.Wrap(err, "failed decoding network attachment metadata")
	}
	return a, true, nil
}

// SaveAttachment persists a to path.
func SaveAttachment(path string, a *Attachment) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed encoding network attachment metadata")
	}
	return os.WriteFile(path, data, 0o644)
}
