package configs

import (
	"github.com/combust-labs/containervisor/pkg/hypervisor/firecracker"
)

// DefaultVethIfaceName is the default veth interface name used when a
// container's network attachment doesn't name one of its own.
const DefaultVethIfaceName = "veth0"

// ToBackendConfig translates the flag-bound jailer/machine configuration
// into the pkg/hypervisor/firecracker types New() expects. This is the
// seam between pflag-described configuration (no cmd/ exists to bind it
// to a CLI, but a library consumer can still build a JailingFirecrackerConfig
// from its own flags/env and hand it here) and the hypervisor backend.
func ToBackendConfig(jailing *JailingFirecrackerConfig, machine *MachineConfig) (firecracker.JailerConfig, firecracker.MachineConfig) {
	jailerCfg := firecracker.JailerConfig{
		BinaryFirecracker: jailing.BinaryFirecracker,
		BinaryJailer:      jailing.BinaryJailer,
		ChrootBase:        jailing.ChrootBase,
		GID:               jailing.JailerGID,
		UID:               jailing.JailerUID,
		NumaNode:          jailing.JailerNumeNode,
		NetNS:             jailing.NetNS,
	}
	machineCfg := firecracker.MachineConfig{
		KernelImagePath:   machine.MachineVMLinux,
		KernelArgs:        machine.MachineKernelArgs,
		CPUTemplate:       machine.MachineCPUTemplate,
		RootDrivePartUUID: machine.MachineRootDrivePartUUID,
		CNINetworkName:    machine.MachineCNINetworkName,
		VethIfaceName:     DefaultVethIfaceName,
	}
	return jailerCfg, machineCfg
}
