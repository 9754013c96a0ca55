package process

import "github.com/combust-labs/containervisor/pkg/agent"

// PrimaryProcess is a single container's init process, the
// one the controller's create path bootstraps and whose exit is, for a
// container without exec children, the container's own lifecycle event.
type PrimaryProcess struct{ *Handle }

// NewPrimaryProcess wraps an already agent-side-created process as the
// primary process of a container.
func NewPrimaryProcess(client *agent.Client, cfg agent.ProcessConfig) *PrimaryProcess {
	return &PrimaryProcess{newHandle(KindPrimary, client, cfg)}
}

// ExecProcess is a one-off child spawned into an already-running
// container via exec (§8 scenario 2: 81 concurrent exec children).
type ExecProcess struct{ *Handle }

func NewExecProcess(client *agent.Client, cfg agent.ProcessConfig) *ExecProcess {
	return &ExecProcess{newHandle(KindExec, client, cfg)}
}

// PodProcess is a pod container's primary process, started against the
// pod's shared VM and agent channel (§4.H). The pod controller uses it
// for every container, whether or not the pod shares a PID namespace.
type PodProcess struct{ *Handle }

func NewPodProcess(client *agent.Client, cfg agent.ProcessConfig) *PodProcess {
	return &PodProcess{newHandle(KindPod, client, cfg)}
}
