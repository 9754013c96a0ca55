// Package agent implements the host-side client for the guest agent RPC
// channel (§4.E): a vsock connection to a well-known port inside the
// VM, carrying Bootstrap/CreateProcess/StartProcess/WaitProcess/
// SignalProcess/DeleteProcess/Stats/CopyIn/CopyOut/MountShare/
// ConfigureInterface as length-prefixed JSON request/response frames.
package agent

// ProcessConfig describes a process to create inside the guest, shared
// by the container controller's primary process and any exec child.
type ProcessConfig struct {
	ID      string   `json:"id"`
	Args    []string `json:"args"`
	Env     []string `json:"env,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
	User    string   `json:"user,omitempty"`
	UseInit bool     `json:"useInit,omitempty"`

	// The fields below only apply to a process started inside a pod
	// container, its primary process or an exec child (§4.H): each container gets its
	// own mount namespace, so its effective hostname/DNS/hosts (after
	// pod-level inheritance is resolved host-side) travel with the
	// process that namespace is built for, rather than through a
	// second pod-wide Bootstrap call not present in the agent's call
	// list. A single-container controller leaves these unset, letting
	// the one pod-wide/VM-wide Bootstrap call from §4.G stand alone.
	Hostname          string      `json:"hostname,omitempty"`
	DNS               *DNSConfig  `json:"dns,omitempty"`
	Hosts             []HostEntry `json:"hosts,omitempty"`
	SharePIDNamespace bool        `json:"sharePidNamespace,omitempty"`
}

// DNSConfig mirrors the resolv.conf fields the controller writes before
// a read-only rootfs remount (§4.G step 5).
type DNSConfig struct {
	Nameservers []string `json:"nameservers,omitempty"`
	Search      []string `json:"search,omitempty"`
}

// HostEntry is one /etc/hosts line.
type HostEntry struct {
	IP    string `json:"ip"`
	Names []string `json:"names"`
}

// Rlimit is one POSIX resource limit (RLIMIT_NOFILE, RLIMIT_NPROC, ...).
type Rlimit struct {
	Soft uint64 `json:"soft"`
	Hard uint64 `json:"hard"`
}

// BootstrapConfig is the resolved per-VM configuration handed to the
// guest agent's Bootstrap call (§4.G step 4).
type BootstrapConfig struct {
	Process      ProcessConfig     `json:"process"`
	Hostname     string            `json:"hostname,omitempty"`
	DNS          DNSConfig         `json:"dns,omitempty"`
	Hosts        []HostEntry       `json:"hosts,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Rlimits      map[string]Rlimit `json:"rlimits,omitempty"`
	// RootfsReadOnly tells the guest agent to write /etc/hosts and
	// /etc/resolv.conf from DNS/Hosts and only then remount the rootfs
	// read-only (§4.G step 5: the write must happen before the remount).
	RootfsReadOnly bool `json:"rootfsReadOnly,omitempty"`
}

// ExitStatus reports how a process ended: Code is the raw exit code for
// a normal exit, or 0 and Signal set for a signal termination.
// ExitCode() applies the Unix convention from §4.F.
type ExitStatus struct {
	Code   int `json:"code"`
	Signal int `json:"signal,omitempty"`
}

// ExitCode folds Signal into Code per §4.F: normal exit yields Code,
// signal termination yields 128+Signal.
func (s ExitStatus) ExitCode() int {
	if s.Signal != 0 {
		return 128 + s.Signal
	}
	return s.Code
}

// StdioPorts are the three per-process vsock ports the guest allocates
// at CreateProcess time, opened on demand by the host's stdio pumps.
type StdioPorts struct {
	StdinPort  uint32 `json:"stdinPort"`
	StdoutPort uint32 `json:"stdoutPort"`
	StderrPort uint32 `json:"stderrPort"`
}

// MemoryEvents reports cgroup memory pressure counters (§8 scenario 6).
type MemoryEvents struct {
	OOMKill int64 `json:"oomKill"`
}

// StatsResult is the decoded response to a Stats call; only the
// categories requested are populated.
type StatsResult struct {
	MemoryEvents *MemoryEvents `json:"memoryEvents,omitempty"`
	CPUUsageNs   *uint64       `json:"cpuUsageNs,omitempty"`
	MemoryUsage  *uint64       `json:"memoryUsage,omitempty"`
}
