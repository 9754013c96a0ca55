package agent

import "context"

// Bootstrap configures the VM's primary process, hostname, DNS, hosts,
// capabilities and rlimits; called once right after the agent channel is
// established (§4.G step 4).
func (c *Client) Bootstrap(ctx context.Context, cfg BootstrapConfig) error {
	return c.call(ctx, "Bootstrap", cfg, nil)
}

type createProcessParams struct {
	ProcessConfig
}

// CreateProcess allocates an id inside the guest and pre-opens its stdio
// pipes, without exec'ing (§4.F "create").
func (c *Client) CreateProcess(ctx context.Context, cfg ProcessConfig) (StdioPorts, error) {
	var ports StdioPorts
	err := c.call(ctx, "CreateProcess", createProcessParams{cfg}, &ports)
	return ports, err
}

type processIDParams struct {
	ID string `json:"id"`
}

// StartProcess instructs the guest to fork+exec a previously created
// process. A guest-side PATH resolution failure comes back as an
// internalError carrying the message "failed to find target executable"
// verbatim, per §4.F.
func (c *Client) StartProcess(ctx context.Context, id string) error {
	return c.call(ctx, "StartProcess", processIDParams{ID: id}, nil)
}

type waitProcessParams struct {
	ID            string `json:"id"`
	TimeoutMillis int64  `json:"timeoutMillis,omitempty"`
}

// WaitProcess blocks until the process exits or timeoutMillis elapses (0
// means no timeout). Safe to call concurrently from multiple goroutines
// for the same id; every caller observes the same ExitStatus (§4.F).
func (c *Client) WaitProcess(ctx context.Context, id string, timeoutMillis int64) (ExitStatus, error) {
	var status ExitStatus
	err := c.call(ctx, "WaitProcess", waitProcessParams{ID: id, TimeoutMillis: timeoutMillis}, &status)
	return status, err
}

type signalProcessParams struct {
	ID     string `json:"id"`
	Signum int    `json:"signum"`
}

// SignalProcess delivers signum to the process (or to the pid-1 init
// shim, which forwards it, when the process was created with UseInit).
func (c *Client) SignalProcess(ctx context.Context, id string, signum int) error {
	return c.call(ctx, "SignalProcess", signalProcessParams{ID: id, Signum: signum}, nil)
}

// DeleteProcess frees guest-side process state. Idempotent: a second
// call for an already-deleted id returns without error (§4.F).
func (c *Client) DeleteProcess(ctx context.Context, id string) error {
	return c.call(ctx, "DeleteProcess", processIDParams{ID: id}, nil)
}

type statsParams struct {
	Categories []string `json:"categories"`
}

// Stats requests the given statistic categories ("memoryEvents", "cpu",
// "memory", ...); unrequested fields of StatsResult are left nil.
func (c *Client) Stats(ctx context.Context, categories ...string) (StatsResult, error) {
	var result StatsResult
	err := c.call(ctx, "Stats", statsParams{Categories: categories}, &result)
	return result, err
}

type copyInParams struct {
	GuestPath string `json:"guestPath"`
	Data      []byte `json:"data"`
	Mode      uint32 `json:"mode,omitempty"`
}

// CopyIn streams data into guestPath, preserving content and size bytes
// exactly (§4.G copyIn / the copyIn/copyOut round-trip law in §8).
func (c *Client) CopyIn(ctx context.Context, guestPath string, data []byte, mode uint32) error {
	return c.call(ctx, "CopyIn", copyInParams{GuestPath: guestPath, Data: data, Mode: mode}, nil)
}

type copyOutParams struct {
	GuestPath string `json:"guestPath"`
}

type copyOutResult struct {
	Data []byte `json:"data"`
}

// CopyOut reads guestPath's full content back to the host.
func (c *Client) CopyOut(ctx context.Context, guestPath string) ([]byte, error) {
	var result copyOutResult
	err := c.call(ctx, "CopyOut", copyOutParams{GuestPath: guestPath}, &result)
	return result.Data, err
}

type mountShareParams struct {
	Tag       string `json:"tag"`
	GuestPath string `json:"guestPath"`
	ReadOnly  bool   `json:"readOnly,omitempty"`
}

// MountShare mounts a virtio-fs/share tag at guestPath inside the VM.
func (c *Client) MountShare(ctx context.Context, tag, guestPath string, readOnly bool) error {
	return c.call(ctx, "MountShare", mountShareParams{Tag: tag, GuestPath: guestPath, ReadOnly: readOnly}, nil)
}

type configureInterfaceParams struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Gateway string `json:"gateway,omitempty"`
	MTU     int    `json:"mtu,omitempty"`
}

// ConfigureInterface assigns an address (and optional gateway/MTU) to a
// network interface already attached to the VM by the hypervisor.
func (c *Client) ConfigureInterface(ctx context.Context, name, address, gateway string, mtu int) error {
	return c.call(ctx, "ConfigureInterface", configureInterfaceParams{Name: name, Address: address, Gateway: gateway, MTU: mtu}, nil)
}
