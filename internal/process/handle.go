// Package process implements the per-process supervisor state machine
// (§4.F): created → running → exited → deleted, shared by every kind of
// guest process (a container's primary process, an exec child, a
// process started directly inside a pod).
package process

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/combust-labs/containervisor/pkg/agent"
	"github.com/combust-labs/containervisor/pkg/rterrors"
)

// State is one node of the created/running/exited/deleted state machine.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateExited  State = "exited"
	StateDeleted State = "deleted"
)

// Kind tags which family a Handle belongs to (§9: "Process handles as
// tagged variants" — PrimaryProcess, ExecProcess, PodProcess form a
// small sum type sharing one behaviour trait, not a class hierarchy).
type Kind string

const (
	KindPrimary Kind = "primary"
	KindExec    Kind = "exec"
	KindPod     Kind = "pod"
)

// Process is the shared behaviour every tagged variant implements.
type Process interface {
	ID() string
	Kind() Kind
	State() State
	Start(ctx context.Context) error
	Wait(ctx context.Context, timeout time.Duration) (agent.ExitStatus, error)
	Signal(ctx context.Context, signum int) error
	Delete(ctx context.Context) error
}

// ErrWaitTimeout is returned by Wait when the caller-supplied timeout
// elapses before the process has exited. It never terminates the
// process (§5): callers must issue an explicit Signal(SIGKILL) to force
// termination, and may call Wait again afterwards.
var ErrWaitTimeout = errors.New("process wait timed out")

// Handle is the state machine implementation composed into every tagged
// variant (§9 explicitly rules out a base class, so callers never hold
// a bare *Handle — they hold a PrimaryProcess/ExecProcess/PodProcess,
// each of which embeds one).
type Handle struct {
	mu sync.Mutex

	id     string
	kind   Kind
	client *agent.Client
	cfg    agent.ProcessConfig
	state  State

	reaperOnce sync.Once
	waitDone   chan struct{}
	waitStatus agent.ExitStatus
	waitErr    error
}

func newHandle(kind Kind, client *agent.Client, cfg agent.ProcessConfig) *Handle {
	return &Handle{
		id:       cfg.ID,
		kind:     kind,
		client:   client,
		cfg:      cfg,
		state:    StateCreated,
		waitDone: make(chan struct{}),
	}
}

func (h *Handle) ID() string   { return h.id }
func (h *Handle) Kind() Kind   { return h.kind }
func (h *Handle) State() State { h.mu.Lock(); defer h.mu.Unlock(); return h.state }

// Start instructs the guest to fork+exec the process created earlier by
// the container/pod controller's CreateProcess call. Per §5, a cancelled
// Start leaves the process in the created state — a caller may retry
// Start or call Delete; the guest side treats a missing start following
// a create as pending.
func (h *Handle) Start(ctx context.Context) error {
	h.mu.Lock()
	switch h.state {
	case StateDeleted:
		h.mu.Unlock()
		return rterrors.New(rterrors.StateConflict, "cannot start a deleted process")
	case StateRunning, StateExited:
		h.mu.Unlock()
		return rterrors.New(rterrors.StateConflict, "process already started")
	}
	h.mu.Unlock()

	if err := h.client.StartProcess(ctx, h.id); err != nil {
		return err
	}

	h.mu.Lock()
	if h.state == StateCreated {
		h.state = StateRunning
	}
	h.mu.Unlock()

	h.reaperOnce.Do(func() { go h.reap() })
	return nil
}

// reap issues the single long-lived WaitProcess call backing every Wait
// invocation: one background RPC per process, regardless of how many
// callers join it or how many of their individual timeouts expire
// locally. This is what makes concurrent Wait callers observe the same
// status (§4.F) without each holding open its own blocking agent call.
func (h *Handle) reap() {
	status, err := h.client.WaitProcess(context.Background(), h.id, 0)
	h.mu.Lock()
	if err == nil && h.state == StateRunning {
		h.state = StateExited
	}
	h.mu.Unlock()
	h.waitStatus, h.waitErr = status, err
	close(h.waitDone)
}

// Wait blocks until the process exits, ctx is cancelled, or timeout (if
// positive) elapses. A caller-local timeout never touches the
// background reap: the process keeps running in the guest and a later
// Wait call still observes the eventual exit.
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) (agent.ExitStatus, error) {
	if h.State() == StateCreated {
		return agent.ExitStatus{}, rterrors.New(rterrors.StateConflict, "cannot wait on a process that has not been started")
	}

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-h.waitDone:
		return h.waitStatus, h.waitErr
	case <-ctx.Done():
		return agent.ExitStatus{}, ctx.Err()
	case <-timerC:
		return agent.ExitStatus{}, ErrWaitTimeout
	}
}

// Signal delivers signum to the process. If the process was created
// with UseInit, the guest-side init shim receives and forwards it.
func (h *Handle) Signal(ctx context.Context, signum int) error {
	if h.State() != StateRunning {
		return rterrors.New(rterrors.StateConflict, "cannot signal a process that is not running")
	}
	return h.client.SignalProcess(ctx, h.id, signum)
}

// Delete frees guest-side process state. Idempotent: once a call
// succeeds, every subsequent call returns nil without another RPC.
func (h *Handle) Delete(ctx context.Context) error {
	if h.State() == StateDeleted {
		return nil
	}
	if err := h.client.DeleteProcess(ctx, h.id); err != nil {
		return err
	}
	h.mu.Lock()
	h.state = StateDeleted
	h.mu.Unlock()
	return nil
}
