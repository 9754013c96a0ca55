package process

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/combust-labs/containervisor/pkg/agent"
	"github.com/combust-labs/containervisor/pkg/vsockrpc"
)

// fakeAgent answers CreateProcess/StartProcess/WaitProcess/SignalProcess/
// DeleteProcess for one process id, exit code configurable, standing in
// for the guest agent so the supervisor can be exercised without a VM.
type fakeAgent struct {
	mu       sync.Mutex
	exitCode int
	started  bool
	signals  []int
	deletes  int
}

func (f *fakeAgent) serve(t *testing.T, conn *vsockrpc.Conn) {
	t.Helper()
	go func() {
		for {
			var env vsockrpc.Envelope
			if err := conn.ReadFrame(&env); err != nil {
				return
			}
			resp := vsockrpc.Envelope{ID: env.ID, Result: json.RawMessage(`{}`)}
			switch env.Method {
			case "CreateProcess":
				resp.Result = json.RawMessage(`{"stdinPort":1,"stdoutPort":2,"stderrPort":3}`)
			case "StartProcess":
				f.mu.Lock()
				f.started = true
				f.mu.Unlock()
			case "WaitProcess":
				f.mu.Lock()
				code := f.exitCode
				f.mu.Unlock()
				body, _ := json.Marshal(agent.ExitStatus{Code: code})
				resp.Result = body
			case "SignalProcess":
				var p struct {
					Signum int `json:"signum"`
				}
				json.Unmarshal(env.Params, &p)
				f.mu.Lock()
				f.signals = append(f.signals, p.Signum)
				f.mu.Unlock()
			case "DeleteProcess":
				f.mu.Lock()
				f.deletes++
				f.mu.Unlock()
			}
			if err := conn.WriteFrame(resp); err != nil {
				return
			}
		}
	}()
}

func newTestClient(t *testing.T) (*agent.Client, *fakeAgent) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close(); serverSide.Close() })
	fa := &fakeAgent{}
	fa.serve(t, vsockrpc.NewConn(serverSide))
	return agent.NewClient(vsockrpc.NewConn(clientSide)), fa
}

func TestPrimaryProcessLifecycle(t *testing.T) {
	client, fa := newTestClient(t)
	fa.exitCode = 0

	p := NewPrimaryProcess(client, agent.ProcessConfig{ID: "1", Args: []string{"/bin/true"}})
	require.Equal(t, StateCreated, p.State())

	require.NoError(t, p.Start(context.Background()))
	require.Equal(t, StateRunning, p.State())

	status, err := p.Wait(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 0, status.ExitCode())
	require.Equal(t, StateExited, p.State())
}

func TestExitCodeConvention(t *testing.T) {
	client, fa := newTestClient(t)
	fa.exitCode = 42

	p := NewExecProcess(client, agent.ProcessConfig{ID: "2", Args: []string{"sh", "-c", "exit 42"}})
	require.NoError(t, p.Start(context.Background()))
	status, err := p.Wait(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 42, status.ExitCode())
}

func TestWaitIsIdempotentAcrossConcurrentCallers(t *testing.T) {
	client, fa := newTestClient(t)
	fa.exitCode = 7

	p := NewExecProcess(client, agent.ProcessConfig{ID: "3"})
	require.NoError(t, p.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := p.Wait(context.Background(), 0)
			require.NoError(t, err)
			require.Equal(t, 7, status.ExitCode())
		}()
	}
	wg.Wait()

	// Wait again after exit: still returns the same cached status, not a
	// fresh agent call (§8 invariant 4).
	status, err := p.Wait(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 7, status.ExitCode())
}

func TestDeleteIsIdempotent(t *testing.T) {
	client, fa := newTestClient(t)
	p := NewExecProcess(client, agent.ProcessConfig{ID: "4"})
	require.NoError(t, p.Start(context.Background()))
	_, _ = p.Wait(context.Background(), 0)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Delete(context.Background()))
	}
	require.Equal(t, StateDeleted, p.State())
	fa.mu.Lock()
	require.Equal(t, 1, fa.deletes)
	fa.mu.Unlock()
}

func TestWaitTimeoutDoesNotKillProcess(t *testing.T) {
	client, _ := newTestClient(t)
	// The fake agent always replies to WaitProcess, so to exercise a
	// genuine local timeout, use a one-nanosecond timeout that expires
	// before the reply can arrive.
	p := NewExecProcess(client, agent.ProcessConfig{ID: "never"})
	require.NoError(t, p.Start(context.Background()))

	_, err := p.Wait(context.Background(), time.Nanosecond)
	require.ErrorIs(t, err, ErrWaitTimeout)

	// A subsequent wait with a generous timeout still succeeds once the
	// background reap completes.
	status, err := p.Wait(context.Background(), 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, status.ExitCode())
}

func TestSignalRequiresRunningState(t *testing.T) {
	client, _ := newTestClient(t)
	p := NewExecProcess(client, agent.ProcessConfig{ID: "5"})
	err := p.Signal(context.Background(), 9)
	require.Error(t, err)
}
