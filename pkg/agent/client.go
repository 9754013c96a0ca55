package agent

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/combust-labs/containervisor/pkg/metrics"
	"github.com/combust-labs/containervisor/pkg/rterrors"
	"github.com/combust-labs/containervisor/pkg/vsockrpc"
)

// Client multiplexes concurrent RPC calls over one shared agent channel.
// §5's shared-resource policy says the agent channel is shared by every
// process in a container/pod; a single background goroutine owns the
// connection's read side and routes each response back to its caller by
// correlation id, so the 80-concurrent-exec scenario in §8 doesn't
// serialise on a request/response lock — only the write side is briefly
// held per outgoing frame.
type Client struct {
	conn *vsockrpc.Conn

	writeMu sync.Mutex
	nextID  uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan vsockrpc.Envelope

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient takes ownership of conn's read side; callers must not call
// conn.ReadFrame themselves afterwards.
func NewClient(conn *vsockrpc.Conn) *Client {
	c := &Client{
		conn:    conn,
		pending: map[uint64]chan vsockrpc.Envelope{},
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		var env vsockrpc.Envelope
		if err := c.conn.ReadFrame(&env); err != nil {
			c.failAllPending(err)
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- env
		}
	}
}

// failAllPending runs once the connection itself has failed (crashed VM,
// closed channel): every in-flight wait observes a synthetic IO failure
// rather than hanging forever, matching §7's "a crashed VM surfaces as
// all outstanding waits returning a synthetic ... status".
func (c *Client) failAllPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = map[uint64]chan vsockrpc.Envelope{}
	c.pendingMu.Unlock()

	for id, ch := range pending {
		ch <- vsockrpc.Envelope{ID: id, Err: &vsockrpc.RPCError{Kind: string(rterrors.IO), Message: err.Error()}}
	}
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	timer := metrics.NewTimer()
	err := c.doCall(ctx, method, params, result)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.AgentRPCTotal.WithLabelValues(method, outcome).Inc()
	timer.ObserveDurationVec(metrics.AgentRPCDuration, method)
	return err
}

func (c *Client) doCall(ctx context.Context, method string, params interface{}, result interface{}) error {
	id := atomic.AddUint64(&c.nextID, 1)
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return rterrors.Wrap(rterrors.Format, err, "failed encoding rpc params")
	}

	ch := make(chan vsockrpc.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	writeErr := c.conn.WriteFrame(vsockrpc.Envelope{ID: id, Method: method, Params: paramsJSON})
	c.writeMu.Unlock()
	if writeErr != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return rterrors.Wrap(rterrors.IO, writeErr, "failed sending rpc request")
	}

	select {
	case env := <-ch:
		if env.Err != nil {
			return rterrors.New(rterrors.Kind(env.Err.Kind), env.Err.Message)
		}
		if result != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, result); err != nil {
				return rterrors.Wrap(rterrors.Format, err, "failed decoding rpc result")
			}
		}
		return nil
	case <-ctx.Done():
		// Cancellation only abandons this wait (§5): the guest-side call may
		// still complete; a subsequent call with a fresh context can still
		// observe it (e.g. wait is re-issued after a cancelled wait).
		return ctx.Err()
	case <-c.done:
		return rterrors.New(rterrors.IO, "agent channel closed")
	}
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
