package managerapi

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"

	"github.com/combust-labs/containervisor/pkg/rterrors"
	"github.com/combust-labs/containervisor/pkg/vsockrpc"
)

// Client is a control API client over one Unix socket connection. Unlike
// pkg/agent.Client, calls are issued one at a time per connection: a
// control client is an operator tool, not a process multiplexing many
// concurrent guest calls, so there is no need for the agent channel's
// correlation-id read loop.
type Client struct {
	mu     sync.Mutex
	conn   *vsockrpc.Conn
	nextID uint64
}

// Dial connects to a managerapi control socket.
func Dial(socketPath string) (*Client, error) {
	nc, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.IO, err, "failed dialing control socket")
	}
	return &Client{conn: vsockrpc.NewConn(nc)}, nil
}

func (c *Client) call(method string, params, result interface{}) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return rterrors.Wrap(rterrors.Format, err, "failed encoding control api params")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := atomic.AddUint64(&c.nextID, 1)
	if err := c.conn.WriteFrame(vsockrpc.Envelope{ID: id, Method: method, Params: paramsJSON}); err != nil {
		return rterrors.Wrap(rterrors.IO, err, "failed sending control api request")
	}
	var env vsockrpc.Envelope
	if err := c.conn.ReadFrame(&env); err != nil {
		return rterrors.Wrap(rterrors.IO, err, "failed reading control api response")
	}
	if env.Err != nil {
		return rterrors.New(rterrors.Kind(env.Err.Kind), env.Err.Message)
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return rterrors.Wrap(rterrors.Format, err, "failed decoding control api result")
		}
	}
	return nil
}

// CreateContainer asks the manager to create a container, returning its id.
func (c *Client) CreateContainer(req CreateContainerRequest) (string, error) {
	var resp CreateContainerResponse
	if err := c.call(MethodCreateContainer, req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// DeleteContainer asks the manager to delete a container.
func (c *Client) DeleteContainer(id string) error {
	return c.call(MethodDeleteContainer, DeleteContainerRequest{ID: id}, nil)
}

// ListContainers lists every managed ContainerId.
func (c *Client) ListContainers() ([]string, error) {
	var resp ListContainersResponse
	if err := c.call(MethodListContainers, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// Close closes the underlying connection. ForceClose, not Close: see
// the note in server.go's handleConn on why this control channel
// doesn't need vsockrpc.Conn's deferred-close behaviour.
func (c *Client) Close() error {
	return c.conn.ForceClose()
}
