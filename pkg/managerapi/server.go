// Package managerapi is a small request/response control surface in
// front of internal/manager.Manager, listening on a Unix socket at
// <manager-root>/control.sock and framed identically to pkg/vsockrpc
// (a 4-byte length prefix followed by a JSON body). It is ambient
// tooling: nothing in internal/manager depends on it, and a manager can
// be embedded and driven directly without ever starting this server.
package managerapi

import (
	"context"
	"encoding/json"
	"net"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/combust-labs/containervisor/internal/manager"
	"github.com/combust-labs/containervisor/pkg/rterrors"
	"github.com/combust-labs/containervisor/pkg/vsockrpc"
)

const (
	MethodCreateContainer = "CreateContainer"
	MethodDeleteContainer = "DeleteContainer"
	MethodListContainers  = "ListContainers"
)

// CreateContainerRequest is MethodCreateContainer's params.
type CreateContainerRequest struct {
	ID     string                  `json:"id"`
	Config manager.PersistedConfig `json:"config"`
}

// CreateContainerResponse is MethodCreateContainer's result.
type CreateContainerResponse struct {
	ID string `json:"id"`
}

// DeleteContainerRequest is MethodDeleteContainer's params.
type DeleteContainerRequest struct {
	ID string `json:"id"`
}

// ListContainersResponse is MethodListContainers's result.
type ListContainersResponse struct {
	IDs []string `json:"ids"`
}

// Server dispatches framed requests against one Manager.
type Server struct {
	mgr    *manager.Manager
	logger hclog.Logger
	ln     net.Listener
	path   string
}

// New creates a listener at socketPath, removing any stale socket file
// left behind by a prior, uncleanly-terminated process.
func New(logger hclog.Logger, mgr *manager.Manager, socketPath string) (*Server, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, rterrors.Wrap(rterrors.IO, err, "failed removing stale control socket")
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.IO, err, "failed listening on control socket")
	}
	return &Server{mgr: mgr, logger: logger, ln: ln, path: socketPath}, nil
}

// Addr returns the socket path this server listens on.
func (s *Server) Addr() string { return s.path }

// Serve accepts connections until ctx is cancelled or the listener is
// closed; each connection is handled sequentially, one call in flight
// at a time, since a control client only ever issues one request before
// waiting on its response.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return rterrors.Wrap(rterrors.IO, err, "control socket accept failed")
		}
		go s.handleConn(ctx, nc)
	}
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	if err := s.ln.Close(); err != nil {
		return err
	}
	return os.RemoveAll(s.path)
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	conn := vsockrpc.NewConn(nc)
	// ForceClose, not Close: the deferred-close-until-first-round-trip
	// behaviour in vsockrpc.Conn exists to dodge a vsock-specific EBADF
	// crash (§4.E); a control socket has no such hazard, and a client
	// that disconnects before completing a call must not leak this fd.
	defer conn.ForceClose()
	for {
		var env vsockrpc.Envelope
		if err := conn.ReadFrame(&env); err != nil {
			return
		}
		resp := s.dispatch(ctx, env)
		if err := conn.WriteFrame(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, env vsockrpc.Envelope) vsockrpc.Envelope {
	result, err := s.call(ctx, env.Method, env.Params)
	if err != nil {
		kind, ok := rterrors.KindOf(err)
		if !ok {
			kind = rterrors.Internal
		}
		return vsockrpc.Envelope{ID: env.ID, Err: &vsockrpc.RPCError{Kind: string(kind), Message: err.Error()}}
	}
	resultJSON, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return vsockrpc.Envelope{ID: env.ID, Err: &vsockrpc.RPCError{Kind: string(rterrors.Format), Message: marshalErr.Error()}}
	}
	return vsockrpc.Envelope{ID: env.ID, Result: resultJSON}
}

func (s *Server) call(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case MethodCreateContainer:
		var req CreateContainerRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, rterrors.Wrap(rterrors.Format, err, "failed decoding CreateContainer params")
		}
		ctrl, err := s.mgr.Create(ctx, req.ID, req.Config)
		if err != nil {
			return nil, err
		}
		return CreateContainerResponse{ID: ctrl.ID()}, nil

	case MethodDeleteContainer:
		var req DeleteContainerRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, rterrors.Wrap(rterrors.Format, err, "failed decoding DeleteContainer params")
		}
		if err := s.mgr.Delete(ctx, req.ID); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case MethodListContainers:
		return ListContainersResponse{IDs: s.mgr.List()}, nil

	default:
		return nil, rterrors.New(rterrors.Unsupported, "unknown method: "+method)
	}
}
