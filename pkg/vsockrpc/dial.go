package vsockrpc

import (
	"net"

	"github.com/mdlayher/vsock"

	"github.com/combust-labs/containervisor/pkg/rterrors"
)

// Dial opens a vsock connection to a guest's context id on port and wraps
// it in a framed Conn.
func Dial(cid, port uint32) (*Conn, error) {
	nc, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, rterrors.Wrapf(rterrors.IO, err, "failed dialing vsock cid=%d port=%d", cid, port)
	}
	return NewConn(nc), nil
}

// Listener accepts framed vsock connections; used by the guest-side agent
// process and by tests standing in for one.
type Listener struct {
	l *vsock.Listener
}

// Listen opens a vsock listener on port.
func Listen(port uint32) (*Listener, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, rterrors.Wrapf(rterrors.IO, err, "failed listening on vsock port=%d", port)
	}
	return &Listener{l: l}, nil
}

func (l *Listener) Accept() (*Conn, error) {
	nc, err := l.l.Accept()
	if err != nil {
		return nil, rterrors.Wrap(rterrors.IO, err, "failed accepting vsock connection")
	}
	return NewConn(nc), nil
}

func (l *Listener) Close() error { return l.l.Close() }

func (l *Listener) Addr() net.Addr { return l.l.Addr() }
