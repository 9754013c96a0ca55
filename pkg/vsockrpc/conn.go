// Package vsockrpc is the length-prefixed JSON framing transport used by
// the guest agent RPC channel (§4.E): a 4-byte big-endian length prefix
// followed by a JSON body, carried over a vsock byte stream.
package vsockrpc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"

	"github.com/combust-labs/containervisor/pkg/rterrors"
)

// maxFrameSize bounds a single frame; a CopyIn/CopyOut payload travels
// whole in one frame, so it must fit under this cap.
const maxFrameSize = 64 << 20

// Conn is one framed vsock connection. It deliberately keeps the
// underlying connection open across the window between dial and the
// first successful frame read: closing a vsock socket before the first
// RPC round-trip completes is the historical EBADF crash documented for
// the guest agent channel, so Close here defers the actual fd close
// until ReadFrame has succeeded at least once, unless ForceClose is used.
type Conn struct {
	mu sync.Mutex
	nc net.Conn
	r  *bufio.Reader

	firstRoundTripDone bool
	closeRequested     bool
	closed             bool
}

// NewConn wraps an already-established connection (a vsock socket, or
// anything satisfying net.Conn — tests use an in-memory net.Pipe).
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, r: bufio.NewReader(nc)}
}

// WriteFrame encodes v as JSON and writes it length-prefixed.
func (c *Conn) WriteFrame(v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return rterrors.Wrap(rterrors.Format, err, "failed encoding rpc frame")
	}
	if len(body) > maxFrameSize {
		return rterrors.New(rterrors.InvalidArgument, "rpc frame exceeds maximum size")
	}
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(body)))

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.nc.Write(hdr); err != nil {
		return rterrors.Wrap(rterrors.IO, err, "failed writing rpc frame header")
	}
	if _, err := c.nc.Write(body); err != nil {
		return rterrors.Wrap(rterrors.IO, err, "failed writing rpc frame body")
	}
	return nil
}

// ReadFrame blocks for one length-prefixed JSON frame and decodes it
// into v. The first successful call marks the connection's handshake
// complete, releasing any Close that arrived before it.
func (c *Conn) ReadFrame(v interface{}) error {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(c.r, hdr); err != nil {
		return rterrors.Wrap(rterrors.IO, err, "failed reading rpc frame header")
	}
	n := binary.BigEndian.Uint32(hdr)
	if n > maxFrameSize {
		return rterrors.New(rterrors.Format, "rpc frame exceeds maximum size")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return rterrors.Wrap(rterrors.IO, err, "failed reading rpc frame body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return rterrors.Wrap(rterrors.Format, err, "failed decoding rpc frame")
	}
	c.markRoundTripDone()
	return nil
}

func (c *Conn) markRoundTripDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.firstRoundTripDone = true
	if c.closeRequested && !c.closed {
		c.closed = true
		c.nc.Close()
	}
}

// Close tears down the connection once the first RPC round-trip has
// completed; if called earlier, the close is deferred until then.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if !c.firstRoundTripDone {
		c.closeRequested = true
		return nil
	}
	c.closed = true
	return c.nc.Close()
}

// ForceClose closes the connection immediately, regardless of handshake
// state. Used for abort/teardown paths (a crashed VM, a cancelled dial)
// where waiting for a round-trip that will never arrive is wrong.
func (c *Conn) ForceClose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.nc.Close()
}

// RawConn exposes the underlying byte stream for stdio pumps, which
// don't use the JSON envelope at all (§4.E: "stdio is carried over
// separate vsock streams").
func (c *Conn) RawConn() net.Conn { return c.nc }
