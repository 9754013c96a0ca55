package agent

import (
	"context"
	"io"

	"github.com/combust-labs/containervisor/pkg/rterrors"
	"github.com/combust-labs/containervisor/pkg/vsockrpc"
)

// StdioStreams identifies the per-process vsock ports a process's stdio
// pumps dial into, on demand, after CreateProcess returns them (§4.E:
// "stdio is carried over separate vsock streams allocated per-process").
type StdioStreams struct {
	CID   uint32
	Ports StdioPorts
}

// PumpStdin copies src into the process's stdin stream until src is
// exhausted or ctx is cancelled, then closes the stream.
func PumpStdin(ctx context.Context, streams StdioStreams, src io.Reader) error {
	conn, err := vsockrpc.Dial(streams.CID, streams.Ports.StdinPort)
	if err != nil {
		return err
	}
	defer conn.ForceClose()

	errc := make(chan error, 1)
	go func() {
		_, copyErr := io.Copy(conn.RawConn(), src)
		errc <- copyErr
	}()

	select {
	case copyErr := <-errc:
		if copyErr != nil {
			return rterrors.Wrap(rterrors.IO, copyErr, "failed pumping stdin")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pumpBufferSize bounds the intermediate buffer for stdout/stderr pumps:
// memory stays flat regardless of payload size, and the reader naturally
// pauses vsock reads while dst.Write is slow, which is the bounded-queue
// back-pressure behaviour §9 asks for in place of buffering the whole
// payload in memory.
const pumpBufferSize = 32 * 1024

// PumpOutput copies one of the process's stdout/stderr streams into dst.
func PumpOutput(ctx context.Context, cid, port uint32, dst io.Writer) error {
	conn, err := vsockrpc.Dial(cid, port)
	if err != nil {
		return err
	}
	defer conn.ForceClose()

	buf := make([]byte, pumpBufferSize)
	errc := make(chan error, 1)
	go func() {
		_, copyErr := io.CopyBuffer(dst, conn.RawConn(), buf)
		errc <- copyErr
	}()

	select {
	case copyErr := <-errc:
		if copyErr != nil && copyErr != io.EOF {
			return rterrors.Wrap(rterrors.IO, copyErr, "failed pumping process output")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
