package sshshim

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/combust-labs/containervisor/pkg/hypervisor"
)

// startFakeSSHServer runs a minimal SSH server on a loopback TCP listener
// that accepts any client public key and rejects every channel it is
// asked to open. It returns the listener; closing it stops the server.
func startFakeSSHServer(t *testing.T, hostKey ssh.Signer, clientKey ssh.Signer) net.Listener {
	t.Helper()
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return &ssh.Permissions{}, nil
		},
	}
	config.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			nConn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				conn, chans, reqs, err := ssh.NewServerConn(nConn, config)
				if err != nil {
					return
				}
				defer conn.Close()
				go ssh.DiscardRequests(reqs)
				for newChannel := range chans {
					newChannel.Reject(ssh.UnknownChannelType, "not supported")
				}
			}()
		}
	}()

	return ln
}

func newTestSigner(t *testing.T) ssh.Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)
	return signer
}

func TestStartVMConnectsAndReleaseVMCloses(t *testing.T) {
	hostKey := newTestSigner(t)
	clientKey := newTestSigner(t)

	ln := startFakeSSHServer(t, hostKey, clientKey)
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	b := New(nil, Config{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		Username:       "root",
		Signer:         clientKey,
		TimeoutSeconds: 5,
	})

	handle, err := b.StartVM(context.Background(), hypervisor.StartVMOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, handle.ID())

	require.NoError(t, b.ReleaseVM(context.Background(), handle))
}

func TestStartVMFailsWhenNothingListening(t *testing.T) {
	clientKey := newTestSigner(t)

	// An address nothing is listening on; TCP dial itself should fail
	// fast rather than hang past the configured timeout.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	b := New(nil, Config{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		Username:       "root",
		Signer:         clientKey,
		TimeoutSeconds: 1,
	})

	_, err = b.StartVM(context.Background(), hypervisor.StartVMOptions{})
	require.Error(t, err)
}

func TestOpenVsockFailsForForeignHandle(t *testing.T) {
	b := New(nil, Config{})
	_, err := b.OpenVsock(context.Background(), fakeHandle{}, 10000)
	require.Error(t, err)
}

type fakeHandle struct{}

func (fakeHandle) ID() string { return "fake" }
