package firecracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// StartVM/ReleaseVM drive a real firecracker-go-sdk Machine, which needs
// the firecracker and jailer binaries plus KVM; that's out of reach for a
// unit test. These tests cover the pure-Go logic around them instead.

func TestFirstNonEmptyPrefersFirstNonEmptyValue(t *testing.T) {
	require.Equal(t, "a", firstNonEmpty("a", "b"))
	require.Equal(t, "b", firstNonEmpty("", "b"))
	require.Equal(t, "", firstNonEmpty("", ""))
	require.Equal(t, "", firstNonEmpty())
}

func TestNewVMMIDIsUniqueAndHyphenFree(t *testing.T) {
	a := newVMMID()
	b := newVMMID()
	require.NotEqual(t, a, b)
	require.NotContains(t, a, "-")
	require.Len(t, a, 32)
}

func TestNewAppliesDefaultShutdownTimeout(t *testing.T) {
	b := New(nil, JailerConfig{}, MachineConfig{}, nil)
	require.Equal(t, 10*time.Second, b.machine.ShutdownTimeout)
}

func TestNewPreservesExplicitShutdownTimeout(t *testing.T) {
	b := New(nil, JailerConfig{}, MachineConfig{ShutdownTimeout: 3 * time.Second}, nil)
	require.Equal(t, 3*time.Second, b.machine.ShutdownTimeout)
}
