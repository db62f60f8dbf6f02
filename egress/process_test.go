package egress

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeFakeTor writes a shell script that ignores its arguments and sleeps,
// standing in for the tor binary in process lifecycle tests.
func writeFakeTor(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fake-tor")
	script := "#!/bin/sh\nexec sleep 30\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))

	return path
}

// TestProcessLifecycle checks spawn, liveness and graceful termination of a
// supervised subprocess.
func TestProcessLifecycle(t *testing.T) {
	t.Parallel()

	proc := newTorProcess(writeFakeTor(t), "/dev/null")

	require.False(t, proc.alive())
	require.Zero(t, proc.pid())

	require.NoError(t, proc.start())
	require.True(t, proc.alive())
	require.NotZero(t, proc.pid())

	// A second start on a live handle must be refused.
	require.ErrorIs(t, proc.start(), ErrStart)

	require.NoError(t, proc.stop(2*time.Second))
	require.False(t, proc.alive())

	// Stopping again is a no-op.
	require.NoError(t, proc.stop(time.Second))
}

// TestProcessStartFailure checks that an unlaunchable binary is reported as
// ErrStart.
func TestProcessStartFailure(t *testing.T) {
	t.Parallel()

	proc := newTorProcess(
		filepath.Join(t.TempDir(), "no-such-binary"), "/dev/null",
	)
	require.ErrorIs(t, proc.start(), ErrStart)
}
