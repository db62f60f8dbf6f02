package rotor

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestValidateConfig asserts path normalization and rejection of impossible
// instance counts.
func TestValidateConfig(t *testing.T) {
	t.Parallel()

	base := t.TempDir()

	cfg := DefaultConfig()
	cfg.BaseDir = filepath.Join(base, "data")
	cfg.Instances = 4
	cfg.BatchSize = 10

	clean, err := ValidateConfig(cfg)
	require.NoError(t, err)

	// The base dir is created and an oversized batch is clamped.
	require.DirExists(t, clean.BaseDir)
	require.Equal(t, 4, clean.BatchSize)

	cfg = DefaultConfig()
	cfg.BaseDir = filepath.Join(base, "data2")
	cfg.Instances = 0
	_, err = ValidateConfig(cfg)
	require.ErrorContains(t, err, "instances must be positive")

	cfg = DefaultConfig()
	cfg.BaseDir = filepath.Join(base, "data3")
	cfg.ListenAddr = ""
	_, err = ValidateConfig(cfg)
	require.ErrorContains(t, err, "listen address")
}

// TestCleanAndExpandPath asserts env var and home expansion.
func TestCleanAndExpandPath(t *testing.T) {
	t.Setenv("ROTOR_TEST_DIR", "/tmp/rotor-test")

	require.Equal(
		t, "/tmp/rotor-test/x",
		CleanAndExpandPath("$ROTOR_TEST_DIR/x"),
	)
	require.Empty(t, CleanAndExpandPath(""))
}
