package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitCreatesLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "db")
	p, err := Init(root + "/")
	require.NoError(t, err)
	require.Equal(t, root, p.DB)
	for _, dir := range []string{p.Store, p.Logs, p.Keys} {
		fi, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, fi.IsDir())
		require.Equal(t, os.FileMode(0o700), fi.Mode().Perm())
	}

	// Idempotent.
	_, err = Init(root)
	require.NoError(t, err)
}

func TestInitRejectsBadPaths(t *testing.T) {
	_, err := Init("  ")
	require.Error(t, err)

	root := t.TempDir()
	target := t.TempDir()
	require.NoError(t, os.Symlink(target, filepath.Join(root, "store")))
	_, err = Init(root)
	require.ErrorContains(t, err, "symlink")

	root = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "store"), []byte("x"), 0o600))
	_, err = Init(root)
	require.ErrorContains(t, err, "not a directory")
}
