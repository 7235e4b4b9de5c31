package fileio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")

	require.NoError(t, AtomicWrite(path, []byte("first"), 0o644))
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(content))

	// Overwrite replaces the whole file.
	require.NoError(t, AtomicWrite(path, []byte("second"), 0o644))
	content, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(content))

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAtomicWriteMissingDirectory(t *testing.T) {
	err := AtomicWrite(filepath.Join(t.TempDir(), "nope", "out.yaml"), []byte("x"), 0o644)
	require.Error(t, err)
}
