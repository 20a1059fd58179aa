package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
}

func TestExpandNotebooks_Directory(t *testing.T) {
	// --- Arrange ---
	root := t.TempDir()
	touch(t, filepath.Join(root, "b.ipynb"))
	touch(t, filepath.Join(root, "a.ipynb"))
	touch(t, filepath.Join(root, "notes.txt"))
	touch(t, filepath.Join(root, "sub", "c.ipynb"))
	touch(t, filepath.Join(root, ".ipynb_checkpoints", "a-checkpoint.ipynb"))

	// --- Act ---
	got, err := ExpandNotebooks(root)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "a.ipynb"),
		filepath.Join(root, "b.ipynb"),
		filepath.Join(root, "sub", "c.ipynb"),
	}, got)
}

func TestExpandNotebooks_FileOrMissingPathPassesThrough(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "x.ipynb")
	touch(t, file)
	missing := filepath.Join(root, "new.ipynb")

	got, err := ExpandNotebooks(file)
	require.NoError(t, err)
	assert.Equal(t, []string{file}, got)

	got, err = ExpandNotebooks(missing)
	require.NoError(t, err)
	assert.Equal(t, []string{missing}, got)
}
