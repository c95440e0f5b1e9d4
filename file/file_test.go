package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathExists(t *testing.T) {
	tmpDir := t.TempDir()
	existing := filepath.Join(tmpDir, "present.txt")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0644))

	ok, err := PathExists(existing)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = PathExists(filepath.Join(tmpDir, "absent.txt"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateDir(t *testing.T) {
	tmpDir := t.TempDir()

	nested := filepath.Join(tmpDir, "a", "b", "c")
	require.NoError(t, CreateDir(nested))
	isDir, err := IsDir(nested)
	require.NoError(t, err)
	assert.True(t, isDir)

	// Idempotent on an existing directory.
	require.NoError(t, CreateDir(nested))

	// A file in the way is an error.
	plain := filepath.Join(tmpDir, "plain")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0644))
	err = CreateDir(plain)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestChecksums(t *testing.T) {
	tmpDir := t.TempDir()
	p := filepath.Join(tmpDir, "data.bin")
	require.NoError(t, os.WriteFile(p, []byte("hello world"), 0644))

	md5sum, err := MD5(p)
	require.NoError(t, err)
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", md5sum)

	sha, err := SHA256(p)
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", sha)

	_, err = MD5(filepath.Join(tmpDir, "missing"))
	require.Error(t, err)
}

func TestSize(t *testing.T) {
	tmpDir := t.TempDir()
	p := filepath.Join(tmpDir, "sized")
	require.NoError(t, os.WriteFile(p, make([]byte, 1234), 0644))

	n, err := Size(p)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), n)

	_, err = Size(tmpDir)
	require.Error(t, err)
}

func TestListWithExt(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "a.deb"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "b.deb"), []byte("b"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "notes.txt"), []byte("c"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(tmpDir, "sub.deb"), 0755))

	debs, err := ListWithExt(tmpDir, ".deb")
	require.NoError(t, err)
	require.Len(t, debs, 2)
	assert.Contains(t, debs, filepath.Join(tmpDir, "a.deb"))
	assert.Contains(t, debs, filepath.Join(tmpDir, "b.deb"))

	_, err = ListWithExt(filepath.Join(tmpDir, "nope"), ".deb")
	require.Error(t, err)
}
