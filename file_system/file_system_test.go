package filesystem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestrictToRoot(t *testing.T) {
	fsys := NewFileSystem(t.TempDir())

	_, err := fsys.GetFile("../../etc/passwd", os.O_RDONLY, 0644)
	assert.Error(t, err)

	assert.NoError(t, fsys.MkDir("nested/dir"))
	info, err := fsys.GetStat("nested/dir")
	assert.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestTempFileAndRename(t *testing.T) {
	fsys := NewFileSystem(t.TempDir())

	tmp, err := fsys.TempFile("push-*")
	require.NoError(t, err)
	_, err = tmp.Write([]byte("pushed bytes"))
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	require.NoError(t, fsys.Rename(filepath.Base(tmp.Name()), "final.blob"))

	data, err := os.ReadFile(filepath.Join(fsys.Root(), "final.blob"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pushed bytes"), data)

	_, err = os.Stat(tmp.Name())
	assert.True(t, os.IsNotExist(err))
}

func TestListFilesSkipsDirectories(t *testing.T) {
	fsys := NewFileSystem(t.TempDir())
	require.NoError(t, fsys.MkDir("sub"))

	f, err := fsys.GetFile("a.blob", os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	files, err := fsys.ListFiles()
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a.blob": 3}, files)
}

func TestRemoveFile(t *testing.T) {
	fsys := NewFileSystem(t.TempDir())
	require.NoError(t, fsys.MkDir("dir"))

	assert.Error(t, fsys.RemoveFile("dir"), "directories are not removable through RemoveFile")
	assert.Error(t, fsys.RemoveFile("missing.blob"))

	f, err := fsys.GetFile("b.blob", os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.NoError(t, fsys.RemoveFile("b.blob"))
}
