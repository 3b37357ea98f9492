package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestCreateAndList(t *testing.T) {
	root := NewRoot(t.TempDir())
	dir, err := root.Create("job1")
	require.NoError(t, err)
	writeFile(t, dir, "a.xls", "abc")

	files, err := root.List("job1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.xls", files[0].Name)
	assert.Equal(t, "a.xls", files[0].Path)
	assert.EqualValues(t, 3, files[0].Size)
}

func TestListUnknownJob(t *testing.T) {
	root := NewRoot(t.TempDir())
	_, err := root.List("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveRejectsEscape(t *testing.T) {
	root := NewRoot(t.TempDir())
	_, err := root.Create("job1")
	require.NoError(t, err)

	for _, rel := range []string{"../job2/x.xls", "..", "/etc/passwd", "a/../../x"} {
		_, err := root.Resolve("job1", rel)
		assert.ErrorIs(t, err, ErrOutsideWorkspace, rel)
	}

	p, err := root.Resolve("job1", "sub/ok.xls")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root.Path(), "job1", "sub", "ok.xls"), p)
}

func TestDirRejectsTraversalJobID(t *testing.T) {
	root := NewRoot(t.TempDir())
	_, err := root.Dir("../x")
	assert.ErrorIs(t, err, ErrInvalidJobID)
}

func TestDeleteFilesPartitions(t *testing.T) {
	root := NewRoot(t.TempDir())
	dir, err := root.Create("job1")
	require.NoError(t, err)
	writeFile(t, dir, "a.xls", "a")
	writeFile(t, dir, "b.xls", "b")

	res, err := root.DeleteFiles("job1", []string{"a.xls", "missing.xls", "../escape"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.xls"}, res.Deleted)
	assert.Equal(t, []string{"missing.xls"}, res.NotFound)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "../escape", res.Failed[0].Filename)
	assert.True(t, res.Partial())

	files, err := root.List("job1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "b.xls", files[0].Name)
}

func TestDeleteAll(t *testing.T) {
	root := NewRoot(t.TempDir())
	dir, err := root.Create("job1")
	require.NoError(t, err)
	writeFile(t, dir, "a.xls", "a")
	writeFile(t, dir, "b.xls", "b")

	n, err := root.DeleteAll("job1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, root.Exists("job1"))
}
