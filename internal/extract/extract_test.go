package extract

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casbak/internal/cas"
	"casbak/internal/caserr"
	"casbak/internal/dirent"
	"casbak/internal/scanner"
	"casbak/internal/vfs"
)

func testFS(t *testing.T) *vfs.FS {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := cas.New(db, cas.Options{Root: t.TempDir()})
	require.NoError(t, err)
	fs, err := vfs.New(store)
	require.NoError(t, err)
	return fs
}

func storedTree(t *testing.T, fs *vfs.FS, files map[string]string) dirent.Entry {
	t.Helper()
	src := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(src, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0640))
	}
	require.NoError(t, os.Symlink("notes/today.txt", filepath.Join(src, "latest")))

	sc := scanner.New(fs, nil)
	require.NoError(t, sc.StoreDir(src, fs.Path()))
	root, err := fs.Commit()
	require.NoError(t, err)
	return root
}

func TestRestoreRoundTrip(t *testing.T) {
	fs := testFS(t)
	root := storedTree(t, fs, map[string]string{
		"notes/today.txt": "remember the milk",
		"empty/.keep":     "",
		"top.txt":         "surface",
	})

	dest := filepath.Join(t.TempDir(), "out")
	x := New(fs, nil)
	require.NoError(t, x.Restore(root, dest, false))
	assert.Equal(t, 3, x.FilesWritten())
	assert.Equal(t, 0, x.Skipped())

	body, err := os.ReadFile(filepath.Join(dest, "notes", "today.txt"))
	require.NoError(t, err)
	assert.Equal(t, "remember the milk", string(body))

	body, err = os.ReadFile(filepath.Join(dest, "top.txt"))
	require.NoError(t, err)
	assert.Equal(t, "surface", string(body))

	target, err := os.Readlink(filepath.Join(dest, "latest"))
	require.NoError(t, err)
	assert.Equal(t, "notes/today.txt", target)

	info, err := os.Lstat(filepath.Join(dest, "top.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())
}

func TestRestoreAppliesTimes(t *testing.T) {
	fs := testFS(t)
	ts := int64(1_600_000_000)
	require.NoError(t, fs.SplitPath("/old.txt").Set(&dirent.Entry{
		Kind:     dirent.KindFile,
		Ref:      mustPut(t, fs, "aged"),
		ModifyTS: &ts,
	}, vfs.ResolveOpts{}))
	root, err := fs.Commit()
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, New(fs, nil).Restore(root, dest, false))

	info, err := os.Stat(filepath.Join(dest, "old.txt"))
	require.NoError(t, err)
	assert.Equal(t, time.Unix(ts, 0), info.ModTime())
}

func mustPut(t *testing.T, fs *vfs.FS, content string) string {
	t.Helper()
	digest, err := fs.PutScalar([]byte(content))
	require.NoError(t, err)
	return digest
}

func TestRestoreRejectsNonEmptyDest(t *testing.T) {
	fs := testFS(t)
	root := storedTree(t, fs, map[string]string{"notes/today.txt": "x"})

	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, "occupied"), []byte("here first"), 0644))

	err := New(fs, nil).Restore(root, dest, false)
	require.Error(t, err)
	assert.True(t, caserr.IsKind(err, caserr.KindCasIo))

	// force overrides the guard.
	require.NoError(t, New(fs, nil).Restore(root, dest, true))
	body, err := os.ReadFile(filepath.Join(dest, "notes", "today.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(body))
}

func TestRestoreRejectsFileDest(t *testing.T) {
	fs := testFS(t)
	root := storedTree(t, fs, map[string]string{"a": "a"})

	dest := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(dest, []byte("x"), 0644))

	err := New(fs, nil).Restore(root, dest, false)
	assert.True(t, caserr.IsKind(err, caserr.KindNotADirectory))
}

func TestRestoreRejectsNonDirRoot(t *testing.T) {
	fs := testFS(t)
	err := New(fs, nil).Restore(dirent.Entry{Kind: dirent.KindFile, Ref: "aa"}, t.TempDir(), true)
	assert.True(t, caserr.IsKind(err, caserr.KindNotADirectory))
}

func TestRestoreEmptyTree(t *testing.T) {
	fs := testFS(t)
	root, err := fs.Commit()
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, New(fs, nil).Restore(root, dest, false))
	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 0, New(fs, nil).FilesWritten())
}
