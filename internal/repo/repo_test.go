package repo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casbak/internal/scanner"
)

func TestInitialize(t *testing.T) {
	root := t.TempDir()
	require.False(t, Exists(root))

	require.NoError(t, Initialize(root, DefaultConfig()))
	assert.True(t, Exists(root))
	assert.FileExists(t, filepath.Join(root, ".casbak", "config.json"))
	assert.DirExists(t, filepath.Join(root, ".casbak", "db"))
	assert.DirExists(t, filepath.Join(root, ".casbak", "content"))

	assert.Error(t, Initialize(root, DefaultConfig()), "double init is refused")
}

func TestInitializeRejectsUnknownCodec(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Codec = "File::CAS::Dir::Bogus"
	assert.Error(t, Initialize(t.TempDir(), cfg))
}

func TestOpenWithoutInit(t *testing.T) {
	_, err := Open(t.TempDir(), nil)
	assert.ErrorContains(t, err, "run init first")
}

func TestOpenResumesLatestSnapshot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Initialize(root, DefaultConfig()))

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "keep.txt"), []byte("persisted"), 0644))

	r, err := Open(root, nil)
	require.NoError(t, err)

	sc := scanner.New(r.FS, nil)
	require.NoError(t, sc.StoreDir(src, r.FS.Path()))
	committed, err := r.FS.Commit()
	require.NoError(t, err)
	_, err = r.Snaps.Append(committed, "checkpoint")
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r, err = Open(root, nil)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, committed.Ref, r.FS.Root().Ref, "reopening resumes at the last snapshot")
	f, err := r.FS.SplitPath("/keep.txt").Open()
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(f.Bytes()))
}
