package vfs

import (
	"strings"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casbak/internal/cas"
	"casbak/internal/caserr"
	"casbak/internal/codec"
	"casbak/internal/dirent"
)

func testFS(t *testing.T, opts ...Option) *FS {
	t.Helper()
	bopts := badger.DefaultOptions("").WithInMemory(true)
	bopts.Logger = nil
	db, err := badger.Open(bopts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := cas.New(db, cas.Options{Root: t.TempDir()})
	require.NoError(t, err)

	fs, err := New(store, opts...)
	require.NoError(t, err)
	return fs
}

func putBlob(t *testing.T, fs *FS, content string) string {
	t.Helper()
	digest, err := fs.PutScalar([]byte(content))
	require.NoError(t, err)
	return digest
}

func commit(t *testing.T, fs *FS) dirent.Entry {
	t.Helper()
	root, err := fs.Commit()
	require.NoError(t, err)
	return root
}

func TestEmptyFilesystem(t *testing.T) {
	fs := testFS(t)

	blob, err := codec.Encode(codec.Default(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, cas.HashBytes(blob), fs.EmptyDirDigest(),
		"the empty-dir digest is the digest of the serialized empty directory")

	root := fs.Root()
	assert.Equal(t, "", root.Name)
	assert.Equal(t, dirent.KindDir, root.Kind)
	assert.Equal(t, fs.EmptyDirDigest(), root.Ref)

	entries, err := fs.ResolvePath([]string{""}, ResolveOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, root.Equal(entries[0]))
}

func TestCommitCreatesFile(t *testing.T) {
	fs := testFS(t)
	h := putBlob(t, fs, "file body")

	require.NoError(t, fs.SetPath([]string{"", "a"}, &dirent.Entry{Kind: dirent.KindFile, Ref: h}, ResolveOpts{}))
	assert.True(t, fs.Dirty())

	root := commit(t, fs)
	assert.False(t, fs.Dirty())
	assert.NotEqual(t, fs.EmptyDirDigest(), root.Ref)

	dir, err := fs.GetDir(root.Ref)
	require.NoError(t, err)
	require.NotNil(t, dir)
	require.Len(t, dir.Entries, 1)
	assert.Equal(t, "a", dir.Entries[0].Name)
	assert.Equal(t, dirent.KindFile, dir.Entries[0].Kind)
	assert.Equal(t, h, dir.Entries[0].Ref)

	// The new root blob is exactly the canonical serialization of its
	// entry list.
	blob, err := codec.Encode(fs.Codec(), dir.Entries, nil)
	require.NoError(t, err)
	assert.Equal(t, cas.HashBytes(blob), root.Ref)
}

func TestResolveThroughSymlink(t *testing.T) {
	fs := testFS(t)
	h := putBlob(t, fs, "x body")

	require.NoError(t, fs.Mkdir([]string{"", "target"}))
	require.NoError(t, fs.SetPath([]string{"", "target", "x"}, &dirent.Entry{Kind: dirent.KindFile, Ref: h}, ResolveOpts{}))
	require.NoError(t, fs.SetPath([]string{"", "link"}, &dirent.Entry{Kind: dirent.KindSymlink, Ref: "/target"}, ResolveOpts{NoFollow: true}))
	commit(t, fs)

	entries, err := fs.ResolvePath([]string{"", "link", "x"}, ResolveOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "", entries[0].Name)
	assert.Equal(t, "target", entries[1].Name)
	assert.Equal(t, "x", entries[2].Name)

	entries, err = fs.ResolvePath([]string{"", "link", ""}, ResolveOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "target", entries[1].Name)
}

func TestDotDotThroughSymlink(t *testing.T) {
	fs := testFS(t)

	require.NoError(t, fs.Mkdir([]string{"", "b", "c"}))
	require.NoError(t, fs.SetPath([]string{"", "a"}, &dirent.Entry{Kind: dirent.KindSymlink, Ref: "/b/c"}, ResolveOpts{NoFollow: true}))
	commit(t, fs)

	// ".." acts on the resolved position, so it lands in b, not back at
	// the root.
	entries, err := fs.ResolvePath([]string{"", "a", ".."}, ResolveOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[1].Name)
}

func TestRelativeSymlink(t *testing.T) {
	fs := testFS(t)
	h := putBlob(t, fs, "deep")

	require.NoError(t, fs.SetPath([]string{"", "d", "f"}, &dirent.Entry{Kind: dirent.KindFile, Ref: h}, ResolveOpts{Mkdir: 1}))
	require.NoError(t, fs.SetPath([]string{"", "d", "up"}, &dirent.Entry{Kind: dirent.KindSymlink, Ref: "../d/f"}, ResolveOpts{NoFollow: true}))
	commit(t, fs)

	entries, err := fs.ResolvePath([]string{"", "d", "up"}, ResolveOpts{})
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, "f", last.Name)
	assert.Equal(t, h, last.Ref)
}

func TestUnlink(t *testing.T) {
	fs := testFS(t)
	h := putBlob(t, fs, "short-lived")

	require.NoError(t, fs.SetPath([]string{"", "a"}, &dirent.Entry{Kind: dirent.KindFile, Ref: h}, ResolveOpts{}))
	commit(t, fs)

	require.NoError(t, fs.Unlink([]string{"", "a"}))
	root := commit(t, fs)

	_, err := fs.ResolvePath([]string{"", "a"}, ResolveOpts{})
	assert.True(t, caserr.IsKind(err, caserr.KindNoSuchEntry))

	// Emptied directories collapse back to the precomputed digest.
	assert.Equal(t, fs.EmptyDirDigest(), root.Ref)
}

func TestUnlinkRootRejected(t *testing.T) {
	fs := testFS(t)
	err := fs.Unlink([]string{""})
	assert.True(t, caserr.IsKind(err, caserr.KindEscapesRoot))
}

func TestCaseInsensitiveLookup(t *testing.T) {
	fs := testFS(t, WithCaseInsensitive())

	require.NoError(t, fs.Mkdir([]string{"", "Foo"}))
	commit(t, fs)

	entries, err := fs.ResolvePath([]string{"", "foo"}, ResolveOpts{})
	require.NoError(t, err)
	assert.Equal(t, "Foo", entries[1].Name, "stored names keep their case")

	// Case-sensitive kernels reject the folded name.
	fss := testFS(t)
	require.NoError(t, fss.Mkdir([]string{"", "Foo"}))
	commit(t, fss)
	_, err = fss.ResolvePath([]string{"", "foo"}, ResolveOpts{})
	assert.Error(t, err)
}

func TestRollback(t *testing.T) {
	fs := testFS(t)
	h := putBlob(t, fs, "never committed")

	require.NoError(t, fs.SetPath([]string{"", "a"}, &dirent.Entry{Kind: dirent.KindFile, Ref: h}, ResolveOpts{}))
	require.True(t, fs.Dirty())

	fs.Rollback()
	assert.False(t, fs.Dirty())

	_, err := fs.ResolvePath([]string{"", "a"}, ResolveOpts{})
	assert.Error(t, err)

	root := commit(t, fs)
	assert.Equal(t, fs.EmptyDirDigest(), root.Ref)
}

func TestNoFollow(t *testing.T) {
	fs := testFS(t)

	require.NoError(t, fs.Mkdir([]string{"", "target"}))
	require.NoError(t, fs.SetPath([]string{"", "link"}, &dirent.Entry{Kind: dirent.KindSymlink, Ref: "/target"}, ResolveOpts{NoFollow: true}))
	commit(t, fs)

	entries, err := fs.ResolvePath([]string{"", "link"}, ResolveOpts{NoFollow: true})
	require.NoError(t, err)
	assert.Equal(t, dirent.KindSymlink, entries[len(entries)-1].Kind)

	entries, err = fs.ResolvePath([]string{"", "link"}, ResolveOpts{})
	require.NoError(t, err)
	assert.Equal(t, dirent.KindDir, entries[len(entries)-1].Kind)
}

func TestSymlinkLoop(t *testing.T) {
	fs := testFS(t)

	require.NoError(t, fs.SetPath([]string{"", "a"}, &dirent.Entry{Kind: dirent.KindSymlink, Ref: "/b"}, ResolveOpts{NoFollow: true}))
	require.NoError(t, fs.SetPath([]string{"", "b"}, &dirent.Entry{Kind: dirent.KindSymlink, Ref: "/a"}, ResolveOpts{NoFollow: true}))
	commit(t, fs)

	_, err := fs.ResolvePath([]string{"", "a"}, ResolveOpts{})
	assert.True(t, caserr.IsKind(err, caserr.KindInvalidSymlink))
}

func TestSymlinkChain(t *testing.T) {
	fs := testFS(t)
	h := putBlob(t, fs, "end of chain")

	require.NoError(t, fs.SetPath([]string{"", "file"}, &dirent.Entry{Kind: dirent.KindFile, Ref: h}, ResolveOpts{}))
	prev := "file"
	for _, name := range []string{"l1", "l2", "l3", "l4"} {
		require.NoError(t, fs.SetPath([]string{"", name}, &dirent.Entry{Kind: dirent.KindSymlink, Ref: "/" + prev}, ResolveOpts{NoFollow: true}))
		prev = name
	}
	commit(t, fs)

	entries, err := fs.ResolvePath([]string{"", "l4"}, ResolveOpts{})
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, dirent.KindFile, last.Kind)
	assert.Equal(t, h, last.Ref)
}

func TestEmptySymlinkTarget(t *testing.T) {
	fs := testFS(t)
	require.NoError(t, fs.SetPath([]string{"", "bad"}, &dirent.Entry{Kind: dirent.KindSymlink}, ResolveOpts{NoFollow: true}))
	commit(t, fs)

	_, err := fs.ResolvePath([]string{"", "bad"}, ResolveOpts{})
	assert.True(t, caserr.IsKind(err, caserr.KindInvalidSymlink))
}

func TestDotDotAtRoot(t *testing.T) {
	fs := testFS(t)
	_, err := fs.ResolvePath([]string{"", ".."}, ResolveOpts{})
	assert.True(t, caserr.IsKind(err, caserr.KindEscapesRoot))
}

func TestDescendIntoFile(t *testing.T) {
	fs := testFS(t)
	h := putBlob(t, fs, "flat")
	require.NoError(t, fs.SetPath([]string{"", "f"}, &dirent.Entry{Kind: dirent.KindFile, Ref: h}, ResolveOpts{}))
	commit(t, fs)

	_, err := fs.ResolvePath([]string{"", "f", "child"}, ResolveOpts{})
	assert.True(t, caserr.IsKind(err, caserr.KindNotADirectory))
}

func TestElidedDirectory(t *testing.T) {
	fs := testFS(t)
	require.NoError(t, fs.SetPath([]string{"", "d"}, &dirent.Entry{Kind: dirent.KindDir}, ResolveOpts{}))

	_, err := fs.ResolvePath([]string{"", "d", "x"}, ResolveOpts{})
	assert.True(t, caserr.IsKind(err, caserr.KindDirectoryNotInStorage))
}

func TestDirectoryBlobMissing(t *testing.T) {
	fs := testFS(t)
	bogus := strings.Repeat("11", 32)
	require.NoError(t, fs.SetPath([]string{"", "d"}, &dirent.Entry{Kind: dirent.KindDir, Ref: bogus}, ResolveOpts{}))

	_, err := fs.ResolvePath([]string{"", "d", "x"}, ResolveOpts{})
	assert.True(t, caserr.IsKind(err, caserr.KindDirectoryNotInStorage))
}

func TestMkdirFabricatesAncestors(t *testing.T) {
	fs := testFS(t)

	require.NoError(t, fs.Mkdir([]string{"", "x", "y", "z"}))
	commit(t, fs)

	entries, err := fs.ResolvePath([]string{"", "x", "y", "z"}, ResolveOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 4)
	for _, e := range entries {
		assert.Equal(t, dirent.KindDir, e.Kind)
	}
}

func TestMkdirExisting(t *testing.T) {
	fs := testFS(t)
	h := putBlob(t, fs, "not a dir")

	require.NoError(t, fs.Mkdir([]string{"", "d"}))
	require.NoError(t, fs.Mkdir([]string{"", "d"}), "mkdir of an existing directory is a no-op")

	require.NoError(t, fs.SetPath([]string{"", "f"}, &dirent.Entry{Kind: dirent.KindFile, Ref: h}, ResolveOpts{}))
	err := fs.Mkdir([]string{"", "f"})
	assert.True(t, caserr.IsKind(err, caserr.KindNotADirectory))
}

func TestTouch(t *testing.T) {
	fs := testFS(t)

	require.NoError(t, fs.Touch([]string{"", "new"}))
	commit(t, fs)

	entries, err := fs.ResolvePath([]string{"", "new"}, ResolveOpts{})
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, dirent.KindFile, last.Kind)
	require.NotNil(t, last.ModifyTS)
}

func TestUpdatePath(t *testing.T) {
	fs := testFS(t)
	h := putBlob(t, fs, "versioned")

	require.NoError(t, fs.SetPath([]string{"", "a"}, &dirent.Entry{Kind: dirent.KindFile, Ref: h, Mode: dirent.I64(0644)}, ResolveOpts{}))
	commit(t, fs)

	require.NoError(t, fs.UpdatePath([]string{"", "a"}, dirent.Fields{"mode": int64(0600), "uid": int64(42)}, ResolveOpts{}))
	commit(t, fs)

	entries, err := fs.ResolvePath([]string{"", "a"}, ResolveOpts{})
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, h, last.Ref, "untouched fields survive the update")
	assert.Equal(t, int64(0600), *last.Mode)
	assert.Equal(t, int64(42), *last.UID)
}

func TestPartialResolveDoesNotPersist(t *testing.T) {
	fs := testFS(t)

	entries, err := fs.ResolvePath([]string{"", "ghost"}, ResolveOpts{Partial: true})
	require.NoError(t, err)
	assert.Equal(t, "ghost", entries[1].Name)

	assert.False(t, fs.Dirty(), "a partial resolve is read-only")
	_, err = fs.ResolvePath([]string{"", "ghost"}, ResolveOpts{})
	assert.Error(t, err)
}

func TestSetRoot(t *testing.T) {
	fs := testFS(t)
	h := putBlob(t, fs, "tree body")

	require.NoError(t, fs.SetPath([]string{"", "a"}, &dirent.Entry{Kind: dirent.KindFile, Ref: h}, ResolveOpts{}))
	snapshot := commit(t, fs)

	require.NoError(t, fs.Unlink([]string{"", "a"}))
	commit(t, fs)
	_, err := fs.ResolvePath([]string{"", "a"}, ResolveOpts{})
	require.Error(t, err)

	// Reopening the earlier snapshot brings the file back.
	require.NoError(t, fs.SetRoot(snapshot))
	entries, err := fs.ResolvePath([]string{"", "a"}, ResolveOpts{})
	require.NoError(t, err)
	assert.Equal(t, h, entries[len(entries)-1].Ref)

	err = fs.SetRoot(dirent.Entry{Name: "", Kind: dirent.KindFile, Ref: h})
	assert.True(t, caserr.IsKind(err, caserr.KindNotADirectory))

	require.NoError(t, fs.Touch([]string{"", "pending"}))
	err = fs.SetRoot(snapshot)
	assert.Error(t, err, "pending edits block root replacement")
	fs.Rollback()
}

func TestCommitIsIdempotentWhenClean(t *testing.T) {
	fs := testFS(t)
	root1 := commit(t, fs)
	root2 := commit(t, fs)
	assert.True(t, root1.Equal(root2))
}

func TestNestedCommitSharesSiblings(t *testing.T) {
	fs := testFS(t)
	h1 := putBlob(t, fs, "one")
	h2 := putBlob(t, fs, "two")

	require.NoError(t, fs.SetPath([]string{"", "keep", "f1"}, &dirent.Entry{Kind: dirent.KindFile, Ref: h1}, ResolveOpts{Mkdir: 1}))
	root1 := commit(t, fs)
	keep1, err := fs.ResolvePath([]string{"", "keep"}, ResolveOpts{})
	require.NoError(t, err)

	require.NoError(t, fs.SetPath([]string{"", "other", "f2"}, &dirent.Entry{Kind: dirent.KindFile, Ref: h2}, ResolveOpts{Mkdir: 1}))
	root2 := commit(t, fs)
	require.NotEqual(t, root1.Ref, root2.Ref)

	keep2, err := fs.ResolvePath([]string{"", "keep"}, ResolveOpts{})
	require.NoError(t, err)
	assert.Equal(t, keep1[1].Ref, keep2[1].Ref, "untouched subtrees keep their blob digest")
}

func TestPathFacade(t *testing.T) {
	fs := testFS(t)
	h := putBlob(t, fs, "facade body")

	p := fs.SplitPath("/docs/readme")
	require.NoError(t, p.Set(&dirent.Entry{Kind: dirent.KindFile, Ref: h}, ResolveOpts{Mkdir: 1}))
	commit(t, fs)

	assert.True(t, p.Exists())
	assert.Equal(t, "/docs/readme", p.String())

	kind, err := p.Kind(ResolveOpts{})
	require.NoError(t, err)
	assert.Equal(t, dirent.KindFile, kind)

	f, err := p.Open()
	require.NoError(t, err)
	assert.Equal(t, "facade body", string(f.Bytes()))

	entries, err := fs.SplitPath("/docs").List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "readme", entries[0].Name)

	_, err = fs.SplitPath("/docs").Open()
	assert.Error(t, err, "directories have no byte content")
}
