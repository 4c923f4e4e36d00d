// Package vfs layers a filesystem hierarchy over the content-addressable
// store. Directory blobs are immutable; the kernel keeps a current root
// entry, a cache of decoded directories, and an in-memory overlay of
// pending edits that Commit folds back into new blobs.
package vfs

import (
	"io"
	"time"

	"go.uber.org/zap"

	"casbak/internal/cas"
	"casbak/internal/caserr"
	"casbak/internal/codec"
	"casbak/internal/dircache"
	"casbak/internal/dirent"
)

// FS is the CAS-backed filesystem kernel. It is not internally
// synchronized; concurrent use must be serialized by the owner.
type FS struct {
	store       *cas.Store
	codec       codec.Codec
	caseFold    bool
	emptyDigest string

	cache   *dircache.Cache
	root    dirent.Entry
	overlay *node

	log *zap.Logger
}

type config struct {
	codec     codec.Codec
	caseFold  bool
	cacheSize int
	log       *zap.Logger
}

type Option func(*config)

// WithCodec selects the codec used for newly written directories.
func WithCodec(c codec.Codec) Option {
	return func(cfg *config) { cfg.codec = c }
}

// WithCaseInsensitive folds lookup keys. Stored names keep their case.
func WithCaseInsensitive() Option {
	return func(cfg *config) { cfg.caseFold = true }
}

func WithCacheSize(n int) Option {
	return func(cfg *config) { cfg.cacheSize = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(cfg *config) { cfg.log = l }
}

// New creates a kernel over store. The digest of the empty directory
// under the configured codec is computed once and stored eagerly, so
// commits that produce empty directories reuse it without re-serializing.
func New(store *cas.Store, opts ...Option) (*FS, error) {
	cfg := config{
		codec:     codec.Default(),
		cacheSize: 64,
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(&cfg)
	}

	blob, err := codec.Encode(cfg.codec, nil, nil)
	if err != nil {
		return nil, err
	}
	emptyDigest, err := store.PutScalar(blob)
	if err != nil {
		return nil, err
	}
	cache, err := dircache.New(cfg.cacheSize)
	if err != nil {
		return nil, err
	}

	return &FS{
		store:       store,
		codec:       cfg.codec,
		caseFold:    cfg.caseFold,
		emptyDigest: emptyDigest,
		cache:       cache,
		root:        dirent.Entry{Name: "", Kind: dirent.KindDir, Ref: emptyDigest},
		log:         cfg.log,
	}, nil
}

// Root returns the current root entry. Its Ref transitively names the
// whole committed tree; persist it externally to name a snapshot.
func (fs *FS) Root() dirent.Entry {
	return fs.root
}

// SetRoot replaces the root entry, e.g. when opening a stored snapshot.
// Pending edits must be committed or rolled back first.
func (fs *FS) SetRoot(e dirent.Entry) error {
	if e.Kind != dirent.KindDir {
		return caserr.NewPath(caserr.KindNotADirectory, e.Name, "root entry must be a directory")
	}
	if fs.overlay != nil {
		return caserr.New(caserr.KindCasIo, "overlay has pending edits; commit or roll back first")
	}
	fs.root = e
	return nil
}

// EmptyDirDigest is the precomputed digest of the empty directory under
// the configured codec.
func (fs *FS) EmptyDirDigest() string {
	return fs.emptyDigest
}

// CaseInsensitive reports the active case policy.
func (fs *FS) CaseInsensitive() bool {
	return fs.caseFold
}

// Store exposes the underlying CAS.
func (fs *FS) Store() *cas.Store {
	return fs.store
}

// Codec is the codec used for newly written directories.
func (fs *FS) Codec() codec.Codec {
	return fs.codec
}

// Get, PutScalar, PutFile and PutHandle are passthroughs to the CAS.
func (fs *FS) Get(digest string) (*cas.File, error)      { return fs.store.Get(digest) }
func (fs *FS) PutScalar(b []byte) (string, error)        { return fs.store.PutScalar(b) }
func (fs *FS) PutFile(path string) (string, error)       { return fs.store.PutFile(path) }
func (fs *FS) PutHandle(r io.Reader) (string, error)     { return fs.store.PutHandle(r) }

// GetDir returns the decoded directory for digest, consulting the cache
// first. A digest absent from the CAS yields (nil, nil); a blob that
// exists but does not decode fails with BadDirectoryBlob.
func (fs *FS) GetDir(digest string) (*dirent.Directory, error) {
	if digest == "" {
		return nil, nil
	}
	if d := fs.cache.Get(digest); d != nil {
		return d, nil
	}
	f, err := fs.store.Get(digest)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, nil
	}
	return fs.GetDirFile(f)
}

// GetDirFile decodes a directory from an already-open CAS handle.
func (fs *FS) GetDirFile(f *cas.File) (*dirent.Directory, error) {
	if d := fs.cache.Get(f.Digest()); d != nil {
		return d, nil
	}
	d, err := codec.Decode(f.Bytes())
	if err != nil {
		return nil, err
	}
	d.Digest = f.Digest()
	fs.cache.Put(d)
	return d, nil
}

// ResolvePath walks names from the root and returns the entries along the
// resolved path. See ResolveOpts for flag semantics.
func (fs *FS) ResolvePath(names []string, opt ResolveOpts) ([]dirent.Entry, error) {
	nodes, err := fs.resolve(names, opt, false)
	if err != nil {
		return nil, err
	}
	entries := make([]dirent.Entry, len(nodes))
	for i, n := range nodes {
		entries[i] = n.entry
	}
	return entries, nil
}

// SetPath installs entry as a pending override at the given path. A nil
// entry marks the path unlinked. A missing final component is
// fabricated; missing intermediate directories are fabricated only when
// opt.Mkdir is set. Nothing touches the CAS until Commit.
func (fs *FS) SetPath(names []string, entry *dirent.Entry, opt ResolveOpts) error {
	opt.Partial = true
	nodes, err := fs.resolve(names, opt, true)
	if err != nil {
		return err
	}
	last := nodes[len(nodes)-1]
	if entry == nil {
		if len(nodes) == 1 {
			return caserr.New(caserr.KindEscapesRoot, "cannot unlink the root")
		}
		last.entry = dirent.Entry{Name: last.entry.Name}
		last.dir = nil
		last.subtree = nil
		last.deleted = true
		return nil
	}
	e := *entry
	if e.Name == "" {
		e.Name = last.entry.Name
	}
	last.entry = e
	last.dir = nil
	last.subtree = nil
	last.deleted = false
	return nil
}

// UpdatePath clones the effective entry at the path with changes applied
// and installs the result as a pending override.
func (fs *FS) UpdatePath(names []string, changes dirent.Fields, opt ResolveOpts) error {
	nodes, err := fs.resolve(names, opt, true)
	if err != nil {
		return err
	}
	last := nodes[len(nodes)-1]
	e, err := last.entry.Clone(changes)
	if err != nil {
		return caserr.Wrap(caserr.KindUnsupportedFormat, err, "updating entry")
	}
	last.entry = e
	last.deleted = false
	return nil
}

// Mkdir installs a pending directory at the path, fabricating missing
// ancestors. An existing directory is left alone; an existing non-
// directory is an error.
func (fs *FS) Mkdir(names []string) error {
	entries, err := fs.ResolvePath(names, ResolveOpts{})
	switch {
	case err == nil:
		last := entries[len(entries)-1]
		if last.Kind != dirent.KindDir {
			return caserr.NewPath(caserr.KindNotADirectory, last.Name, "exists and is not a directory")
		}
		return nil
	case caserr.IsKind(err, caserr.KindNoSuchEntry) || caserr.IsKind(err, caserr.KindDirectoryNotInStorage):
		return fs.SetPath(names, &dirent.Entry{Kind: dirent.KindDir}, ResolveOpts{Mkdir: 1})
	default:
		return err
	}
}

// Touch installs a pending file at the path, or refreshes the
// modification time of an existing entry.
func (fs *FS) Touch(names []string) error {
	now := time.Now().Unix()
	return fs.UpdatePath(names, dirent.Fields{"modify_ts": now}, ResolveOpts{Partial: true})
}

// Unlink marks the path deleted.
func (fs *FS) Unlink(names []string) error {
	return fs.SetPath(names, nil, ResolveOpts{})
}

// Dirty reports whether the overlay holds pending edits.
func (fs *FS) Dirty() bool {
	return fs.overlay != nil
}

// Rollback drops all pending edits.
func (fs *FS) Rollback() {
	fs.overlay = nil
}

// Commit folds the overlay into new directory blobs bottom-up and swaps
// in the new root entry. On error the overlay is left intact and the
// committed tree unchanged; observers see either the old root or the new
// one, never an intermediate state.
func (fs *FS) Commit() (dirent.Entry, error) {
	if fs.overlay == nil {
		return fs.root, nil
	}
	digest, err := fs.commitNode(fs.overlay)
	if err != nil {
		return dirent.Entry{}, err
	}
	newRoot := fs.overlay.entry
	newRoot.Ref = digest
	fs.root = newRoot
	fs.overlay = nil
	fs.log.Debug("committed overlay", zap.String("root", digest))
	return newRoot, nil
}

// commitNode serializes the directory that n describes, recursing into
// children that carry their own pending subtrees, and returns its digest.
func (fs *FS) commitNode(n *node) (string, error) {
	if len(n.subtree) == 0 {
		if n.entry.Ref != "" {
			return n.entry.Ref, nil
		}
		return fs.emptyDigest, nil
	}

	var base []dirent.Entry
	var meta map[string]string
	enc := fs.codec
	if n.entry.Ref != "" {
		dir := n.dir
		if dir == nil {
			var err error
			dir, err = fs.GetDir(n.entry.Ref)
			if err != nil {
				return "", err
			}
			if dir == nil {
				return "", caserr.NewPath(caserr.KindDirectoryNotInStorage, n.entry.Name, "directory blob missing from store")
			}
			n.dir = dir
		}
		base = dir.Entries
		meta = dir.Metadata
		if c, ok := codec.Get(dir.Format); ok {
			enc = c
		}
	}

	out := make([]dirent.Entry, 0, len(base)+len(n.subtree))
	for _, e := range base {
		if _, shadowed := n.subtree[fs.fold(e.Name)]; shadowed {
			continue
		}
		out = append(out, e)
	}
	for _, child := range n.subtree {
		if child.deleted {
			continue
		}
		if child.entry.Kind == dirent.KindDir && (len(child.subtree) > 0 || child.entry.Ref == "") {
			digest, err := fs.commitNode(child)
			if err != nil {
				return "", err
			}
			e := child.entry
			e.Ref = digest
			out = append(out, e)
			continue
		}
		out = append(out, child.entry)
	}

	if len(out) == 0 {
		return fs.emptyDigest, nil
	}
	blob, err := codec.Encode(enc, out, meta)
	if err != nil {
		return "", err
	}
	return fs.store.PutScalar(blob)
}
