package vfs

import (
	"strings"

	"casbak/internal/cas"
	"casbak/internal/caserr"
	"casbak/internal/dirent"
)

// Path is a lightweight handle addressing a location in the tree. It
// carries no resolved state; every accessor walks the current tree, so a
// Path stays valid across commits and rollbacks.
type Path struct {
	fs    *FS
	names []string
}

// Path builds a handle from path components. The first component must
// address the root; an empty call addresses the root itself.
func (fs *FS) Path(names ...string) Path {
	if len(names) == 0 {
		names = []string{fs.root.Name}
	}
	return Path{fs: fs, names: names}
}

// SplitPath builds a handle from a slash-separated string relative to
// the root.
func (fs *FS) SplitPath(p string) Path {
	names := []string{fs.root.Name}
	for _, part := range strings.Split(p, "/") {
		if part != "" {
			names = append(names, part)
		}
	}
	return Path{fs: fs, names: names}
}

// Subpath extends the path with further components.
func (p Path) Subpath(more ...string) Path {
	names := make([]string, 0, len(p.names)+len(more))
	names = append(names, p.names...)
	names = append(names, more...)
	return Path{fs: p.fs, names: names}
}

// Names returns the path components.
func (p Path) Names() []string {
	return p.names
}

func (p Path) String() string {
	return "/" + strings.Join(p.names[1:], "/")
}

// Resolve walks the path and returns the entries along it.
func (p Path) Resolve(opt ResolveOpts) ([]dirent.Entry, error) {
	return p.fs.ResolvePath(p.names, opt)
}

// Entry returns the entry the path resolves to.
func (p Path) Entry(opt ResolveOpts) (dirent.Entry, error) {
	entries, err := p.Resolve(opt)
	if err != nil {
		return dirent.Entry{}, err
	}
	return entries[len(entries)-1], nil
}

// Kind returns the kind of the resolved entry.
func (p Path) Kind(opt ResolveOpts) (dirent.Kind, error) {
	e, err := p.Entry(opt)
	if err != nil {
		return "", err
	}
	return e.Kind, nil
}

// Exists reports whether the path resolves.
func (p Path) Exists() bool {
	_, err := p.Entry(ResolveOpts{})
	return err == nil
}

// Open resolves the path to a file entry and returns a read handle on
// its content.
func (p Path) Open() (*cas.File, error) {
	e, err := p.Entry(ResolveOpts{})
	if err != nil {
		return nil, err
	}
	if e.Kind != dirent.KindFile {
		return nil, caserr.NewPath(caserr.KindUnsupportedFormat, e.Name, "entry is not a regular file")
	}
	if e.Ref == "" {
		return nil, caserr.NewPath(caserr.KindCasIo, e.Name, "file entry has no content reference")
	}
	f, err := p.fs.Get(e.Ref)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, caserr.NewPath(caserr.KindCasIo, e.Name, "file content missing from store")
	}
	return f, nil
}

// List resolves the path to a directory and returns its committed
// entries. Pending overlay edits are not reflected until Commit.
func (p Path) List() ([]dirent.Entry, error) {
	e, err := p.Entry(ResolveOpts{})
	if err != nil {
		return nil, err
	}
	if e.Kind != dirent.KindDir {
		return nil, caserr.NewPath(caserr.KindNotADirectory, e.Name, "entry is not a directory")
	}
	if e.Ref == "" {
		return nil, nil
	}
	dir, err := p.fs.GetDir(e.Ref)
	if err != nil {
		return nil, err
	}
	if dir == nil {
		return nil, caserr.NewPath(caserr.KindDirectoryNotInStorage, e.Name, "directory blob missing from store")
	}
	return dir.Entries, nil
}

// Set installs entry as a pending edit at the path.
func (p Path) Set(entry *dirent.Entry, opt ResolveOpts) error {
	return p.fs.SetPath(p.names, entry, opt)
}

// Update clones the entry at the path with changes applied.
func (p Path) Update(changes dirent.Fields, opt ResolveOpts) error {
	return p.fs.UpdatePath(p.names, changes, opt)
}

// Mkdir ensures a directory exists at the path.
func (p Path) Mkdir() error {
	return p.fs.Mkdir(p.names)
}

// Touch creates the path as a file or refreshes its modification time.
func (p Path) Touch() error {
	return p.fs.Touch(p.names)
}

// Unlink marks the path deleted.
func (p Path) Unlink() error {
	return p.fs.Unlink(p.names)
}
