package vfs

import (
	"strings"

	"casbak/internal/caserr"
	"casbak/internal/dirent"
)

// maxSymlinkHops bounds symlink expansion during a single resolution.
const maxSymlinkHops = 40

// ResolveOpts tunes path resolution.
type ResolveOpts struct {
	// NoFollow leaves a trailing symlink unexpanded instead of chasing
	// its target. Intermediate symlinks are always followed.
	NoFollow bool
	// Partial fabricates a missing final component instead of failing.
	Partial bool
	// Mkdir controls fabrication of missing intermediate components:
	// 0 fails, 1 fabricates missing directories, 2 additionally replaces
	// conflicting non-directory entries with fresh directories.
	Mkdir int
	// MkdirDefaults is applied to every fabricated entry.
	MkdirDefaults dirent.Fields
}

func (fs *FS) fold(name string) string {
	if fs.caseFold {
		return strings.ToLower(name)
	}
	return name
}

// resolve walks names from the root and returns the overlay nodes along
// the resolved path, symlinks expanded. The first element of names must
// address the root. With attach set, the returned nodes are linked into
// the overlay so later edits through them become pending state; otherwise
// traversal uses transient nodes and leaves the overlay untouched.
func (fs *FS) resolve(names []string, opt ResolveOpts, attach bool) ([]*node, error) {
	if len(names) == 0 {
		return nil, caserr.New(caserr.KindNoSuchEntry, "empty path")
	}
	if fs.fold(names[0]) != fs.fold(fs.root.Name) {
		return nil, caserr.NewPath(caserr.KindNoSuchEntry, names[0], "path does not start at the root")
	}

	var rootNode *node
	if attach {
		if fs.overlay == nil {
			fs.overlay = &node{entry: fs.root}
		}
		rootNode = fs.overlay
	} else {
		if fs.overlay != nil {
			rootNode = fs.overlay
		} else {
			rootNode = &node{entry: fs.root}
		}
	}

	stack := []*node{rootNode}
	remaining := append([]string(nil), names[1:]...)
	hops := 0

	for {
		top := stack[len(stack)-1]

		// Expand a symlink occupying the current position before
		// descending through it. A trailing symlink is expanded too
		// unless NoFollow asks otherwise.
		if top.entry.Kind == dirent.KindSymlink && !(opt.NoFollow && len(remaining) == 0) {
			hops++
			if hops > maxSymlinkHops {
				return nil, caserr.NewPath(caserr.KindInvalidSymlink, top.entry.Name, "too many levels of symbolic links")
			}
			target := top.entry.Ref
			if target == "" {
				return nil, caserr.NewPath(caserr.KindInvalidSymlink, top.entry.Name, "symlink has no target")
			}
			stack = stack[:len(stack)-1]
			if strings.HasPrefix(target, "/") {
				stack = stack[:1]
				target = strings.TrimPrefix(target, "/")
			}
			remaining = append(strings.Split(target, "/"), remaining...)
			continue
		}

		if len(remaining) == 0 {
			break
		}

		if top.entry.Kind != dirent.KindDir {
			if opt.Mkdir >= 2 {
				e, err := fabricated(top.entry.Name, dirent.KindDir, opt.MkdirDefaults)
				if err != nil {
					return nil, err
				}
				if !attach {
					top = &node{}
					stack[len(stack)-1] = top
				}
				top.entry = e
				top.dir = nil
				top.subtree = nil
				top.deleted = false
			} else {
				return nil, caserr.NewPath(caserr.KindNotADirectory, top.entry.Name, "path component is not a directory")
			}
		}

		name := remaining[0]
		remaining = remaining[1:]

		if name == "" || name == "." {
			continue
		}
		if name == ".." {
			if len(stack) == 1 {
				return nil, caserr.New(caserr.KindEscapesRoot, "path escapes the root")
			}
			stack = stack[:len(stack)-1]
			continue
		}

		key := fs.fold(name)
		child, shadowDeleted, err := fs.child(top, name, key)
		if err != nil {
			return nil, err
		}

		if child == nil {
			final := len(remaining) == 0
			fabricate := opt.Mkdir > 0 || final && opt.Partial
			if !fabricate {
				if shadowDeleted || top.entry.Ref != "" {
					return nil, caserr.NewPath(caserr.KindNoSuchEntry, name, "no such entry")
				}
				return nil, caserr.NewPath(caserr.KindDirectoryNotInStorage, top.entry.Name, "directory blob missing from store")
			}
			kind := dirent.KindFile
			if !final {
				kind = dirent.KindDir
			}
			e, err := fabricated(name, kind, opt.MkdirDefaults)
			if err != nil {
				return nil, err
			}
			child = &node{entry: e}
			if attach {
				top.attach(key, child)
			}
		} else if attach && top.subtree[key] != child {
			top.attach(key, child)
		}

		stack = append(stack, child)
	}

	return stack, nil
}

// child returns the overlay or committed child of top named name, or nil
// when it does not exist. shadowDeleted reports that an overlay node marks
// the name as unlinked.
func (fs *FS) child(top *node, name, key string) (*node, bool, error) {
	if c, ok := top.subtree[key]; ok {
		if c.deleted {
			return nil, true, nil
		}
		return c, false, nil
	}
	if top.entry.Ref == "" {
		return nil, false, nil
	}
	dir := top.dir
	if dir == nil {
		var err error
		dir, err = fs.GetDir(top.entry.Ref)
		if err != nil {
			return nil, false, err
		}
		if dir == nil {
			return nil, false, caserr.NewPath(caserr.KindDirectoryNotInStorage, top.entry.Name, "directory blob missing from store")
		}
		top.dir = dir
	}
	e, ok := dir.Lookup(name, fs.caseFold)
	if !ok {
		return nil, false, nil
	}
	return &node{entry: e}, false, nil
}

// fabricated builds a fresh entry of the given kind with defaults applied.
func fabricated(name string, kind dirent.Kind, defaults dirent.Fields) (dirent.Entry, error) {
	e := dirent.Entry{Name: name, Kind: kind}
	if len(defaults) == 0 {
		return e, nil
	}
	out, err := e.Clone(defaults)
	if err != nil {
		return dirent.Entry{}, caserr.Wrap(caserr.KindUnsupportedFormat, err, "applying entry defaults")
	}
	return out, nil
}
