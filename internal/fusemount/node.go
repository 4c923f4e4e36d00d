package fusemount

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"casbak/internal/dirent"
	"casbak/internal/vfs"
)

// dirNode serves one stored directory.
type dirNode struct {
	fs.Inode
	fsys  *vfs.FS
	entry dirent.Entry
	path  string
}

var _ = (fs.NodeLookuper)((*dirNode)(nil))
var _ = (fs.NodeReaddirer)((*dirNode)(nil))
var _ = (fs.NodeGetattrer)((*dirNode)(nil))

func (d *dirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttr(&out.Attr, d.entry, d.path)
	return fs.OK
}

func (d *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	dir, err := d.fsys.GetDir(d.entry.Ref)
	if err != nil || dir == nil && d.entry.Ref != "" {
		return nil, syscall.EIO
	}
	var entries []fuse.DirEntry
	if dir != nil {
		entries = make([]fuse.DirEntry, 0, len(dir.Entries))
		for _, e := range dir.Entries {
			entries = append(entries, fuse.DirEntry{
				Name: e.Name,
				Mode: typeMode(e.Kind),
				Ino:  stableIno(d.path + e.Name),
			})
		}
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if d.entry.Ref == "" {
		return nil, syscall.ENOENT
	}
	dir, err := d.fsys.GetDir(d.entry.Ref)
	if err != nil || dir == nil {
		return nil, syscall.EIO
	}
	e, ok := dir.Lookup(name, d.fsys.CaseInsensitive())
	if !ok {
		return nil, syscall.ENOENT
	}

	childPath := d.path + e.Name
	attr := fs.StableAttr{Mode: typeMode(e.Kind), Ino: stableIno(childPath)}

	var node fs.InodeEmbedder
	switch e.Kind {
	case dirent.KindDir:
		node = &dirNode{fsys: d.fsys, entry: e, path: childPath + "/"}
	case dirent.KindFile:
		node = &fileNode{fsys: d.fsys, entry: e, path: childPath}
	case dirent.KindSymlink:
		node = &linkNode{entry: e, path: childPath}
	default:
		return nil, syscall.ENOENT
	}

	fillAttr(&out.Attr, e, childPath)
	return d.NewInode(ctx, node, attr), fs.OK
}

// fileNode serves one stored regular file.
type fileNode struct {
	fs.Inode
	fsys  *vfs.FS
	entry dirent.Entry
	path  string
}

var _ = (fs.NodeOpener)((*fileNode)(nil))
var _ = (fs.NodeReader)((*fileNode)(nil))
var _ = (fs.NodeGetattrer)((*fileNode)(nil))

func (f *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttr(&out.Attr, f.entry, f.path)
	return fs.OK
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (f *fileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	blob, err := f.fsys.Get(f.entry.Ref)
	if err != nil || blob == nil {
		return nil, syscall.EIO
	}
	data := blob.Bytes()
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), fs.OK
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end]), fs.OK
}

// linkNode serves one stored symlink.
type linkNode struct {
	fs.Inode
	entry dirent.Entry
	path  string
}

var _ = (fs.NodeReadlinker)((*linkNode)(nil))
var _ = (fs.NodeGetattrer)((*linkNode)(nil))

func (l *linkNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttr(&out.Attr, l.entry, l.path)
	return fs.OK
}

func (l *linkNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	return []byte(l.entry.Ref), fs.OK
}

func typeMode(k dirent.Kind) uint32 {
	switch k {
	case dirent.KindDir:
		return syscall.S_IFDIR
	case dirent.KindSymlink:
		return syscall.S_IFLNK
	default:
		return syscall.S_IFREG
	}
}

func fillAttr(out *fuse.Attr, e dirent.Entry, path string) {
	mode := typeMode(e.Kind)
	if e.Mode != nil {
		mode |= uint32(*e.Mode) & 0777
	} else if e.Kind == dirent.KindDir {
		mode |= 0555
	} else {
		mode |= 0444
	}
	out.Mode = mode
	out.Ino = stableIno(path)
	if e.Size != nil {
		out.Size = uint64(*e.Size)
	}
	if e.ModifyTS != nil {
		out.Mtime = uint64(*e.ModifyTS)
	}
	if e.ATime != nil {
		out.Atime = uint64(*e.ATime)
	}
	if e.CTime != nil {
		out.Ctime = uint64(*e.CTime)
	}
	if e.UID != nil {
		out.Uid = uint32(*e.UID)
	}
	if e.GID != nil {
		out.Gid = uint32(*e.GID)
	}
	if e.NLink != nil {
		out.Nlink = uint32(*e.NLink)
	} else {
		out.Nlink = 1
	}
}
