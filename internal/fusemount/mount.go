// Package fusemount exposes a committed tree as a read-only FUSE
// filesystem. Every node is backed by immutable CAS blobs, so there is
// no cache invalidation to speak of; the mount simply reflects the root
// entry it was created with.
package fusemount

import (
	"hash/fnv"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"casbak/internal/dirent"
	"casbak/internal/vfs"
)

// Mount serves the tree under root at mountpoint. The returned server is
// already running; call Wait to block and Unmount to stop.
func Mount(mountpoint string, fsys *vfs.FS, root dirent.Entry, logger *zap.Logger) (*gofuse.Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	node := &dirNode{fsys: fsys, entry: root, path: "/"}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			FsName:        "casbak",
			Name:          "casbak",
			DisableXAttrs: true,
		},
	}

	server, err := fs.Mount(mountpoint, node, opts)
	if err != nil {
		return nil, err
	}
	logger.Info("mounted snapshot",
		zap.String("mountpoint", mountpoint),
		zap.String("root", root.Ref))
	return server, nil
}

func stableIno(path string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(path))
	return h.Sum64()
}
