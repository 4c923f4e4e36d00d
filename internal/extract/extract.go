// Package extract materializes stored trees back onto the real
// filesystem. Regular files, directories, symlinks and fifos are
// recreated; device nodes and sockets are recorded in the tree but
// skipped on extraction.
package extract

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"casbak/internal/caserr"
	"casbak/internal/dirent"
	"casbak/internal/vfs"
)

type Extractor struct {
	fs  *vfs.FS
	log *zap.Logger

	filesWritten int
	skipped      int
}

func New(fs *vfs.FS, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{fs: fs, log: logger}
}

func (x *Extractor) FilesWritten() int { return x.filesWritten }
func (x *Extractor) Skipped() int      { return x.skipped }

// Restore writes the tree under root to dest. dest must not exist, or
// must be an empty directory, unless force is set.
func (x *Extractor) Restore(root dirent.Entry, dest string, force bool) error {
	if root.Kind != dirent.KindDir {
		return caserr.NewPath(caserr.KindNotADirectory, root.Name, "restore root must be a directory")
	}

	if !force {
		if err := ensureAbsentOrEmpty(dest); err != nil {
			return err
		}
	}

	x.filesWritten = 0
	x.skipped = 0
	if err := x.restoreDir(root, dest); err != nil {
		return err
	}
	x.log.Info("restored tree",
		zap.String("dest", dest),
		zap.Int("files", x.filesWritten),
		zap.Int("skipped", x.skipped))
	return nil
}

func ensureAbsentOrEmpty(dest string) error {
	info, err := os.Stat(dest)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return caserr.Wrap(caserr.KindCasIo, err, "checking restore destination")
	}
	if !info.IsDir() {
		return caserr.NewPath(caserr.KindNotADirectory, dest, "restore destination exists and is not a directory")
	}
	des, err := os.ReadDir(dest)
	if err != nil {
		return caserr.Wrap(caserr.KindCasIo, err, "reading restore destination")
	}
	if len(des) > 0 {
		return caserr.NewPath(caserr.KindCasIo, dest, "restore destination is not empty")
	}
	return nil
}

func (x *Extractor) restoreDir(e dirent.Entry, dest string) error {
	if err := os.MkdirAll(dest, modeOf(e, 0755)); err != nil {
		return caserr.Wrap(caserr.KindCasIo, err, "creating directory")
	}
	if e.Ref == "" {
		return nil
	}
	dir, err := x.fs.GetDir(e.Ref)
	if err != nil {
		return err
	}
	if dir == nil {
		return caserr.NewPath(caserr.KindDirectoryNotInStorage, e.Name, "directory blob missing from store")
	}

	for _, child := range dir.Entries {
		path := filepath.Join(dest, child.Name)
		switch child.Kind {
		case dirent.KindDir:
			if err := x.restoreDir(child, path); err != nil {
				return err
			}
		case dirent.KindFile:
			if err := x.restoreFile(child, path); err != nil {
				return err
			}
		case dirent.KindSymlink:
			if child.Ref == "" {
				return caserr.NewPath(caserr.KindInvalidSymlink, child.Name, "symlink has no target")
			}
			if err := os.Symlink(child.Ref, path); err != nil {
				return caserr.Wrap(caserr.KindCasIo, err, "creating symlink")
			}
		case dirent.KindPipe:
			if err := mkfifo(path, modeOf(child, 0644)); err != nil {
				x.skipped++
				x.log.Warn("skipping fifo",
					zap.String("path", path),
					zap.Error(err))
			}
		default:
			x.skipped++
			x.log.Warn("skipping special entry",
				zap.String("path", path),
				zap.String("type", string(child.Kind)))
		}
	}

	restoreTimes(dest, e)
	return nil
}

func (x *Extractor) restoreFile(e dirent.Entry, dest string) error {
	if e.Ref == "" {
		return caserr.NewPath(caserr.KindCasIo, e.Name, "file entry has no content reference")
	}
	f, err := x.fs.Get(e.Ref)
	if err != nil {
		return err
	}
	if f == nil {
		return caserr.NewPath(caserr.KindCasIo, e.Name, "file content missing from store")
	}
	if err := os.WriteFile(dest, f.Bytes(), modeOf(e, 0644)); err != nil {
		return caserr.Wrap(caserr.KindCasIo, err, "writing file")
	}
	restoreTimes(dest, e)
	x.filesWritten++
	return nil
}

func modeOf(e dirent.Entry, fallback os.FileMode) os.FileMode {
	if e.Mode == nil {
		return fallback
	}
	return os.FileMode(*e.Mode) & os.ModePerm
}

// restoreTimes applies the stored modification time when present. The
// modification time doubles as the access time when no access time is
// stored; failures are not fatal.
func restoreTimes(path string, e dirent.Entry) {
	if e.ModifyTS == nil {
		return
	}
	mtime := time.Unix(*e.ModifyTS, 0)
	atime := mtime
	if e.ATime != nil {
		atime = time.Unix(*e.ATime, 0)
	}
	_ = os.Chtimes(path, atime, mtime)
}
