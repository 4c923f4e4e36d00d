// Package scanner imports trees from the real filesystem into the
// CAS-backed tree. A scan stats every entry but re-reads file content
// only when the size or modification time changed against the committed
// snapshot, so repeated imports of a mostly-unchanged tree stay cheap.
package scanner

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"casbak/internal/caserr"
	"casbak/internal/dirent"
	"casbak/internal/vfs"
)

type Scanner struct {
	fs  *vfs.FS
	log *zap.Logger

	// Stats accumulated over the last StoreDir call.
	filesStored int
	filesReused int
}

func New(fs *vfs.FS, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{fs: fs, log: logger}
}

// FilesStored reports how many file contents the last scan wrote to the
// store; FilesReused how many were carried over unchanged.
func (s *Scanner) FilesStored() int { return s.filesStored }
func (s *Scanner) FilesReused() int { return s.filesReused }

// StoreDir imports the tree rooted at src under the destination path.
// Entries present in the committed tree but gone from disk drop out of
// the pending state. Nothing is durable until the caller commits.
func (s *Scanner) StoreDir(src string, dest vfs.Path) error {
	info, err := os.Lstat(src)
	if err != nil {
		return caserr.Wrap(caserr.KindCasIo, err, "reading import source")
	}
	if !info.IsDir() {
		return caserr.NewPath(caserr.KindNotADirectory, src, "import source is not a directory")
	}

	s.filesStored = 0
	s.filesReused = 0

	hint := s.committedDir(dest)

	entry := entryFromInfo("", info)
	entry.Name = "" // filled from the path by SetPath
	if err := dest.Set(&entry, vfs.ResolveOpts{Mkdir: 1}); err != nil {
		return err
	}
	if err := s.walk(src, dest, hint); err != nil {
		return err
	}

	s.log.Info("scanned tree",
		zap.String("source", src),
		zap.Int("stored", s.filesStored),
		zap.Int("reused", s.filesReused))
	return nil
}

// committedDir returns the decoded committed directory at dest, or nil
// when the destination is new or unreadable. It exists purely to seed
// content reuse, so failures degrade to a full re-store.
func (s *Scanner) committedDir(dest vfs.Path) *dirent.Directory {
	e, err := dest.Entry(vfs.ResolveOpts{})
	if err != nil || e.Kind != dirent.KindDir || e.Ref == "" {
		return nil
	}
	dir, err := s.fs.GetDir(e.Ref)
	if err != nil {
		return nil
	}
	return dir
}

func (s *Scanner) walk(src string, dest vfs.Path, hint *dirent.Directory) error {
	des, err := os.ReadDir(src)
	if err != nil {
		return caserr.Wrap(caserr.KindCasIo, err, "reading import directory")
	}

	var seen map[string]bool
	if s.fs.CaseInsensitive() {
		seen = make(map[string]bool, len(des))
	}

	for _, de := range des {
		name := de.Name()
		path := filepath.Join(src, name)
		if seen != nil {
			key := strings.ToLower(name)
			if seen[key] {
				s.log.Warn("skipping case-colliding entry", zap.String("path", path))
				continue
			}
			seen[key] = true
		}
		info, err := de.Info()
		if err != nil {
			return caserr.Wrap(caserr.KindCasIo, err, "reading entry metadata")
		}
		child := dest.Subpath(name)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return caserr.Wrap(caserr.KindCasIo, err, "reading symlink target")
			}
			entry := entryFromInfo(name, info)
			entry.Kind = dirent.KindSymlink
			entry.Ref = target
			if err := child.Set(&entry, vfs.ResolveOpts{NoFollow: true}); err != nil {
				return err
			}

		case info.IsDir():
			entry := entryFromInfo(name, info)
			if err := child.Set(&entry, vfs.ResolveOpts{NoFollow: true}); err != nil {
				return err
			}
			if err := s.walk(path, child, s.subHint(hint, name)); err != nil {
				return err
			}

		case info.Mode().IsRegular():
			entry := entryFromInfo(name, info)
			if prior, ok := s.reusable(hint, entry); ok {
				entry.Ref = prior.Ref
				s.filesReused++
			} else {
				digest, err := s.fs.PutFile(path)
				if err != nil {
					return err
				}
				entry.Ref = digest
				s.filesStored++
			}
			if err := child.Set(&entry, vfs.ResolveOpts{NoFollow: true}); err != nil {
				return err
			}

		default:
			entry := entryFromInfo(name, info)
			if entry.Kind == "" {
				s.log.Warn("skipping entry with unsupported type", zap.String("path", path))
				continue
			}
			if err := child.Set(&entry, vfs.ResolveOpts{NoFollow: true}); err != nil {
				return err
			}
		}
	}
	return nil
}

// reusable reports whether the committed sibling named like fresh still
// matches it on size and second-resolution modification time.
func (s *Scanner) reusable(hint *dirent.Directory, fresh dirent.Entry) (dirent.Entry, bool) {
	if hint == nil {
		return dirent.Entry{}, false
	}
	prior, ok := hint.Lookup(fresh.Name, s.fs.CaseInsensitive())
	if !ok || prior.Kind != dirent.KindFile || prior.Ref == "" {
		return dirent.Entry{}, false
	}
	if prior.Size == nil || fresh.Size == nil || *prior.Size != *fresh.Size {
		return dirent.Entry{}, false
	}
	if prior.ModifyTS == nil || fresh.ModifyTS == nil || *prior.ModifyTS != *fresh.ModifyTS {
		return dirent.Entry{}, false
	}
	return prior, true
}

func (s *Scanner) subHint(hint *dirent.Directory, name string) *dirent.Directory {
	if hint == nil {
		return nil
	}
	e, ok := hint.Lookup(name, s.fs.CaseInsensitive())
	if !ok || e.Kind != dirent.KindDir || e.Ref == "" {
		return nil
	}
	dir, err := s.fs.GetDir(e.Ref)
	if err != nil {
		return nil
	}
	return dir
}
