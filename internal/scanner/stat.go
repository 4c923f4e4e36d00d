package scanner

import (
	"os"

	"casbak/internal/dirent"
)

// entryFromInfo builds an entry from lstat results. Platform-specific
// fields are filled in by fillStat.
func entryFromInfo(name string, info os.FileInfo) dirent.Entry {
	e := dirent.Entry{
		Name:     name,
		Kind:     kindFromMode(info.Mode()),
		Size:     dirent.I64(info.Size()),
		ModifyTS: dirent.I64(info.ModTime().Unix()),
		Mode:     dirent.I64(int64(info.Mode().Perm())),
	}
	fillStat(&e, info)
	return e
}

func kindFromMode(mode os.FileMode) dirent.Kind {
	switch {
	case mode.IsDir():
		return dirent.KindDir
	case mode&os.ModeSymlink != 0:
		return dirent.KindSymlink
	case mode&os.ModeCharDevice != 0:
		return dirent.KindCharDev
	case mode&os.ModeDevice != 0:
		return dirent.KindBlockDev
	case mode&os.ModeNamedPipe != 0:
		return dirent.KindPipe
	case mode&os.ModeSocket != 0:
		return dirent.KindSocket
	case mode.IsRegular():
		return dirent.KindFile
	default:
		return ""
	}
}
