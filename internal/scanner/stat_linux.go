//go:build linux

package scanner

import (
	"os"
	"syscall"

	"casbak/internal/dirent"
)

func fillStat(e *dirent.Entry, info os.FileInfo) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	e.UID = dirent.I64(int64(st.Uid))
	e.GID = dirent.I64(int64(st.Gid))
	e.Inode = dirent.I64(int64(st.Ino))
	e.NLink = dirent.I64(int64(st.Nlink))
	e.Dev = dirent.I64(int64(st.Dev))
	e.Blocks = dirent.I64(int64(st.Blocks))
	e.BlockSz = dirent.I64(int64(st.Blksize))
	e.ATime = dirent.I64(st.Atim.Sec)
	e.CTime = dirent.I64(st.Ctim.Sec)
}
