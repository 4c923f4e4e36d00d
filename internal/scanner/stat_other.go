//go:build !linux

package scanner

import (
	"os"

	"casbak/internal/dirent"
)

func fillStat(e *dirent.Entry, info os.FileInfo) {}
