//go:build linux

package extract

import (
	"os"
	"syscall"
)

func mkfifo(path string, mode os.FileMode) error {
	return syscall.Mkfifo(path, uint32(mode&os.ModePerm))
}
