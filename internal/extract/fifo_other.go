//go:build !linux

package extract

import (
	"errors"
	"os"
)

func mkfifo(string, os.FileMode) error {
	return errors.New("fifos are not supported on this platform")
}
