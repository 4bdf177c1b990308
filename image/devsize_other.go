//go:build !linux && !darwin

package image

import (
	"io"
	"os"
)

// deviceSize falls back to seeking, which only works where the platform
// reports a device's length.
func deviceSize(f *os.File) (int64, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return size, nil
}
