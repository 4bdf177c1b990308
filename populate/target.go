package populate

import (
	"io"
	"time"

	"mkfatimg/fatfs"
)

// Target is the filesystem the host tree is replayed onto. Paths are
// normalized target paths. A Create writer may accept fewer bytes than
// offered without an error; the populator retries the rest.
type Target interface {
	Stat(path string) (fatfs.FileInfo, error)
	Remove(path string) error
	Mkdir(path string) error
	Create(path string) (io.WriteCloser, error)
	Chtime(path string, mtime time.Time) error
}

// Volume adapts a mounted FAT volume to Target.
type Volume struct {
	*fatfs.FS
}

// Create opens path for reading and writing, truncating an existing file.
func (v Volume) Create(path string) (io.WriteCloser, error) {
	fp := new(fatfs.File)
	if err := v.OpenFile(fp, path, fatfs.ModeCreateAlways|fatfs.ModeRW); err != nil {
		return nil, err
	}
	return fp, nil
}
