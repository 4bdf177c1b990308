// Package image writes the emulated flash contents out as an image file.
package image

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/opencontainers/go-digest"

	"mkfatimg/builderr"
)

// Result describes a written image.
type Result struct {
	Path   string
	Size   int64
	Digest digest.Digest
}

// Save writes region to path. A regular file is created or truncated so its
// length equals len(region). An existing block device is written in place
// after checking that it is large enough. On error the output is left
// behind and must not be used.
func Save(path string, region []byte) (res Result, err error) {
	dev, err := isBlockDevice(path)
	if err != nil {
		return Result{}, builderr.Host("stat", path, err)
	}
	flags := os.O_WRONLY | os.O_CREATE
	if !dev {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return Result{}, builderr.Host("open", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = builderr.Host("close", path, cerr)
		}
	}()

	if dev {
		size, err := deviceSize(f)
		if err != nil {
			return Result{}, builderr.Host("size", path, err)
		}
		if size < int64(len(region)) {
			return Result{}, builderr.Host("size", path,
				fmt.Errorf("%w: device holds %d bytes, image needs %d", syscall.ENOSPC, size, len(region)))
		}
	}

	n, err := writeFull(f, region)
	if err != nil {
		return Result{}, builderr.Host("write", path, err)
	}
	return Result{
		Path:   path,
		Size:   n,
		Digest: digest.FromBytes(region),
	}, nil
}

// writeFull writes b to w, advancing by whatever each call accepted.
func writeFull(w io.Writer, b []byte) (int64, error) {
	var off int
	for off < len(b) {
		n, err := w.Write(b[off:])
		off += n
		if err != nil {
			return int64(off), err
		}
		if n == 0 {
			return int64(off), io.ErrShortWrite
		}
	}
	return int64(off), nil
}

func isBlockDevice(path string) (bool, error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m := fi.Mode()
	return m&os.ModeDevice != 0 && m&os.ModeCharDevice == 0, nil
}

// DigestPath is where WriteDigest puts the checksum of an image.
func DigestPath(imagePath string) string {
	return imagePath + ".sha256"
}

// WriteDigest stores the image checksum next to it in sha256sum format.
func WriteDigest(res Result) (string, error) {
	if err := res.Digest.Validate(); err != nil {
		return "", fmt.Errorf("image %s: %w", res.Path, err)
	}
	path := DigestPath(res.Path)
	line := fmt.Sprintf("%s  %s\n", res.Digest.Encoded(), filepath.Base(res.Path))
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		return "", builderr.Host("write", path, err)
	}
	return path, nil
}
