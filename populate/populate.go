// Package populate replays a host directory tree onto a target FAT volume.
package populate

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"mkfatimg/builderr"
	"mkfatimg/fatfs"
	"mkfatimg/metrics"
)

// ChunkSize is the unit in which file contents are copied.
const ChunkSize = 4096

// Kind classifies a host entry.
type Kind int

const (
	KindOther Kind = iota
	KindDirectory
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindFile:
		return "file"
	}
	return "other"
}

// KindOf classifies a file mode.
func KindOf(mode fs.FileMode) Kind {
	switch {
	case mode.IsDir():
		return KindDirectory
	case mode.IsRegular():
		return KindFile
	}
	return KindOther
}

// Options tune a Populator. The zero value copies entries as they are.
type Options struct {
	// FollowSymlinks stats through symbolic links instead of rejecting them.
	FollowSymlinks bool
	// PreserveModTime copies host modification times onto the target.
	PreserveModTime bool
	// OnEntry is called before each entry below the top level is replayed.
	// A non-nil error aborts the walk.
	OnEntry func(kind Kind, hostPath, targetPath string) error
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Populator mirrors host trees onto a Target.
type Populator struct {
	target Target
	opts   Options
	log    *zap.Logger
	buf    []byte

	// Host access hooks. Tests replace them.
	readDirNames func(dir string) ([]string, error)
	openHost     func(path string) (io.ReadCloser, error)
}

// New returns a Populator writing to t.
func New(t Target, opts Options) *Populator {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Populator{
		target:       t,
		opts:         opts,
		log:          log,
		buf:          make([]byte, ChunkSize),
		readDirNames: readDirNames,
		openHost:     openHost,
	}
}

// Populate mirrors the host entry at hostPath onto targetPath. The top-level
// call does not clear a conflicting target entry, and a top-level directory
// mapped to the volume root is not created. The walk stops at the first
// error; entries written before it stay on the volume.
func (p *Populator) Populate(hostPath, targetPath string, isTopLevel bool) error {
	targetPath = Normalize(targetPath)

	stat := os.Lstat
	if p.opts.FollowSymlinks {
		stat = os.Stat
	}
	info, err := stat(hostPath)
	if err != nil {
		return builderr.Host("stat", hostPath, err)
	}

	kind := KindOf(info.Mode())
	if !isTopLevel && p.opts.OnEntry != nil {
		if err := p.opts.OnEntry(kind, hostPath, targetPath); err != nil {
			return err
		}
	}

	switch kind {
	case KindDirectory:
		err = p.addDirectory(hostPath, targetPath, info, isTopLevel)
	case KindFile:
		err = p.addFile(hostPath, targetPath, info)
	default:
		err = builderr.Unsupported(hostPath, info.Mode())
	}
	return err
}

func (p *Populator) addDirectory(hostPath, targetPath string, info fs.FileInfo, isTopLevel bool) error {
	if !isTopLevel {
		if err := p.clearConflict(targetPath); err != nil {
			return err
		}
	}
	if targetPath != "" {
		p.log.Info("adding directory", zap.String("host", hostPath), zap.String("target", targetPath))
		if err := p.target.Mkdir(targetPath); err != nil {
			return builderr.Target("mkdir", targetPath, err)
		}
		p.opts.Metrics.RecordEntry(KindDirectory.String())
	}

	names, err := p.readDirNames(hostPath)
	if err != nil {
		return builderr.Host("opendir", hostPath, err)
	}
	if err := checkFolded(targetPath, names); err != nil {
		return err
	}
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		if err := p.Populate(JoinHost(hostPath, name), Join(targetPath, name), false); err != nil {
			return err
		}
	}

	if p.opts.PreserveModTime && targetPath != "" {
		if err := p.target.Chtime(targetPath, info.ModTime()); err != nil {
			return builderr.Target("chtime", targetPath, err)
		}
	}
	return nil
}

// checkFolded fails when two host names in one directory would name the
// same FAT entry. FAT lookups ignore case and trailing dots and spaces, so
// the second name would silently replace the first.
func checkFolded(targetPath string, names []string) error {
	seen := make(map[string]string, len(names))
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		key := strings.ToUpper(strings.TrimRight(name, " ."))
		if prev, ok := seen[key]; ok {
			return builderr.Target("create", Join(targetPath, name),
				fmt.Errorf("%w: same FAT name as %q", fatfs.Exist, prev))
		}
		seen[key] = name
	}
	return nil
}

// clearConflict removes whatever entry already sits at targetPath. A
// non-empty directory is not emptied, so removing it fails.
func (p *Populator) clearConflict(targetPath string) error {
	_, err := p.target.Stat(targetPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return builderr.Target("stat", targetPath, err)
	}
	p.log.Debug("removing stale entry", zap.String("target", targetPath))
	if err := p.target.Remove(targetPath); err != nil {
		return builderr.Target("unlink", targetPath, err)
	}
	p.opts.Metrics.RecordConflict()
	return nil
}

func (p *Populator) addFile(hostPath, targetPath string, info fs.FileInfo) (err error) {
	p.log.Info("adding file", zap.String("host", hostPath), zap.String("target", targetPath))

	dst, err := p.target.Create(targetPath)
	if err != nil {
		return builderr.Target("open", targetPath, err)
	}
	closed := false
	defer func() {
		if closed {
			return
		}
		if cerr := dst.Close(); cerr != nil && err == nil {
			err = builderr.Target("close", targetPath, cerr)
		}
	}()

	src, err := p.openHost(hostPath)
	if err != nil {
		return builderr.Host("open", hostPath, err)
	}
	defer src.Close()

	if err := p.copy(dst, src, hostPath, targetPath); err != nil {
		return err
	}
	p.opts.Metrics.RecordEntry(KindFile.String())

	if p.opts.PreserveModTime {
		// The directory entry is only final once the file is closed.
		closed = true
		if err := dst.Close(); err != nil {
			return builderr.Target("close", targetPath, err)
		}
		if err := p.target.Chtime(targetPath, info.ModTime()); err != nil {
			return builderr.Target("chtime", targetPath, err)
		}
	}
	return nil
}

// copy moves src into dst chunk by chunk. Each chunk is written until the
// target has taken all of it.
func (p *Populator) copy(dst io.Writer, src io.Reader, hostPath, targetPath string) error {
	for {
		n, rerr := src.Read(p.buf)
		chunk := p.buf[:n]
		for len(chunk) > 0 {
			w, err := dst.Write(chunk)
			if err != nil {
				return builderr.Target("write", targetPath, err)
			}
			if w == 0 {
				// Volume full.
				return builderr.Target("write", targetPath, fatfs.Denied)
			}
			chunk = chunk[w:]
			p.opts.Metrics.RecordCopied(w)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return builderr.Host("read", hostPath, rerr)
		}
	}
}

func openHost(path string) (io.ReadCloser, error) { return os.Open(path) }

// readDirNames returns the names in dir in sorted order.
func readDirNames(dir string) ([]string, error) {
	d, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	names, err := d.Readdirnames(-1)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
