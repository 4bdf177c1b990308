// Package fatfs is a FAT12/16/32 filesystem engine working on a block
// device. It follows the FatFs model: one sector window shared by directory
// and FAT accesses, a private sector buffer per open file, and result codes
// for every operation.
//
// Paths are absolute within the volume, use '/' as separator and must not
// contain "." or ".." elements.
package fatfs

import (
	"errors"
	"io/fs"
	"time"

	"go.uber.org/zap"
)

// BlockDevice is the storage a volume lives on. Blocks are the FAT sectors.
type BlockDevice interface {
	ReadBlocks(dst []byte, startBlock int64) error
	WriteBlocks(data []byte, startBlock int64) error
	// BlockSize returns the block size in bytes, a power of two between
	// 512 and 4096.
	BlockSize() int
	// Size returns the device size in bytes.
	Size() int64
}

// Mode represents the file access mode used in OpenFile and Mount.
type Mode uint8

// File access modes for calling OpenFile.
const (
	ModeRead  Mode = faRead
	ModeWrite Mode = faWrite
	ModeRW    Mode = ModeRead | ModeWrite

	ModeOpenExisting Mode = faOpenExisting
	ModeCreateNew    Mode = faCreateNew
	ModeCreateAlways Mode = faCreateAlways
	ModeOpenAlways   Mode = faOpenAlways
	ModeOpenAppend   Mode = faOpenAppend

	allowedModes = ModeRead | ModeWrite | ModeCreateNew | ModeCreateAlways | ModeOpenAlways | ModeOpenAppend
)

const (
	faRead         = 0x01
	faWrite        = 0x02
	faOpenExisting = 0x00
	faCreateNew    = 0x04
	faCreateAlways = 0x08
	faOpenAlways   = 0x10
	faOpenAppend   = 0x30
	faSeekEnd      = 0x20
	faModified     = 0x40
	faDirty        = 0x80
)

var (
	errInvalidMode   = errors.New("fatfs: invalid access mode")
	errForbiddenMode = errors.New("fatfs: access mode not permitted by mount")
)

// Result is the outcome of a filesystem operation. Every non-OK Result is an
// error.
type Result int

const (
	OK               Result = iota // succeeded
	DiskErr                        // a hard error occurred in the block device
	IntErr                         // internal consistency check failed
	NotReady                       // the device cannot work
	NoFile                         // could not find the file
	NoPath                         // could not find the path
	InvalidName                    // the path name format is invalid
	Denied                         // access denied, directory full or volume full
	Exist                          // the object already exists
	InvalidObject                  // the file or directory object is invalid
	WriteProtected                 // the volume is mounted read-only
	InvalidDrive                   // the logical drive is invalid
	NotEnabled                     // the volume has no work area
	NoFilesystem                   // there is no valid FAT volume
	MkfsAborted                    // Format aborted due to a parameter or size problem
	Timeout                        // could not get access to the volume in time
	Locked                         // rejected by the file sharing policy
	NotEnoughCore                  // working buffer could not be allocated
	TooManyOpenFiles               // too many open objects
	InvalidParameter               // a given parameter is invalid
)

var resultText = [...]string{
	OK:               "succeeded",
	DiskErr:          "disk error",
	IntErr:           "internal error",
	NotReady:         "not ready",
	NoFile:           "no such file",
	NoPath:           "no such path",
	InvalidName:      "invalid name",
	Denied:           "access denied",
	Exist:            "file exists",
	InvalidObject:    "invalid object",
	WriteProtected:   "write protected",
	InvalidDrive:     "invalid drive",
	NotEnabled:       "volume not enabled",
	NoFilesystem:     "no FAT filesystem",
	MkfsAborted:      "format aborted",
	Timeout:          "timeout",
	Locked:           "locked",
	NotEnoughCore:    "not enough memory",
	TooManyOpenFiles: "too many open files",
	InvalidParameter: "invalid parameter",
}

func (fr Result) Error() string {
	if fr >= 0 && int(fr) < len(resultText) {
		return "fatfs: " + resultText[fr]
	}
	return "fatfs: unknown result"
}

// Is lets errors.Is match results against the io/fs sentinel errors.
func (fr Result) Is(target error) bool {
	switch target {
	case fs.ErrNotExist:
		return fr == NoFile || fr == NoPath
	case fs.ErrExist:
		return fr == Exist
	case fs.ErrPermission:
		return fr == Denied || fr == WriteProtected
	case fs.ErrClosed:
		return fr == InvalidObject
	case fs.ErrInvalid:
		return fr == InvalidName || fr == InvalidParameter
	}
	return false
}

// Code extracts the Result carried by err.
func Code(err error) (Result, bool) {
	if err == nil {
		return OK, true
	}
	var fr Result
	if errors.As(err, &fr) {
		return fr, true
	}
	return 0, false
}

func (fr Result) err() error {
	if fr == OK {
		return nil
	}
	return fr
}

// sector index type.
type lba uint32

type fstype byte

const (
	fstypeUnknown fstype = iota
	fstypeFAT12
	fstypeFAT16
	fstypeFAT32
)

func (t fstype) String() string {
	switch t {
	case fstypeFAT12:
		return "FAT12"
	case fstypeFAT16:
		return "FAT16"
	case fstypeFAT32:
		return "FAT32"
	}
	return "unknown"
}

// MountOptions tune a mounted volume. The zero value is usable.
type MountOptions struct {
	// NoLongNames restricts the volume to 8.3 names, as FatFs does when
	// built without LFN support. Names that do not fit are rejected.
	NoLongNames bool
	// Now provides timestamps for created and modified entries.
	Now    func() time.Time
	Logger *zap.Logger
}

// FS is a mounted FAT volume. The zero value is unmounted.
type FS struct {
	fstype  fstype
	nFATs   uint8
	wflag   bool   // window dirty
	fsiFlag uint8  // FSInfo: b7 disabled, b0 dirty
	nRoot   uint16 // number of root directory entries (FAT12/16)
	csize   uint32 // cluster size in sectors
	ssize   uint32 // sector size in bytes

	lfnbuf [lfnBufSize + 1]uint16 // long name picked from the directory

	device   BlockDevice
	lastClst uint32 // last allocated cluster
	freeClst uint32 // number of free clusters, 0xFFFFFFFF if unknown

	nFatent uint32 // number of FAT entries, clusters + 2
	fsize   uint32 // sectors per FAT

	volbase  lba    // volume base sector
	fatbase  lba    // FAT base sector
	dirbase  uint32 // root directory base sector (FAT12/16) or cluster (FAT32)
	database lba    // data base sector

	winsect lba // sector held in win
	win     []byte

	id   uint16 // mount ID, invalidates objects of earlier mounts
	perm Mode
	opts MountOptions
	log  *zap.Logger
}

var mountSeq uint16

type objid struct {
	fs      *FS
	id      uint16
	attr    uint8
	objsize int64
	sclust  uint32
}

func (obj *objid) validate() Result {
	if obj.fs == nil || obj.fs.fstype == fstypeUnknown || obj.id != obj.fs.id {
		return InvalidObject
	}
	return OK
}

// File is an open file on a FAT volume.
type File struct {
	obj     objid
	flag    uint8
	err     Result // sticky abort code
	fptr    int64
	clust   uint32
	sect    lba
	dirSect lba
	dirOff  uint32 // offset of the directory entry in dirSect
	buf     []byte
}

type dir struct {
	obj    objid
	dptr   uint32 // current read/write offset
	clust  uint32 // current cluster
	sect   lba    // current sector, 0 at the end of the table
	off    uint32 // offset of the current entry in the window
	fn     [12]byte
	lfn    []uint16 // name being looked up or registered
	blkOfs uint32   // offset of the first LFN entry of the current object
}

// Dir is an open directory.
type Dir struct {
	dir
	inlineInfo FileInfo
}

// FileInfo describes a directory entry.
type FileInfo struct {
	fsize   int64
	fdate   uint16
	ftime   uint16
	fattrib uint8
	altname string
	fname   string
}

const (
	lfnBufSize = 255
	sfnBufSize = 12
	maxDir     = 0x200000 // maximum size of a directory in bytes
	noLFN      = 0xffffffff

	maxFAT12 = 0xff5
	maxFAT16 = 0xfff5
	maxFAT32 = 0x0ffffff5
)

// Directory entry attributes.
const (
	amRDO  = 0x01
	amHID  = 0x02
	amSYS  = 0x04
	amVOL  = 0x08
	amLFN  = 0x0f
	amDIR  = 0x10
	amARC  = 0x20
	amMASK = 0x3f
)

// Directory entry layout.
const (
	dirName       = 0
	dirAttr       = 11
	dirNTres      = 12
	dirCrtTime10  = 13
	dirCrtTime    = 14
	dirLstAccDate = 18
	dirFstClusHI  = 20
	dirModTime    = 22
	dirFstClusLO  = 26
	dirFileSize   = 28
	ldirOrd       = 0
	ldirAttr      = 11
	ldirType      = 12
	ldirChksum    = 13
	ldirFstClusLO = 26
	szDirE        = 32
	ddem          = 0xe5 // deleted entry mark
	rddem         = 0x05 // replacement for a leading 0xE5 in a name
	llef          = 0x40 // last long entry flag
)

// Name status flags in fn[nsflag].
const (
	nsflag   = 11
	nsLOSS   = 0x01 // out of 8.3 format
	nsLFN    = 0x02 // force to create LFN entry
	nsLAST   = 0x04 // last segment
	nsBODY   = 0x08 // lower case flag (body)
	nsEXT    = 0x10 // lower case flag (ext)
	nsDOT    = 0x20 // dot entry
	nsNOLFN  = 0x40 // do not find LFN
	nsNONAME = 0x80 // not followed
)

// Name returns the long name of the entry, or its short name when it has
// none.
func (finfo *FileInfo) Name() string { return finfo.fname }

// AlternateName returns the 8.3 short name of the entry.
func (finfo *FileInfo) AlternateName() string { return finfo.altname }

// Size returns the size of the file in bytes.
func (finfo *FileInfo) Size() int64 { return finfo.fsize }

// ModTime returns the modification time of the entry.
func (finfo *FileInfo) ModTime() time.Time { return fromDOSTime(finfo.fdate, finfo.ftime) }

// IsDir returns true if the entry is a directory.
func (finfo *FileInfo) IsDir() bool { return finfo.fattrib&amDIR != 0 }

// Attributes returns the raw FAT attribute byte.
func (finfo *FileInfo) Attributes() uint8 { return finfo.fattrib }
