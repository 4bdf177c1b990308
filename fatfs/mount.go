package fatfs

import (
	"encoding/binary"

	"go.uber.org/zap"
)

// BIOS parameter block offsets.
const (
	bsJmpBoot       = 0
	bsOEMName       = 3
	bpbBytsPerSec   = 11
	bpbSecPerClus   = 13
	bpbRsvdSecCnt   = 14
	bpbNumFATs      = 16
	bpbRootEntCnt   = 17
	bpbTotSec16     = 19
	bpbMedia        = 21
	bpbFATSz16      = 22
	bpbSecPerTrk    = 24
	bpbNumHeads     = 26
	bpbHiddSec      = 28
	bpbTotSec32     = 32
	bsDrvNum        = 36
	bsBootSig       = 38
	bsVolID         = 39
	bsVolLab        = 43
	bsFilSysType    = 54
	bpbFATSz32      = 36
	bpbExtFlags32   = 40
	bpbFSVer32      = 42
	bpbRootClus32   = 44
	bpbFSInfo32     = 48
	bpbBkBootSec32  = 50
	bsDrvNum32      = 64
	bsBootSig32     = 66
	bsVolID32       = 67
	bsVolLab32      = 71
	bsFilSysType32  = 82
	bs55AA          = 510
	fsiLeadSig      = 0
	fsiStrucSig     = 484
	fsiFreeCount    = 488
	fsiNxtFree      = 492
	mbrTable        = 446
	szPTE           = 16
	pteSystem       = 4
	pteStLba        = 8
	pteSizLba       = 12
	minSectorSize   = 512
	maxSectorSize   = 4096
	bootRecordFAT   = 0 // FAT boot sector
	bootRecordOther = 2 // valid boot record, not FAT
	bootRecordNone  = 3 // no boot record
	bootRecordErr   = 4 // disk error
)

// Mount mounts the FAT volume found on bd. It immediately invalidates
// previously open files and directories of the same FS. Mode should be
// ModeRead, ModeWrite, or both. opts may be nil.
func (fsys *FS) Mount(bd BlockDevice, mode Mode, opts *MountOptions) error {
	if mode&^ModeRW != 0 {
		return errInvalidMode
	}
	fsys.fstype = fstypeUnknown
	if opts != nil {
		fsys.opts = *opts
	} else {
		fsys.opts = MountOptions{}
	}
	fsys.log = fsys.opts.Logger
	if fsys.log == nil {
		fsys.log = zap.NewNop()
	}
	ss := bd.BlockSize()
	if ss < minSectorSize || ss > maxSectorSize || ss&(ss-1) != 0 {
		return DiskErr
	}
	fsys.device = bd
	fsys.ssize = uint32(ss)
	fsys.win = make([]byte, ss)
	fsys.perm = mode
	fsys.invalidateWindow()

	if fr := fsys.mountVolume(); fr != OK {
		return fr
	}
	fsys.log.Debug("mounted FAT volume",
		zap.Stringer("type", fsys.fstype),
		zap.Uint32("sector_size", fsys.ssize),
		zap.Uint32("cluster_sectors", fsys.csize),
		zap.Uint32("clusters", fsys.nFatent-2),
		zap.Uint32("volume_base", uint32(fsys.volbase)))
	return nil
}

func (fsys *FS) mountVolume() Result {
	bsect, status := fsys.findVolume()
	switch status {
	case bootRecordFAT:
	case bootRecordErr:
		return DiskErr
	default:
		return NoFilesystem
	}
	if fr := fsys.moveWindow(bsect); fr != OK {
		return fr
	}
	ss := fsys.ssize
	if uint32(fsys.winU16(bpbBytsPerSec)) != ss {
		return NoFilesystem
	}

	fasize := uint32(fsys.winU16(bpbFATSz16))
	if fasize == 0 {
		fasize = fsys.winU32(bpbFATSz32)
	}
	fsys.fsize = fasize
	fsys.nFATs = fsys.win[bpbNumFATs]
	if fsys.nFATs != 1 && fsys.nFATs != 2 {
		return NoFilesystem
	}
	fasize *= uint32(fsys.nFATs)

	fsys.csize = uint32(fsys.win[bpbSecPerClus])
	if fsys.csize == 0 || fsys.csize&(fsys.csize-1) != 0 {
		return NoFilesystem
	}
	fsys.nRoot = fsys.winU16(bpbRootEntCnt)
	if uint32(fsys.nRoot)%(ss/szDirE) != 0 {
		return NoFilesystem
	}
	tsect := uint32(fsys.winU16(bpbTotSec16))
	if tsect == 0 {
		tsect = fsys.winU32(bpbTotSec32)
	}
	nrsv := uint32(fsys.winU16(bpbRsvdSecCnt))
	if nrsv == 0 {
		return NoFilesystem
	}
	sysect := nrsv + fasize + uint32(fsys.nRoot)/(ss/szDirE)
	if tsect < sysect {
		return NoFilesystem
	}
	nclst := (tsect - sysect) / fsys.csize
	if nclst == 0 {
		return NoFilesystem
	}
	var fmt fstype
	switch {
	case nclst <= maxFAT12:
		fmt = fstypeFAT12
	case nclst <= maxFAT16:
		fmt = fstypeFAT16
	case nclst <= maxFAT32:
		fmt = fstypeFAT32
	default:
		return NoFilesystem
	}

	fsys.nFatent = nclst + 2
	fsys.volbase = bsect
	fsys.fatbase = bsect + lba(nrsv)
	fsys.database = bsect + lba(sysect)
	var szbfat uint32
	if fmt == fstypeFAT32 {
		if fsys.winU16(bpbFSVer32) != 0 || fsys.nRoot != 0 {
			return NoFilesystem
		}
		fsys.dirbase = fsys.winU32(bpbRootClus32)
		szbfat = fsys.nFatent * 4
	} else {
		if fsys.nRoot == 0 {
			return NoFilesystem
		}
		fsys.dirbase = uint32(fsys.fatbase) + fasize
		if fmt == fstypeFAT16 {
			szbfat = fsys.nFatent * 2
		} else {
			szbfat = fsys.nFatent*3/2 + fsys.nFatent&1
		}
	}
	if fsys.fsize < (szbfat+ss-1)/ss {
		return NoFilesystem
	}

	fsys.lastClst = 0xffffffff
	fsys.freeClst = 0xffffffff
	fsys.fsiFlag = 0x80
	if fmt == fstypeFAT32 && fsys.winU16(bpbFSInfo32) == 1 && fsys.moveWindow(bsect+1) == OK {
		fsys.fsiFlag = 0
		if fsys.winU16(bs55AA) == 0xaa55 &&
			fsys.winU32(fsiLeadSig) == 0x41615252 &&
			fsys.winU32(fsiStrucSig) == 0x61417272 {
			fsys.freeClst = fsys.winU32(fsiFreeCount)
			fsys.lastClst = fsys.winU32(fsiNxtFree)
		}
	}

	mountSeq++
	fsys.id = mountSeq
	fsys.fstype = fmt
	return OK
}

// findVolume locates the FAT boot sector: sector 0 of a super-floppy volume,
// or the first FAT partition listed in an MBR.
func (fsys *FS) findVolume() (lba, int) {
	status := fsys.checkFS(0)
	if status != bootRecordOther {
		return 0, status
	}
	var parts [4]lba
	for i := range parts {
		parts[i] = lba(fsys.winU32(uint32(mbrTable + i*szPTE + pteStLba)))
	}
	for _, p := range parts {
		if p == 0 {
			continue
		}
		status = fsys.checkFS(p)
		if status == bootRecordFAT || status == bootRecordErr {
			return p, status
		}
	}
	return 0, bootRecordNone
}

func (fsys *FS) checkFS(sect lba) int {
	fsys.invalidateWindow()
	if fsys.moveWindow(sect) != OK {
		return bootRecordErr
	}
	sign := fsys.winU16(bs55AA)
	b := fsys.win[bsJmpBoot]
	if b == 0xeb || b == 0xe9 || b == 0xe8 {
		if sign == 0xaa55 && string(fsys.win[bsFilSysType32:bsFilSysType32+8]) == "FAT32   " {
			return bootRecordFAT
		}
		w := fsys.winU16(bpbBytsPerSec)
		c := fsys.win[bpbSecPerClus]
		if w&(w-1) == 0 && w >= minSectorSize && w <= maxSectorSize &&
			c != 0 && c&(c-1) == 0 &&
			fsys.winU16(bpbRsvdSecCnt) != 0 &&
			fsys.win[bpbNumFATs]-1 <= 1 &&
			fsys.winU16(bpbRootEntCnt) != 0 &&
			(fsys.winU16(bpbTotSec16) >= 128 || fsys.winU32(bpbTotSec32) >= 0x10000) &&
			fsys.winU16(bpbFATSz16) != 0 {
			return bootRecordFAT
		}
	}
	if sign == 0xaa55 {
		return bootRecordOther
	}
	return bootRecordNone
}

// Unmount flushes cached data and detaches the volume. Open files and
// directories become invalid.
func (fsys *FS) Unmount() error {
	if fsys.fstype == fstypeUnknown {
		return NotEnabled
	}
	var fr Result
	if fsys.perm&ModeWrite != 0 {
		fr = fsys.sync()
	}
	fsys.fstype = fstypeUnknown
	fsys.device = nil
	fsys.log.Debug("unmounted FAT volume")
	return fr.err()
}

// Type returns "FAT12", "FAT16" or "FAT32" for a mounted volume.
func (fsys *FS) Type() string { return fsys.fstype.String() }

// ClusterSize returns the cluster size in bytes.
func (fsys *FS) ClusterSize() int64 { return int64(fsys.csize) * int64(fsys.ssize) }

// Clusters returns the number of data clusters on the volume.
func (fsys *FS) Clusters() uint32 {
	if fsys.fstype == fstypeUnknown {
		return 0
	}
	return fsys.nFatent - 2
}

// Free returns the number of free bytes on the volume.
func (fsys *FS) Free() (int64, error) {
	if fsys.fstype == fstypeUnknown {
		return 0, NotEnabled
	}
	n, fr := fsys.freeClusters()
	if fr != OK {
		return 0, fr
	}
	return int64(n) * fsys.ClusterSize(), nil
}

func (fsys *FS) checkWritable() Result {
	if fsys.fstype == fstypeUnknown {
		return NotEnabled
	}
	if fsys.perm&ModeWrite == 0 {
		return WriteProtected
	}
	return OK
}

func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
