package fatfs

import (
	"encoding/binary"

	"go.uber.org/zap"
)

func (fsys *FS) diskRead(dst []byte, sector lba) Result {
	if err := fsys.device.ReadBlocks(dst, int64(sector)); err != nil {
		fsys.log.Debug("block read failed", zap.Uint32("sector", uint32(sector)), zap.Error(err))
		return DiskErr
	}
	return OK
}

func (fsys *FS) diskWrite(src []byte, sector lba) Result {
	if err := fsys.device.WriteBlocks(src, int64(sector)); err != nil {
		fsys.log.Debug("block write failed", zap.Uint32("sector", uint32(sector)), zap.Error(err))
		return DiskErr
	}
	return OK
}

// syncWindow flushes the window if it is dirty. Sectors of the first FAT are
// mirrored to the other FAT copies.
func (fsys *FS) syncWindow() Result {
	if !fsys.wflag {
		return OK
	}
	if fr := fsys.diskWrite(fsys.win, fsys.winsect); fr != OK {
		return fr
	}
	fsys.wflag = false
	if fsys.winsect-fsys.fatbase < lba(fsys.fsize) {
		for i := uint8(1); i < fsys.nFATs; i++ {
			if fr := fsys.diskWrite(fsys.win, fsys.winsect+lba(uint32(i)*fsys.fsize)); fr != OK {
				return fr
			}
		}
	}
	return OK
}

// moveWindow loads sector into the window, flushing the previous contents.
func (fsys *FS) moveWindow(sector lba) Result {
	if sector == fsys.winsect {
		return OK
	}
	if fr := fsys.syncWindow(); fr != OK {
		return fr
	}
	if fr := fsys.diskRead(fsys.win, sector); fr != OK {
		fsys.winsect = ^lba(0)
		return fr
	}
	fsys.winsect = sector
	return OK
}

func (fsys *FS) invalidateWindow() {
	fsys.winsect = ^lba(0)
	fsys.wflag = false
}

func (fsys *FS) winU16(off uint32) uint16 { return binary.LittleEndian.Uint16(fsys.win[off:]) }
func (fsys *FS) winU32(off uint32) uint32 { return binary.LittleEndian.Uint32(fsys.win[off:]) }

// sync flushes the window and, on FAT32, the FSInfo sector.
func (fsys *FS) sync() Result {
	fr := fsys.syncWindow()
	if fr != OK {
		return fr
	}
	if fsys.fstype == fstypeFAT32 && fsys.fsiFlag == 1 {
		// FSInfo lives in the sector after the boot sector.
		clear(fsys.win)
		le := binary.LittleEndian
		le.PutUint32(fsys.win[0:], 0x41615252)
		le.PutUint32(fsys.win[484:], 0x61417272)
		le.PutUint32(fsys.win[488:], fsys.freeClst)
		le.PutUint32(fsys.win[492:], fsys.lastClst)
		le.PutUint16(fsys.win[510:], 0xaa55)
		fsys.winsect = fsys.volbase + 1
		if fr = fsys.diskWrite(fsys.win, fsys.winsect); fr != OK {
			return fr
		}
		fsys.fsiFlag = 0
	}
	return OK
}

func (fsys *FS) clst2sect(clst uint32) lba {
	clst -= 2
	if clst >= fsys.nFatent-2 {
		return 0
	}
	return fsys.database + lba(fsys.csize*clst)
}

// getFAT reads the FAT entry of clst. 0xFFFFFFFF reports a disk error and 1
// an internal error; values >= nFatent mark the end of a chain.
func (fsys *FS) getFAT(clst uint32) uint32 {
	if clst < 2 || clst >= fsys.nFatent {
		return 1
	}
	ss := fsys.ssize
	switch fsys.fstype {
	case fstypeFAT12:
		bc := clst + clst/2
		if fsys.moveWindow(fsys.fatbase+lba(bc/ss)) != OK {
			return 0xffffffff
		}
		wc := uint32(fsys.win[bc%ss])
		bc++
		if fsys.moveWindow(fsys.fatbase+lba(bc/ss)) != OK {
			return 0xffffffff
		}
		wc |= uint32(fsys.win[bc%ss]) << 8
		if clst&1 != 0 {
			return wc >> 4
		}
		return wc & 0xfff
	case fstypeFAT16:
		if fsys.moveWindow(fsys.fatbase+lba(clst/(ss/2))) != OK {
			return 0xffffffff
		}
		return uint32(fsys.winU16(clst * 2 % ss))
	case fstypeFAT32:
		if fsys.moveWindow(fsys.fatbase+lba(clst/(ss/4))) != OK {
			return 0xffffffff
		}
		return fsys.winU32(clst*4%ss) & 0x0fffffff
	}
	return 1
}

// putFAT stores val in the FAT entry of clst.
func (fsys *FS) putFAT(clst, val uint32) Result {
	if clst < 2 || clst >= fsys.nFatent {
		return IntErr
	}
	ss := fsys.ssize
	switch fsys.fstype {
	case fstypeFAT12:
		bc := clst + clst/2
		if fr := fsys.moveWindow(fsys.fatbase + lba(bc/ss)); fr != OK {
			return fr
		}
		p := &fsys.win[bc%ss]
		if clst&1 != 0 {
			*p = *p&0x0f | byte(val<<4)
		} else {
			*p = byte(val)
		}
		fsys.wflag = true
		bc++
		if fr := fsys.moveWindow(fsys.fatbase + lba(bc/ss)); fr != OK {
			return fr
		}
		p = &fsys.win[bc%ss]
		if clst&1 != 0 {
			*p = byte(val >> 4)
		} else {
			*p = *p&0xf0 | byte(val>>8)&0x0f
		}
	case fstypeFAT16:
		if fr := fsys.moveWindow(fsys.fatbase + lba(clst/(ss/2))); fr != OK {
			return fr
		}
		binary.LittleEndian.PutUint16(fsys.win[clst*2%ss:], uint16(val))
	case fstypeFAT32:
		if fr := fsys.moveWindow(fsys.fatbase + lba(clst/(ss/4))); fr != OK {
			return fr
		}
		off := clst * 4 % ss
		old := fsys.winU32(off)
		binary.LittleEndian.PutUint32(fsys.win[off:], val&0x0fffffff|old&0xf0000000)
	default:
		return IntErr
	}
	fsys.wflag = true
	return OK
}

// createChain stretches the chain ending at clst, or starts a new chain if
// clst is 0. It returns the new cluster, 0 when the volume is full, 1 on an
// internal error and 0xFFFFFFFF on a disk error. If clst already has a
// successor, the successor is returned.
func (fsys *FS) createChain(clst uint32) uint32 {
	var scl uint32
	if clst == 0 {
		scl = fsys.lastClst
		if scl == 0 || scl >= fsys.nFatent {
			scl = 1
		}
	} else {
		cs := fsys.getFAT(clst)
		if cs < 2 {
			return 1
		}
		if cs == 0xffffffff || cs < fsys.nFatent {
			return cs
		}
		scl = clst
	}
	if fsys.freeClst == 0 {
		return 0
	}

	ncl := scl
	for {
		ncl++
		if ncl >= fsys.nFatent {
			ncl = 2
			if ncl > scl {
				return 0
			}
		}
		cs := fsys.getFAT(ncl)
		if cs == 0 {
			break
		}
		if cs == 1 || cs == 0xffffffff {
			return cs
		}
		if ncl == scl {
			return 0
		}
	}

	if fr := fsys.putFAT(ncl, 0x0fffffff); fr != OK {
		if fr == DiskErr {
			return 0xffffffff
		}
		return 1
	}
	if clst != 0 {
		if fr := fsys.putFAT(clst, ncl); fr != OK {
			if fr == DiskErr {
				return 0xffffffff
			}
			return 1
		}
	}
	fsys.lastClst = ncl
	if fsys.freeClst <= fsys.nFatent-2 {
		fsys.freeClst--
	}
	fsys.fsiFlag |= 1
	return ncl
}

// removeChain frees the chain starting at clst. If pclst is not 0 it becomes
// the new end of its chain.
func (fsys *FS) removeChain(clst, pclst uint32) Result {
	if clst < 2 || clst >= fsys.nFatent {
		return IntErr
	}
	if pclst != 0 {
		if fr := fsys.putFAT(pclst, 0x0fffffff); fr != OK {
			return fr
		}
	}
	for {
		nxt := fsys.getFAT(clst)
		if nxt == 0 {
			break
		}
		if nxt == 1 {
			return IntErr
		}
		if nxt == 0xffffffff {
			return DiskErr
		}
		if fr := fsys.putFAT(clst, 0); fr != OK {
			return fr
		}
		if fsys.freeClst < fsys.nFatent-2 {
			fsys.freeClst++
			fsys.fsiFlag |= 1
		}
		clst = nxt
		if clst >= fsys.nFatent {
			break
		}
	}
	return OK
}

// dirClear zero fills every sector of cluster clst.
func (fsys *FS) dirClear(clst uint32) Result {
	if fr := fsys.syncWindow(); fr != OK {
		return fr
	}
	sect := fsys.clst2sect(clst)
	fsys.winsect = sect
	clear(fsys.win)
	for n := uint32(0); n < fsys.csize; n++ {
		if fr := fsys.diskWrite(fsys.win, sect+lba(n)); fr != OK {
			return fr
		}
	}
	return OK
}

// freeClusters counts free clusters, scanning the FAT if the count is not
// known yet.
func (fsys *FS) freeClusters() (uint32, Result) {
	if fsys.freeClst <= fsys.nFatent-2 {
		return fsys.freeClst, OK
	}
	var n uint32
	for clst := uint32(2); clst < fsys.nFatent; clst++ {
		v := fsys.getFAT(clst)
		if v == 0xffffffff {
			return 0, DiskErr
		}
		if v == 1 {
			return 0, IntErr
		}
		if v == 0 {
			n++
		}
	}
	fsys.freeClst = n
	fsys.fsiFlag |= 1
	return n, OK
}
