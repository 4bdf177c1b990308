package fatfs

import (
	"encoding/binary"
)

func putLE16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func putLE32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }

// ent returns the directory entry dp points at. The window must hold dp.sect.
func (dp *dir) ent() []byte {
	return dp.obj.fs.win[dp.off : dp.off+szDirE]
}

// ldClust reads the first cluster of an entry.
func (fsys *FS) ldClust(ent []byte) uint32 {
	cl := uint32(le16(ent[dirFstClusLO:]))
	if fsys.fstype == fstypeFAT32 {
		cl |= uint32(le16(ent[dirFstClusHI:])) << 16
	}
	return cl
}

func (fsys *FS) stClust(ent []byte, cl uint32) {
	putLE16(ent[dirFstClusLO:], uint16(cl))
	if fsys.fstype == fstypeFAT32 {
		putLE16(ent[dirFstClusHI:], uint16(cl>>16))
	}
}

// sdi sets the directory index to byte offset ofs.
func (dp *dir) sdi(ofs uint32) Result {
	fsys := dp.obj.fs
	if ofs >= maxDir || ofs%szDirE != 0 {
		return IntErr
	}
	dp.dptr = ofs
	clst := dp.obj.sclust
	if clst == 0 && fsys.fstype == fstypeFAT32 {
		clst = fsys.dirbase
	}
	var sect lba
	if clst == 0 {
		// Static root directory of FAT12/16.
		if ofs/szDirE >= uint32(fsys.nRoot) {
			return IntErr
		}
		sect = lba(fsys.dirbase)
	} else {
		csz := fsys.csize * fsys.ssize
		for ofs >= csz {
			clst = fsys.getFAT(clst)
			if clst == 0xffffffff {
				return DiskErr
			}
			if clst < 2 || clst >= fsys.nFatent {
				return IntErr
			}
			ofs -= csz
		}
		sect = fsys.clst2sect(clst)
	}
	dp.clust = clst
	if sect == 0 {
		return IntErr
	}
	dp.sect = sect + lba(ofs/fsys.ssize)
	dp.off = ofs % fsys.ssize
	return OK
}

// next moves to the next entry. If stretch is set, a full directory is
// extended by one cluster. NoFile reports the end of the table, Denied a
// directory that cannot grow.
func (dp *dir) next(stretch bool) Result {
	fsys := dp.obj.fs
	ofs := dp.dptr + szDirE
	if ofs >= maxDir {
		dp.sect = 0
	}
	if dp.sect == 0 {
		return NoFile
	}

	if ofs%fsys.ssize == 0 {
		dp.sect++
		if dp.clust == 0 {
			if ofs/szDirE >= uint32(fsys.nRoot) {
				dp.sect = 0
				return NoFile
			}
		} else if (ofs/fsys.ssize)&(fsys.csize-1) == 0 {
			clst := fsys.getFAT(dp.clust)
			if clst <= 1 {
				return IntErr
			}
			if clst == 0xffffffff {
				return DiskErr
			}
			if clst >= fsys.nFatent {
				if !stretch {
					dp.sect = 0
					return NoFile
				}
				clst = fsys.createChain(dp.clust)
				switch clst {
				case 0:
					return Denied
				case 1:
					return IntErr
				case 0xffffffff:
					return DiskErr
				}
				if fr := fsys.dirClear(clst); fr != OK {
					return fr
				}
			}
			dp.clust = clst
			dp.sect = fsys.clst2sect(clst)
		}
	}
	dp.dptr = ofs
	dp.off = ofs % fsys.ssize
	return OK
}

// alloc reserves n consecutive free entries and leaves dp on the last one.
func (dp *dir) alloc(n int) Result {
	fsys := dp.obj.fs
	fr := dp.sdi(0)
	if fr != OK {
		return fr
	}
	count := 0
	for {
		if fr = fsys.moveWindow(dp.sect); fr != OK {
			break
		}
		c := dp.ent()[dirName]
		if c == ddem || c == 0 {
			count++
			if count == n {
				break
			}
		} else {
			count = 0
		}
		if fr = dp.next(true); fr != OK {
			break
		}
	}
	if fr == NoFile {
		fr = Denied
	}
	return fr
}

// read moves dp to the next visible object at or after the current position,
// picking its long name into fsys.lfnbuf. If vol is set only volume labels
// are returned.
func (dp *dir) read(vol bool) Result {
	fsys := dp.obj.fs
	fr := NoFile
	ord, sum := byte(0xff), byte(0xff)
	for dp.sect != 0 {
		if fr = fsys.moveWindow(dp.sect); fr != OK {
			break
		}
		ent := dp.ent()
		c := ent[dirName]
		if c == 0 {
			fr = NoFile
			break
		}
		a := ent[dirAttr] & amMASK
		dp.obj.attr = a
		isVol := a&^amARC == amVOL
		if c == ddem || c == '.' || isVol != vol {
			ord = 0xff
		} else if a == amLFN {
			if c&llef != 0 {
				sum = ent[ldirChksum]
				c &^= llef
				ord = c
				dp.blkOfs = dp.dptr
			}
			if c == ord && sum == ent[ldirChksum] && pickLFN(fsys.lfnbuf[:], ent) {
				ord--
			} else {
				ord = 0xff
			}
		} else {
			if ord != 0 || sum != sumSFN(ent) {
				dp.blkOfs = noLFN
			}
			fr = OK
			break
		}
		if fr = dp.next(false); fr != OK {
			break
		}
	}
	if fr != OK {
		dp.sect = 0
	}
	return fr
}

// find looks up dp.fn / dp.lfn in the directory dp is open on.
func (dp *dir) find() Result {
	fsys := dp.obj.fs
	fr := dp.sdi(0)
	if fr != OK {
		return fr
	}
	ord, sum := byte(0xff), byte(0xff)
	dp.blkOfs = noLFN
	for {
		if fr = fsys.moveWindow(dp.sect); fr != OK {
			return fr
		}
		ent := dp.ent()
		c := ent[dirName]
		if c == 0 {
			return NoFile
		}
		a := ent[dirAttr] & amMASK
		dp.obj.attr = a
		switch {
		case c == ddem || (a&amVOL != 0 && a != amLFN):
			ord = 0xff
			dp.blkOfs = noLFN
		case a == amLFN:
			if dp.fn[nsflag]&nsNOLFN != 0 {
				break
			}
			if c&llef != 0 {
				sum = ent[ldirChksum]
				c &^= llef
				ord = c
				dp.blkOfs = dp.dptr
			}
			if c == ord && sum == ent[ldirChksum] && pickLFN(fsys.lfnbuf[:], ent) {
				ord--
			} else {
				ord = 0xff
			}
		default:
			if ord == 0 && sum == sumSFN(ent) && equalFoldLFN(dp.lfn, trimLFN(fsys.lfnbuf[:])) {
				return OK
			}
			if dp.fn[nsflag]&nsLOSS == 0 && string(ent[:11]) == string(dp.fn[:11]) {
				if ord != 0 || sum != sumSFN(ent) {
					dp.blkOfs = noLFN
				}
				return OK
			}
			ord = 0xff
			dp.blkOfs = noLFN
		}
		if fr = dp.next(false); fr != OK {
			return fr
		}
	}
}

func trimLFN(buf []uint16) []uint16 {
	for i, c := range buf {
		if c == 0 {
			return buf[:i]
		}
	}
	return buf
}

// register creates an entry for dp.fn / dp.lfn, with long name entries when
// needed. The new short entry is left in the window, zeroed but named.
func (dp *dir) register() Result {
	fsys := dp.obj.fs
	if dp.fn[nsflag]&(nsDOT|nsNONAME) != 0 {
		return InvalidName
	}
	sn := dp.fn
	if sn[nsflag]&nsLOSS != 0 {
		// Find a free numbered short name.
		dp.fn[nsflag] = nsNOLFN
		var fr Result
		n := uint32(1)
		for ; n < 100; n++ {
			genNumname(&dp.fn, &sn, dp.lfn, n)
			if fr = dp.find(); fr != OK {
				break
			}
		}
		if n == 100 {
			return Denied
		}
		if fr != NoFile {
			return fr
		}
		dp.fn[nsflag] = sn[nsflag]
	}

	nent := 1
	if sn[nsflag]&nsLFN != 0 {
		nent = (len(dp.lfn)+12)/13 + 1
	}
	fr := dp.alloc(nent)
	if fr == OK && nent > 1 {
		nent--
		if fr = dp.sdi(dp.dptr - uint32(nent)*szDirE); fr == OK {
			sum := sumSFN(dp.fn[:])
			for {
				if fr = fsys.moveWindow(dp.sect); fr != OK {
					break
				}
				putLFN(dp.lfn, dp.ent(), byte(nent), sum)
				fsys.wflag = true
				if fr = dp.next(false); fr != OK {
					break
				}
				nent--
				if nent == 0 {
					break
				}
			}
		}
	}
	if fr == OK {
		if fr = fsys.moveWindow(dp.sect); fr == OK {
			ent := dp.ent()
			clear(ent)
			copy(ent[dirName:], dp.fn[:11])
			ent[dirNTres] = dp.fn[nsflag] & (nsBODY | nsEXT)
			fsys.wflag = true
		}
	}
	return fr
}

// remove marks the object dp points at, and its long name entries, deleted.
func (dp *dir) remove() Result {
	fsys := dp.obj.fs
	last := dp.dptr
	fr := OK
	if dp.blkOfs != noLFN {
		fr = dp.sdi(dp.blkOfs)
	}
	for fr == OK {
		if fr = fsys.moveWindow(dp.sect); fr != OK {
			break
		}
		dp.ent()[dirName] = ddem
		fsys.wflag = true
		if dp.dptr >= last {
			break
		}
		fr = dp.next(false)
	}
	if fr == NoFile {
		fr = IntErr
	}
	return fr
}

// followPath resolves path. On success dp points at the final entry, or at
// the root with nsNONAME set if path names the root itself.
func (dp *dir) followPath(path string) Result {
	fsys := dp.obj.fs
	for len(path) > 0 && isSep(path[0]) {
		path = path[1:]
	}
	dp.obj.sclust = 0
	if path == "" {
		fr := dp.sdi(0)
		dp.fn[nsflag] = nsNONAME
		return fr
	}
	for {
		var fr Result
		path, fr = dp.createName(path)
		if fr != OK {
			return fr
		}
		fr = dp.find()
		ns := dp.fn[nsflag]
		if fr != OK {
			if fr == NoFile && ns&nsLAST == 0 {
				fr = NoPath
			}
			return fr
		}
		if ns&nsLAST != 0 {
			return OK
		}
		if dp.obj.attr&amDIR == 0 {
			return NoPath
		}
		dp.obj.sclust = fsys.ldClust(dp.ent())
	}
}

// fileInfo describes the object dp points at.
func (dp *dir) fileInfo(fno *FileInfo) {
	fsys := dp.obj.fs
	ent := dp.ent()
	*fno = FileInfo{
		fsize:   int64(le32(ent[dirFileSize:])),
		fdate:   le16(ent[dirModTime+2:]),
		ftime:   le16(ent[dirModTime:]),
		fattrib: ent[dirAttr] & amMASK,
		altname: sfnString(ent[:11], 0, false),
	}
	if fno.fattrib&amDIR != 0 {
		fno.fsize = 0
	}
	if dp.blkOfs != noLFN {
		fno.fname = lfnString(fsys.lfnbuf[:])
	}
	if fno.fname == "" {
		fno.fname = sfnString(ent[:11], ent[dirNTres], true)
	}
}
