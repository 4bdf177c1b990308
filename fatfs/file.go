package fatfs

import (
	"io"
	"time"
)

func (fsys *FS) newDir() dir {
	return dir{obj: objid{fs: fsys, id: fsys.id}}
}

// OpenFile opens the named file for reading or writing, depending on the
// mode. The creation modes follow FatFs: ModeCreateAlways truncates an
// existing file, ModeOpenAlways keeps its contents and ModeCreateNew fails
// with Exist if the file is present.
func (fsys *FS) OpenFile(fp *File, path string, mode Mode) error {
	if fp == nil {
		return InvalidObject
	}
	if mode&^allowedModes != 0 {
		return errInvalidMode
	}
	if fsys.fstype == fstypeUnknown {
		return NotEnabled
	}
	if (mode&ModeRW)&^fsys.perm != 0 {
		return errForbiddenMode
	}
	creating := mode&(ModeCreateAlways|ModeOpenAlways|ModeCreateNew) != 0
	if creating {
		if fr := fsys.checkWritable(); fr != OK {
			return fr
		}
	}

	dj := fsys.newDir()
	fr := dj.followPath(path)
	if fr == OK && dj.fn[nsflag]&nsNONAME != 0 {
		fr = InvalidName
	}
	if creating {
		if fr != OK {
			if fr == NoFile {
				fr = dj.register()
			}
			mode |= ModeCreateAlways
		} else if dj.obj.attr&(amRDO|amDIR) != 0 {
			fr = Denied
		} else if mode&ModeCreateNew != 0 {
			fr = Exist
		}
		if fr == OK && mode&ModeCreateAlways != 0 {
			// Reset the entry to an empty archive file.
			ent := dj.ent()
			tm := fsys.fattime()
			putLE32(ent[dirCrtTime:], tm)
			putLE32(ent[dirModTime:], tm)
			cl := fsys.ldClust(ent)
			ent[dirAttr] = amARC
			fsys.stClust(ent, 0)
			putLE32(ent[dirFileSize:], 0)
			fsys.wflag = true
			if cl != 0 {
				sc := fsys.winsect
				if fr = fsys.removeChain(cl, 0); fr == OK {
					fr = fsys.moveWindow(sc)
					fsys.lastClst = cl - 1
				}
			}
		}
	} else if fr == OK {
		if dj.obj.attr&amDIR != 0 {
			fr = NoFile
		} else if mode&ModeWrite != 0 && dj.obj.attr&amRDO != 0 {
			fr = Denied
		}
	}
	if fr != OK {
		return fr
	}

	flag := uint8(mode)
	if mode&ModeCreateAlways != 0 {
		flag |= faModified
	}
	ent := dj.ent()
	*fp = File{
		obj: objid{
			fs:      fsys,
			id:      fsys.id,
			attr:    ent[dirAttr] & amMASK,
			sclust:  fsys.ldClust(ent),
			objsize: int64(le32(ent[dirFileSize:])),
		},
		flag:    flag,
		dirSect: fsys.winsect,
		dirOff:  dj.off,
		buf:     fp.buf,
	}
	if len(fp.buf) != int(fsys.ssize) {
		fp.buf = make([]byte, fsys.ssize)
	}
	if mode&faSeekEnd != 0 && fp.obj.objsize > 0 {
		if fr := fp.lseek(fp.obj.objsize); fr != OK {
			fp.obj.fs = nil
			return fr
		}
	}
	return nil
}

func (fp *File) abort(fr Result) Result {
	fp.err = fr
	return fr
}

func (fp *File) check() Result {
	if fr := fp.obj.validate(); fr != OK {
		return fr
	}
	return fp.err
}

// flush writes the private sector buffer back if it is dirty.
func (fp *File) flush() Result {
	if fp.flag&faDirty == 0 {
		return OK
	}
	if fr := fp.obj.fs.diskWrite(fp.buf, fp.sect); fr != OK {
		return fr
	}
	fp.flag &^= faDirty
	return OK
}

// Read reads up to len(buf) bytes from the File. It implements the [io.Reader]
// interface.
func (fp *File) Read(buf []byte) (int, error) {
	if fr := fp.check(); fr != OK {
		return 0, fr
	}
	if fp.flag&faRead == 0 {
		return 0, Denied
	}
	fsys := fp.obj.fs
	ss := int64(fsys.ssize)
	remain := fp.obj.objsize - fp.fptr
	btr := int64(len(buf))
	if btr > remain {
		btr = remain
	}
	if btr <= 0 {
		return 0, io.EOF
	}
	br := 0
	for btr > 0 {
		if fp.fptr%ss == 0 {
			csect := uint32(fp.fptr/ss) & (fsys.csize - 1)
			if csect == 0 {
				var clst uint32
				if fp.fptr == 0 {
					clst = fp.obj.sclust
				} else {
					clst = fsys.getFAT(fp.clust)
				}
				if clst < 2 {
					return br, fp.abort(IntErr)
				}
				if clst == 0xffffffff {
					return br, fp.abort(DiskErr)
				}
				fp.clust = clst
			}
			sect := fsys.clst2sect(fp.clust)
			if sect == 0 {
				return br, fp.abort(IntErr)
			}
			sect += lba(csect)
			if fp.sect != sect {
				if fr := fp.flush(); fr != OK {
					return br, fp.abort(fr)
				}
				if fr := fsys.diskRead(fp.buf, sect); fr != OK {
					return br, fp.abort(fr)
				}
			}
			fp.sect = sect
		}
		n := copy(buf[br:br+int(min(btr, ss-fp.fptr%ss))], fp.buf[fp.fptr%ss:])
		br += n
		btr -= int64(n)
		fp.fptr += int64(n)
	}
	return br, nil
}

// Write writes buf to the File. It implements the [io.Writer] interface. When
// the volume fills up, Write returns the number of bytes stored so far and a
// nil error, like FatFs does; callers must check the count.
func (fp *File) Write(buf []byte) (int, error) {
	if fr := fp.check(); fr != OK {
		return 0, fr
	}
	if fp.flag&faWrite == 0 {
		return 0, Denied
	}
	fsys := fp.obj.fs
	ss := int64(fsys.ssize)
	btw := int64(len(buf))
	if fp.fptr+btw > 0xffffffff {
		btw = 0xffffffff - fp.fptr
	}
	bw := 0
	for btw > 0 {
		if fp.fptr%ss == 0 {
			csect := uint32(fp.fptr/ss) & (fsys.csize - 1)
			if csect == 0 {
				var clst uint32
				if fp.fptr == 0 {
					clst = fp.obj.sclust
					if clst == 0 {
						clst = fsys.createChain(0)
					}
				} else {
					clst = fsys.createChain(fp.clust)
				}
				if clst == 0 {
					break // volume full
				}
				if clst == 1 {
					return bw, fp.abort(IntErr)
				}
				if clst == 0xffffffff {
					return bw, fp.abort(DiskErr)
				}
				fp.clust = clst
				if fp.obj.sclust == 0 {
					fp.obj.sclust = clst
				}
			}
			if fr := fp.flush(); fr != OK {
				return bw, fp.abort(fr)
			}
			sect := fsys.clst2sect(fp.clust)
			if sect == 0 {
				return bw, fp.abort(IntErr)
			}
			sect += lba(csect)
			if fp.sect != sect && fp.fptr < fp.obj.objsize {
				if fr := fsys.diskRead(fp.buf, sect); fr != OK {
					return bw, fp.abort(fr)
				}
			}
			fp.sect = sect
		}
		n := copy(fp.buf[fp.fptr%ss:], buf[bw:bw+int(min(btw, ss-fp.fptr%ss))])
		fp.flag |= faDirty
		bw += n
		btw -= int64(n)
		fp.fptr += int64(n)
		if fp.fptr > fp.obj.objsize {
			fp.obj.objsize = fp.fptr
		}
	}
	fp.flag |= faModified
	return bw, nil
}

// Seek implements [io.Seeker]. Seeking past the end of a file opened for
// writing extends it.
func (fp *File) Seek(offset int64, whence int) (int64, error) {
	if fr := fp.check(); fr != OK {
		return 0, fr
	}
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += fp.fptr
	case io.SeekEnd:
		offset += fp.obj.objsize
	default:
		return 0, InvalidParameter
	}
	if offset < 0 || offset > 0xffffffff {
		return 0, InvalidParameter
	}
	if fr := fp.lseek(offset); fr != OK {
		return fp.fptr, fr
	}
	return fp.fptr, nil
}

func (fp *File) lseek(ofs int64) Result {
	fsys := fp.obj.fs
	if ofs > fp.obj.objsize && fp.flag&faWrite == 0 {
		ofs = fp.obj.objsize
	}
	ss := int64(fsys.ssize)
	ifptr := fp.fptr
	fp.fptr = 0
	var nsect lba
	if ofs > 0 {
		bcs := int64(fsys.csize) * ss
		var clst uint32
		if ifptr > 0 && (ofs-1)/bcs >= (ifptr-1)/bcs {
			// Seek forward from the current cluster.
			fp.fptr = (ifptr - 1) &^ (bcs - 1)
			ofs -= fp.fptr
			clst = fp.clust
		} else {
			clst = fp.obj.sclust
			if clst == 0 {
				clst = fsys.createChain(0)
				switch clst {
				case 1:
					return fp.abort(IntErr)
				case 0xffffffff:
					return fp.abort(DiskErr)
				}
				fp.obj.sclust = clst
			}
			fp.clust = clst
		}
		if clst != 0 {
			for ofs > bcs {
				ofs -= bcs
				fp.fptr += bcs
				if fp.flag&faWrite != 0 {
					clst = fsys.createChain(clst)
					if clst == 0 {
						ofs = 0
						break
					}
				} else {
					clst = fsys.getFAT(clst)
				}
				if clst == 0xffffffff {
					return fp.abort(DiskErr)
				}
				if clst <= 1 || clst >= fsys.nFatent {
					return fp.abort(IntErr)
				}
				fp.clust = clst
			}
			fp.fptr += ofs
			if ofs%ss != 0 {
				nsect = fsys.clst2sect(clst)
				if nsect == 0 {
					return fp.abort(IntErr)
				}
				nsect += lba(ofs / ss)
			}
		}
	}
	if fp.fptr > fp.obj.objsize {
		fp.obj.objsize = fp.fptr
		fp.flag |= faModified
	}
	if fp.fptr%ss != 0 && nsect != fp.sect {
		if fr := fp.flush(); fr != OK {
			return fp.abort(fr)
		}
		if fr := fsys.diskRead(fp.buf, nsect); fr != OK {
			return fp.abort(fr)
		}
		fp.sect = nsect
	}
	return OK
}

// Size returns the current file size.
func (fp *File) Size() int64 { return fp.obj.objsize }

// Sync commits the current contents of the file to the filesystem immediately.
func (fp *File) Sync() error {
	if fr := fp.check(); fr != OK {
		return fr
	}
	return fp.sync().err()
}

func (fp *File) sync() Result {
	if fp.flag&faModified == 0 {
		return OK
	}
	fsys := fp.obj.fs
	if fr := fp.flush(); fr != OK {
		return fr
	}
	if fr := fsys.moveWindow(fp.dirSect); fr != OK {
		return fr
	}
	ent := fsys.win[fp.dirOff : fp.dirOff+szDirE]
	ent[dirAttr] |= amARC
	fsys.stClust(ent, fp.obj.sclust)
	putLE32(ent[dirFileSize:], uint32(fp.obj.objsize))
	putLE32(ent[dirModTime:], fsys.fattime())
	putLE16(ent[dirLstAccDate:], 0)
	fsys.wflag = true
	if fr := fsys.sync(); fr != OK {
		return fr
	}
	fp.flag &^= faModified
	return OK
}

// Close closes the file and syncs any unwritten data to the underlying device.
func (fp *File) Close() error {
	if fr := fp.obj.validate(); fr != OK {
		return fr
	}
	fr := fp.err
	if fr == OK {
		fr = fp.sync()
	}
	fp.obj.fs = nil
	return fr.err()
}

// Mode returns the lowest 2 bits of the file's permission (read, write or both).
func (fp *File) Mode() Mode {
	return Mode(fp.flag & 3)
}

// Mkdir creates a directory. The parent must exist.
func (fsys *FS) Mkdir(path string) error {
	if fr := fsys.checkWritable(); fr != OK {
		return fr
	}
	dj := fsys.newDir()
	fr := dj.followPath(path)
	if fr == OK {
		if dj.fn[nsflag]&nsNONAME != 0 {
			return InvalidName
		}
		return Exist
	}
	if fr != NoFile {
		return fr
	}

	dcl := fsys.createChain(0)
	switch dcl {
	case 0:
		return Denied
	case 1:
		return IntErr
	case 0xffffffff:
		return DiskErr
	}
	tm := fsys.fattime()
	fr = fsys.dirClear(dcl)
	if fr == OK {
		// Dot entries; the window holds the first sector of the new cluster.
		ent := fsys.win[:szDirE]
		for i := range ent[:11] {
			ent[i] = ' '
		}
		ent[dirName] = '.'
		ent[dirAttr] = amDIR
		putLE32(ent[dirModTime:], tm)
		fsys.stClust(ent, dcl)
		dot2 := fsys.win[szDirE : 2*szDirE]
		copy(dot2, ent)
		dot2[dirName+1] = '.'
		pcl := dj.obj.sclust
		if fsys.fstype == fstypeFAT32 && pcl == fsys.dirbase {
			pcl = 0
		}
		fsys.stClust(dot2, pcl)
		fsys.wflag = true
		fr = dj.register()
	}
	if fr == OK {
		ent := dj.ent()
		putLE32(ent[dirModTime:], tm)
		fsys.stClust(ent, dcl)
		ent[dirAttr] = amDIR
		fsys.wflag = true
		fr = fsys.sync()
	} else {
		fsys.removeChain(dcl, 0)
	}
	return fr.err()
}

// Stat returns information about the named file or directory. The root
// directory itself cannot be stat'ed.
func (fsys *FS) Stat(path string) (FileInfo, error) {
	var fno FileInfo
	if fsys.fstype == fstypeUnknown {
		return fno, NotEnabled
	}
	dj := fsys.newDir()
	fr := dj.followPath(path)
	if fr == OK {
		if dj.fn[nsflag]&nsNONAME != 0 {
			return fno, InvalidName
		}
		dj.fileInfo(&fno)
	}
	return fno, fr.err()
}

// Remove deletes a file or an empty directory. Removing a directory that
// still has entries fails with Denied.
func (fsys *FS) Remove(path string) error {
	if fr := fsys.checkWritable(); fr != OK {
		return fr
	}
	dj := fsys.newDir()
	fr := dj.followPath(path)
	if fr == OK && dj.fn[nsflag]&nsNONAME != 0 {
		fr = InvalidName
	}
	if fr != OK {
		return fr
	}
	if dj.obj.attr&amRDO != 0 {
		return Denied
	}
	dclst := fsys.ldClust(dj.ent())
	if dj.obj.attr&amDIR != 0 {
		sdj := fsys.newDir()
		sdj.obj.sclust = dclst
		if fr = sdj.sdi(0); fr == OK {
			fr = sdj.read(false)
			switch fr {
			case OK:
				fr = Denied
			case NoFile:
				fr = OK
			}
		}
	}
	if fr == OK {
		fr = dj.remove()
		if fr == OK && dclst != 0 {
			fr = fsys.removeChain(dclst, 0)
		}
		if fr == OK {
			fr = fsys.sync()
		}
	}
	return fr.err()
}

// Chtime sets the modification time of the named entry.
func (fsys *FS) Chtime(path string, mtime time.Time) error {
	if fr := fsys.checkWritable(); fr != OK {
		return fr
	}
	dj := fsys.newDir()
	fr := dj.followPath(path)
	if fr == OK && dj.fn[nsflag]&nsNONAME != 0 {
		fr = InvalidName
	}
	if fr != OK {
		return fr
	}
	d, t := toDOSTime(mtime)
	ent := dj.ent()
	putLE16(ent[dirModTime:], t)
	putLE16(ent[dirModTime+2:], d)
	fsys.wflag = true
	return fsys.sync().err()
}

// OpenDir opens the named directory for reading.
func (fsys *FS) OpenDir(dp *Dir, path string) error {
	if dp == nil {
		return InvalidObject
	}
	if fsys.fstype == fstypeUnknown {
		return NotEnabled
	}
	dp.dir = fsys.newDir()
	fr := dp.followPath(path)
	if fr == OK && dp.fn[nsflag]&nsNONAME == 0 {
		if dp.obj.attr&amDIR != 0 {
			dp.obj.sclust = fsys.ldClust(dp.ent())
		} else {
			fr = NoPath
		}
	}
	if fr == OK {
		fr = dp.sdi(0)
	}
	if fr == NoFile {
		fr = NoPath
	}
	if fr != OK {
		dp.obj.fs = nil
	}
	return fr.err()
}

// ForEachFile calls the callback function for each file in the directory.
// The callback must not modify the directory.
func (dp *Dir) ForEachFile(callback func(*FileInfo) error) error {
	fr := dp.obj.validate()
	if fr != OK {
		return fr
	} else if dp.obj.fs.perm&ModeRead == 0 {
		return errForbiddenMode
	}

	fr = dp.sdi(0) // Rewind directory.
	if fr != OK {
		return fr
	}
	for {
		fr = dp.read(false)
		if fr == NoFile {
			return nil // End of directory.
		} else if fr != OK {
			return fr
		}
		dp.fileInfo(&dp.inlineInfo)
		if fr = dp.next(false); fr != OK && fr != NoFile {
			return fr
		}
		if err := callback(&dp.inlineInfo); err != nil {
			return err
		}
	}
}

// ReadDir lists the named directory in on-disk order.
func (fsys *FS) ReadDir(path string) ([]FileInfo, error) {
	var dp Dir
	if err := fsys.OpenDir(&dp, path); err != nil {
		return nil, err
	}
	var infos []FileInfo
	err := dp.ForEachFile(func(fi *FileInfo) error {
		infos = append(infos, *fi)
		return nil
	})
	return infos, err
}

// Label returns the volume label stored in the root directory.
func (fsys *FS) Label() (string, error) {
	if fsys.fstype == fstypeUnknown {
		return "", NotEnabled
	}
	dj := fsys.newDir()
	if fr := dj.sdi(0); fr != OK {
		return "", fr
	}
	switch fr := dj.read(true); fr {
	case OK:
		return string(trimSpaceRight(dj.ent()[:11])), nil
	case NoFile:
		return "", nil
	default:
		return "", fr
	}
}

func trimSpaceRight(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == ' ' {
		b = b[:len(b)-1]
	}
	return b
}
