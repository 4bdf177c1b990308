package fatfs

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// FATType selects the FAT variant created by Format.
type FATType uint8

const (
	// FormatAny picks FAT12 or FAT16 by volume size, FAT32 for very large
	// volumes.
	FormatAny FATType = iota
	FormatFAT12
	FormatFAT16
	FormatFAT32
)

func (f FATType) String() string {
	switch f {
	case FormatAny:
		return "any"
	case FormatFAT12:
		return "fat12"
	case FormatFAT16:
		return "fat16"
	case FormatFAT32:
		return "fat32"
	}
	return fmt.Sprintf("FATType(%d)", uint8(f))
}

// ParseFATType accepts "any", "fat12", "fat16" or "fat32".
func ParseFATType(s string) (FATType, error) {
	switch strings.ToLower(s) {
	case "any", "":
		return FormatAny, nil
	case "fat12":
		return FormatFAT12, nil
	case "fat16":
		return FormatFAT16, nil
	case "fat32":
		return FormatFAT32, nil
	}
	return 0, fmt.Errorf("unknown FAT type %q", s)
}

// FormatConfig holds the parameters of Format. The zero value formats with
// FatFs defaults.
type FormatConfig struct {
	Type FATType
	// Label is written to the boot sector and as a root directory entry.
	Label string
	OEM   string
	// ClusterSize in bytes; 0 selects it from the volume size.
	ClusterSize int
	// NumFATs is 1 or 2; 0 means 1.
	NumFATs int
	// RootEntries for FAT12/16; 0 means 512.
	RootEntries int
	// SFD formats the whole device as a super-floppy volume. Otherwise the
	// first MBR partition is formatted and must exist.
	SFD      bool
	VolumeID uint32
	// Time stamps the volume label entry.
	Time time.Time
}

const (
	defaultOEM  = "MSDOS5.0"
	noName      = "NO NAME"
	media       = 0xf8
	nSecTrack   = 63
	nHeads      = 255
	fat32Backup = 6
)

// geom is the BIOS parameter block of a new volume.
type geom struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntries       uint16
	TotalSectors16    uint16
	Media             uint8
	SectorsPerFAT16   uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
	SectorsPerFAT32   uint32
	RootCluster       uint32
	FSInfoSector      uint16
	BackupBootSector  uint16
}

// layout is the result of sizing a volume.
type layout struct {
	fstype fstype
	csize  uint32 // sectors per cluster
	szRsv  uint32
	szFAT  uint32 // sectors per FAT
	szDir  uint32 // root directory sectors (FAT12/16)
	nClst  uint32
}

// computeLayout sizes a volume of szVol sectors the way FatFs f_mkfs does:
// cluster size from a table indexed by volume size, then adjusted until the
// cluster count is valid for the FAT type.
func computeLayout(f FATType, szVol, ss, nFAT, nRoot, au uint32) (layout, error) {
	var (
		cst   = []uint32{1, 4, 16, 64, 256, 512, 0} // FAT12/16, in 4K sectors
		cst32 = []uint32{1, 2, 4, 8, 16, 32, 0}     // FAT32, in 128K sectors
	)
	allowFAT := f != FormatFAT32
	allowFAT32 := f == FormatAny || f == FormatFAT32

	var l layout
	if allowFAT32 && (!allowFAT || szVol >= 0x4000000) {
		l.fstype = fstypeFAT32
	} else {
		l.fstype = fstypeFAT16
	}

	szAU := au
	for {
		pau := szAU
		if l.fstype == fstypeFAT32 {
			if pau == 0 {
				n := szVol / 0x20000
				pau = 1
				for i := 0; cst32[i] != 0 && cst32[i] <= n; i++ {
					pau <<= 1
				}
			}
			l.nClst = szVol / pau
			l.szFAT = (l.nClst*4 + 8 + ss - 1) / ss
			l.szRsv = 32
			l.szDir = 0
			if l.nClst <= maxFAT16 || l.nClst > maxFAT32 {
				return l, fmt.Errorf("%w: %d clusters do not fit FAT32", MkfsAborted, l.nClst)
			}
		} else {
			if pau == 0 {
				n := szVol / 0x1000
				pau = 1
				for i := 0; cst[i] != 0 && cst[i] <= n; i++ {
					pau <<= 1
				}
			}
			l.nClst = szVol / pau
			var n uint32
			if l.nClst > maxFAT12 {
				n = l.nClst*2 + 4
			} else {
				l.fstype = fstypeFAT12
				n = (l.nClst*3+1)/2 + 3
			}
			l.szFAT = (n + ss - 1) / ss
			l.szRsv = 1
			l.szDir = nRoot * szDirE / ss
		}
		bData := l.szRsv + l.szFAT*nFAT + l.szDir
		if szVol < bData+pau*16 {
			return l, fmt.Errorf("%w: volume of %d sectors too small", MkfsAborted, szVol)
		}
		l.nClst = (szVol - bData) / pau
		l.csize = pau

		if l.fstype == fstypeFAT32 && l.nClst <= maxFAT16 {
			if szAU == 0 {
				if szAU = pau / 2; szAU != 0 {
					continue
				}
			}
			return l, fmt.Errorf("%w: too few clusters for FAT32", MkfsAborted)
		}
		if l.fstype == fstypeFAT16 {
			if l.nClst > maxFAT16 {
				if szAU == 0 && pau*2 <= 64 {
					szAU = pau * 2
					continue
				}
				if allowFAT32 {
					l.fstype = fstypeFAT32
					continue
				}
				if szAU == 0 {
					if szAU = pau * 128; szAU <= 128 {
						continue
					}
				}
				return l, fmt.Errorf("%w: too many clusters for FAT16", MkfsAborted)
			}
			if l.nClst <= maxFAT12 {
				if szAU == 0 {
					if szAU = pau * 2; szAU <= 128 {
						continue
					}
				}
				return l, fmt.Errorf("%w: too few clusters for FAT16", MkfsAborted)
			}
		}
		if l.fstype == fstypeFAT12 && l.nClst > maxFAT12 {
			return l, fmt.Errorf("%w: too many clusters for FAT12", MkfsAborted)
		}
		break
	}

	switch {
	case f == FormatFAT12 && l.fstype != fstypeFAT12,
		f == FormatFAT16 && l.fstype != fstypeFAT16:
		return l, fmt.Errorf("%w: volume of %d sectors formats as %s, not %s", MkfsAborted, szVol, l.fstype, f)
	}
	return l, nil
}

// Format creates a FAT volume on bd.
func Format(bd BlockDevice, cfg FormatConfig) error {
	ss := uint32(bd.BlockSize())
	if ss < minSectorSize || ss > maxSectorSize || ss&(ss-1) != 0 {
		return fmt.Errorf("%w: unsupported sector size %d", InvalidParameter, ss)
	}
	szDrv := uint32(bd.Size() / int64(ss))
	buf := make([]byte, ss)

	var bVol, szVol uint32
	if cfg.SFD {
		szVol = szDrv
	} else {
		if err := bd.ReadBlocks(buf, 0); err != nil {
			return fmt.Errorf("%w: read partition table: %v", DiskErr, err)
		}
		pte := buf[mbrTable:]
		if binary.LittleEndian.Uint16(buf[bs55AA:]) != 0xaa55 || pte[pteSystem] == 0 {
			return fmt.Errorf("%w: no partition 1 to format", MkfsAborted)
		}
		bVol = le32(pte[pteStLba:])
		szVol = le32(pte[pteSizLba:])
		if bVol == 0 || bVol+szVol > szDrv || bVol+szVol < bVol {
			return fmt.Errorf("%w: partition 1 out of range", MkfsAborted)
		}
	}
	if szVol < 128 {
		return fmt.Errorf("%w: volume of %d sectors too small", MkfsAborted, szVol)
	}

	nFAT := uint32(1)
	if cfg.NumFATs == 2 {
		nFAT = 2
	} else if cfg.NumFATs != 0 && cfg.NumFATs != 1 {
		return fmt.Errorf("%w: %d FATs", InvalidParameter, cfg.NumFATs)
	}
	nRoot := uint32(512)
	if cfg.RootEntries != 0 {
		nRoot = uint32(cfg.RootEntries)
		if nRoot > 32768 || nRoot%(ss/szDirE) != 0 {
			return fmt.Errorf("%w: %d root entries", InvalidParameter, cfg.RootEntries)
		}
	}
	var au uint32
	if cfg.ClusterSize != 0 {
		cs := uint32(cfg.ClusterSize)
		if cs%ss != 0 || (cs/ss)&(cs/ss-1) != 0 || cs/ss > 128 {
			return fmt.Errorf("%w: cluster size %d", InvalidParameter, cfg.ClusterSize)
		}
		au = cs / ss
	}

	l, err := computeLayout(cfg.Type, szVol, ss, nFAT, nRoot, au)
	if err != nil {
		return err
	}

	g := geom{
		BytesPerSector:    uint16(ss),
		SectorsPerCluster: uint8(l.csize),
		ReservedSectors:   uint16(l.szRsv),
		NumFATs:           uint8(nFAT),
		Media:             media,
		SectorsPerTrack:   nSecTrack,
		NumHeads:          nHeads,
		HiddenSectors:     bVol,
	}
	if szVol < 0x10000 {
		g.TotalSectors16 = uint16(szVol)
	} else {
		g.TotalSectors32 = szVol
	}
	label := volumeLabel(cfg.Label)
	oem := cfg.OEM
	if oem == "" {
		oem = defaultOEM
	}

	var boot []byte
	if l.fstype == fstypeFAT32 {
		g.SectorsPerFAT32 = l.szFAT
		g.RootCluster = 2
		g.FSInfoSector = 1
		g.BackupBootSector = fat32Backup
		boot = buildBootSector32(g, label, oem, cfg.VolumeID)
	} else {
		g.RootEntries = uint16(nRoot)
		g.SectorsPerFAT16 = uint16(l.szFAT)
		boot = buildBootSector1216(l.fstype, g, label, oem, cfg.VolumeID)
	}

	// Clear the system area and the FAT32 root directory cluster.
	bFAT := bVol + l.szRsv
	bData := bFAT + l.szFAT*nFAT + l.szDir
	clearEnd := bData
	if l.fstype == fstypeFAT32 {
		clearEnd += l.csize
	}
	if err := zeroSectors(bd, ss, bVol, clearEnd-bVol); err != nil {
		return err
	}

	if err := bd.WriteBlocks(boot, int64(bVol)); err != nil {
		return fmt.Errorf("%w: write boot sector: %v", DiskErr, err)
	}
	if l.fstype == fstypeFAT32 {
		fsi := buildFSInfo(l.nClst-1, 2, ss)
		for _, s := range []uint32{bVol + fat32Backup, bVol + fat32Backup + 1, bVol + 1} {
			b := boot
			if s != bVol+fat32Backup {
				b = fsi
			}
			if err := bd.WriteBlocks(b, int64(s)); err != nil {
				return fmt.Errorf("%w: write FAT32 reserved sector: %v", DiskErr, err)
			}
		}
	}

	clear(buf)
	switch l.fstype {
	case fstypeFAT32:
		initFAT32(buf)
	default:
		initFAT1216(l.fstype, buf)
	}
	for i := uint32(0); i < nFAT; i++ {
		if err := bd.WriteBlocks(buf, int64(bFAT+i*l.szFAT)); err != nil {
			return fmt.Errorf("%w: write FAT: %v", DiskErr, err)
		}
	}

	if cfg.Label != "" {
		clear(buf)
		copy(buf, buildRootLabelEntry(label, cfg.Time))
		root := bFAT + l.szFAT*nFAT
		if err := bd.WriteBlocks(buf, int64(root)); err != nil {
			return fmt.Errorf("%w: write volume label: %v", DiskErr, err)
		}
	}

	if !cfg.SFD {
		// Record the filesystem type in the partition table.
		if err := bd.ReadBlocks(buf, 0); err != nil {
			return fmt.Errorf("%w: read partition table: %v", DiskErr, err)
		}
		buf[mbrTable+pteSystem] = systemID(l.fstype, szVol)
		if err := bd.WriteBlocks(buf, 0); err != nil {
			return fmt.Errorf("%w: write partition table: %v", DiskErr, err)
		}
	}
	return nil
}

func systemID(t fstype, szVol uint32) byte {
	switch {
	case t == fstypeFAT32:
		return 0x0c
	case szVol >= 0x10000:
		return 0x06
	case t == fstypeFAT16:
		return 0x04
	}
	return 0x01
}

func zeroSectors(bd BlockDevice, ss, start, n uint32) error {
	const chunk = 16
	zero := make([]byte, ss*chunk)
	for n > 0 {
		c := min(n, chunk)
		if err := bd.WriteBlocks(zero[:c*ss], int64(start)); err != nil {
			return fmt.Errorf("%w: clear sectors: %v", DiskErr, err)
		}
		start += c
		n -= c
	}
	return nil
}

// Fdisk writes an MBR dividing bd into up to four primary partitions. Each
// element of sizes is a percentage of the device when <= 100, a sector count
// otherwise. The first partition starts at sector 63.
func Fdisk(bd BlockDevice, sizes []uint32) error {
	ss := uint32(bd.BlockSize())
	if ss < minSectorSize || ss > maxSectorSize || ss&(ss-1) != 0 {
		return fmt.Errorf("%w: unsupported sector size %d", InvalidParameter, ss)
	}
	szDrv := uint32(bd.Size() / int64(ss))
	nSc := uint32(nSecTrack)
	nHd := uint32(8)
	for ; nHd != 0 && szDrv/nHd/nSc > 1024; nHd *= 2 {
	}
	if nHd == 0 || nHd > 255 {
		nHd = 255
	}

	buf := make([]byte, ss)
	pte := buf[mbrTable:]
	sLba := nSc
	for i := 0; i < 4 && i < len(sizes) && sLba != 0 && sLba < szDrv; i++ {
		nLba := sizes[i]
		if nLba <= 100 {
			if nLba == 100 {
				nLba = szDrv
			} else {
				nLba = szDrv / 100 * nLba
			}
		}
		if sLba+nLba > szDrv || sLba+nLba < sLba {
			nLba = szDrv - sLba
		}
		if nLba == 0 {
			break
		}
		putLE32(pte[pteStLba:], sLba)
		putLE32(pte[pteSizLba:], nLba)
		pte[pteSystem] = 0x07
		chs(pte[1:4], sLba, nHd, nSc)
		chs(pte[5:8], sLba+nLba-1, nHd, nSc)
		pte = pte[szPTE:]
		sLba += nLba
	}
	putLE16(buf[bs55AA:], 0xaa55)
	if err := bd.WriteBlocks(buf, 0); err != nil {
		return fmt.Errorf("%w: write partition table: %v", DiskErr, err)
	}
	return nil
}

// chs stores the legacy cylinder/head/sector address of sector s.
func chs(b []byte, s, nHd, nSc uint32) {
	cy := s / nSc / nHd
	hd := s / nSc % nHd
	sc := s%nSc + 1
	b[0] = byte(hd)
	b[1] = byte(cy>>2&0xc0 | sc)
	b[2] = byte(cy)
}

func padRight(s string, n int) []byte {
	b := []byte(s)
	if len(b) > n {
		b = b[:n]
	}
	for len(b) < n {
		b = append(b, ' ')
	}
	return b
}

// volumeLabel uppercases label and maps it to the OEM code page.
func volumeLabel(label string) string {
	if label == "" {
		return noName
	}
	var sb strings.Builder
	for _, r := range strings.ToUpper(label) {
		if c, ok := oemCodePage.EncodeRune(r); ok && c >= ' ' && !strings.ContainsRune("\"*+,./:;<=>?[\\]|", r) {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

/* ===================== Boot/FAT builders ===================== */

// bootStub prints a message and waits for a key, like DOS formatted disks.
var bootStub = []byte{
	0x0e,             // push cs
	0x1f,             // pop ds
	0xbe, 0x00, 0x00, // mov si, message (patched)
	0xac,       // lodsb
	0x22, 0xc0, // and al, al
	0x74, 0x0b, // jz short 0x0B (halt)
	0x56,       // push si
	0xb4, 0x0e, // mov ah, 0x0E (teletype output)
	0xbb, 0x07, 0x00, // mov bx, 0x0007
	0xcd, 0x10, // int 0x10
	0x5e,       // pop si
	0xeb, 0xf0, // jmp short -16 (loop)
	0x32, 0xe4, // xor ah, ah
	0xcd, 0x16, // int 0x16 (wait for key)
	0xcd, 0x19, // int 0x19 (reboot)
	0xeb, 0xfe, // jmp short -2 (hang)
}

const bootMessage = "Non-system disk or disk error\r\nReplace and press any key when ready\r\n\x00"

func putBootCode(sec []byte, at int) {
	copy(sec[at:], bootStub)
	msg := at + len(bootStub)
	binary.LittleEndian.PutUint16(sec[at+3:], uint16(0x7c00+msg))
	copy(sec[msg:], bootMessage)
}

func putBPB(sec []byte, g geom, oem string) {
	copy(sec[bsOEMName:bsOEMName+8], padRight(oem, 8))
	binary.LittleEndian.PutUint16(sec[bpbBytsPerSec:], g.BytesPerSector)
	sec[bpbSecPerClus] = g.SectorsPerCluster
	binary.LittleEndian.PutUint16(sec[bpbRsvdSecCnt:], g.ReservedSectors)
	sec[bpbNumFATs] = g.NumFATs
	binary.LittleEndian.PutUint16(sec[bpbRootEntCnt:], g.RootEntries)
	binary.LittleEndian.PutUint16(sec[bpbTotSec16:], g.TotalSectors16)
	sec[bpbMedia] = g.Media
	binary.LittleEndian.PutUint16(sec[bpbFATSz16:], g.SectorsPerFAT16)
	binary.LittleEndian.PutUint16(sec[bpbSecPerTrk:], g.SectorsPerTrack)
	binary.LittleEndian.PutUint16(sec[bpbNumHeads:], g.NumHeads)
	binary.LittleEndian.PutUint32(sec[bpbHiddSec:], g.HiddenSectors)
	binary.LittleEndian.PutUint32(sec[bpbTotSec32:], g.TotalSectors32)
}

func buildBootSector1216(ft fstype, g geom, volLabel, oem string, volID uint32) []byte {
	sec := make([]byte, g.BytesPerSector)
	sec[0], sec[1], sec[2] = 0xeb, 0x3c, 0x90
	putBPB(sec, g, oem)
	sec[bsDrvNum], sec[bsDrvNum+1], sec[bsBootSig] = 0x80, 0x00, 0x29
	binary.LittleEndian.PutUint32(sec[bsVolID:], volID)
	copy(sec[bsVolLab:bsVolLab+11], padRight(volLabel, 11))
	if ft == fstypeFAT12 {
		copy(sec[bsFilSysType:bsFilSysType+8], "FAT12   ")
	} else {
		copy(sec[bsFilSysType:bsFilSysType+8], "FAT16   ")
	}
	putBootCode(sec, 62)
	sec[bs55AA], sec[bs55AA+1] = 0x55, 0xaa
	return sec
}

func buildBootSector32(g geom, volLabel, oem string, volID uint32) []byte {
	sec := make([]byte, g.BytesPerSector)
	sec[0], sec[1], sec[2] = 0xeb, 0x58, 0x90
	putBPB(sec, g, oem)
	binary.LittleEndian.PutUint32(sec[bpbFATSz32:], g.SectorsPerFAT32)
	binary.LittleEndian.PutUint16(sec[bpbExtFlags32:], 0)
	binary.LittleEndian.PutUint16(sec[bpbFSVer32:], 0)
	binary.LittleEndian.PutUint32(sec[bpbRootClus32:], g.RootCluster)
	binary.LittleEndian.PutUint16(sec[bpbFSInfo32:], g.FSInfoSector)
	binary.LittleEndian.PutUint16(sec[bpbBkBootSec32:], g.BackupBootSector)
	sec[bsDrvNum32], sec[bsDrvNum32+1], sec[bsBootSig32] = 0x80, 0x00, 0x29
	binary.LittleEndian.PutUint32(sec[bsVolID32:], volID)
	copy(sec[bsVolLab32:bsVolLab32+11], padRight(volLabel, 11))
	copy(sec[bsFilSysType32:bsFilSysType32+8], "FAT32   ")
	putBootCode(sec, 90)
	sec[bs55AA], sec[bs55AA+1] = 0x55, 0xaa
	return sec
}

func buildFSInfo(free, next, ss uint32) []byte {
	fs := make([]byte, ss)
	binary.LittleEndian.PutUint32(fs[fsiLeadSig:], 0x41615252)
	binary.LittleEndian.PutUint32(fs[fsiStrucSig:], 0x61417272)
	binary.LittleEndian.PutUint32(fs[fsiFreeCount:], free)
	binary.LittleEndian.PutUint32(fs[fsiNxtFree:], next)
	binary.LittleEndian.PutUint32(fs[508:], 0xaa550000)
	return fs
}

func buildRootLabelEntry(label string, t time.Time) []byte {
	e := make([]byte, szDirE)
	copy(e[0:11], padRight(label, 11))
	e[dirAttr] = amVOL
	if !t.IsZero() {
		d, tm := toDOSTime(t)
		binary.LittleEndian.PutUint16(e[dirModTime:], tm)
		binary.LittleEndian.PutUint16(e[dirModTime+2:], d)
	}
	return e
}

func initFAT1216(ft fstype, b []byte) {
	b[0] = media
	b[1] = 0xff
	b[2] = 0xff
	if ft == fstypeFAT16 {
		b[3] = 0xff
	}
}

func initFAT32(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], 0x0fffff00|media)
	binary.LittleEndian.PutUint32(b[4:], 0x0fffffff)
	binary.LittleEndian.PutUint32(b[8:], 0x0fffffff) // root directory
}
