package fatfs

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Short names are stored in the OEM code page.
var oemCodePage = charmap.CodePage437

// lfnOffsets are the byte offsets of the 13 UTF-16 characters stored in one
// long name entry.
var lfnOffsets = [13]uint32{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}

func isSep(c byte) bool { return c == '/' || c == '\\' }

func isUpper(c uint16) bool { return 'A' <= c && c <= 'Z' }
func isLower(c uint16) bool { return 'a' <= c && c <= 'z' }

// createName parses the next segment of path into dp.fn and dp.lfn and
// returns the rest of the path.
func (dp *dir) createName(path string) (string, Result) {
	// Split off the segment.
	i := 0
	for i < len(path) && !isSep(path[i]) {
		i++
	}
	seg, rest := path[:i], path[i:]
	for len(rest) > 0 && isSep(rest[0]) {
		rest = rest[1:]
	}

	if !utf8.ValidString(seg) {
		return rest, InvalidName
	}
	lfn := utf16.Encode([]rune(seg))
	for _, wc := range lfn {
		if wc < ' ' || wc == 0x7f || strings.ContainsRune("\"*:<>?|", rune(wc)) {
			return rest, InvalidName
		}
	}
	var cf byte
	if rest == "" {
		cf = nsLAST
	}

	// Strip trailing spaces and dots.
	di := len(lfn)
	for di > 0 && (lfn[di-1] == ' ' || lfn[di-1] == '.') {
		di--
	}
	if di == 0 {
		return rest, InvalidName
	}
	lfn = lfn[:di]
	if len(lfn) > lfnBufSize {
		return rest, InvalidName
	}
	dp.lfn = lfn

	// Create the short name.
	for k := range dp.fn[:11] {
		dp.fn[k] = ' '
	}
	si := 0
	for si < len(lfn) && lfn[si] == ' ' {
		si++
	}
	if si > 0 || lfn[si] == '.' {
		cf |= nsLOSS | nsLFN
	}
	// di is the index after the last dot, 0 if there is none.
	for di > 0 && lfn[di-1] != '.' {
		di--
	}

	var b byte
	k, ni := 0, 8
	for {
		if si >= len(lfn) {
			break
		}
		wc := lfn[si]
		si++
		if wc == ' ' || (wc == '.' && si != di) {
			cf |= nsLOSS | nsLFN
			continue
		}
		if k >= ni || si == di {
			if ni == 11 {
				cf |= nsLOSS | nsLFN
				break
			}
			if si != di {
				cf |= nsLOSS | nsLFN
			}
			if si > di {
				break
			}
			si = di
			k = 8
			ni = 11
			b <<= 2
			continue
		}

		var c byte
		switch {
		case wc >= 0x80:
			cf |= nsLFN
			r := unicode.ToUpper(rune(wc))
			if e, ok := oemCodePage.EncodeRune(r); ok {
				c = e
			}
			if c == 0 {
				c = '_'
				cf |= nsLOSS | nsLFN
			}
		case strings.ContainsRune("+,;=[]", rune(wc)):
			c = '_'
			cf |= nsLOSS | nsLFN
		default:
			if isUpper(wc) {
				b |= 2
			}
			if isLower(wc) {
				b |= 1
				wc -= 0x20
			}
			c = byte(wc)
		}
		dp.fn[k] = c
		k++
	}
	if dp.fn[0] == ddem {
		dp.fn[0] = rddem
	}
	if ni == 8 {
		b <<= 2
	}
	if b&0x0c == 0x0c || b&0x03 == 0x03 {
		cf |= nsLFN
	}
	if cf&nsLOSS == 0 {
		if b&0x01 != 0 {
			cf |= nsEXT
		}
		if b&0x04 != 0 {
			cf |= nsBODY
		}
	}
	if dp.obj.fs.opts.NoLongNames {
		if cf&nsLOSS != 0 {
			return rest, InvalidName
		}
		cf &^= nsLFN | nsBODY | nsEXT
		cf |= nsNOLFN
	}
	dp.fn[nsflag] = cf
	return rest, OK
}

// genNumname builds a short name with a numeric tail ("NAME~N") from src.
func genNumname(dst *[12]byte, src *[12]byte, lfn []uint16, seq uint32) {
	copy(dst[:11], src[:11])
	if seq > 5 {
		// Hash the long name into the tail so repeated collisions stay short.
		sreg := seq
		for _, wc := range lfn {
			for range 16 {
				sreg = sreg<<1 + uint32(wc&1)
				wc >>= 1
				if sreg&0x10000 != 0 {
					sreg ^= 0x11021
				}
			}
		}
		seq = sreg
	}

	var ns [8]byte
	i := 7
	for {
		c := byte(seq%16) + '0'
		seq /= 16
		if c > '9' {
			c += 7
		}
		ns[i] = c
		i--
		if i == 0 || seq == 0 {
			break
		}
	}
	ns[i] = '~'

	j := 0
	for j < i && dst[j] != ' ' {
		j++
	}
	for j < 8 {
		if i < 8 {
			dst[j] = ns[i]
			i++
		} else {
			dst[j] = ' '
		}
		j++
	}
}

// sumSFN is the checksum long name entries carry of their short name.
func sumSFN(sfn []byte) byte {
	var sum byte
	for _, c := range sfn[:11] {
		sum = sum>>1 + sum<<7 + c
	}
	return sum
}

// pickLFN copies the characters of one long name entry into lfnbuf. It
// reports false if the entry is malformed.
func pickLFN(lfnbuf []uint16, ent []byte) bool {
	if le16(ent[ldirFstClusLO:]) != 0 {
		return false
	}
	i := int(ent[ldirOrd]&^llef-1) * 13
	wc := uint16(1)
	for _, off := range lfnOffsets {
		uc := le16(ent[off:])
		if wc != 0 {
			if i >= lfnBufSize+1 {
				return false
			}
			wc = uc
			lfnbuf[i] = wc
			i++
		} else if uc != 0xffff {
			return false
		}
	}
	if ent[ldirOrd]&llef != 0 && wc != 0 {
		if i >= lfnBufSize+1 {
			return false
		}
		lfnbuf[i] = 0
	}
	return true
}

// putLFN fills ent with part ord of the long name.
func putLFN(lfn []uint16, ent []byte, ord byte, sum byte) {
	ent[ldirChksum] = sum
	ent[ldirAttr] = amLFN
	ent[ldirType] = 0
	putLE16(ent[ldirFstClusLO:], 0)

	at := func(i int) uint16 {
		if i < len(lfn) {
			return lfn[i]
		}
		return 0
	}
	i := int(ord-1) * 13
	wc := uint16(0)
	for _, off := range lfnOffsets {
		if wc != 0xffff {
			wc = at(i)
			i++
		}
		putLE16(ent[off:], wc)
		if wc == 0 {
			wc = 0xffff
		}
	}
	if wc == 0xffff || at(i) == 0 {
		ord |= llef
	}
	ent[ldirOrd] = ord
}

func lfnString(buf []uint16) string {
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(utf16.Decode(buf[:n]))
}

// sfnString formats an 8.3 name. If lower is set, the body and extension are
// lowercased according to the NT case flags in ntres.
func sfnString(sfn []byte, ntres byte, lower bool) string {
	var sb strings.Builder
	put := func(c byte, low bool) {
		if c == rddem {
			c = ddem
		}
		if low && 'A' <= c && c <= 'Z' {
			c += 0x20
		}
		if c < 0x80 {
			sb.WriteByte(c)
		} else {
			sb.WriteRune(oemCodePage.DecodeByte(c))
		}
	}
	for i := 0; i < 8 && sfn[i] != ' '; i++ {
		put(sfn[i], lower && ntres&nsBODY != 0)
	}
	if sfn[8] != ' ' {
		sb.WriteByte('.')
		for i := 8; i < 11 && sfn[i] != ' '; i++ {
			put(sfn[i], lower && ntres&nsEXT != 0)
		}
	}
	return sb.String()
}

// equalFoldLFN compares two long names case-insensitively.
func equalFoldLFN(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] == b[i] {
			continue
		}
		if unicode.ToUpper(rune(a[i])) != unicode.ToUpper(rune(b[i])) {
			return false
		}
	}
	return true
}

// toDOSTime encodes t in the FAT date and time format. Times before 1980
// are clamped to 1980-01-01.
func toDOSTime(t time.Time) (date, tm uint16) {
	if t.Year() < 1980 {
		return 0x21, 0
	}
	if t.Year() > 2107 {
		t = time.Date(2107, 12, 31, 23, 59, 58, 0, t.Location())
	}
	date = uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	tm = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	return date, tm
}

func fromDOSTime(date, tm uint16) time.Time {
	// https://www.win.tue.nl/~aeb/linux/fs/fat/fat-1.html
	hour := int(tm >> 11)
	min := int((tm >> 5) & 0x3f)
	doubleSeconds := int(tm & 0x1f)
	yearSince1980 := int(date >> 9)
	month := int((date >> 5) & 0xf)
	day := int(date & 0x1f)
	return time.Date(yearSince1980+1980, time.Month(month), day, hour, min, 2*doubleSeconds, 0, time.UTC)
}

func (fsys *FS) now() time.Time {
	if fsys.opts.Now != nil {
		return fsys.opts.Now()
	}
	return time.Now()
}

// fattime returns the current time packed as FatFs does: date in the upper
// 16 bits, time in the lower.
func (fsys *FS) fattime() uint32 {
	d, t := toDOSTime(fsys.now())
	return uint32(d)<<16 | uint32(t)
}
