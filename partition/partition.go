// Package partition reads and writes ESP-IDF style partition tables, both in
// their binary on-flash form and in the CSV form used by build systems.
package partition

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Type is the partition type byte.
type Type uint8

const (
	TypeApp  Type = 0x00
	TypeData Type = 0x01
	TypeAny  Type = 0xff
)

// SubType is the partition subtype byte. Its meaning depends on the Type.
type SubType uint8

// Data subtypes.
const (
	SubTypeDataOTA       SubType = 0x00
	SubTypeDataPHY       SubType = 0x01
	SubTypeDataNVS       SubType = 0x02
	SubTypeDataCoredump  SubType = 0x03
	SubTypeDataNVSKeys   SubType = 0x04
	SubTypeDataEfuse     SubType = 0x05
	SubTypeDataUndefined SubType = 0x06
	SubTypeDataESPHTTPD  SubType = 0x80
	SubTypeDataFAT       SubType = 0x81
	SubTypeDataSPIFFS    SubType = 0x82
	SubTypeDataLittleFS  SubType = 0x83
)

// App subtypes.
const (
	SubTypeAppFactory SubType = 0x00
	SubTypeAppOTA0    SubType = 0x10
	SubTypeAppTest    SubType = 0x20
)

// SubTypeAny matches every subtype in FindFirst.
const SubTypeAny SubType = 0xff

// Flags stored in the last word of an entry.
const (
	FlagEncrypted uint32 = 1 << 0
	FlagReadOnly  uint32 = 1 << 1
)

const (
	// DefaultTableOffset is where the bootloader expects the table.
	DefaultTableOffset = 0x8000
	// MaxTableSize is the space reserved for the binary table.
	MaxTableSize = 0xc00

	entrySize = 32
	labelLen  = 16

	appAlign  = 0x10000
	dataAlign = 0x1000
)

var (
	entryMagic = [2]byte{0xaa, 0x50}
	md5Magic   = [2]byte{0xeb, 0xeb}

	// ErrNotFound is returned by FindFirst when no entry matches.
	ErrNotFound = errors.New("partition not found")
)

// Entry is one row of the partition table.
type Entry struct {
	Label   string
	Type    Type
	SubType SubType
	Offset  uint32
	Size    uint32
	Flags   uint32
}

// End returns the first address after the partition.
func (e Entry) End() uint32 { return e.Offset + e.Size }

// TypeName returns the CSV name of the entry type.
func (e Entry) TypeName() string { return typeName(e.Type) }

// SubTypeName returns the CSV name of the entry subtype.
func (e Entry) SubTypeName() string { return subTypeName(e.Type, e.SubType) }

func (e Entry) String() string {
	return fmt.Sprintf("%s %s/%s @%#x size %#x", e.Label, typeName(e.Type), subTypeName(e.Type, e.SubType), e.Offset, e.Size)
}

// Table is an ordered list of partitions.
type Table struct {
	Entries []Entry
}

// Default returns the stock layout of a single factory app plus a FAT
// storage partition labelled "storage".
func Default() *Table {
	return &Table{Entries: []Entry{
		{Label: "nvs", Type: TypeData, SubType: SubTypeDataNVS, Offset: 0x9000, Size: 0x6000},
		{Label: "phy_init", Type: TypeData, SubType: SubTypeDataPHY, Offset: 0xf000, Size: 0x1000},
		{Label: "factory", Type: TypeApp, SubType: SubTypeAppFactory, Offset: 0x10000, Size: 0x100000},
		{Label: "storage", Type: TypeData, SubType: SubTypeDataFAT, Offset: 0x110000, Size: 0x100000},
	}}
}

// FindFirst returns the first entry matching typ, sub and label. TypeAny,
// SubTypeAny and an empty label act as wildcards.
func (t *Table) FindFirst(typ Type, sub SubType, label string) (Entry, error) {
	for _, e := range t.Entries {
		if typ != TypeAny && e.Type != typ {
			continue
		}
		if sub != SubTypeAny && e.SubType != sub {
			continue
		}
		if label != "" && e.Label != label {
			continue
		}
		return e, nil
	}
	return Entry{}, fmt.Errorf("%w: type=%s subtype=%s label=%q", ErrNotFound, typeName(typ), subTypeName(typ, sub), label)
}

// Validate rejects tables with misaligned, overlapping or duplicate entries.
// chipSize limits the end of the last partition when non-zero.
func (t *Table) Validate(chipSize int64) error {
	if len(t.Entries)*entrySize > MaxTableSize-entrySize {
		return fmt.Errorf("partition table has %d entries, too many", len(t.Entries))
	}
	labels := make(map[string]bool)
	for i, e := range t.Entries {
		if e.Label == "" {
			return fmt.Errorf("partition %d has no label", i)
		}
		if len(e.Label) > labelLen {
			return fmt.Errorf("partition %q: label longer than %d bytes", e.Label, labelLen)
		}
		if labels[e.Label] {
			return fmt.Errorf("partition %q: duplicate label", e.Label)
		}
		labels[e.Label] = true
		if e.Size == 0 {
			return fmt.Errorf("partition %q: zero size", e.Label)
		}
		align := uint32(dataAlign)
		if e.Type == TypeApp {
			align = appAlign
		}
		if e.Offset%align != 0 {
			return fmt.Errorf("partition %q: offset %#x not aligned to %#x", e.Label, e.Offset, align)
		}
		if e.Offset < DefaultTableOffset+dataAlign && DefaultTableOffset < e.End() {
			return fmt.Errorf("partition %q: overlaps the partition table", e.Label)
		}
		if chipSize > 0 && int64(e.End()) > chipSize {
			return fmt.Errorf("partition %q: ends at %#x beyond %#x byte chip", e.Label, e.End(), chipSize)
		}
		for _, o := range t.Entries[:i] {
			if e.Offset < o.End() && o.Offset < e.End() {
				return fmt.Errorf("partition %q overlaps %q", e.Label, o.Label)
			}
		}
	}
	return nil
}

// MarshalBinary encodes the table in the on-flash format, including the MD5
// checksum entry, padded with 0xFF to MaxTableSize.
func (t *Table) MarshalBinary() ([]byte, error) {
	if len(t.Entries)*entrySize > MaxTableSize-2*entrySize {
		return nil, fmt.Errorf("partition table has %d entries, too many", len(t.Entries))
	}
	buf := bytes.Repeat([]byte{0xff}, MaxTableSize)
	off := 0
	for _, e := range t.Entries {
		b := buf[off : off+entrySize]
		copy(b[0:2], entryMagic[:])
		b[2] = byte(e.Type)
		b[3] = byte(e.SubType)
		binary.LittleEndian.PutUint32(b[4:], e.Offset)
		binary.LittleEndian.PutUint32(b[8:], e.Size)
		label := b[12 : 12+labelLen]
		clear(label)
		copy(label, e.Label)
		binary.LittleEndian.PutUint32(b[28:], e.Flags)
		off += entrySize
	}
	sum := md5.Sum(buf[:off])
	b := buf[off : off+entrySize]
	copy(b[0:2], md5Magic[:])
	copy(b[16:], sum[:])
	return buf, nil
}

// ParseBinary decodes an on-flash table. A present MD5 entry is verified.
func ParseBinary(b []byte) (*Table, error) {
	t := &Table{}
	for off := 0; off+entrySize <= len(b); off += entrySize {
		e := b[off : off+entrySize]
		switch {
		case e[0] == entryMagic[0] && e[1] == entryMagic[1]:
			t.Entries = append(t.Entries, Entry{
				Type:    Type(e[2]),
				SubType: SubType(e[3]),
				Offset:  binary.LittleEndian.Uint32(e[4:]),
				Size:    binary.LittleEndian.Uint32(e[8:]),
				Label:   string(bytes.TrimRight(e[12:12+labelLen], "\x00")),
				Flags:   binary.LittleEndian.Uint32(e[28:]),
			})
		case e[0] == md5Magic[0] && e[1] == md5Magic[1]:
			sum := md5.Sum(b[:off])
			if !bytes.Equal(sum[:], e[16:]) {
				return nil, fmt.Errorf("partition table MD5 mismatch at offset %#x", off)
			}
		case e[0] == 0xff && e[1] == 0xff:
			if len(t.Entries) == 0 {
				return nil, errors.New("partition table is empty")
			}
			return t, nil
		default:
			return nil, fmt.Errorf("invalid partition table entry magic %#02x%02x at offset %#x", e[0], e[1], off)
		}
	}
	if len(t.Entries) == 0 {
		return nil, errors.New("partition table is empty")
	}
	return t, nil
}

// Load reads a table from path. Files starting with the binary entry magic
// are decoded as binary tables, everything else as CSV.
func Load(path string) (*Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(b) >= 2 && b[0] == entryMagic[0] && b[1] == entryMagic[1] {
		return ParseBinary(b)
	}
	return ParseCSV(bytes.NewReader(b), DefaultTableOffset)
}

// Flash is the subset of the emulated chip the table needs.
type Flash interface {
	Read(addr int64, dst []byte) error
	Write(addr int64, src []byte) error
	EraseRange(addr, size int64) error
}

// WriteTo stores the binary table in f at offset, the way the flashing tool
// would.
func (t *Table) WriteTo(f Flash, offset int64) error {
	b, err := t.MarshalBinary()
	if err != nil {
		return err
	}
	if err := f.EraseRange(offset, dataAlign); err != nil {
		return fmt.Errorf("erase partition table area: %w", err)
	}
	return f.Write(offset, b)
}

// Read loads the table stored in f at offset.
func Read(f Flash, offset int64) (*Table, error) {
	b := make([]byte, MaxTableSize)
	if err := f.Read(offset, b); err != nil {
		return nil, err
	}
	return ParseBinary(b)
}

var (
	typeNames = map[string]Type{
		"app":  TypeApp,
		"data": TypeData,
	}
	dataSubTypeNames = map[string]SubType{
		"ota":       SubTypeDataOTA,
		"phy":       SubTypeDataPHY,
		"nvs":       SubTypeDataNVS,
		"coredump":  SubTypeDataCoredump,
		"nvs_keys":  SubTypeDataNVSKeys,
		"efuse":     SubTypeDataEfuse,
		"undefined": SubTypeDataUndefined,
		"esphttpd":  SubTypeDataESPHTTPD,
		"fat":       SubTypeDataFAT,
		"spiffs":    SubTypeDataSPIFFS,
		"littlefs":  SubTypeDataLittleFS,
	}
)

func typeName(t Type) string {
	for name, v := range typeNames {
		if v == t {
			return name
		}
	}
	if t == TypeAny {
		return "any"
	}
	return fmt.Sprintf("%#02x", uint8(t))
}

func subTypeName(t Type, s SubType) string {
	if s == SubTypeAny {
		return "any"
	}
	switch t {
	case TypeData:
		for name, v := range dataSubTypeNames {
			if v == s {
				return name
			}
		}
	case TypeApp:
		switch {
		case s == SubTypeAppFactory:
			return "factory"
		case s == SubTypeAppTest:
			return "test"
		case s >= SubTypeAppOTA0 && s < SubTypeAppOTA0+16:
			return fmt.Sprintf("ota_%d", s-SubTypeAppOTA0)
		}
	}
	return fmt.Sprintf("%#02x", uint8(s))
}

// ParseType accepts "app", "data" or a numeric type.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if t, ok := typeNames[s]; ok {
		return t, nil
	}
	n, err := parseUint(s, 0xfe)
	if err != nil {
		return 0, fmt.Errorf("invalid partition type %q", s)
	}
	return Type(n), nil
}

// ParseSubType accepts the ESP-IDF subtype names valid for t or a number.
func ParseSubType(t Type, s string) (SubType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch t {
	case TypeData:
		if st, ok := dataSubTypeNames[s]; ok {
			return st, nil
		}
	case TypeApp:
		switch {
		case s == "factory":
			return SubTypeAppFactory, nil
		case s == "test":
			return SubTypeAppTest, nil
		case strings.HasPrefix(s, "ota_"):
			n, err := parseUint(strings.TrimPrefix(s, "ota_"), 15)
			if err == nil {
				return SubTypeAppOTA0 + SubType(n), nil
			}
		}
	}
	n, err := parseUint(s, 0xfe)
	if err != nil {
		return 0, fmt.Errorf("invalid subtype %q for type %s", s, typeName(t))
	}
	return SubType(n), nil
}
