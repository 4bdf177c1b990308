package partition

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"mkfatimg/flash"
)

const defaultCSV = `# ESP-IDF Partition Table
# Name,   Type, SubType, Offset,  Size, Flags
nvs,      data, nvs,     0x9000,  0x6000,
phy_init, data, phy,     0xf000,  0x1000,
factory,  app,  factory, 0x10000, 1M,
storage,  data, fat,     ,        1M,
`

func TestParseCSV(t *testing.T) {
	t.Parallel()
	got, err := ParseCSV(strings.NewReader(defaultCSV), DefaultTableOffset)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), got); diff != "" {
		t.Errorf("ParseCSV: unexpected table (-want +got):\n%s", diff)
	}
}

func TestParseCSVAutoOffsets(t *testing.T) {
	t.Parallel()
	const in = `
nvs,     data, nvs,     , 24K,
otadata, data, ota,     , 8K,
ota_0,   app,  ota_0,   , 1M,
ota_1,   app,  ota_1,   , 1M,
keys,    data, nvs_keys,, 4K, encrypted
custom,  0x40, 0x01,    , 0x2000, encrypted:readonly
`
	got, err := ParseCSV(strings.NewReader(in), DefaultTableOffset)
	if err != nil {
		t.Fatal(err)
	}
	want := &Table{Entries: []Entry{
		{Label: "nvs", Type: TypeData, SubType: SubTypeDataNVS, Offset: 0x9000, Size: 0x6000},
		{Label: "otadata", Type: TypeData, SubType: SubTypeDataOTA, Offset: 0xf000, Size: 0x2000},
		{Label: "ota_0", Type: TypeApp, SubType: SubTypeAppOTA0, Offset: 0x20000, Size: 0x100000},
		{Label: "ota_1", Type: TypeApp, SubType: SubTypeAppOTA0 + 1, Offset: 0x120000, Size: 0x100000},
		{Label: "keys", Type: TypeData, SubType: SubTypeDataNVSKeys, Offset: 0x220000, Size: 0x1000, Flags: FlagEncrypted},
		{Label: "custom", Type: 0x40, SubType: 0x01, Offset: 0x221000, Size: 0x2000, Flags: FlagEncrypted | FlagReadOnly},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseCSV: unexpected table (-want +got):\n%s", diff)
	}
}

func TestParseCSVErrors(t *testing.T) {
	t.Parallel()
	for _, in := range []string{
		"",
		"# only comments\n",
		"nvs, data, nvs, 0x9000\n",
		"nvs, bogus, nvs, 0x9000, 0x6000\n",
		"nvs, data, bogus, 0x9000, 0x6000\n",
		"nvs, data, nvs, 0x9000, 0\n",
		"nvs, data, nvs, 0x9000, 0x6000, shiny\n",
	} {
		if _, err := ParseCSV(strings.NewReader(in), DefaultTableOffset); err == nil {
			t.Errorf("ParseCSV(%q) succeeded unexpectedly", in)
		}
	}
}

func TestCSVRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := Default().MarshalCSV(&buf); err != nil {
		t.Fatal(err)
	}
	got, err := ParseCSV(&buf, DefaultTableOffset)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), got); diff != "" {
		t.Errorf("CSV round trip (-want +got):\n%s", diff)
	}
}

func TestBinary(t *testing.T) {
	t.Parallel()
	b, err := Default().MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != MaxTableSize {
		t.Fatalf("MarshalBinary returned %d bytes, want %d", len(b), MaxTableSize)
	}
	if b[0] != 0xaa || b[1] != 0x50 {
		t.Errorf("first entry magic = %#x %#x", b[0], b[1])
	}
	if md5 := b[4*entrySize:]; md5[0] != 0xeb || md5[1] != 0xeb {
		t.Errorf("MD5 entry magic = %#x %#x", md5[0], md5[1])
	}
	got, err := ParseBinary(b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), got); diff != "" {
		t.Errorf("binary round trip (-want +got):\n%s", diff)
	}

	b[12] = 'N' // corrupt the first label
	if _, err := ParseBinary(b); err == nil || !strings.Contains(err.Error(), "MD5") {
		t.Errorf("ParseBinary of a corrupted table = %v, want MD5 mismatch", err)
	}
}

func TestFlashRoundTrip(t *testing.T) {
	t.Parallel()
	chip, err := flash.New(flash.Config{ChipSize: 4 << 20, BlockSize: 64 << 10, SectorSize: 4 << 10, PageSize: 256})
	if err != nil {
		t.Fatal(err)
	}
	if err := Default().WriteTo(chip, DefaultTableOffset); err != nil {
		t.Fatal(err)
	}
	got, err := Read(chip, DefaultTableOffset)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), got); diff != "" {
		t.Errorf("table read from flash (-want +got):\n%s", diff)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "partitions.csv")
	if err := os.WriteFile(csvPath, []byte(defaultCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	bin, err := Default().MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	binPath := filepath.Join(dir, "partitions.bin")
	if err := os.WriteFile(binPath, bin, 0o644); err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{csvPath, binPath} {
		got, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%s): %v", path, err)
		}
		if diff := cmp.Diff(Default(), got); diff != "" {
			t.Errorf("Load(%s) (-want +got):\n%s", path, diff)
		}
	}
	if _, err := Load(filepath.Join(dir, "missing.csv")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load(missing) = %v, want os.ErrNotExist", err)
	}
}

func TestFindFirst(t *testing.T) {
	t.Parallel()
	tbl := Default()
	for _, tt := range []struct {
		typ   Type
		sub   SubType
		label string
		want  string
	}{
		{TypeData, SubTypeDataFAT, "storage", "storage"},
		{TypeData, SubTypeDataFAT, "", "storage"},
		{TypeData, SubTypeAny, "", "nvs"},
		{TypeAny, SubTypeAny, "factory", "factory"},
		{TypeApp, SubTypeAny, "", "factory"},
	} {
		e, err := tbl.FindFirst(tt.typ, tt.sub, tt.label)
		if err != nil {
			t.Errorf("FindFirst(%v, %v, %q): %v", tt.typ, tt.sub, tt.label, err)
			continue
		}
		if e.Label != tt.want {
			t.Errorf("FindFirst(%v, %v, %q) = %q, want %q", tt.typ, tt.sub, tt.label, e.Label, tt.want)
		}
	}
	if _, err := tbl.FindFirst(TypeData, SubTypeDataFAT, "ffat"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindFirst(missing label) = %v, want ErrNotFound", err)
	}
	if _, err := tbl.FindFirst(TypeData, SubTypeDataSPIFFS, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindFirst(missing subtype) = %v, want ErrNotFound", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := Default().Validate(4 << 20); err != nil {
		t.Errorf("Validate(Default) = %v", err)
	}
	if err := Default().Validate(2 << 20); err == nil {
		t.Errorf("Validate on a 2MB chip succeeded, storage ends at 0x210000")
	}
	for name, mutate := range map[string]func(*Table){
		"duplicate label": func(t *Table) { t.Entries[1].Label = "nvs" },
		"empty label":     func(t *Table) { t.Entries[0].Label = "" },
		"long label":      func(t *Table) { t.Entries[0].Label = "a_label_that_is_too_long" },
		"zero size":       func(t *Table) { t.Entries[1].Size = 0 },
		"misaligned app":  func(t *Table) { t.Entries[2].Offset = 0x11000 },
		"overlap":         func(t *Table) { t.Entries[3].Offset = 0x100000 },
		"over the table":  func(t *Table) { t.Entries[0].Offset = 0x8000 },
	} {
		tbl := Default()
		mutate(tbl)
		if err := tbl.Validate(4 << 20); err == nil {
			t.Errorf("%s: Validate succeeded unexpectedly", name)
		}
	}
}
