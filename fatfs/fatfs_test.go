package fatfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// memDevice is a BlockDevice backed by a byte slice.
type memDevice struct {
	data []byte
	bs   int
}

func newMemDevice(blocks, blockSize int) *memDevice {
	return &memDevice{data: make([]byte, blocks*blockSize), bs: blockSize}
}

func (d *memDevice) span(n int, start int64) (int64, error) {
	if n%d.bs != 0 {
		return 0, fmt.Errorf("length %d not a multiple of %d", n, d.bs)
	}
	off := start * int64(d.bs)
	if start < 0 || off+int64(n) > int64(len(d.data)) {
		return 0, fmt.Errorf("blocks [%d, +%d) out of range", start, n/d.bs)
	}
	return off, nil
}

func (d *memDevice) ReadBlocks(dst []byte, start int64) error {
	off, err := d.span(len(dst), start)
	if err != nil {
		return err
	}
	copy(dst, d.data[off:])
	return nil
}

func (d *memDevice) WriteBlocks(data []byte, start int64) error {
	off, err := d.span(len(data), start)
	if err != nil {
		return err
	}
	copy(d.data[off:], data)
	return nil
}

func (d *memDevice) BlockSize() int { return d.bs }
func (d *memDevice) Size() int64    { return int64(len(d.data)) }

var testTime = time.Date(2024, 5, 17, 10, 30, 42, 0, time.UTC)

func mustFormat(t *testing.T, d *memDevice, cfg FormatConfig) *FS {
	t.Helper()
	if err := Format(d, cfg); err != nil {
		t.Fatalf("Format: %v", err)
	}
	var fsys FS
	opts := &MountOptions{Now: func() time.Time { return testTime }}
	if err := fsys.Mount(d, ModeRW, opts); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return &fsys
}

func writeFile(t *testing.T, fsys *FS, path string, data []byte) {
	t.Helper()
	var fp File
	if err := fsys.OpenFile(&fp, path, ModeCreateAlways|ModeRW); err != nil {
		t.Fatalf("OpenFile(%q): %v", path, err)
	}
	n, err := fp.Write(data)
	if err != nil || n != len(data) {
		t.Fatalf("Write(%q) = %d, %v; want %d, nil", path, n, err, len(data))
	}
	if err := fp.Close(); err != nil {
		t.Fatalf("Close(%q): %v", path, err)
	}
}

func readFile(t *testing.T, fsys *FS, path string) []byte {
	t.Helper()
	var fp File
	if err := fsys.OpenFile(&fp, path, ModeRead); err != nil {
		t.Fatalf("OpenFile(%q): %v", path, err)
	}
	defer fp.Close()
	b, err := io.ReadAll(&fp)
	if err != nil {
		t.Fatalf("ReadAll(%q): %v", path, err)
	}
	return b
}

func TestComputeLayout(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		name    string
		typ     FATType
		sectors uint32
		ss      uint32
		want    layout
		wantErr bool
	}{
		{
			name: "1MiB partition", typ: FormatAny, sectors: 250, ss: 4096,
			want: layout{fstype: fstypeFAT12, csize: 1, szRsv: 1, szFAT: 1, szDir: 4, nClst: 244},
		},
		{
			name: "retry with larger clusters", typ: FormatAny, sectors: 8192, ss: 512,
			want: layout{fstype: fstypeFAT12, csize: 4, szRsv: 1, szFAT: 7, szDir: 32, nClst: 2038},
		},
		{
			name: "32MiB", typ: FormatAny, sectors: 65536, ss: 512,
			want: layout{fstype: fstypeFAT16, csize: 8, szRsv: 1, szFAT: 33, szDir: 32, nClst: 8183},
		},
		{
			name: "forced FAT32", typ: FormatFAT32, sectors: 262144, ss: 512,
			want: layout{fstype: fstypeFAT32, csize: 2, szRsv: 32, szFAT: 1025, nClst: 130543},
		},
		{name: "FAT16 on a FAT12 volume", typ: FormatFAT16, sectors: 8192, ss: 512, wantErr: true},
		{name: "FAT32 on a small volume", typ: FormatFAT32, sectors: 8192, ss: 512, wantErr: true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := computeLayout(tt.typ, tt.sectors, tt.ss, 1, 512, 0)
			if tt.wantErr {
				if !errors.Is(err, MkfsAborted) {
					t.Fatalf("computeLayout: got err %v, want MkfsAborted", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(layout{})); diff != "" {
				t.Errorf("computeLayout: unexpected layout (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFdiskFormatMount(t *testing.T) {
	t.Parallel()
	d := newMemDevice(256, 4096)
	if err := Fdisk(d, []uint32{100, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	pte := d.data[mbrTable:]
	if got, want := le32(pte[pteStLba:]), uint32(63); got != want {
		t.Errorf("partition start = %d, want %d", got, want)
	}
	if got, want := le32(pte[pteSizLba:]), uint32(256-63); got != want {
		t.Errorf("partition size = %d, want %d", got, want)
	}
	if got := le32(d.data[mbrTable+szPTE+pteSizLba:]); got != 0 {
		t.Errorf("second partition size = %d, want 0", got)
	}

	fsys := mustFormat(t, d, FormatConfig{Label: "esp data", VolumeID: 0x1234abcd, Time: testTime})
	if got, want := d.data[mbrTable+pteSystem], byte(0x01); got != want {
		t.Errorf("MBR system ID = %#x, want %#x", got, want)
	}
	if got, want := fsys.Type(), "FAT12"; got != want {
		t.Errorf("Type = %q, want %q", got, want)
	}
	if got, want := fsys.Clusters(), uint32(187); got != want {
		t.Errorf("Clusters = %d, want %d", got, want)
	}
	boot := d.data[63*4096:]
	if got, want := le32(boot[bsVolID:]), uint32(0x1234abcd); got != want {
		t.Errorf("volume ID = %#x, want %#x", got, want)
	}
	label, err := fsys.Label()
	if err != nil {
		t.Fatal(err)
	}
	if want := "ESP DATA"; label != want {
		t.Errorf("Label = %q, want %q", label, want)
	}
	// The label entry is not listed.
	infos, err := fsys.ReadDir("/")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Errorf("ReadDir(/) on a fresh volume returned %d entries", len(infos))
	}
}

func TestFormatWithoutPartitionTable(t *testing.T) {
	t.Parallel()
	d := newMemDevice(256, 4096)
	err := Format(d, FormatConfig{})
	if !errors.Is(err, MkfsAborted) {
		t.Fatalf("Format without MBR: got %v, want MkfsAborted", err)
	}
	fsys := mustFormat(t, d, FormatConfig{SFD: true})
	if got, want := fsys.Clusters(), uint32(250); got != want {
		t.Errorf("Clusters = %d, want %d", got, want)
	}
}

func TestFAT32RoundTrip(t *testing.T) {
	t.Parallel()
	d := newMemDevice(140000, 512)
	fsys := mustFormat(t, d, FormatConfig{Type: FormatFAT32, SFD: true, Label: "BIG"})
	if got, want := fsys.Type(), "FAT32"; got != want {
		t.Fatalf("Type = %q, want %q", got, want)
	}
	if err := fsys.Mkdir("/sub"); err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte("fat32 "), 1000)
	writeFile(t, fsys, "/sub/data.bin", data)
	if err := fsys.Unmount(); err != nil {
		t.Fatal(err)
	}

	var again FS
	if err := again.Mount(d, ModeRead, nil); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, &again, "/sub/data.bin"); !bytes.Equal(got, data) {
		t.Errorf("read back %d bytes, want %d", len(got), len(data))
	}
	if label, _ := again.Label(); label != "BIG" {
		t.Errorf("Label = %q, want BIG", label)
	}
}

func TestFileRoundTrip(t *testing.T) {
	t.Parallel()
	d := newMemDevice(256, 4096)
	fsys := mustFormat(t, d, FormatConfig{SFD: true})

	small := []byte("hello, world\n")
	large := make([]byte, 3*4096+123)
	for i := range large {
		large[i] = byte(i * 7)
	}
	writeFile(t, fsys, "/hello.txt", small)
	if err := fsys.Mkdir("/www"); err != nil {
		t.Fatal(err)
	}
	if err := fsys.Mkdir("/www/css"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, fsys, "/www/css/site.css", large)
	writeFile(t, fsys, "/empty", nil)

	for path, want := range map[string][]byte{
		"/hello.txt":        small,
		"/www/css/site.css": large,
		"/empty":            {},
	} {
		if diff := cmp.Diff(want, readFile(t, fsys, path)); diff != "" {
			t.Errorf("%s: unexpected content (-want +got):\n%s", path, diff)
		}
	}

	fi, err := fsys.Stat("/www/css/site.css")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := fi.Size(), int64(len(large)); got != want {
		t.Errorf("Size = %d, want %d", got, want)
	}
	if got := fi.ModTime(); !got.Equal(testTime) {
		t.Errorf("ModTime = %v, want %v", got, testTime)
	}
	fi, err = fsys.Stat("/www")
	if err != nil {
		t.Fatal(err)
	}
	if !fi.IsDir() {
		t.Errorf("/www is not a directory")
	}

	// Overwriting truncates.
	writeFile(t, fsys, "/www/css/site.css", small)
	if diff := cmp.Diff(small, readFile(t, fsys, "/www/css/site.css")); diff != "" {
		t.Errorf("after overwrite (-want +got):\n%s", diff)
	}

	if _, err := fsys.Stat("/missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Stat(/missing) = %v, want fs.ErrNotExist", err)
	}
	if _, err := fsys.Stat("/missing/file"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Stat(/missing/file) = %v, want fs.ErrNotExist", err)
	}
	if err := fsys.Mkdir("/www"); !errors.Is(err, fs.ErrExist) {
		t.Errorf("Mkdir(/www) again = %v, want fs.ErrExist", err)
	}
}

func TestNames(t *testing.T) {
	t.Parallel()
	d := newMemDevice(256, 4096)
	fsys := mustFormat(t, d, FormatConfig{SFD: true})

	for _, name := range []string{
		"readme.md",
		"MAKEFILE",
		"Long File Name.txt",
		"Long File Name 2.txt",
		"index.html.gz",
		"café.txt",
	} {
		writeFile(t, fsys, "/"+name, []byte(name))
	}
	infos, err := fsys.ReadDir("/")
	if err != nil {
		t.Fatal(err)
	}
	type name struct{ Long, Short string }
	var got []name
	for _, fi := range infos {
		got = append(got, name{fi.Name(), fi.AlternateName()})
	}
	sort.Slice(got, func(i, j int) bool { return got[i].Long < got[j].Long })
	want := []name{
		{"Long File Name 2.txt", "LONGFI~2.TXT"},
		{"Long File Name.txt", "LONGFI~1.TXT"},
		{"MAKEFILE", "MAKEFILE"},
		{"café.txt", "CAFÉ.TXT"},
		{"index.html.gz", "INDEXH~1.GZ"},
		{"readme.md", "README.MD"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReadDir: unexpected names (-want +got):\n%s", diff)
	}

	// Lookups are case insensitive for both name kinds.
	for _, path := range []string{"/README.MD", "/long file name.TXT", "/LONGFI~1.TXT"} {
		if _, err := fsys.Stat(path); err != nil {
			t.Errorf("Stat(%q): %v", path, err)
		}
	}
	if err := fsys.Mkdir("/bad?name"); !errors.Is(err, fs.ErrInvalid) {
		t.Errorf("Mkdir(/bad?name) = %v, want fs.ErrInvalid", err)
	}
}

func TestInvalidUTF8Name(t *testing.T) {
	t.Parallel()
	d := newMemDevice(256, 4096)
	fsys := mustFormat(t, d, FormatConfig{SFD: true})

	for _, path := range []string{"/\xff\xfe.bin", "/dir\xc3/x.txt", "/caf\xe9.txt"} {
		var fp File
		err := fsys.OpenFile(&fp, path, ModeCreateAlways|ModeWrite)
		if code, _ := Code(err); code != InvalidName {
			t.Errorf("OpenFile(%q) = %v, want InvalidName", path, err)
		}
		if err := fsys.Mkdir(path); !errors.Is(err, fs.ErrInvalid) {
			t.Errorf("Mkdir(%q) = %v, want fs.ErrInvalid", path, err)
		}
	}
	infos, err := fsys.ReadDir("/")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Errorf("root has %d entries after rejected names", len(infos))
	}
}

func TestNoLongNames(t *testing.T) {
	t.Parallel()
	d := newMemDevice(256, 4096)
	if err := Format(d, FormatConfig{SFD: true}); err != nil {
		t.Fatal(err)
	}
	var fsys FS
	if err := fsys.Mount(d, ModeRW, &MountOptions{NoLongNames: true}); err != nil {
		t.Fatal(err)
	}
	var fp File
	err := fsys.OpenFile(&fp, "/Long File Name.txt", ModeCreateAlways|ModeWrite)
	if code, _ := Code(err); code != InvalidName {
		t.Errorf("OpenFile with a long name: got %v, want InvalidName", err)
	}
	writeFile(t, &fsys, "/config.ini", []byte("x=1"))
	fi, err := fsys.Stat("/config.ini")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := fi.Name(), "CONFIG.INI"; got != want {
		t.Errorf("Name = %q, want %q", got, want)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	d := newMemDevice(256, 4096)
	fsys := mustFormat(t, d, FormatConfig{SFD: true})
	free, err := fsys.Free()
	if err != nil {
		t.Fatal(err)
	}

	if err := fsys.Mkdir("/dir"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, fsys, "/dir/file.txt", bytes.Repeat([]byte{1}, 10000))

	if err := fsys.Remove("/dir"); !errors.Is(err, fs.ErrPermission) {
		t.Fatalf("Remove(non-empty dir) = %v, want fs.ErrPermission", err)
	}
	if err := fsys.Remove("/dir/file.txt"); err != nil {
		t.Fatal(err)
	}
	if err := fsys.Remove("/dir"); err != nil {
		t.Fatal(err)
	}
	if _, err := fsys.Stat("/dir"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Stat after Remove = %v, want fs.ErrNotExist", err)
	}
	if got, _ := fsys.Free(); got != free {
		t.Errorf("Free after removing everything = %d, want %d", got, free)
	}
	if err := fsys.Remove("/"); !errors.Is(err, fs.ErrInvalid) {
		t.Errorf("Remove(/) = %v, want fs.ErrInvalid", err)
	}
}

func TestWriteVolumeFull(t *testing.T) {
	t.Parallel()
	d := newMemDevice(256, 4096)
	fsys := mustFormat(t, d, FormatConfig{SFD: true})

	var fp File
	if err := fsys.OpenFile(&fp, "/big.bin", ModeCreateAlways|ModeRW); err != nil {
		t.Fatal(err)
	}
	data := make([]byte, 2<<20)
	n, err := fp.Write(data)
	if err != nil {
		t.Fatalf("Write on a full volume returned error %v", err)
	}
	if want := 250 * 4096; n != want {
		t.Errorf("Write = %d bytes, want %d", n, want)
	}
	n, err = fp.Write(data[:1])
	if n != 0 || err != nil {
		t.Errorf("second Write = %d, %v; want 0, nil", n, err)
	}
	if err := fp.Close(); err != nil {
		t.Fatal(err)
	}
	if free, _ := fsys.Free(); free != 0 {
		t.Errorf("Free = %d, want 0", free)
	}
}

func TestChtime(t *testing.T) {
	t.Parallel()
	d := newMemDevice(256, 4096)
	fsys := mustFormat(t, d, FormatConfig{SFD: true})
	writeFile(t, fsys, "/a", []byte("a"))
	mtime := time.Date(2001, 2, 3, 4, 5, 6, 0, time.UTC)
	if err := fsys.Chtime("/a", mtime); err != nil {
		t.Fatal(err)
	}
	fi, err := fsys.Stat("/a")
	if err != nil {
		t.Fatal(err)
	}
	if got := fi.ModTime(); !got.Equal(mtime) {
		t.Errorf("ModTime = %v, want %v", got, mtime)
	}
}

func TestUnmountInvalidatesFiles(t *testing.T) {
	t.Parallel()
	d := newMemDevice(256, 4096)
	fsys := mustFormat(t, d, FormatConfig{SFD: true})
	var fp File
	if err := fsys.OpenFile(&fp, "/f", ModeCreateAlways|ModeWrite); err != nil {
		t.Fatal(err)
	}
	if err := fsys.Unmount(); err != nil {
		t.Fatal(err)
	}
	if _, err := fp.Write([]byte("x")); !errors.Is(err, fs.ErrClosed) {
		t.Errorf("Write after Unmount = %v, want fs.ErrClosed", err)
	}
	if err := fsys.Mkdir("/d"); err == nil {
		t.Errorf("Mkdir after Unmount succeeded")
	}
}

func FuzzCreateName(f *testing.F) {
	for _, s := range []string{"readme.md", "Long File Name.txt", "a.b.c", " x", "café", "...", "A~1"} {
		f.Add(s)
	}
	var fsys FS
	f.Fuzz(func(t *testing.T, name string) {
		dp := dir{obj: objid{fs: &fsys}}
		rest, fr := dp.createName(name)
		if fr != OK {
			return
		}
		if len(rest) > len(name) {
			t.Fatalf("rest %q longer than input %q", rest, name)
		}
		for _, c := range dp.fn[:11] {
			if c < ' ' && c != rddem {
				t.Fatalf("short name %q contains control byte %#x", dp.fn[:11], c)
			}
		}
		if len(dp.lfn) == 0 || len(dp.lfn) > lfnBufSize {
			t.Fatalf("long name length %d out of range", len(dp.lfn))
		}
	})
}
