package pipeline

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"mkfatimg/builderr"
	"mkfatimg/fatfs"
	"mkfatimg/flash"
	"mkfatimg/metrics"
	"mkfatimg/partition"
	"mkfatimg/populate"
	"mkfatimg/wl"
)

var buildTime = time.Date(2024, 1, 2, 3, 4, 6, 0, time.UTC)

func sourceTree(t *testing.T) (string, []byte) {
	t.Helper()
	src := t.TempDir()
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(filepath.Join(src, "readme.txt"), []byte("hello, esp32"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "data.bin"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	return src, data
}

func testOptions(t *testing.T, src string) Options {
	o := DefaultOptions()
	o.Source = src
	o.Output = filepath.Join(t.TempDir(), "fat.img")
	o.Time = buildTime
	return o
}

func readAll(t *testing.T, fsys *fatfs.FS, path string) []byte {
	t.Helper()
	var fp fatfs.File
	if err := fsys.OpenFile(&fp, path, fatfs.ModeRead); err != nil {
		t.Fatalf("OpenFile(%q): %v", path, err)
	}
	defer fp.Close()
	b, err := io.ReadAll(&fp)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// tree lists every path on the volume with its size, directories with a
// trailing slash.
func tree(t *testing.T, fsys *fatfs.FS, dir string, out map[string]int64) {
	t.Helper()
	infos, err := fsys.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir(%q): %v", dir, err)
	}
	for _, fi := range infos {
		p := populate.Join(dir, fi.Name())
		if fi.IsDir() {
			out[p+"/"] = 0
			tree(t, fsys, p, out)
			continue
		}
		out[p] = fi.Size()
	}
}

func checkContents(t *testing.T, img *Image, data []byte) {
	t.Helper()
	got := map[string]int64{}
	tree(t, img.FS, "", got)
	want := map[string]int64{"readme.txt": 12, "sub/": 0, "sub/data.bin": 5000}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("volume tree (-want +got):\n%s", diff)
	}
	if got := readAll(t, img.FS, "readme.txt"); string(got) != "hello, esp32" {
		t.Errorf("readme.txt = %q", got)
	}
	if got := readAll(t, img.FS, "sub/data.bin"); !bytes.Equal(got, data) {
		t.Errorf("sub/data.bin differs")
	}
}

func TestBuildEndToEnd(t *testing.T) {
	src, data := sourceTree(t)
	o := testOptions(t, src)
	o.Metrics = metrics.New()

	res, err := Build(o)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	storage, err := partition.Default().FindFirst(partition.TypeData, partition.SubTypeDataFAT, "storage")
	if err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(o.Output)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != int64(storage.Size) || res.Size != int64(storage.Size) {
		t.Errorf("image size = %d (result %d), want %d", fi.Size(), res.Size, storage.Size)
	}

	img, err := OpenImage(o.Output, OpenOptions{SectorSize: 4096, TableOffset: partition.DefaultTableOffset})
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	defer img.Close()
	checkContents(t, img, data)
	if got := img.Type(); got != "FAT12" {
		t.Errorf("volume type = %s, want FAT12", got)
	}
}

func TestBuildReproducible(t *testing.T) {
	src, _ := sourceTree(t)
	a, err := Build(testOptions(t, src))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Build(testOptions(t, src))
	if err != nil {
		t.Fatal(err)
	}
	if a.Digest != b.Digest {
		t.Errorf("builds with the same timestamp differ: %s != %s", a.Digest, b.Digest)
	}
}

func TestBuildFullFlash(t *testing.T) {
	src, data := sourceTree(t)
	o := testOptions(t, src)
	o.FullFlash = true
	o.DigestFile = true

	res, err := Build(o)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Size != o.ChipSize {
		t.Errorf("image size = %d, want the chip size %d", res.Size, o.ChipSize)
	}
	if _, err := os.Stat(o.Output + ".sha256"); err != nil {
		t.Errorf("digest file: %v", err)
	}
	img, err := OpenImage(o.Output, OpenOptions{
		SectorSize:     4096,
		TableOffset:    partition.DefaultTableOffset,
		PartitionLabel: "storage",
	})
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	defer img.Close()
	if img.Partition.Offset != 0x110000 {
		t.Errorf("partition offset = %#x, want 0x110000", img.Partition.Offset)
	}
	checkContents(t, img, data)
}

func TestBuildRawSmallSectors(t *testing.T) {
	src, data := sourceTree(t)
	o := testOptions(t, src)
	o.WLMode = wl.Raw
	o.Fdisk = false
	o.SectorSize = 512
	o.Format.Label = "ESP"

	if _, err := Build(o); err != nil {
		t.Fatalf("Build: %v", err)
	}
	img, err := OpenImage(o.Output, OpenOptions{SectorSize: 512, WLMode: wl.Raw, TableOffset: partition.DefaultTableOffset})
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	defer img.Close()
	checkContents(t, img, data)
	if label, err := img.Label(); err != nil || label != "ESP" {
		t.Errorf("Label() = %q, %v; want ESP", label, err)
	}
}

func TestBuildPopulateFailure(t *testing.T) {
	src, _ := sourceTree(t)
	if err := os.Symlink("readme.txt", filepath.Join(src, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	o := testOptions(t, src)

	_, err := Build(o)
	if !errors.Is(err, builderr.ErrUnsupportedEntryKind) {
		t.Fatalf("Build = %v, want an unsupported entry error", err)
	}
	if _, err := os.Stat(o.Output); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("output written after a failed population: %v", err)
	}
}

func TestBuildMissingPartition(t *testing.T) {
	src, _ := sourceTree(t)
	o := testOptions(t, src)
	o.PartitionLabel = "fatfs"
	if _, err := Build(o); !errors.Is(err, partition.ErrNotFound) {
		t.Errorf("Build = %v, want partition.ErrNotFound", err)
	}
}

type fakeProgress struct {
	stages  []string
	entries []string
	events  int
	stopAt  int
}

func (p *fakeProgress) Stage(name string) { p.stages = append(p.stages, name) }

func (p *fakeProgress) Entry(_ populate.Kind, _, target string) {
	p.entries = append(p.entries, target)
}

func (p *fakeProgress) Flash(flash.Event) { p.events++ }

func (p *fakeProgress) Stopped() bool { return p.stopAt > 0 && len(p.entries) >= p.stopAt }

func TestBuildProgress(t *testing.T) {
	src, _ := sourceTree(t)
	p := &fakeProgress{}
	o := testOptions(t, src)
	o.Progress = p
	if _, err := Build(o); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if diff := cmp.Diff([]string{StageFlash, StageMount, StageFormat, StagePopulate, StageSave}, p.stages); diff != "" {
		t.Errorf("stages (-want +got):\n%s", diff)
	}
	sort.Strings(p.entries)
	if diff := cmp.Diff([]string{"readme.txt", "sub", "sub/data.bin"}, p.entries); diff != "" {
		t.Errorf("entries (-want +got):\n%s", diff)
	}
	if p.events == 0 {
		t.Errorf("no flash events observed")
	}

	stop := &fakeProgress{stopAt: 1}
	o = testOptions(t, src)
	o.Progress = stop
	if _, err := Build(o); !errors.Is(err, ErrStopped) {
		t.Errorf("Build = %v, want ErrStopped", err)
	}
}
