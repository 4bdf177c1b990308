package image

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"

	"mkfatimg/builderr"
)

func region(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i>>8)
	}
	return b
}

func TestSave(t *testing.T) {
	t.Parallel()
	flashBuf := region(0x40000)
	const addr, size = 0x10000, 0x20000
	out := filepath.Join(t.TempDir(), "fat.img")

	res, err := Save(out, flashBuf[addr:addr+size])
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != size {
		t.Fatalf("image length = %d, want %d", len(got), size)
	}
	if !bytes.Equal(got, flashBuf[addr:addr+size]) {
		t.Errorf("image bytes differ from the flash region")
	}
	want := Result{Path: out, Size: size, Digest: digest.FromBytes(flashBuf[addr : addr+size])}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Save result (-want +got):\n%s", diff)
	}
}

func TestSaveTruncates(t *testing.T) {
	t.Parallel()
	out := filepath.Join(t.TempDir(), "fat.img")
	if err := os.WriteFile(out, region(8192), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Save(out, []byte("short")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "short" {
		t.Errorf("image = %q, want %q", got, "short")
	}
}

func TestSaveOpenError(t *testing.T) {
	t.Parallel()
	out := filepath.Join(t.TempDir(), "missing", "fat.img")
	_, err := Save(out, region(16))
	var be *builderr.Error
	if !errors.As(err, &be) {
		t.Fatalf("Save = %v, want a *builderr.Error", err)
	}
	if be.Kind != builderr.HostIO || be.Op != "open" || be.Code != int(syscall.ENOENT) {
		t.Errorf("Save = %+v, want a host open error with ENOENT", be)
	}
}

// trickle accepts at most n bytes per call and fails after limit bytes.
type trickle struct {
	buf   bytes.Buffer
	n     int
	limit int
	calls int
}

func (w *trickle) Write(p []byte) (int, error) {
	w.calls++
	if w.limit > 0 && w.buf.Len() >= w.limit {
		return 0, syscall.EIO
	}
	if len(p) > w.n {
		p = p[:w.n]
	}
	return w.buf.Write(p)
}

func TestWriteFullPartial(t *testing.T) {
	t.Parallel()
	data := region(1000)
	w := &trickle{n: 300}
	n, err := writeFull(w, data)
	if err != nil || n != 1000 {
		t.Fatalf("writeFull = %d, %v; want 1000, nil", n, err)
	}
	if w.calls != 4 {
		t.Errorf("write calls = %d, want 4", w.calls)
	}
	if !bytes.Equal(w.buf.Bytes(), data) {
		t.Errorf("written bytes differ")
	}
}

func TestWriteFullError(t *testing.T) {
	t.Parallel()
	w := &trickle{n: 300, limit: 600}
	n, err := writeFull(w, region(1000))
	if !errors.Is(err, syscall.EIO) {
		t.Fatalf("writeFull error = %v, want EIO", err)
	}
	if n != 600 {
		t.Errorf("writeFull wrote %d bytes, want 600", n)
	}
}

type stuck struct{}

func (stuck) Write([]byte) (int, error) { return 0, nil }

func TestWriteFullNoProgress(t *testing.T) {
	t.Parallel()
	if _, err := writeFull(stuck{}, region(10)); !errors.Is(err, io.ErrShortWrite) {
		t.Errorf("writeFull = %v, want io.ErrShortWrite", err)
	}
}

func TestWriteDigest(t *testing.T) {
	t.Parallel()
	out := filepath.Join(t.TempDir(), "fat.img")
	res, err := Save(out, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	path, err := WriteDigest(res)
	if err != nil {
		t.Fatalf("WriteDigest: %v", err)
	}
	if path != out+".sha256" {
		t.Errorf("digest path = %q", path)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	const want = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824  fat.img\n"
	if string(got) != want {
		t.Errorf("digest file = %q, want %q", got, want)
	}
	if _, err := WriteDigest(Result{Path: out}); err == nil {
		t.Errorf("WriteDigest without a digest succeeded")
	}
}
