package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.log")
	logger, atom, err := New(Config{Level: "warn", Format: "json", OutputPath: path})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	atom.SetLevel(zap.DebugLevel)
	logger.Debug("now visible")
	_ = logger.Sync()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	if strings.Contains(out, "hidden") {
		t.Errorf("info message logged at warn level:\n%s", out)
	}
	for _, want := range []string{`"msg":"shown"`, `"msg":"now visible"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output lacks %s:\n%s", want, out)
		}
	}
}

func TestNewErrors(t *testing.T) {
	for _, cfg := range []Config{
		{Level: "loud"},
		{Format: "xml"},
	} {
		if _, _, err := New(cfg); err == nil {
			t.Errorf("New(%+v) succeeded unexpectedly", cfg)
		}
	}
}

func TestGlobal(t *testing.T) {
	if L() == nil {
		t.Fatal("L() returned nil before Init")
	}
	path := filepath.Join(t.TempDir(), "global.log")
	if err := Init(Config{Level: "warn", Format: "console", OutputPath: path}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { globalLogger = nil })
	Named("populate").Warn("cannot write metrics")
	L().Info("suppressed")
	if err := Sync(); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	if !strings.Contains(out, "populate") || !strings.Contains(out, "cannot write metrics") {
		t.Errorf("console output lacks the named entry:\n%s", out)
	}
	if strings.Contains(out, "suppressed") {
		t.Errorf("info logged at warn level:\n%s", out)
	}
}
