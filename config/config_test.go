package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/spf13/pflag"

	"mkfatimg/builderr"
	"mkfatimg/fatfs"
	"mkfatimg/pipeline"
	"mkfatimg/wl"
)

func parse(t *testing.T, env map[string]string, args ...string) Config {
	t.Helper()
	c := Default()
	fs := pflag.NewFlagSet("build", pflag.ContinueOnError)
	c.RegisterPflags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%q): %v", args, err)
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	if err := ApplyEnv(fs, lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	return c
}

func noEnv(string) (string, bool) { return "", false }

func TestFlagsAndEnv(t *testing.T) {
	env := map[string]string{
		"MKFATIMG_CHIP_SIZE":  "2MB",
		"MKFATIMG_LABEL":      "ESPDATA",
		"MKFATIMG_LONG_NAMES": "false",
	}
	c := parse(t, env, "-c", "www", "--chip-size", "8MB", "--no-fdisk", "--wl-mode=raw")

	want := Default()
	want.Source = "www"
	want.ChipSize = "8MB"
	want.NoFdisk = true
	want.WLMode = "raw"
	want.Label = "ESPDATA"
	want.LongNames = false
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}
}

func TestApplyEnvInvalid(t *testing.T) {
	c := Default()
	fs := pflag.NewFlagSet("build", pflag.ContinueOnError)
	c.RegisterPflags(fs)
	err := ApplyEnv(fs, func(k string) (string, bool) {
		if k == "MKFATIMG_NUM_FATS" {
			return "two", true
		}
		return "", false
	})
	if builderr.KindOf(err) != builderr.Usage {
		t.Errorf("ApplyEnv = %v, want a usage error", err)
	}
}

func TestEnvName(t *testing.T) {
	if got, want := EnvName("partition-label"), "MKFATIMG_PARTITION_LABEL"; got != want {
		t.Errorf("EnvName = %q, want %q", got, want)
	}
}

func TestOptions(t *testing.T) {
	c := parse(t, nil, "--fat-type", "fat16", "--num-fats", "2", "--label", "DATA",
		"--sector-size", "512", "--timestamp", "2024-05-17T10:30:42Z", "--full-flash", "--digest-file")
	c.Output = "out.img"

	got, err := c.Options(noEnv)
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	want := pipeline.Options{
		Source:         "image",
		Output:         "out.img",
		ChipSize:       4 << 20,
		SectorSize:     512,
		TableOffset:    0x8000,
		PartitionLabel: "storage",
		WLMode:         wl.Safe,
		Fdisk:          true,
		Format: fatfs.FormatConfig{
			Type:    fatfs.FormatFAT16,
			Label:   "DATA",
			NumFATs: 2,
		},
		LongNames:  true,
		Time:       time.Date(2024, 5, 17, 10, 30, 42, 0, time.UTC),
		FullFlash:  true,
		DigestFile: true,
	}
	opts := cmpopts.IgnoreFields(pipeline.Options{}, "Table", "Logger", "Metrics", "Progress")
	if diff := cmp.Diff(want, got, opts); diff != "" {
		t.Errorf("Options (-want +got):\n%s", diff)
	}
}

func TestOptionsPartitionTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partitions.csv")
	csv := "# Name, Type, SubType, Offset, Size\nnvs, data, nvs, 0x9000, 0x6000\nfactory, app, factory, 0x10000, 1M\nfatfs, data, fat, , 2M\n"
	if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}
	c := Default()
	c.Output = "out.img"
	c.PartitionTable = path
	c.PartitionLabel = "fatfs"

	o, err := c.Options(noEnv)
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	if o.Table == nil || len(o.Table.Entries) != 3 {
		t.Fatalf("Table = %+v, want the 3 CSV entries", o.Table)
	}
	if e := o.Table.Entries[2]; e.Label != "fatfs" || e.Offset != 0x110000 || e.Size != 2<<20 {
		t.Errorf("fatfs entry = %+v", e)
	}
}

func TestTimestamp(t *testing.T) {
	epoch := func(k string) (string, bool) {
		if k == "SOURCE_DATE_EPOCH" {
			return "1700000000", true
		}
		return "", false
	}
	c := Default()
	c.Output = "out.img"

	o, err := c.Options(epoch)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Unix(1700000000, 0).UTC(); !o.Time.Equal(want) {
		t.Errorf("Time = %v, want %v from SOURCE_DATE_EPOCH", o.Time, want)
	}

	c.Timestamp = "2020-01-01T00:00:00Z"
	if o, err = c.Options(epoch); err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC); !o.Time.Equal(want) {
		t.Errorf("Time = %v, want %v from --timestamp", o.Time, want)
	}

	c.Timestamp = ""
	if o, err = c.Options(noEnv); err != nil {
		t.Fatal(err)
	}
	if !o.Time.IsZero() {
		t.Errorf("Time = %v, want zero without a timestamp", o.Time)
	}
}

func TestOptionsErrors(t *testing.T) {
	for _, tt := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"no output", func(c *Config) { c.Output = "" }},
		{"empty source", func(c *Config) { c.Source = "" }},
		{"bad chip size", func(c *Config) { c.ChipSize = "lots" }},
		{"chip too small", func(c *Config) { c.ChipSize = "512K" }},
		{"chip not power of two", func(c *Config) { c.ChipSize = "3MB" }},
		{"sector size", func(c *Config) { c.SectorSize = 1024 }},
		{"table offset unaligned", func(c *Config) { c.TableOffset = "0x8100" }},
		{"missing table", func(c *Config) { c.PartitionTable = "/nonexistent/partitions.csv" }},
		{"empty label", func(c *Config) { c.PartitionLabel = "" }},
		{"fat type", func(c *Config) { c.FATType = "exfat" }},
		{"num fats", func(c *Config) { c.NumFATs = 3 }},
		{"cluster size", func(c *Config) { c.ClusterSize = 3000 }},
		{"oem", func(c *Config) { c.OEM = "TOOLONGOEM" }},
		{"label", func(c *Config) { c.Label = "MUCH TOO LONG" }},
		{"wl mode", func(c *Config) { c.WLMode = "fast" }},
		{"timestamp", func(c *Config) { c.Timestamp = "yesterday" }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			c.Output = "out.img"
			tt.mutate(&c)
			_, err := c.Options(noEnv)
			if got := builderr.KindOf(err); got != builderr.Usage {
				t.Errorf("Options = %v (kind %v), want a usage error", err, got)
			}
		})
	}
}
