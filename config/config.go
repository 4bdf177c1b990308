// Package config holds the settings of the build command. Every flag can
// also be set from the environment as MKFATIMG_<FLAG>, with dashes turned
// into underscores.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"mkfatimg/builderr"
	"mkfatimg/fatfs"
	"mkfatimg/flash"
	"mkfatimg/partition"
	"mkfatimg/pipeline"
	"mkfatimg/wl"
)

// EnvPrefix prefixes the environment variable of every flag.
const EnvPrefix = "MKFATIMG_"

// Config holds the build settings as given on the command line.
type Config struct {
	Source string
	Output string

	ChipSize   string
	SectorSize int

	PartitionTable string
	TableOffset    string
	PartitionLabel string

	FATType     string
	Label       string
	OEM         string
	NumFATs     int
	ClusterSize int
	WLMode      string
	NoFdisk     bool
	LongNames   bool

	FollowSymlinks bool
	PreserveMTime  bool
	Timestamp      string

	FullFlash   bool
	DigestFile  bool
	MetricsFile string
	TUI         bool

	LogLevel  string
	LogFormat string
}

// Default returns the settings of a plain `mkfatimg build`.
func Default() Config {
	return Config{
		Source:         "image",
		ChipSize:       "4MB",
		SectorSize:     4096,
		TableOffset:    "0x8000",
		PartitionLabel: "storage",
		FATType:        "any",
		NumFATs:        1,
		WLMode:         "safe",
		LongNames:      true,
		LogLevel:       "info",
		LogFormat:      "console",
	}
}

// RegisterPflags registers the build flags on fs, defaulting to the current
// values of c.
func (c *Config) RegisterPflags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Source, "source", "c", c.Source, "directory to build the FAT image from")
	fs.StringVar(&c.ChipSize, "chip-size", c.ChipSize, "emulated flash chip size (1MB..128MB)")
	fs.IntVar(&c.SectorSize, "sector-size", c.SectorSize, "wear-levelling and FAT sector size (512 or 4096)")

	fs.StringVar(&c.PartitionTable, "partition-table", c.PartitionTable, "partition table, CSV or binary (default: nvs, phy_init, factory, storage)")
	fs.StringVar(&c.TableOffset, "table-offset", c.TableOffset, "flash offset of the partition table")
	fs.StringVar(&c.PartitionLabel, "partition-label", c.PartitionLabel, "label of the FAT data partition")

	fs.StringVar(&c.FATType, "fat-type", c.FATType, "FAT type: any, fat12, fat16 or fat32")
	fs.StringVar(&c.Label, "label", c.Label, "volume label")
	fs.StringVar(&c.OEM, "oem", c.OEM, "OEM name in the boot sector")
	fs.IntVar(&c.NumFATs, "num-fats", c.NumFATs, "number of FAT copies (1 or 2)")
	fs.IntVar(&c.ClusterSize, "cluster-size", c.ClusterSize, "cluster size in bytes (0 picks one from the volume size)")
	fs.StringVar(&c.WLMode, "wl-mode", c.WLMode, "wear levelling: safe or raw")
	fs.BoolVar(&c.NoFdisk, "no-fdisk", c.NoFdisk, "format the whole partition without an MBR")
	fs.BoolVar(&c.LongNames, "long-names", c.LongNames, "store VFAT long file names")

	fs.BoolVar(&c.FollowSymlinks, "follow-symlinks", c.FollowSymlinks, "copy the targets of symbolic links")
	fs.BoolVar(&c.PreserveMTime, "preserve-mtime", c.PreserveMTime, "copy modification times from the source")
	fs.StringVar(&c.Timestamp, "timestamp", c.Timestamp, "RFC3339 time for every entry (default: $SOURCE_DATE_EPOCH or now)")

	fs.BoolVar(&c.FullFlash, "full-flash", c.FullFlash, "write the whole flash chip instead of the FAT partition")
	fs.BoolVar(&c.DigestFile, "digest-file", c.DigestFile, "write <image>.sha256 next to the image")
	fs.StringVar(&c.MetricsFile, "metrics-file", c.MetricsFile, "write build metrics to this Prometheus textfile")
	fs.BoolVar(&c.TUI, "tui", c.TUI, "show the fullscreen flash map while building")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: console or json")
}

// EnvName returns the environment variable for a flag.
func EnvName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// ApplyEnv sets every flag not given on the command line from its
// environment variable, if present.
func ApplyEnv(fs *pflag.FlagSet, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Changed {
			return
		}
		name := EnvName(f.Name)
		v, ok := lookup(name)
		if !ok {
			return
		}
		if serr := fs.Set(f.Name, v); serr != nil {
			err = builderr.Usagef("%s=%q: %v", name, v, serr)
		}
	})
	return err
}

// Validate checks the settings without building anything.
func (c Config) Validate() error {
	_, err := c.Options(os.LookupEnv)
	return err
}

// Options converts the settings into pipeline options. lookup resolves
// SOURCE_DATE_EPOCH when no timestamp is set.
func (c Config) Options(lookup func(string) (string, bool)) (pipeline.Options, error) {
	o := pipeline.DefaultOptions()
	if c.Output == "" {
		return o, builderr.Usagef("missing image path")
	}
	if c.Source == "" {
		return o, builderr.Usagef("empty source directory")
	}
	o.Source = c.Source
	o.Output = c.Output

	chip, err := flash.ParseSize(c.ChipSize)
	if err != nil {
		return o, builderr.Usagef("--chip-size: %v", err)
	}
	if chip < 1<<20 || chip > 128<<20 || chip&(chip-1) != 0 {
		return o, builderr.Usagef("--chip-size %s: want a power of two between 1MB and 128MB", c.ChipSize)
	}
	o.ChipSize = chip

	switch c.SectorSize {
	case 512, 4096:
		o.SectorSize = c.SectorSize
	default:
		return o, builderr.Usagef("--sector-size %d: want 512 or 4096", c.SectorSize)
	}

	off, err := flash.ParseSize(c.TableOffset)
	if err != nil {
		return o, builderr.Usagef("--table-offset: %v", err)
	}
	if off%0x1000 != 0 || off+partition.MaxTableSize > chip {
		return o, builderr.Usagef("--table-offset %s: want a 4K aligned offset inside the chip", c.TableOffset)
	}
	o.TableOffset = off
	if c.PartitionTable != "" {
		t, err := partition.Load(c.PartitionTable)
		if err != nil {
			return o, builderr.Usagef("--partition-table: %v", err)
		}
		o.Table = t
	}
	if c.PartitionLabel == "" {
		return o, builderr.Usagef("--partition-label must not be empty")
	}
	o.PartitionLabel = c.PartitionLabel

	ft, err := fatfs.ParseFATType(c.FATType)
	if err != nil {
		return o, builderr.Usagef("--fat-type: %v", err)
	}
	if c.NumFATs < 1 || c.NumFATs > 2 {
		return o, builderr.Usagef("--num-fats %d: want 1 or 2", c.NumFATs)
	}
	if c.ClusterSize < 0 || c.ClusterSize&(c.ClusterSize-1) != 0 {
		return o, builderr.Usagef("--cluster-size %d: want a power of two", c.ClusterSize)
	}
	if len(c.OEM) > 8 {
		return o, builderr.Usagef("--oem %q: at most 8 characters", c.OEM)
	}
	if len(c.Label) > 11 {
		return o, builderr.Usagef("--label %q: at most 11 characters", c.Label)
	}
	o.Format = fatfs.FormatConfig{
		Type:        ft,
		Label:       c.Label,
		OEM:         c.OEM,
		ClusterSize: c.ClusterSize,
		NumFATs:     c.NumFATs,
	}

	mode, err := wl.ParseMode(c.WLMode)
	if err != nil {
		return o, builderr.Usagef("--wl-mode: %v", err)
	}
	o.WLMode = mode
	o.Fdisk = !c.NoFdisk
	o.LongNames = c.LongNames
	o.FollowSymlinks = c.FollowSymlinks
	o.PreserveModTime = c.PreserveMTime

	ts, err := c.timestamp(lookup)
	if err != nil {
		return o, err
	}
	o.Time = ts

	o.FullFlash = c.FullFlash
	o.DigestFile = c.DigestFile
	return o, nil
}

// timestamp resolves --timestamp, falling back to SOURCE_DATE_EPOCH.
func (c Config) timestamp(lookup func(string) (string, bool)) (time.Time, error) {
	if c.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, c.Timestamp)
		if err != nil {
			return time.Time{}, builderr.Usagef("--timestamp: %v", err)
		}
		return ts, nil
	}
	if lookup == nil {
		return time.Time{}, nil
	}
	v, ok := lookup("SOURCE_DATE_EPOCH")
	if !ok || v == "" {
		return time.Time{}, nil
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, builderr.Usagef("SOURCE_DATE_EPOCH=%q: %v", v, err)
	}
	return time.Unix(sec, 0).UTC(), nil
}

func (c Config) String() string {
	return fmt.Sprintf("source=%s output=%s chip=%s partition=%s wl=%s fat=%s", c.Source, c.Output, c.ChipSize, c.PartitionLabel, c.WLMode, c.FATType)
}
