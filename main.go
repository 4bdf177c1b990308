// mkfatimg builds FAT filesystem images for the storage partition of an
// ESP32 flash chip from a host directory, and reads them back.
//
// The image is produced the way the device would produce it: the flash chip
// is emulated, the partition table written to it, wear levelling mounted
// over the FAT partition and the volume formatted and filled through the
// same layers the firmware uses.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"mkfatimg/builderr"
	"mkfatimg/config"
	"mkfatimg/fatfs"
	"mkfatimg/flash"
	"mkfatimg/image"
	"mkfatimg/logging"
	"mkfatimg/metrics"
	"mkfatimg/partition"
	"mkfatimg/pipeline"
	"mkfatimg/populate"
	"mkfatimg/retrodfrg"
	"mkfatimg/wl"
)

// exitUsage is the sysexits EX_USAGE status.
const exitUsage = 64

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if builderr.KindOf(err) == builderr.Usage {
		return exitUsage
	}
	return 2
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return builderr.Usagef("want %d argument(s), got %d", n, len(args))
		}
		return nil
	}
}

/* ===================== build ===================== */

func newBuildCmd() *cobra.Command {
	cfg := config.Default()
	cmd := &cobra.Command{
		Use:   "build [-c dir] <image>",
		Short: "Build a FAT partition image from a directory",
		Long: "Build a FAT partition image from a directory. Every flag can also be set\n" +
			"through the environment as " + config.EnvPrefix + "<FLAG>, e.g. " + config.EnvName("chip-size") + "=8MB.",
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ApplyEnv(cmd.Flags(), nil); err != nil {
				return err
			}
			cfg.Output = args[0]
			return runBuild(cfg, cmd.OutOrStdout())
		},
	}
	cfg.RegisterPflags(cmd.Flags())
	return cmd
}

func runBuild(cfg config.Config, stdout io.Writer) error {
	opts, err := cfg.Options(os.LookupEnv)
	if err != nil {
		return err
	}

	logCfg := logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}
	if cfg.TUI {
		// The screen belongs to the UI while it runs.
		logCfg.OutputPath = cfg.Output + ".log"
	}
	if err := logging.Init(logCfg); err != nil {
		return builderr.Usagef("%v", err)
	}
	defer logging.Sync()
	log := logging.L()
	log.Debug("build settings", zap.Stringer("config", cfg))

	m := metrics.New()
	opts.Logger = log
	opts.Metrics = m

	var (
		ui   *retrodfrg.UI
		view *retrodfrg.View
	)
	if cfg.TUI {
		ui, err = retrodfrg.NewUI()
		if err != nil {
			return fmt.Errorf("ui init: %w", err)
		}
		defer ui.Close()
		view = retrodfrg.NewView(ui, viewConfig(cfg, opts))
		opts.Progress = view

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		go func() {
			select {
			case <-sigChan:
				ui.RequestStop()
			case <-ui.Done():
			}
		}()
	}

	res, err := pipeline.Build(opts)
	if view != nil {
		view.Finish(err)
		_ = retrodfrg.WaitWithStop(ui, 2*time.Second)
		ui.Close()
	}
	if cfg.MetricsFile != "" {
		if merr := m.WriteTextfile(cfg.MetricsFile); merr != nil {
			log.Warn("cannot write metrics", zap.String("path", cfg.MetricsFile), zap.Error(merr))
		}
	}
	if err != nil {
		return err
	}
	printBuildInfo(stdout, opts, res)
	return nil
}

func tableOf(o pipeline.Options) *partition.Table {
	if o.Table != nil {
		return o.Table
	}
	return partition.Default()
}

func viewConfig(cfg config.Config, o pipeline.Options) retrodfrg.ViewConfig {
	vc := retrodfrg.ViewConfig{
		ChipSize:   o.ChipSize,
		SectorSize: pipeline.FlashSectorSize,
		// Bootloader area and partition table.
		System: [][2]int64{{0, o.TableOffset + partition.MaxTableSize - 1}},
		Title:  fmt.Sprintf(" MKFATIMG  %s -> %s ", o.Source, filepath.Base(o.Output)),
	}
	part, err := tableOf(o).FindFirst(partition.TypeData, partition.SubTypeDataFAT, o.PartitionLabel)
	if err == nil {
		vc.Summary = append(vc.Summary, fmt.Sprintf("Partition: %-16s Offset: %#08x  Size: %s",
			part.Label, part.Offset, retrodfrg.Human(int64(part.Size))))
	}
	vc.Summary = append(vc.Summary, fmt.Sprintf("Chip: %s  WL: %s  Sector: %d  FAT: %s",
		retrodfrg.Human(o.ChipSize), cfg.WLMode, o.SectorSize, cfg.FATType))
	return vc
}

func printBuildInfo(w io.Writer, o pipeline.Options, res image.Result) {
	fmt.Fprintf(w, "Image:      %s\n", res.Path)
	fmt.Fprintf(w, "Size:       %s (%d bytes)\n", retrodfrg.Human(res.Size), res.Size)
	if part, err := tableOf(o).FindFirst(partition.TypeData, partition.SubTypeDataFAT, o.PartitionLabel); err == nil {
		fmt.Fprintf(w, "Partition:  %s\n", part)
	}
	fmt.Fprintf(w, "Digest:     %s\n", res.Digest)
	if o.DigestFile {
		fmt.Fprintf(w, "Digest file: %s\n", image.DigestPath(res.Path))
	}
}

/* ===================== ls / cat ===================== */

// openFlags locate the FAT volume inside an image built earlier.
type openFlags struct {
	sectorSize  int
	wlMode      string
	tableOffset string
	label       string
}

func (f *openFlags) register(fs *pflag.FlagSet) {
	fs.IntVar(&f.sectorSize, "sector-size", 4096, "sector size the image was built with")
	fs.StringVar(&f.wlMode, "wl-mode", "safe", "wear levelling mode the image was built with")
	fs.StringVar(&f.tableOffset, "table-offset", "0x8000", "partition table offset in full flash images")
	fs.StringVar(&f.label, "partition-label", "storage", "FAT partition label in full flash images")
}

func (f *openFlags) open(path string) (*pipeline.Image, error) {
	if f.sectorSize != 512 && f.sectorSize != 4096 {
		return nil, builderr.Usagef("--sector-size %d: want 512 or 4096", f.sectorSize)
	}
	mode, err := wl.ParseMode(f.wlMode)
	if err != nil {
		return nil, builderr.Usagef("--wl-mode: %v", err)
	}
	off, err := flash.ParseSize(f.tableOffset)
	if err != nil {
		return nil, builderr.Usagef("--table-offset: %v", err)
	}
	return pipeline.OpenImage(path, pipeline.OpenOptions{
		SectorSize:     f.sectorSize,
		WLMode:         mode,
		TableOffset:    off,
		PartitionLabel: f.label,
		Logger:         logging.Named("image"),
	})
}

type listing struct {
	files, dirs int
	bytes       int64
}

// list prints dir and everything below it, one entry per line.
func (l *listing) list(w io.Writer, fsys *fatfs.FS, dir string) error {
	infos, err := fsys.ReadDir(dir)
	if err != nil {
		return builderr.Target("opendir", dir, err)
	}
	for i := range infos {
		fi := &infos[i]
		p := populate.Join(dir, fi.Name())
		mtime := fi.ModTime().Format("2006-01-02 15:04")
		if fi.IsDir() {
			l.dirs++
			fmt.Fprintf(w, "%10s  %s  /%s/\n", "<DIR>", mtime, p)
			if err := l.list(w, fsys, p); err != nil {
				return err
			}
			continue
		}
		l.files++
		l.bytes += fi.Size()
		fmt.Fprintf(w, "%10d  %s  /%s\n", fi.Size(), mtime, p)
	}
	return nil
}

func newLsCmd() *cobra.Command {
	var of openFlags
	cmd := &cobra.Command{
		Use:   "ls <image>",
		Short: "List the files inside a built image",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			im, err := of.open(args[0])
			if err != nil {
				return err
			}
			defer im.Close()
			w := cmd.OutOrStdout()

			label, err := im.Label()
			if err != nil {
				return builderr.Target("label", "", err)
			}
			free, err := im.Free()
			if err != nil {
				return builderr.Target("getfree", "", err)
			}
			fmt.Fprintf(w, "Partition %s\n", im.Partition)
			fmt.Fprintf(w, "Volume %s, label %q, %d clusters of %d bytes, %s free\n\n",
				im.Type(), label, im.Clusters(), im.ClusterSize(), retrodfrg.Human(free))

			var l listing
			if err := l.list(w, im.FS, ""); err != nil {
				return err
			}
			fmt.Fprintf(w, "\n%d file(s), %d dir(s), %d bytes\n", l.files, l.dirs, l.bytes)
			return nil
		},
	}
	of.register(cmd.Flags())
	return cmd
}

func newCatCmd() *cobra.Command {
	var of openFlags
	cmd := &cobra.Command{
		Use:   "cat <image> <path>",
		Short: "Print a file stored in a built image",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			im, err := of.open(args[0])
			if err != nil {
				return err
			}
			defer im.Close()

			p := populate.Normalize(args[1])
			var fp fatfs.File
			if err := im.OpenFile(&fp, p, fatfs.ModeRead); err != nil {
				return builderr.Target("open", p, err)
			}
			defer fp.Close()
			if _, err := io.Copy(cmd.OutOrStdout(), &fp); err != nil {
				return builderr.Target("read", p, err)
			}
			return nil
		},
	}
	of.register(cmd.Flags())
	return cmd
}

/* ===================== parttable ===================== */

func printTable(w io.Writer, t *partition.Table) {
	fmt.Fprintf(w, "%-16s  %-5s  %-9s  %-10s  %-10s  %s\n", "Name", "Type", "SubType", "Offset", "Size", "")
	for _, e := range t.Entries {
		var flags []string
		if e.Flags&partition.FlagEncrypted != 0 {
			flags = append(flags, "encrypted")
		}
		if e.Flags&partition.FlagReadOnly != 0 {
			flags = append(flags, "readonly")
		}
		fmt.Fprintf(w, "%-16s  %-5s  %-9s  %#-10x  %#-10x  %s\n",
			e.Label, e.TypeName(), e.SubTypeName(), e.Offset, e.Size,
			strings.TrimSpace(retrodfrg.Human(int64(e.Size))+" "+strings.Join(flags, ",")))
	}
}

// writeTable stores t as CSV when out ends in .csv, in binary otherwise.
func writeTable(out string, t *partition.Table) (err error) {
	if strings.EqualFold(filepath.Ext(out), ".csv") {
		f, cerr := os.Create(out)
		if cerr != nil {
			return builderr.Host("open", out, cerr)
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = builderr.Host("close", out, cerr)
			}
		}()
		return t.MarshalCSV(f)
	}
	b, err := t.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, b, 0o644); err != nil {
		return builderr.Host("write", out, err)
	}
	return nil
}

func newPartTableCmd() *cobra.Command {
	var (
		out      string
		chipSize string
	)
	cmd := &cobra.Command{
		Use:   "parttable <table.csv|table.bin>",
		Short: "Print a partition table, optionally converting it",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := partition.Load(args[0])
			if err != nil {
				var pe *os.PathError
				if errors.As(err, &pe) {
					return builderr.Host("open", args[0], err)
				}
				return fmt.Errorf("%s: %w", args[0], err)
			}
			var chip int64
			if chipSize != "" {
				if chip, err = flash.ParseSize(chipSize); err != nil {
					return builderr.Usagef("--chip-size: %v", err)
				}
			}
			if err := t.Validate(chip); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			printTable(cmd.OutOrStdout(), t)
			if out != "" {
				return writeTable(out, t)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write the table to this file (.csv as CSV, anything else as binary)")
	cmd.Flags().StringVar(&chipSize, "chip-size", "", "also check that every partition fits a chip of this size")
	return cmd
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mkfatimg",
		Short:         "ESP32 FAT partition image builder",
		Long:          "Build FAT images for the wear-levelled storage partition of an ESP32 flash chip, and inspect them.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return builderr.Usagef("%v", err)
	})
	root.AddCommand(newBuildCmd(), newLsCmd(), newCatCmd(), newPartTableCmd())
	return root
}

func main() {
	must(newRootCmd().Execute())
}
