// Package pipeline builds a FAT partition image from a host directory: it
// emulates the flash chip, lays wear levelling and FAT over the storage
// partition, replays the directory onto it and writes the result out.
package pipeline

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mkfatimg/builderr"
	"mkfatimg/fatfs"
	"mkfatimg/flash"
	"mkfatimg/image"
	"mkfatimg/metrics"
	"mkfatimg/partition"
	"mkfatimg/populate"
	"mkfatimg/wl"
)

// FlashSectorSize is the erase unit of the emulated chip.
const FlashSectorSize = 4096

// ErrStopped is returned when the progress display asked to stop.
var ErrStopped = errors.New("build stopped on request")

// Build stages, in order.
const (
	StageFlash    = "flash"
	StageMount    = "mount"
	StageFormat   = "format"
	StagePopulate = "populate"
	StageSave     = "save"
)

// Progress receives build progress. Stopped is polled between entries.
type Progress interface {
	Stage(name string)
	Entry(kind populate.Kind, hostPath, targetPath string)
	Flash(ev flash.Event)
	Stopped() bool
}

// Options configure one build.
type Options struct {
	Source string
	Output string

	ChipSize int64
	// SectorSize is the wear-levelling and FAT sector size.
	SectorSize int

	// Table defaults to partition.Default().
	Table          *partition.Table
	TableOffset    int64
	PartitionLabel string

	WLMode wl.Mode
	// Fdisk writes an MBR and formats its first partition, as the device
	// runtime does. Without it the volume starts at sector 0.
	Fdisk bool
	// Format carries the formatter settings. A zero VolumeID is derived
	// from a UUID.
	Format    fatfs.FormatConfig
	LongNames bool

	FollowSymlinks  bool
	PreserveModTime bool

	// Time stamps every created entry and makes the volume IDs a function of
	// the inputs, so identical inputs give identical images. Zero uses the
	// wall clock and random IDs.
	Time time.Time

	FullFlash  bool
	DigestFile bool

	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Progress Progress
}

// DefaultOptions mirrors what the device runtime expects out of the box.
func DefaultOptions() Options {
	return Options{
		Source:         "image",
		ChipSize:       4 << 20,
		SectorSize:     4096,
		TableOffset:    partition.DefaultTableOffset,
		PartitionLabel: "storage",
		WLMode:         wl.Safe,
		Fdisk:          true,
		LongNames:      true,
	}
}

// ids returns the FAT volume serial and the wear-levelling device ID.
func (o *Options) ids() (volID, devID uint32) {
	var id uuid.UUID
	if o.Time.IsZero() {
		id = uuid.New()
	} else {
		name := o.PartitionLabel + "/" + o.Format.Label + "/" + strconv.FormatInt(o.Time.Unix(), 10)
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte("mkfatimg:"+name))
	}
	volID = binary.LittleEndian.Uint32(id[0:4])
	devID = binary.LittleEndian.Uint32(id[4:8])
	if o.Format.VolumeID != 0 {
		volID = o.Format.VolumeID
	}
	return volID, devID
}

func (o *Options) stage(name string) func() {
	if o.Progress != nil {
		o.Progress.Stage(name)
	}
	o.Logger.Debug("stage", zap.String("name", name))
	return o.Metrics.Stage(name)
}

func (o *Options) onEntry(kind populate.Kind, hostPath, targetPath string) error {
	if o.Progress == nil {
		return nil
	}
	o.Progress.Entry(kind, hostPath, targetPath)
	if o.Progress.Stopped() {
		return ErrStopped
	}
	return nil
}

// Build runs the whole pipeline. The image is only written once the
// directory has been replayed and the volume unmounted; a failed build
// never writes it.
func Build(o Options) (res image.Result, err error) {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	log := o.Logger

	done := o.stage(StageFlash)
	chip, err := flash.New(flash.Config{
		ChipSize:   o.ChipSize,
		BlockSize:  16 * FlashSectorSize,
		SectorSize: FlashSectorSize,
		PageSize:   FlashSectorSize,
	})
	if err != nil {
		return res, fmt.Errorf("init flash: %w", err)
	}
	chip.Observe(o.Metrics.ObserveFlash)
	if o.Progress != nil {
		chip.Observe(o.Progress.Flash)
	}
	table := o.Table
	if table == nil {
		table = partition.Default()
	}
	if err := table.Validate(o.ChipSize); err != nil {
		return res, fmt.Errorf("partition table: %w", err)
	}
	if err := table.WriteTo(chip, o.TableOffset); err != nil {
		return res, fmt.Errorf("write partition table: %w", err)
	}
	part, err := table.FindFirst(partition.TypeData, partition.SubTypeDataFAT, o.PartitionLabel)
	if err != nil {
		return res, fmt.Errorf("find FAT partition %q: %w", o.PartitionLabel, err)
	}
	done()
	log.Info("using partition",
		zap.String("label", part.Label),
		zap.String("offset", fmt.Sprintf("%#x", part.Offset)),
		zap.Uint32("size", part.Size))

	done = o.stage(StageMount)
	volID, devID := o.ids()
	vol, err := wl.Mount(chip, part, wl.Config{
		SectorSize: o.SectorSize,
		DeviceID:   devID,
		Mode:       o.WLMode,
		Logger:     log.Named("wl"),
	})
	if err != nil {
		return res, fmt.Errorf("mount wear levelling: %w", err)
	}
	volMounted := true
	defer func() {
		if volMounted {
			vol.Unmount()
		}
	}()
	done()

	done = o.stage(StageFormat)
	fc := o.Format
	fc.SFD = !o.Fdisk
	fc.VolumeID = volID
	if fc.Time.IsZero() {
		fc.Time = o.Time
	}
	if fc.Time.IsZero() {
		fc.Time = time.Now()
	}
	if o.Fdisk {
		if err := fatfs.Fdisk(vol, []uint32{100, 0, 0, 0}); err != nil {
			return res, builderr.Target("fdisk", "", err)
		}
	}
	if err := fatfs.Format(vol, fc); err != nil {
		return res, builderr.Target("format", "", err)
	}

	fsys := new(fatfs.FS)
	mopts := &fatfs.MountOptions{
		NoLongNames: !o.LongNames,
		Logger:      log.Named("fatfs"),
	}
	if !o.Time.IsZero() {
		ts := o.Time
		mopts.Now = func() time.Time { return ts }
	}
	if err := fsys.Mount(vol, fatfs.ModeRW, mopts); err != nil {
		return res, builderr.Target("mount", "", err)
	}
	fsMounted := true
	defer func() {
		if fsMounted {
			fsys.Unmount()
		}
	}()
	done()
	log.Info("formatted volume",
		zap.String("type", fsys.Type()),
		zap.Int64("cluster_size", fsys.ClusterSize()),
		zap.Uint32("clusters", fsys.Clusters()),
		zap.String("volume_id", fmt.Sprintf("%08X", volID)))

	done = o.stage(StagePopulate)
	p := populate.New(populate.Volume{FS: fsys}, populate.Options{
		FollowSymlinks:  o.FollowSymlinks,
		PreserveModTime: o.PreserveModTime,
		OnEntry:         o.onEntry,
		Logger:          log.Named("populate"),
		Metrics:         o.Metrics,
	})
	log.Info("adding files", zap.String("source", o.Source))
	if err := p.Populate(o.Source, "", true); err != nil {
		return res, fmt.Errorf("add files to FAT image: %w", err)
	}
	if free, err := fsys.Free(); err == nil {
		o.Metrics.SetVolumeFree(free)
		log.Info("volume populated", zap.Int64("free_bytes", free))
	}
	fsMounted = false
	if err := fsys.Unmount(); err != nil {
		return res, builderr.Target("unmount", "", err)
	}
	o.Metrics.SetPageWrites(vol.PageWrites())
	volMounted = false
	if err := vol.Unmount(); err != nil {
		return res, fmt.Errorf("unmount wear levelling: %w", err)
	}
	done()

	done = o.stage(StageSave)
	addr, size := int64(part.Offset), int64(part.Size)
	if o.FullFlash {
		addr, size = 0, 0
	}
	region, err := chip.Map(addr, size)
	if err != nil {
		return res, fmt.Errorf("map flash: %w", err)
	}
	log.Info("saving image", zap.String("path", o.Output), zap.Int("bytes", len(region)))
	res, err = image.Save(o.Output, region)
	if err != nil {
		return res, err
	}
	if o.DigestFile {
		if _, err := image.WriteDigest(res); err != nil {
			return res, err
		}
	}
	o.Metrics.SetImageBytes(res.Size)
	done()
	log.Info("image complete", zap.String("path", res.Path), zap.Stringer("digest", res.Digest))
	return res, nil
}
