package pipeline

import (
	"fmt"
	"math/bits"
	"os"

	"go.uber.org/zap"

	"mkfatimg/builderr"
	"mkfatimg/fatfs"
	"mkfatimg/flash"
	"mkfatimg/partition"
	"mkfatimg/wl"
)

// OpenOptions describe how an existing image was built.
type OpenOptions struct {
	SectorSize     int
	WLMode         wl.Mode
	TableOffset    int64
	PartitionLabel string
	Logger         *zap.Logger
}

// Image is a built image mounted read-only.
type Image struct {
	*fatfs.FS
	Partition partition.Entry

	vol *wl.Volume
}

// OpenImage loads a partition image, or a full flash image carrying a
// partition table, into an emulated chip and mounts its FAT volume.
func OpenImage(path string, o OpenOptions) (*Image, error) {
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, builderr.Host("open", path, err)
	}
	if len(data) == 0 || len(data)%FlashSectorSize != 0 {
		return nil, fmt.Errorf("%s: size %d is not a multiple of %d", path, len(data), FlashSectorSize)
	}
	chipSize := int64(1) << bits.Len64(uint64(len(data)-1))
	chip, err := flash.New(flash.Config{
		ChipSize:   chipSize,
		BlockSize:  FlashSectorSize,
		SectorSize: FlashSectorSize,
		PageSize:   FlashSectorSize,
	})
	if err != nil {
		return nil, err
	}
	if err := chip.Write(0, data); err != nil {
		return nil, err
	}

	part := partition.Entry{
		Label:   "image",
		Type:    partition.TypeData,
		SubType: partition.SubTypeDataFAT,
		Size:    uint32(len(data)),
	}
	if int64(len(data)) >= o.TableOffset+partition.MaxTableSize {
		if table, err := partition.Read(chip, o.TableOffset); err == nil {
			part, err = table.FindFirst(partition.TypeData, partition.SubTypeDataFAT, o.PartitionLabel)
			if err != nil {
				return nil, fmt.Errorf("%s: find FAT partition %q: %w", path, o.PartitionLabel, err)
			}
			log.Debug("found partition table", zap.Stringer("partition", part))
		}
	}

	vol, err := wl.Mount(chip, part, wl.Config{SectorSize: o.SectorSize, Mode: o.WLMode, Logger: log.Named("wl")})
	if err != nil {
		return nil, fmt.Errorf("%s: mount wear levelling: %w", path, err)
	}
	fsys := new(fatfs.FS)
	if err := fsys.Mount(vol, fatfs.ModeRead, &fatfs.MountOptions{Logger: log.Named("fatfs")}); err != nil {
		vol.Unmount()
		return nil, builderr.Target("mount", path, err)
	}
	return &Image{FS: fsys, Partition: part, vol: vol}, nil
}

// Close unmounts the volume.
func (im *Image) Close() error {
	err := im.FS.Unmount()
	if uerr := im.vol.Unmount(); err == nil {
		err = uerr
	}
	return err
}
