// Package wl implements the ESP-IDF wear-levelling layout over a flash
// partition and exposes it as a block device.
//
// In Safe mode the partition ends with two copies of the wear-levelling state
// followed by a config sector, and one dummy sector is reserved in the data
// area. The layer lays out a fresh state and translates addresses around the
// dummy sector; it never rotates the dummy sector itself, which is enough for
// images that are written once on the host and handed to the device.
package wl

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mkfatimg/partition"
)

// Mode selects how the partition is laid out.
type Mode int

const (
	// Safe reserves the wear-levelling state and dummy sectors the device
	// runtime expects. This is the default.
	Safe Mode = iota
	// Raw maps the partition one to one, for targets that mount FAT
	// without wear levelling.
	Raw
)

func (m Mode) String() string {
	switch m {
	case Safe:
		return "safe"
	case Raw:
		return "raw"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts "safe" or "raw".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "safe", "":
		return Safe, nil
	case "raw":
		return Raw, nil
	}
	return 0, fmt.Errorf("unknown wear-levelling mode %q", s)
}

// Flash is the part of the emulated chip the layer needs.
type Flash interface {
	Read(addr int64, dst []byte) error
	Write(addr int64, src []byte) error
	EraseRange(addr, size int64) error
	SectorSize() int64
}

// Config holds the wear-levelling parameters.
type Config struct {
	// SectorSize is the logical block size presented to the filesystem. It
	// must divide the flash sector size. Zero means the flash sector size.
	SectorSize int
	UpdateRate uint32
	WriteSize  uint32
	Version    uint32
	DeviceID   uint32
	Mode       Mode
	Logger     *zap.Logger
}

// DefaultConfig returns the parameters ESP-IDF uses out of the box.
func DefaultConfig() Config {
	return Config{
		UpdateRate: 16,
		WriteSize:  16,
		Version:    2,
	}
}

var (
	// ErrUnmounted is returned by every operation on an unmounted volume.
	ErrUnmounted = errors.New("wl: volume not mounted")

	errRange = errors.New("wl: block access out of range")
)

// Volume is a mounted wear-levelled partition.
type Volume struct {
	flash Flash
	log   *zap.Logger
	cfg   Config
	part  partition.Entry

	base      int64 // partition start on the chip
	pageSize  int64 // flash erase unit
	blockSize int64 // logical block size
	flashSize int64 // usable bytes

	stateSize   int64
	addrState1  int64
	addrState2  int64
	addrConfig  int64
	st          state
	initialized bool
	mounted     bool
	page        []byte
	pageWrites  uint64
}

// Mount lays the wear-levelling layer over part. An existing valid state is
// reused, otherwise a fresh one is written.
func Mount(f Flash, part partition.Entry, cfg Config) (*Volume, error) {
	def := DefaultConfig()
	if cfg.UpdateRate == 0 {
		cfg.UpdateRate = def.UpdateRate
	}
	if cfg.WriteSize == 0 {
		cfg.WriteSize = def.WriteSize
	}
	if cfg.Version == 0 {
		cfg.Version = def.Version
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ps := f.SectorSize()
	if cfg.SectorSize == 0 {
		cfg.SectorSize = int(ps)
	}
	bs := int64(cfg.SectorSize)
	if bs <= 0 || bs > ps || ps%bs != 0 || bs&(bs-1) != 0 {
		return nil, fmt.Errorf("wl: sector size %d must be a power of two dividing the flash sector size %d", bs, ps)
	}
	if int64(part.Offset)%ps != 0 || int64(part.Size)%ps != 0 {
		return nil, fmt.Errorf("wl: partition %q not aligned to flash sectors", part.Label)
	}

	v := &Volume{
		flash:     f,
		log:       cfg.Logger.With(zap.String("partition", part.Label)),
		cfg:       cfg,
		part:      part,
		base:      int64(part.Offset),
		pageSize:  ps,
		blockSize: bs,
		page:      make([]byte, ps),
	}
	full := int64(part.Size)

	if cfg.Mode == Raw {
		v.flashSize = full
		v.mounted = true
		v.log.Debug("mounted raw volume", zap.Int64("size", v.flashSize))
		return v, nil
	}

	v.stateSize = ps
	if need := int64(stateLen) + full/ps*int64(cfg.WriteSize); v.stateSize < need {
		v.stateSize = (need + ps - 1) / ps * ps
	}
	cfgSize := ps
	v.addrConfig = full - cfgSize
	v.addrState1 = full - 2*v.stateSize - cfgSize
	v.addrState2 = full - v.stateSize - cfgSize
	v.flashSize = ((full-2*v.stateSize-cfgSize)/ps - 1) * ps
	if v.flashSize <= 0 {
		return nil, fmt.Errorf("wl: partition %q of %d bytes too small for wear levelling", part.Label, full)
	}

	if err := v.loadState(); err != nil {
		return nil, err
	}
	v.mounted = true
	v.log.Debug("mounted wear-levelled volume",
		zap.Int64("size", v.flashSize),
		zap.Int64("state_size", v.stateSize),
		zap.Bool("fresh", v.initialized),
		zap.Uint32("device_id", v.st.DeviceID))
	return v, nil
}

func (v *Volume) loadState() error {
	buf := make([]byte, stateLen)
	if err := v.flash.Read(v.base+v.addrState1, buf); err != nil {
		return fmt.Errorf("wl: read state: %w", err)
	}
	s1 := unmarshalState(buf)
	if err := v.flash.Read(v.base+v.addrState2, buf); err != nil {
		return fmt.Errorf("wl: read state: %w", err)
	}
	s2 := unmarshalState(buf)
	cb := make([]byte, configLen)
	if err := v.flash.Read(v.base+v.addrConfig, cb); err != nil {
		return fmt.Errorf("wl: read config: %w", err)
	}
	stored := unmarshalConfig(cb)
	cfgOK := stored.valid() && stored == v.layoutConfig()

	switch {
	case cfgOK && s1.valid() && s2.valid() && s1 == s2:
		v.st = s1
	case cfgOK && s1.valid():
		v.st = s1
		return v.writeState(v.addrState2)
	case cfgOK && s2.valid():
		v.st = s2
		return v.writeState(v.addrState1)
	default:
		return v.initSections()
	}
	if v.st.MaxPos != uint32(1+v.flashSize/v.pageSize) || v.st.BlockSize != uint32(v.pageSize) {
		return v.initSections()
	}
	return nil
}

func (v *Volume) layoutConfig() config {
	c := config{
		StartAddr:    uint32(v.base),
		FullMemSize:  v.part.Size,
		PageSize:     uint32(v.pageSize),
		SectorSize:   uint32(v.pageSize),
		UpdateRate:   v.cfg.UpdateRate,
		WriteSize:    v.cfg.WriteSize,
		Version:      v.cfg.Version,
		TempBuffSize: 32,
	}
	c.seal()
	return c
}

// initSections writes a fresh state: dummy sector at position 0, no moves.
func (v *Volume) initSections() error {
	v.st = state{
		Pos:       0,
		MaxPos:    uint32(1 + v.flashSize/v.pageSize),
		MaxCount:  uint32(v.flashSize / v.stateSize * int64(v.cfg.UpdateRate)),
		BlockSize: uint32(v.pageSize),
		Version:   v.cfg.Version,
		DeviceID:  v.cfg.DeviceID,
	}
	v.st.seal()
	if err := v.writeState(v.addrState1); err != nil {
		return err
	}
	if err := v.writeState(v.addrState2); err != nil {
		return err
	}
	c := v.layoutConfig()
	if err := v.flash.EraseRange(v.base+v.addrConfig, v.pageSize); err != nil {
		return fmt.Errorf("wl: erase config: %w", err)
	}
	if err := v.flash.Write(v.base+v.addrConfig, c.marshal()); err != nil {
		return fmt.Errorf("wl: write config: %w", err)
	}
	v.initialized = true
	return nil
}

func (v *Volume) writeState(addr int64) error {
	if err := v.flash.EraseRange(v.base+addr, v.stateSize); err != nil {
		return fmt.Errorf("wl: erase state: %w", err)
	}
	if err := v.flash.Write(v.base+addr, v.st.marshal()); err != nil {
		return fmt.Errorf("wl: write state: %w", err)
	}
	return nil
}

// physAddr translates a logical byte address into a chip address. The
// logical space is rotated by MoveCount pages and skips the dummy page.
func (v *Volume) physAddr(addr int64) int64 {
	if v.cfg.Mode == Raw {
		return v.base + addr
	}
	ps := v.pageSize
	res := (v.flashSize - int64(v.st.MoveCount)*ps + addr) % v.flashSize
	if res >= int64(v.st.Pos)*ps {
		res += ps
	}
	return v.base + res
}

// BlockSize returns the logical block size.
func (v *Volume) BlockSize() int { return int(v.blockSize) }

// Size returns the number of usable bytes.
func (v *Volume) Size() int64 { return v.flashSize }

// Fresh reports whether Mount had to lay out a new state.
func (v *Volume) Fresh() bool { return v.initialized }

// Partition returns the partition the volume is mounted on.
func (v *Volume) Partition() partition.Entry { return v.part }

func (v *Volume) span(n int, start int64) (int64, error) {
	if !v.mounted {
		return 0, ErrUnmounted
	}
	if int64(n)%v.blockSize != 0 {
		return 0, fmt.Errorf("wl: buffer length %d not a multiple of block size %d", n, v.blockSize)
	}
	off := start * v.blockSize
	if start < 0 || off+int64(n) > v.flashSize {
		return 0, fmt.Errorf("%w: blocks [%d, %d) of %d", errRange, start, start+int64(n)/v.blockSize, v.flashSize/v.blockSize)
	}
	return off, nil
}

// ReadBlocks reads len(dst)/BlockSize blocks starting at startBlock.
func (v *Volume) ReadBlocks(dst []byte, startBlock int64) error {
	off, err := v.span(len(dst), startBlock)
	if err != nil {
		return err
	}
	for len(dst) > 0 {
		n := v.pageSize - off%v.pageSize
		if n > int64(len(dst)) {
			n = int64(len(dst))
		}
		if err := v.flash.Read(v.physAddr(off), dst[:n]); err != nil {
			return fmt.Errorf("wl: read: %w", err)
		}
		dst = dst[n:]
		off += n
	}
	return nil
}

// WriteBlocks writes data starting at startBlock. Flash pages only partly
// covered by data are read back and merged before they are erased.
func (v *Volume) WriteBlocks(data []byte, startBlock int64) error {
	off, err := v.span(len(data), startBlock)
	if err != nil {
		return err
	}
	for len(data) > 0 {
		inPage := off % v.pageSize
		n := v.pageSize - inPage
		if n > int64(len(data)) {
			n = int64(len(data))
		}
		pageAddr := v.physAddr(off - inPage)
		src := data[:n]
		if n != v.pageSize {
			if err := v.flash.Read(pageAddr, v.page); err != nil {
				return fmt.Errorf("wl: read-modify-write: %w", err)
			}
			copy(v.page[inPage:], src)
			src = v.page
		}
		if err := v.flash.EraseRange(pageAddr, v.pageSize); err != nil {
			return fmt.Errorf("wl: erase: %w", err)
		}
		if err := v.flash.Write(pageAddr, src); err != nil {
			return fmt.Errorf("wl: program: %w", err)
		}
		v.pageWrites++
		data = data[n:]
		off += n
	}
	return nil
}

// PageWrites returns how many flash sectors were rewritten since Mount.
func (v *Volume) PageWrites() uint64 { return v.pageWrites }

// Unmount detaches the volume. Later block accesses fail with ErrUnmounted.
func (v *Volume) Unmount() error {
	if !v.mounted {
		return ErrUnmounted
	}
	v.mounted = false
	v.log.Debug("unmounted volume", zap.Uint64("page_writes", v.pageWrites))
	return nil
}
