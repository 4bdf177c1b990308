// Package flash emulates a NOR SPI flash chip in host memory. The whole chip
// is one contiguous buffer which can be mapped and dumped once the filesystem
// layers on top of it are done.
package flash

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Op identifies the kind of access reported to observers.
type Op int

const (
	OpErase Op = iota
	OpProgram
)

func (o Op) String() string {
	switch o {
	case OpErase:
		return "erase"
	case OpProgram:
		return "program"
	}
	return "op" + strconv.Itoa(int(o))
}

// Event describes one erase or program access.
type Event struct {
	Op   Op
	Addr int64
	Len  int64
}

// Config describes the chip geometry. SectorSize is the erase unit.
type Config struct {
	ChipSize   int64
	BlockSize  int64
	SectorSize int64
	PageSize   int64
}

var (
	errOutOfRange = errors.New("flash: access out of range")
	errUnaligned  = errors.New("flash: erase not sector aligned")
)

// Validate checks that the geometry is consistent.
func (c Config) Validate() error {
	for _, v := range []struct {
		name string
		n    int64
	}{
		{"chip size", c.ChipSize},
		{"block size", c.BlockSize},
		{"sector size", c.SectorSize},
		{"page size", c.PageSize},
	} {
		if v.n <= 0 {
			return fmt.Errorf("flash: %s must be positive, got %d", v.name, v.n)
		}
		if v.n&(v.n-1) != 0 {
			return fmt.Errorf("flash: %s must be a power of two, got %d", v.name, v.n)
		}
	}
	if c.BlockSize%c.SectorSize != 0 {
		return fmt.Errorf("flash: block size %d not a multiple of sector size %d", c.BlockSize, c.SectorSize)
	}
	if c.SectorSize%c.PageSize != 0 {
		return fmt.Errorf("flash: sector size %d not a multiple of page size %d", c.SectorSize, c.PageSize)
	}
	if c.ChipSize%c.BlockSize != 0 {
		return fmt.Errorf("flash: chip size %d not a multiple of block size %d", c.ChipSize, c.BlockSize)
	}
	return nil
}

// Chip is an emulated flash chip. It is not safe for concurrent use.
type Chip struct {
	cfg       Config
	buf       []byte
	erases    []uint32
	observers []func(Event)
}

// New allocates an erased chip.
func New(cfg Config) (*Chip, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Chip{
		cfg:    cfg,
		buf:    make([]byte, cfg.ChipSize),
		erases: make([]uint32, cfg.ChipSize/cfg.SectorSize),
	}
	for i := range c.buf {
		c.buf[i] = 0xff
	}
	return c, nil
}

// Config returns the geometry the chip was created with.
func (c *Chip) Config() Config { return c.cfg }

// Size returns the chip size in bytes.
func (c *Chip) Size() int64 { return c.cfg.ChipSize }

// SectorSize returns the erase unit in bytes.
func (c *Chip) SectorSize() int64 { return c.cfg.SectorSize }

// Observe registers fn to be called after every erase and program access.
func (c *Chip) Observe(fn func(Event)) {
	c.observers = append(c.observers, fn)
}

func (c *Chip) notify(ev Event) {
	for _, fn := range c.observers {
		fn(ev)
	}
}

func (c *Chip) check(addr, n int64) error {
	if addr < 0 || n < 0 || addr+n > int64(len(c.buf)) {
		return fmt.Errorf("%w: [%#x, %#x) on %#x byte chip", errOutOfRange, addr, addr+n, len(c.buf))
	}
	return nil
}

// Read copies len(dst) bytes starting at addr into dst.
func (c *Chip) Read(addr int64, dst []byte) error {
	if err := c.check(addr, int64(len(dst))); err != nil {
		return err
	}
	copy(dst, c.buf[addr:])
	return nil
}

// Write programs src at addr. Like real NOR flash, programming can only clear
// bits, so the stored value is the AND of the old and the new contents.
func (c *Chip) Write(addr int64, src []byte) error {
	if err := c.check(addr, int64(len(src))); err != nil {
		return err
	}
	dst := c.buf[addr : addr+int64(len(src))]
	for i, b := range src {
		dst[i] &= b
	}
	c.notify(Event{Op: OpProgram, Addr: addr, Len: int64(len(src))})
	return nil
}

// EraseRange resets [addr, addr+size) to 0xFF. Both bounds must be sector
// aligned.
func (c *Chip) EraseRange(addr, size int64) error {
	if err := c.check(addr, size); err != nil {
		return err
	}
	ss := c.cfg.SectorSize
	if addr%ss != 0 || size%ss != 0 {
		return fmt.Errorf("%w: [%#x, %#x)", errUnaligned, addr, addr+size)
	}
	region := c.buf[addr : addr+size]
	for i := range region {
		region[i] = 0xff
	}
	for s := addr / ss; s < (addr+size)/ss; s++ {
		c.erases[s]++
	}
	c.notify(Event{Op: OpErase, Addr: addr, Len: size})
	return nil
}

// EraseCount returns how often the given sector index was erased.
func (c *Chip) EraseCount(sector int64) uint32 {
	if sector < 0 || sector >= int64(len(c.erases)) {
		return 0
	}
	return c.erases[sector]
}

// Map returns a view of [addr, addr+size) backed by the chip buffer. Address
// 0 with size 0 maps the whole chip. The view aliases the chip contents; it
// must not be written to while a filesystem is mounted on the chip.
func (c *Chip) Map(addr, size int64) ([]byte, error) {
	if addr == 0 && size == 0 {
		return c.buf, nil
	}
	if err := c.check(addr, size); err != nil {
		return nil, err
	}
	return c.buf[addr : addr+size : addr+size], nil
}

// ParseSize parses chip and partition sizes such as "4MB", "512K", "0x100000"
// or "1048576".
func ParseSize(s string) (int64, error) {
	ss := strings.TrimSpace(strings.ToUpper(s))
	if ss == "" {
		return 0, errors.New("empty size")
	}
	if strings.HasPrefix(ss, "0X") {
		v, err := strconv.ParseInt(ss[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", s, err)
		}
		return v, nil
	}
	ss = strings.TrimSuffix(ss, "B")
	mult := int64(1)
	switch {
	case strings.HasSuffix(ss, "K"):
		mult = 1024
		ss = strings.TrimSuffix(ss, "K")
	case strings.HasSuffix(ss, "M"):
		mult = 1024 * 1024
		ss = strings.TrimSuffix(ss, "M")
	case strings.HasSuffix(ss, "G"):
		mult = 1024 * 1024 * 1024
		ss = strings.TrimSuffix(ss, "G")
	}
	v, err := strconv.ParseInt(ss, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid size %q: negative", s)
	}
	return v * mult, nil
}
