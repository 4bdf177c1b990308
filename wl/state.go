package wl

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	stateLen  = 64 // encoded size of state
	configLen = 36 // encoded size of config

	crcInit = 0xffffffff
)

// state mirrors the on-flash wear-levelling state. Two identical copies are
// kept so an interrupted update can be recovered.
type state struct {
	Pos         uint32 // physical index of the dummy sector
	MaxPos      uint32
	MoveCount   uint32
	AccessCount uint32
	MaxCount    uint32
	BlockSize   uint32
	Version     uint32
	DeviceID    uint32
	Reserved    [7]uint32
	CRC         uint32
}

func (s *state) marshal() []byte {
	b := make([]byte, stateLen)
	le := binary.LittleEndian
	le.PutUint32(b[0:], s.Pos)
	le.PutUint32(b[4:], s.MaxPos)
	le.PutUint32(b[8:], s.MoveCount)
	le.PutUint32(b[12:], s.AccessCount)
	le.PutUint32(b[16:], s.MaxCount)
	le.PutUint32(b[20:], s.BlockSize)
	le.PutUint32(b[24:], s.Version)
	le.PutUint32(b[28:], s.DeviceID)
	for i, r := range s.Reserved {
		le.PutUint32(b[32+4*i:], r)
	}
	le.PutUint32(b[60:], s.CRC)
	return b
}

func unmarshalState(b []byte) state {
	le := binary.LittleEndian
	s := state{
		Pos:         le.Uint32(b[0:]),
		MaxPos:      le.Uint32(b[4:]),
		MoveCount:   le.Uint32(b[8:]),
		AccessCount: le.Uint32(b[12:]),
		MaxCount:    le.Uint32(b[16:]),
		BlockSize:   le.Uint32(b[20:]),
		Version:     le.Uint32(b[24:]),
		DeviceID:    le.Uint32(b[28:]),
		CRC:         le.Uint32(b[60:]),
	}
	for i := range s.Reserved {
		s.Reserved[i] = le.Uint32(b[32+4*i:])
	}
	return s
}

// seal computes the checksum over every field but the checksum itself.
func (s *state) seal() {
	s.CRC = crc32.Update(crcInit, crc32.IEEETable, s.marshal()[:stateLen-4])
}

func (s *state) valid() bool {
	return s.CRC == crc32.Update(crcInit, crc32.IEEETable, s.marshal()[:stateLen-4])
}

// config is the on-flash copy of the parameters the volume was laid out with.
type config struct {
	StartAddr    uint32
	FullMemSize  uint32
	PageSize     uint32
	SectorSize   uint32
	UpdateRate   uint32
	WriteSize    uint32
	Version      uint32
	TempBuffSize uint32
	CRC          uint32
}

func (c *config) marshal() []byte {
	b := make([]byte, configLen)
	le := binary.LittleEndian
	for i, v := range []uint32{c.StartAddr, c.FullMemSize, c.PageSize, c.SectorSize, c.UpdateRate, c.WriteSize, c.Version, c.TempBuffSize, c.CRC} {
		le.PutUint32(b[4*i:], v)
	}
	return b
}

func unmarshalConfig(b []byte) config {
	le := binary.LittleEndian
	return config{
		StartAddr:    le.Uint32(b[0:]),
		FullMemSize:  le.Uint32(b[4:]),
		PageSize:     le.Uint32(b[8:]),
		SectorSize:   le.Uint32(b[12:]),
		UpdateRate:   le.Uint32(b[16:]),
		WriteSize:    le.Uint32(b[20:]),
		Version:      le.Uint32(b[24:]),
		TempBuffSize: le.Uint32(b[28:]),
		CRC:          le.Uint32(b[32:]),
	}
}

func (c *config) seal() {
	c.CRC = crc32.Update(crcInit, crc32.IEEETable, c.marshal()[:configLen-4])
}

func (c *config) valid() bool {
	return c.CRC == crc32.Update(crcInit, crc32.IEEETable, c.marshal()[:configLen-4])
}
