package partition

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"mkfatimg/flash"
)

// ParseCSV parses a partition table in the ESP-IDF CSV format:
//
//	# Name, Type, SubType, Offset, Size, Flags
//	nvs,      data, nvs,     0x9000,  0x6000,
//	storage,  data, fat,     ,        1M,
//
// Empty offsets are allocated after the previous partition, starting right
// after the table sector at tableOffset.
func ParseCSV(r io.Reader, tableOffset int64) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	t := &Table{}
	next := uint32(tableOffset) + dataAlign
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("partition csv: %w", err)
		}
		line, _ := cr.FieldPos(0)
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		if len(rec) == 1 && rec[0] == "" {
			continue
		}
		if len(rec) < 5 {
			return nil, fmt.Errorf("partition csv line %d: want at least 5 fields, got %d", line, len(rec))
		}
		e, err := parseRecord(rec, next)
		if err != nil {
			return nil, fmt.Errorf("partition csv line %d: %w", line, err)
		}
		next = e.End()
		t.Entries = append(t.Entries, e)
	}
	if len(t.Entries) == 0 {
		return nil, errors.New("partition csv: no partitions")
	}
	return t, nil
}

func parseRecord(rec []string, next uint32) (Entry, error) {
	e := Entry{Label: rec[0]}
	var err error
	if e.Type, err = ParseType(rec[1]); err != nil {
		return e, err
	}
	if e.SubType, err = ParseSubType(e.Type, rec[2]); err != nil {
		return e, err
	}

	align := uint32(dataAlign)
	if e.Type == TypeApp {
		align = appAlign
	}
	if rec[3] == "" {
		e.Offset = (next + align - 1) &^ (align - 1)
	} else {
		off, err := flash.ParseSize(rec[3])
		if err != nil {
			return e, fmt.Errorf("offset: %w", err)
		}
		e.Offset = uint32(off)
	}

	size, err := flash.ParseSize(rec[4])
	if err != nil {
		return e, fmt.Errorf("size: %w", err)
	}
	if size <= 0 || size > 0xffffffff {
		return e, fmt.Errorf("size %q out of range", rec[4])
	}
	e.Size = uint32(size)

	if len(rec) > 5 && rec[5] != "" {
		for _, f := range strings.Split(rec[5], ":") {
			switch strings.TrimSpace(f) {
			case "encrypted":
				e.Flags |= FlagEncrypted
			case "readonly":
				e.Flags |= FlagReadOnly
			case "":
			default:
				return e, fmt.Errorf("unknown flag %q", f)
			}
		}
	}
	return e, nil
}

// MarshalCSV renders the table in the CSV format accepted by ParseCSV.
func (t *Table) MarshalCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if _, err := io.WriteString(w, "# Name, Type, SubType, Offset, Size, Flags\n"); err != nil {
		return err
	}
	for _, e := range t.Entries {
		var flags []string
		if e.Flags&FlagEncrypted != 0 {
			flags = append(flags, "encrypted")
		}
		if e.Flags&FlagReadOnly != 0 {
			flags = append(flags, "readonly")
		}
		if err := cw.Write([]string{
			e.Label,
			typeName(e.Type),
			subTypeName(e.Type, e.SubType),
			"0x" + strconv.FormatUint(uint64(e.Offset), 16),
			"0x" + strconv.FormatUint(uint64(e.Size), 16),
			strings.Join(flags, ":"),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func parseUint(s string, max uint64) (uint64, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, err
	}
	if n > max {
		return 0, fmt.Errorf("%d out of range", n)
	}
	return n, nil
}
