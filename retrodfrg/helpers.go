package retrodfrg

import (
	"fmt"
	"time"
)

// Human formats a byte count with a binary unit suffix. Inexact values get
// one decimal, truncated, so a size is never shown larger than it is.
func Human(b int64) string {
	units := []struct {
		shift  uint
		suffix string
	}{{30, "G"}, {20, "M"}, {10, "K"}}
	for _, u := range units {
		if b < 1<<u.shift {
			continue
		}
		whole := b >> u.shift
		rem := b - whole<<u.shift
		if rem == 0 {
			return fmt.Sprintf("%d%s", whole, u.suffix)
		}
		return fmt.Sprintf("%d.%d%s", whole, rem*10>>u.shift, u.suffix)
	}
	return fmt.Sprintf("%dB", b)
}

// WaitWithStop keeps the final screen up for d, or until the user quits.
func WaitWithStop(u *UI, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-u.Done():
		return ErrInterrupted
	case <-timer.C:
		return nil
	}
}
