package populate

import (
	"path/filepath"
	"strings"
)

// Join joins a target path and a name with a single '/'.
func Join(base, name string) string {
	return join('/', base, name)
}

// JoinHost joins a host path and a name with the host separator.
func JoinHost(base, name string) string {
	return join(filepath.Separator, base, name)
}

// join puts exactly one sep between base and name. Runs of sep are
// collapsed, and the result only ends in sep when name does (or when it is
// the lone root separator).
func join(sep byte, base, name string) string {
	var b strings.Builder
	b.Grow(len(base) + 1 + len(name))
	var last byte
	put := func(s string) {
		for i := 0; i < len(s); i++ {
			c := s[i]
			if c == sep && last == sep {
				continue
			}
			b.WriteByte(c)
			last = c
		}
	}
	put(base)
	if name == "" {
		s := b.String()
		for len(s) > 1 && s[len(s)-1] == sep {
			s = s[:len(s)-1]
		}
		return s
	}
	if b.Len() > 0 && last != sep {
		b.WriteByte(sep)
		last = sep
	}
	put(name)
	return b.String()
}

// Normalize strips leading separators from a target path. The volume root
// is the empty path.
func Normalize(p string) string {
	return strings.TrimLeft(p, "/")
}
