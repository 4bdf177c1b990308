// Package builderr is the error type shared by the image build steps. Every
// failure carries the domain it came from and the native code of that
// domain: an errno for host I/O, a fatfs result for the target volume.
package builderr

import (
	"errors"
	"fmt"
	"syscall"

	"mkfatimg/fatfs"
)

// Kind is the error domain.
type Kind int

const (
	Unknown Kind = iota
	// HostIO is a failed stat, open, read, write or directory listing on
	// the build host.
	HostIO
	// TargetFS is a non-OK result from the FAT engine.
	TargetFS
	// UnsupportedEntryKind is a source entry that is neither a directory
	// nor a regular file.
	UnsupportedEntryKind
	// OutOfMemory is an allocation failure while building paths or buffers.
	OutOfMemory
	// Usage is an invalid command line.
	Usage
)

func (k Kind) String() string {
	switch k {
	case HostIO:
		return "host I/O error"
	case TargetFS:
		return "target filesystem error"
	case UnsupportedEntryKind:
		return "unsupported entry kind"
	case OutOfMemory:
		return "out of memory"
	case Usage:
		return "usage error"
	}
	return "unknown error"
}

// Error is a tagged build error.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "stat", "mkdir", "write"
	Path string
	// Code is the native code: the errno for HostIO, the fatfs.Result
	// for TargetFS, zero otherwise.
	Code int
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " on " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind. A target with a
// non-zero Code must match the code too.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == 0 || t.Code == e.Code)
}

// Sentinels for errors.Is.
var (
	ErrHostIO               = &Error{Kind: HostIO}
	ErrTargetFS             = &Error{Kind: TargetFS}
	ErrUnsupportedEntryKind = &Error{Kind: UnsupportedEntryKind}
	ErrOutOfMemory          = &Error{Kind: OutOfMemory}
	ErrUsage                = &Error{Kind: Usage}
)

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Host wraps an error from the host operating system.
func Host(op, path string, err error) error {
	if err == nil {
		return nil
	}
	e := &Error{Kind: HostIO, Op: op, Path: path, Err: err}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		e.Code = int(errno)
	}
	return e
}

// Target wraps an error returned by the FAT engine. NotEnoughCore is
// reported as OutOfMemory.
func Target(op, path string, err error) error {
	if err == nil {
		return nil
	}
	e := &Error{Kind: TargetFS, Op: op, Path: path, Err: err}
	if code, ok := fatfs.Code(err); ok {
		e.Code = int(code)
		if code == fatfs.NotEnoughCore {
			e.Kind = OutOfMemory
		}
	}
	return e
}

// Unsupported reports a source entry of an unsupported kind.
func Unsupported(path string, mode fmt.Stringer) error {
	return &Error{Kind: UnsupportedEntryKind, Op: "stat", Path: path, Err: fmt.Errorf("mode %v", mode)}
}

// Usagef formats a usage error.
func Usagef(format string, args ...any) error {
	return &Error{Kind: Usage, Err: fmt.Errorf(format, args...)}
}
