// Package vdoerr defines the engine's error taxonomy (§7) and the single
// translation table mapping error kinds onto the host errno scheme at the
// block-device boundary.
package vdoerr

import (
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
)

// Kind classifies a failure by how the engine must react to it, per the
// propagation policy in §7.
type Kind int

const (
	// OutOfRange: a PBN or LBN lies beyond the configured geometry.
	OutOfRange Kind = iota
	// OutOfSpace: the slab depot has no free physical blocks.
	OutOfSpace
	// InvalidFragment: decompression failed or a packed header was malformed.
	InvalidFragment
	// ReadOnly: the engine has latched read-only after an unrecoverable error.
	ReadOnly
	// Unrecoverable: metadata corruption; the caller must drain the device.
	Unrecoverable
	// Timeout: a dedup advice query did not complete in time.
	Timeout
	// Protocol: an admin-state invariant was violated.
	Protocol
	// BackingIO: the lower device reported a failure.
	BackingIO
)

func (k Kind) String() string {
	switch k {
	case OutOfRange:
		return "out_of_range"
	case OutOfSpace:
		return "out_of_space"
	case InvalidFragment:
		return "invalid_fragment"
	case ReadOnly:
		return "read_only"
	case Unrecoverable:
		return "unrecoverable"
	case Timeout:
		return "timeout"
	case Protocol:
		return "protocol"
	case BackingIO:
		return "backing_io"
	default:
		return "unknown"
	}
}

// Error is a Kind-tagged error. It wraps an optional underlying cause so
// errors.Is/errors.As continue to work against both the Kind and the cause.
type Error struct {
	Kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	if e.msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a Kind-tagged error with a message, no underlying cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, msg: msg}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an underlying error, preserving it for
// errors.Unwrap/errors.Is.
func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, msg: msg, cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, defaulting to Unrecoverable for unclassified errors reaching the
// boundary — an unclassified failure is treated conservatively.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unrecoverable
}

// Recoverable reports whether kind is handled locally by falling back to
// the uncompressed, non-deduped write path rather than failing the bio.
func Recoverable(kind Kind) bool {
	switch kind {
	case OutOfSpace, Timeout, InvalidFragment:
		return true
	default:
		return false
	}
}

// Errno translates a Kind to the host errno scheme at the block-device
// boundary (§6).
func Errno(kind Kind) syscall.Errno {
	switch kind {
	case OutOfRange:
		return syscall.ERANGE
	case OutOfSpace:
		return syscall.ENOSPC
	case InvalidFragment:
		return syscall.EILSEQ
	case ReadOnly:
		return syscall.EROFS
	case Unrecoverable:
		return syscall.EIO
	case Timeout:
		return syscall.ETIMEDOUT
	case Protocol:
		return syscall.EPROTO
	case BackingIO:
		return syscall.EIO
	default:
		return syscall.EIO
	}
}

// Latch is the read-only-latch primitive the engine consults when it
// admits a write: once latched, all subsequent writes fail fast with
// ReadOnly while reads continue if possible. Writes admitted before the
// latch trips are not re-checked. The zero value is unlatched.
type Latch struct {
	latched atomic.Bool
}

// Trip latches the device read-only. It is idempotent.
func (l *Latch) Trip() { l.latched.Store(true) }

// Tripped reports whether the device is currently latched read-only.
func (l *Latch) Tripped() bool { return l.latched.Load() }

// CheckWrite returns ReadOnly if the latch is tripped, nil otherwise. The
// engine calls it once per write, before the write is admitted.
func (l *Latch) CheckWrite() error {
	if l.latched.Load() {
		return New(ReadOnly, "device is latched read-only")
	}
	return nil
}
