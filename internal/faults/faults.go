// Package faults defines the error taxonomy shared across the transfer
// engine. Every terminal failure surfaced to a caller carries a Kind and,
// where one exists, the offending path, so callers can act without parsing
// message strings.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a transfer failure.
type Kind int

const (
	// KindManifest covers filesystem scan and checksum computation failures.
	KindManifest Kind = iota
	// KindTransport covers connectivity and wire protocol failures.
	KindTransport
	// KindStorage covers disk space, permission, and local I/O failures.
	KindStorage
	// KindIntegrity covers chunk or file checksum mismatches.
	KindIntegrity
	// KindResume covers invalid, corrupted, or expired resume tokens.
	KindResume
)

// String returns the taxonomy name for the kind.
func (k Kind) String() string {
	switch k {
	case KindManifest:
		return "manifest"
	case KindTransport:
		return "transport"
	case KindStorage:
		return "storage"
	case KindIntegrity:
		return "integrity"
	case KindResume:
		return "resume"
	default:
		return "unknown"
	}
}

// Error is a classified transfer failure. Path is empty when the failure
// is not tied to a specific file.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and no path.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf wraps a formatted message with a kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithPath wraps err with a kind and the offending path.
func WithPath(kind Kind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}

// KindOf extracts the Kind from err, if err carries one.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
