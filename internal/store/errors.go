package store

import (
	"errors"
	"fmt"
)

// Kind classifies a storage failure for the caller's retry decision.
type Kind int

const (
	KindNotFound Kind = iota
	KindPermissionDenied
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPermissionDenied:
		return "permission_denied"
	case KindTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// Error wraps an underlying storage error with its kind and object path.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a NotFound storage error.
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return hasKind(err, KindTransient) }

func hasKind(err error, k Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == k
}
