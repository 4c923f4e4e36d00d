// Package caserr defines the error taxonomy shared by the codec, the
// content store and the virtual filesystem.
package caserr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// KindBadDirectoryBlob covers bad magic, bad length header, truncated
	// payload, unknown format tag, and invalid payload for the declared
	// format.
	KindBadDirectoryBlob      Kind = "BAD_DIRECTORY_BLOB"
	KindNoSuchEntry           Kind = "NO_SUCH_ENTRY"
	KindDirectoryNotInStorage Kind = "DIRECTORY_NOT_IN_STORAGE"
	KindNotADirectory         Kind = "NOT_A_DIRECTORY"
	KindEscapesRoot           Kind = "ESCAPES_ROOT"
	KindInvalidSymlink        Kind = "INVALID_SYMLINK"
	KindUnsupportedFormat     Kind = "UNSUPPORTED_FORMAT"
	KindCasIo                 Kind = "CAS_IO"
)

type Error struct {
	Kind Kind
	Path string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Path != "" {
		s += " " + e.Path
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Msg: msg}
}

func Newf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// NewPath builds an error carrying the offending path component.
func NewPath(k Kind, path, msg string) *Error {
	return &Error{Kind: k, Path: path, Msg: msg}
}

func Wrap(k Kind, err error, msg string) *Error {
	return &Error{Kind: k, Msg: msg, Err: err}
}

// IsKind reports whether err or any error it wraps is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
