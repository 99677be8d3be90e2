package fsops

import (
	"context"
	"errors"
	"io/fs"
)

// ErrNotEmpty is returned by FakeFS when removing a directory that still has entries.
// Real filesystems report ENOTEMPTY, which Classify maps to the same kind.
var ErrNotEmpty = errors.New("directory not empty")

// ErrorKind is the failure taxonomy reported for a single filesystem operation.
type ErrorKind string

const (
	KindNone       ErrorKind = ""
	KindNotFound   ErrorKind = "not_found"
	KindPermission ErrorKind = "permission"
	KindBusy       ErrorKind = "busy"
	KindNotEmpty   ErrorKind = "not_empty"
	KindReadOnly   ErrorKind = "read_only"
	KindCanceled   ErrorKind = "canceled"
	KindRefused    ErrorKind = "refused"
	KindIO         ErrorKind = "io"
)

// Classify maps an error from an FS call onto an ErrorKind.
// Anything unrecognized is KindIO.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, fs.ErrNotExist):
		return KindNotFound
	case errors.Is(err, ErrNotEmpty):
		return KindNotEmpty
	case errors.Is(err, fs.ErrPermission):
		return KindPermission
	}
	if kind, ok := classifyErrno(err); ok {
		return kind
	}
	return KindIO
}
