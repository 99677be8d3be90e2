//go:build unix

package fsops

import (
	"errors"

	"golang.org/x/sys/unix"
)

func classifyErrno(err error) (ErrorKind, bool) {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return KindNone, false
	}
	switch errno {
	case unix.EBUSY, unix.ETXTBSY:
		return KindBusy, true
	case unix.ENOTEMPTY, unix.EEXIST:
		// some systems report EEXIST from rmdir on a non-empty directory
		return KindNotEmpty, true
	case unix.EROFS:
		return KindReadOnly, true
	}
	return KindNone, false
}
