//go:build linux || darwin || freebsd

package disk

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

func statfs(path string) (Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Usage{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	return Usage{
		FreeBytes:  uint64(st.Bavail) * bsize,
		TotalBytes: uint64(st.Blocks) * bsize,
	}, nil
}

func isStaleErr(err error) bool {
	return errors.Is(err, unix.ESTALE) || errors.Is(err, unix.EIO) || errors.Is(err, unix.ENXIO)
}
