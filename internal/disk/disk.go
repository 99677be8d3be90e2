package disk

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Usage is filesystem capacity as seen by an unprivileged user.
type Usage struct {
	FreeBytes  uint64
	TotalBytes uint64
}

// UsedPercent returns the used share of the filesystem, 0 when unknown.
func (u Usage) UsedPercent() float64 {
	if u.TotalBytes == 0 {
		return 0
	}
	return float64(u.TotalBytes-u.FreeBytes) / float64(u.TotalBytes) * 100.0
}

// GetUsage statfs's the nearest existing ancestor of path, so a target that
// was just removed still reports the filesystem it lived on.
func GetUsage(path string) (Usage, error) {
	p, err := nearestExisting(path)
	if err != nil {
		return Usage{}, err
	}
	return statfs(p)
}

// FreeBytes returns the space available on the filesystem holding path.
func FreeBytes(path string) (uint64, error) {
	u, err := GetUsage(path)
	if err != nil {
		return 0, err
	}
	return u.FreeBytes, nil
}

func nearestExisting(path string) (string, error) {
	p := filepath.Clean(path)
	for {
		_, err := os.Lstat(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		p = parent
	}
}

// IsStale reports whether path sits on a stale or hung mount: an Lstat that
// fails with ESTALE, EIO or ENXIO, or does not return within timeout.
// A missing path is not stale.
func IsStale(path string, timeout time.Duration) bool {
	done := make(chan error, 1)
	go func() {
		_, err := os.Lstat(path)
		done <- err
	}()

	select {
	case err := <-done:
		return isStaleErr(err)
	case <-time.After(timeout):
		return true
	}
}
