//go:build !(linux || darwin || freebsd)

package disk

import "errors"

func statfs(string) (Usage, error) {
	return Usage{}, errors.ErrUnsupported
}

func isStaleErr(error) bool { return false }
