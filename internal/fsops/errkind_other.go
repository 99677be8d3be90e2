//go:build !unix

package fsops

func classifyErrno(error) (ErrorKind, bool) {
	return KindNone, false
}
