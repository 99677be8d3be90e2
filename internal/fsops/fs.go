package fsops

import "io/fs"

// FS is the host filesystem surface the remover walks.
// Implementations must not follow symlinks in Lstat or Remove.
type FS interface {
	// Lstat describes path without following a trailing symlink.
	Lstat(path string) (fs.FileInfo, error)
	// ReadDir lists the immediate entries of a directory.
	ReadDir(path string) ([]fs.DirEntry, error)
	// Remove unlinks a non-directory or removes an empty directory.
	Remove(path string) error
	// Join builds a child path in the implementation's path syntax.
	Join(elem ...string) string
}
