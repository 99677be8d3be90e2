package fsops

import (
	"io/fs"
	"os"
	"path/filepath"
)

// OSFS implements FS using real os package calls
type OSFS struct{}

func (OSFS) Lstat(path string) (fs.FileInfo, error) {
	return os.Lstat(path)
}

func (OSFS) ReadDir(path string) ([]fs.DirEntry, error) {
	return os.ReadDir(path)
}

func (OSFS) Remove(path string) error {
	return os.Remove(path)
}

func (OSFS) Join(elem ...string) string {
	return filepath.Join(elem...)
}
