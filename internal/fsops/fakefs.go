package fsops

import (
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// Op names a FakeFS operation for call recording and error injection.
type Op string

const (
	OpLstat   Op = "lstat"
	OpReadDir Op = "readdir"
	OpRemove  Op = "rm"
)

// FakeFS is an in-memory FS for tests.
// Paths are slash-separated and cleaned; every call is recorded as "op:path".
// Remove on a directory with entries fails with ErrNotEmpty, like rmdir(2).
type FakeFS struct {
	mu     sync.Mutex
	nodes  map[string]*fakeNode
	faults map[string]error
	vanish map[string]bool
	Calls  []string
}

type fakeNode struct {
	mode fs.FileMode
	size int64
}

// NewFakeFS returns an empty FakeFS containing only "/".
func NewFakeFS() *FakeFS {
	return &FakeFS{
		nodes:  map[string]*fakeNode{"/": {mode: fs.ModeDir | 0o755}},
		faults: make(map[string]error),
		vanish: make(map[string]bool),
	}
}

// AddFile creates a regular file of the given size, creating parents as needed.
func (f *FakeFS) AddFile(p string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	f.mkdirAllLocked(path.Dir(p))
	f.nodes[p] = &fakeNode{mode: 0o644, size: size}
}

// AddDir creates a directory and its parents.
func (f *FakeFS) AddDir(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirAllLocked(path.Clean(p))
}

// AddSymlink creates a symlink entry. The target is not tracked; FakeFS never follows links.
func (f *FakeFS) AddSymlink(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	f.mkdirAllLocked(path.Dir(p))
	f.nodes[p] = &fakeNode{mode: fs.ModeSymlink | 0o777}
}

// Fail makes every subsequent op on p return err.
func (f *FakeFS) Fail(op Op, p string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[faultKey(op, path.Clean(p))] = err
}

// Vanish makes the next op on p delete p and everything below it, then fail
// with fs.ErrNotExist, as if another process removed it first.
func (f *FakeFS) Vanish(op Op, p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vanish[faultKey(op, path.Clean(p))] = true
}

// Exists reports whether p is present.
func (f *FakeFS) Exists(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[path.Clean(p)]
	return ok
}

// CallsFor returns the recorded calls for one op, in order.
func (f *FakeFS) CallsFor(op Op) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := string(op) + ":"
	var out []string
	for _, c := range f.Calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, strings.TrimPrefix(c, prefix))
		}
	}
	return out
}

func (f *FakeFS) Lstat(p string) (fs.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	if err := f.recordLocked(OpLstat, p); err != nil {
		return nil, err
	}
	n, ok := f.nodes[p]
	if !ok {
		return nil, &fs.PathError{Op: "lstat", Path: p, Err: fs.ErrNotExist}
	}
	return fakeInfo{name: path.Base(p), node: *n}, nil
}

func (f *FakeFS) ReadDir(p string) ([]fs.DirEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	if err := f.recordLocked(OpReadDir, p); err != nil {
		return nil, err
	}
	n, ok := f.nodes[p]
	if !ok {
		return nil, &fs.PathError{Op: "readdirent", Path: p, Err: fs.ErrNotExist}
	}
	if !n.mode.IsDir() {
		return nil, &fs.PathError{Op: "readdirent", Path: p, Err: fs.ErrInvalid}
	}
	children := f.childrenLocked(p)
	entries := make([]fs.DirEntry, 0, len(children))
	for _, c := range children {
		entries = append(entries, fs.FileInfoToDirEntry(fakeInfo{name: path.Base(c), node: *f.nodes[c]}))
	}
	return entries, nil
}

func (f *FakeFS) Remove(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = path.Clean(p)
	if err := f.recordLocked(OpRemove, p); err != nil {
		return err
	}
	n, ok := f.nodes[p]
	if !ok {
		return &fs.PathError{Op: "remove", Path: p, Err: fs.ErrNotExist}
	}
	if n.mode.IsDir() && len(f.childrenLocked(p)) > 0 {
		return &fs.PathError{Op: "remove", Path: p, Err: ErrNotEmpty}
	}
	delete(f.nodes, p)
	return nil
}

func (f *FakeFS) Join(elem ...string) string {
	return path.Join(elem...)
}

func (f *FakeFS) recordLocked(op Op, p string) error {
	f.Calls = append(f.Calls, string(op)+":"+p)
	if key := faultKey(op, p); f.vanish[key] {
		delete(f.vanish, key)
		for n := range f.nodes {
			if n == p || strings.HasPrefix(n, p+"/") {
				delete(f.nodes, n)
			}
		}
		return &fs.PathError{Op: string(op), Path: p, Err: fs.ErrNotExist}
	}
	if err, ok := f.faults[faultKey(op, p)]; ok {
		return &fs.PathError{Op: string(op), Path: p, Err: err}
	}
	return nil
}

func (f *FakeFS) mkdirAllLocked(p string) {
	for cur := p; ; cur = path.Dir(cur) {
		if _, ok := f.nodes[cur]; !ok {
			f.nodes[cur] = &fakeNode{mode: fs.ModeDir | 0o755}
		}
		if cur == "/" || cur == "." {
			return
		}
	}
}

func (f *FakeFS) childrenLocked(dir string) []string {
	var out []string
	for p := range f.nodes {
		if p != dir && path.Dir(p) == dir {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func faultKey(op Op, p string) string {
	return string(op) + "\x00" + p
}

type fakeInfo struct {
	name string
	node fakeNode
}

func (i fakeInfo) Name() string       { return i.name }
func (i fakeInfo) Size() int64        { return i.node.size }
func (i fakeInfo) Mode() fs.FileMode  { return i.node.mode }
func (i fakeInfo) ModTime() time.Time { return time.Time{} }
func (i fakeInfo) IsDir() bool        { return i.node.mode.IsDir() }
func (i fakeInfo) Sys() any           { return nil }
