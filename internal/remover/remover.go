// Package remover deletes files and directory trees with partial-failure semantics.
//
// A removal walks the tree depth-first and post-order: every entry of a directory is
// attempted before the directory itself, and a failure on one entry never stops its
// siblings. The outcome is a single boolean (Result.OK) that is true only when every
// attempted operation succeeded. Expected filesystem failures are reported in the
// Result, never returned as errors.
package remover

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"time"

	"rmtree/internal/fsops"
)

// DefaultMaxFailures caps Result.Failures; Result.Failed keeps counting past it.
const DefaultMaxFailures = 256

// Op is the filesystem operation a Failure happened in.
type Op string

const (
	OpGuard   Op = "guard"
	OpLstat   Op = "lstat"
	OpReadDir Op = "readdir"
	OpRemove  Op = "remove"
	OpRmdir   Op = "rmdir"
)

// Failure describes one entry that could not be removed or enumerated.
type Failure struct {
	Path string          `json:"path"`
	Op   Op              `json:"op"`
	Kind fsops.ErrorKind `json:"kind"`
	Err  string          `json:"error"`
}

// Result reports one removal call.
type Result struct {
	Root     string        `json:"root"`
	OK       bool          `json:"ok"`
	DryRun   bool          `json:"dry_run"`
	Removed  int           `json:"removed"`
	Failed   int           `json:"failed"`
	Bytes    int64         `json:"bytes"`
	Failures []Failure     `json:"failures,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// FirstError returns a one-line summary of the first recorded failure, or "".
func (r Result) FirstError() string {
	if len(r.Failures) == 0 {
		return ""
	}
	f := r.Failures[0]
	return string(f.Op) + " " + f.Path + ": " + f.Err
}

// Guard authorizes a removal root before any filesystem call is made.
type Guard interface {
	ValidateDeleteTarget(path string) error
}

// Pacer is consulted before every filesystem operation.
// It must return an error wrapping a context error once ctx is done.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Observer is notified per entry. Calls happen on the removing goroutine.
type Observer interface {
	EntryRemoved(path string, info fs.FileInfo)
	EntryFailed(f Failure)
}

// Remover removes trees from an FS. It holds no per-call state and is safe for
// concurrent use on disjoint subtrees.
type Remover struct {
	fs          fsops.FS
	guard       Guard
	pacer       Pacer
	observer    Observer
	dryRun      bool
	maxFailures int
}

// Option configures a Remover.
type Option func(*Remover)

// WithGuard checks every removal root with g.
func WithGuard(g Guard) Option {
	return func(r *Remover) { r.guard = g }
}

// WithPacer paces filesystem operations.
func WithPacer(p Pacer) Option {
	return func(r *Remover) { r.pacer = p }
}

// WithObserver reports every removed or failed entry to o.
func WithObserver(o Observer) Option {
	return func(r *Remover) { r.observer = o }
}

// WithDryRun walks and counts without deleting anything.
func WithDryRun(dryRun bool) Option {
	return func(r *Remover) { r.dryRun = dryRun }
}

// WithMaxFailures caps how many failures are kept in Result.Failures.
func WithMaxFailures(n int) Option {
	return func(r *Remover) { r.maxFailures = n }
}

// New creates a Remover over fsys.
func New(fsys fsops.FS, opts ...Option) *Remover {
	r := &Remover{fs: fsys, maxFailures: DefaultMaxFailures}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RemoveTree removes path from the OS filesystem and reports whether everything
// under it is gone. A missing path is success.
func RemoveTree(path string) bool {
	return New(fsops.OSFS{}).Remove(context.Background(), path).OK
}

// Remove deletes path and, for a directory, everything below it.
// It panics if path is empty; every other failure is reported in the Result.
func (r *Remover) Remove(ctx context.Context, path string) Result {
	mustPath(path)
	w := r.newWalk(ctx, path)
	if w.authorize(path) {
		w.res.OK = w.remove(path)
	}
	return w.finish()
}

// Empty deletes every entry of dir but keeps dir itself.
// A missing dir is success. Each entry is passed through the guard, not dir.
func (r *Remover) Empty(ctx context.Context, dir string) Result {
	mustPath(dir)
	w := r.newWalk(ctx, dir)
	w.guardEntries = true
	w.res.OK, _ = w.empty(dir)
	return w.finish()
}

func mustPath(path string) {
	if strings.TrimSpace(path) == "" {
		panic("remover: empty path")
	}
}

type walk struct {
	*Remover
	ctx          context.Context
	start        time.Time
	res          Result
	guardEntries bool
}

func (r *Remover) newWalk(ctx context.Context, root string) *walk {
	return &walk{
		Remover: r,
		ctx:     ctx,
		start:   time.Now(),
		res:     Result{Root: root, DryRun: r.dryRun},
	}
}

func (w *walk) finish() Result {
	w.res.Duration = time.Since(w.start)
	return w.res
}

func (w *walk) authorize(path string) bool {
	if w.guard == nil {
		return true
	}
	if err := w.guard.ValidateDeleteTarget(path); err != nil {
		w.failKind(path, OpGuard, fsops.KindRefused, err)
		return false
	}
	return true
}

// remove is the post-order walk. It returns true only if path no longer exists
// (or, in dry-run, would no longer exist).
func (w *walk) remove(path string) bool {
	if !w.pace(path, OpLstat) {
		return false
	}
	info, err := w.fs.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true
		}
		w.fail(path, OpLstat, err)
		return false
	}

	if !info.IsDir() {
		return w.unlink(path, info, OpRemove)
	}

	ok, listed := w.empty(path)
	if !listed {
		return false
	}
	if !w.unlink(path, info, OpRmdir) {
		ok = false
	}
	return ok
}

// empty removes every entry of dir. An unreadable dir fails without touching
// its entries and reports listed=false; a failed entry does not stop the rest.
func (w *walk) empty(dir string) (ok, listed bool) {
	if !w.pace(dir, OpReadDir) {
		return false, false
	}
	entries, err := w.fs.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, true
		}
		w.fail(dir, OpReadDir, err)
		return false, false
	}

	ok = true
	for _, e := range entries {
		child := w.fs.Join(dir, e.Name())
		if w.guardEntries && dir == w.res.Root && !w.authorize(child) {
			ok = false
			continue
		}
		if !w.remove(child) {
			ok = false
		}
	}
	return ok, true
}

func (w *walk) unlink(path string, info fs.FileInfo, op Op) bool {
	if !w.pace(path, op) {
		return false
	}
	if !w.dryRun {
		if err := w.fs.Remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return true
			}
			w.fail(path, op, err)
			return false
		}
	}
	w.res.Removed++
	if info.Mode().IsRegular() {
		w.res.Bytes += info.Size()
	}
	if w.observer != nil {
		w.observer.EntryRemoved(path, info)
	}
	return true
}

func (w *walk) pace(path string, op Op) bool {
	var err error
	if w.pacer != nil {
		err = w.pacer.Wait(w.ctx)
	} else {
		err = w.ctx.Err()
	}
	if err != nil {
		w.failKind(path, op, fsops.KindCanceled, err)
		return false
	}
	return true
}

func (w *walk) fail(path string, op Op, err error) {
	w.failKind(path, op, fsops.Classify(err), err)
}

func (w *walk) failKind(path string, op Op, kind fsops.ErrorKind, err error) {
	f := Failure{Path: path, Op: op, Kind: kind, Err: err.Error()}
	w.res.Failed++
	if w.maxFailures <= 0 || len(w.res.Failures) < w.maxFailures {
		w.res.Failures = append(w.res.Failures, f)
	}
	if w.observer != nil {
		w.observer.EntryFailed(f)
	}
}
