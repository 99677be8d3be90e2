package safety

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidPath    = errors.New("invalid path")
	ErrProtectedPath  = errors.New("protected path")
	ErrOutsideAllowed = errors.New("outside allowed roots")
	ErrRootTarget     = errors.New("target is an allowed root")
	ErrTraversal      = errors.New("path traversal detected")
	ErrSymlinkEscape  = errors.New("symlink escape detected")
	ErrScheme         = errors.New("unsupported path scheme")
)

// Validator decides whether a path may be handed to the remover as a removal root.
// Entries below an accepted root are not re-checked: the remover never follows symlinks.
type Validator struct {
	AllowedRoots   []string
	ProtectedPaths []string
}

// NewValidator creates a validator. With no allowed roots any non-protected path is accepted.
func NewValidator(allowed []string, extraProtected []string) *Validator {
	return &Validator{
		AllowedRoots:   normalizeRoots(allowed),
		ProtectedPaths: defaultProtected(extraProtected),
	}
}

// ValidateDeleteTarget returns nil if path may be removed, or a typed error
func (v *Validator) ValidateDeleteTarget(path string) error {
	p, err := NormalizePath(path)
	if err != nil {
		return err
	}

	if DetectTraversal(path) {
		return ErrTraversal
	}

	if IsProtectedPath(p, v.ProtectedPaths) {
		return ErrProtectedPath
	}

	if len(v.AllowedRoots) > 0 {
		if !IsWithinAllowedRoots(p, v.AllowedRoots) {
			return ErrOutsideAllowed
		}
		if isRoot(p, v.AllowedRoots) {
			return ErrRootTarget
		}
	}

	resolved, err := ResolveParent(p)
	if err != nil {
		// a missing parent means a missing target; removing it is a no-op
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("resolve %s: %w", p, err)
	}
	if resolved == p {
		return nil
	}
	if IsProtectedPath(resolved, v.ProtectedPaths) {
		return ErrSymlinkEscape
	}
	if len(v.AllowedRoots) > 0 && !IsWithinAllowedRoots(resolved, v.AllowedRoots) {
		return ErrSymlinkEscape
	}
	return nil
}

// ParseTarget accepts a plain path or a file:// URI and returns the filesystem path.
// Other schemes (public://, s3://, ...) have no local meaning and are rejected.
func ParseTarget(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", ErrInvalidPath
	}
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw, nil
	}
	if scheme != "file" {
		return "", fmt.Errorf("%w: %s", ErrScheme, scheme)
	}
	if rest == "" {
		return "", ErrInvalidPath
	}
	return rest, nil
}

// NormalizePath converts path to absolute, cleaned form
func NormalizePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", ErrInvalidPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", ErrInvalidPath
	}
	return filepath.Clean(abs), nil
}

// DetectTraversal blocks any ".." segment in raw input
func DetectTraversal(raw string) bool {
	for _, p := range strings.Split(filepath.ToSlash(raw), "/") {
		if p == ".." {
			return true
		}
	}
	return false
}

// ResolveParent resolves symlinks in the directory part of cleanAbs and re-attaches
// the final element unresolved, giving the location that an unlink would touch.
func ResolveParent(cleanAbs string) (string, error) {
	dir, base := filepath.Split(cleanAbs)
	if base == "" {
		return cleanAbs, nil
	}
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedDir, base), nil
}

// IsWithinAllowedRoots checks if path is within any allowed root
func IsWithinAllowedRoots(path string, allowedRoots []string) bool {
	p := filepath.Clean(path)
	for _, r := range allowedRoots {
		if hasPathPrefix(p, r) {
			return true
		}
	}
	return false
}

// IsProtectedPath checks if path is a protected path or lies below one
func IsProtectedPath(path string, protected []string) bool {
	p := filepath.Clean(path)
	if p == string(os.PathSeparator) {
		return true
	}
	for _, prot := range protected {
		if hasPathPrefix(p, prot) {
			return true
		}
	}
	return false
}

func isRoot(path string, roots []string) bool {
	for _, r := range roots {
		if filepath.Clean(r) == path {
			return true
		}
	}
	return false
}

func hasPathPrefix(path, prefix string) bool {
	path = filepath.Clean(path)
	prefix = filepath.Clean(prefix)

	if prefix == string(os.PathSeparator) {
		return path == prefix
	}
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(os.PathSeparator))
}

func normalizeRoots(roots []string) []string {
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		if strings.TrimSpace(r) == "" {
			continue
		}
		abs, err := filepath.Abs(r)
		if err != nil {
			continue
		}
		out = append(out, filepath.Clean(abs))
	}
	return out
}

// defaultProtected returns the base set of protected paths plus any extras
func defaultProtected(extra []string) []string {
	base := []string{
		"/",
		"/bin",
		"/boot",
		"/dev",
		"/etc",
		"/lib",
		"/lib64",
		"/proc",
		"/sbin",
		"/sys",
		"/usr",
		"/var/lib/rmtree",
		"/var/log/rmtree",
	}
	return append(base, extra...)
}
