package pathutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const appDirPerm os.FileMode = 0o750

// IsAncestorOrEqual reports whether candidate is root itself or lies inside it.
// Both paths get a trailing separator before comparison so that /repo/a is not
// treated as an ancestor of /repo/ab.
func IsAncestorOrEqual(root, candidate string) bool {
	root = withSep(root)
	candidate = withSep(candidate)
	return strings.HasPrefix(candidate, root)
}

// IsStrictDescendant reports whether candidate lies inside root and is not root itself.
func IsStrictDescendant(root, candidate string) bool {
	return IsAncestorOrEqual(root, candidate) && withSep(root) != withSep(candidate)
}

// Canonical makes the path absolute and resolves symlinks, so two spellings of
// the same inode compare equal. Intended for repository roots at load time and
// request paths at request time, not for per-comparison use.
func Canonical(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolutize %q: %w", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			// The leaf may not exist locally yet (e.g. a path about to be
			// pulled); resolve the closest existing ancestor instead.
			return canonicalMissing(abs)
		}
		return "", fmt.Errorf("resolve %q: %w", abs, err)
	}
	return resolved, nil
}

func canonicalMissing(abs string) (string, error) {
	dir, base := filepath.Split(filepath.Clean(abs))
	dir = filepath.Clean(dir)
	if dir == abs {
		// filesystem root
		return abs, nil
	}
	parent, err := Canonical(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, base), nil
}

// Relative returns path stripped of the root prefix, without a leading separator.
func Relative(root, path string) string {
	if !IsAncestorOrEqual(root, path) {
		return path
	}
	rel := strings.TrimPrefix(filepath.Clean(path), filepath.Clean(root))
	return strings.TrimPrefix(rel, string(filepath.Separator))
}

// EnsureDir creates the directory if it does not exist.
func EnsureDir(dirPath string) error {
	if dirPath == "" {
		return errors.New("empty dir path")
	}
	if err := os.MkdirAll(dirPath, appDirPerm); err != nil {
		return fmt.Errorf("ensure dir: %w", err)
	}
	return nil
}

func withSep(p string) string {
	p = filepath.Clean(p)
	if !strings.HasSuffix(p, string(filepath.Separator)) {
		p += string(filepath.Separator)
	}
	return p
}
