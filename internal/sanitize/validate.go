package sanitize

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Validation errors for security checks.
var (
	// ErrPathTraversal indicates a path resolves outside its root.
	ErrPathTraversal = errors.New("path escapes working directory")

	// ErrEmptyPath indicates an empty path was provided.
	ErrEmptyPath = errors.New("path cannot be empty")

	// ErrInvalidName indicates a tool or argument name has an invalid format.
	ErrInvalidName = errors.New("invalid name")

	// ErrInvalidPattern indicates a glob pattern is dangerous or malformed.
	ErrInvalidPattern = errors.New("invalid or dangerous pattern")
)

// namePattern matches tool names: lowercase alphanumeric with underscores.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// dangerousPatternChars are characters that could cause shell injection in patterns.
var dangerousPatternChars = regexp.MustCompile(`[;\|\$\x60\\<>&\(\)\{\}]|\.{3,}|\*{3,}`)

// ResolveInRoot returns the absolute path for p inside root:
//   - relative paths are joined to root
//   - the cleaned result must stay inside root
//   - symlinks in the existing part of the path must not lead outside root
//
// The returned path need not exist.
func ResolveInRoot(p, root string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", ErrEmptyPath
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}

	candidate := p
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(absRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	if !within(absRoot, candidate) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, p)
	}

	real, err := resolveExisting(candidate)
	if err != nil {
		return "", err
	}
	if !within(absRoot, real) {
		return "", fmt.Errorf("%w: %s resolves through a symlink to %s", ErrPathTraversal, p, real)
	}
	return candidate, nil
}

// within reports whether path is root or below it.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// resolveExisting evaluates symlinks on the longest existing prefix of path
// and re-appends the missing remainder.
func resolveExisting(path string) (string, error) {
	var rest []string
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to resolve %s: %w", cur, err)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, nil
		}
		rest = append(rest, filepath.Base(cur))
		cur = parent
	}
}

// RelativeTo returns p relative to root for display, or p unchanged when
// that is not possible.
func RelativeTo(p, root string) string {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return p
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}
	rel, err := filepath.Rel(absRoot, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return p
	}
	return filepath.ToSlash(rel)
}

// ValidateName checks a tool name.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w %q: must be lowercase alphanumeric with underscores (1-64 chars)", ErrInvalidName, name)
	}
	return nil
}

// ValidateGlobPattern checks a glob pattern for dangerous constructs.
// Returns nil if the pattern is safe, or an error describing the issue.
func ValidateGlobPattern(pattern string) error {
	if pattern == "" {
		return nil
	}
	if dangerousPatternChars.MatchString(pattern) {
		return fmt.Errorf("%w: contains dangerous characters", ErrInvalidPattern)
	}
	if strings.Contains(pattern, "..") || strings.ContainsRune(pattern, '/') {
		return fmt.Errorf("%w: must match names in one directory", ErrInvalidPattern)
	}
	if _, err := filepath.Match(pattern, "test"); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return nil
}

// DirExists reports whether path is an existing directory.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
