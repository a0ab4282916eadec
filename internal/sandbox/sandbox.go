// Package sandbox confines untrusted path strings to a single storage root.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidPath is returned when a path resolves outside the storage root.
var ErrInvalidPath = fmt.Errorf("invalid path")

// Normalize converts a raw client-supplied path into a root-relative form:
// forward slashes only, no empty or "." segments, no leading or trailing
// slash. Each ".." pops the previous segment and is clamped at the root, so
// the result can never point above it. The empty string denotes the root.
func Normalize(raw string) string {
	cleaned := strings.TrimSpace(strings.ReplaceAll(raw, `\`, "/"))
	var stack []string
	for _, segment := range strings.Split(cleaned, "/") {
		switch segment {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, segment)
		}
	}
	return strings.Join(stack, "/")
}

// Join appends name to a normalized parent path and re-normalizes, so a
// hostile name cannot climb out of the parent.
func Join(parent, name string) string {
	if parent == "" {
		return Normalize(name)
	}
	return Normalize(parent + "/" + name)
}

// Parent returns the normalized parent of a normalized path ("" for
// top-level entries and for the root itself).
func Parent(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// Base returns the last segment of a normalized path.
func Base(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

// Under reports whether path equals prefix or lies beneath it. An empty
// prefix covers every path.
func Under(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Sandbox resolves normalized paths against a fixed storage root.
type Sandbox struct {
	root string
}

// New creates a sandbox rooted at the given directory. The root is resolved
// to an absolute path once so later comparisons are stable.
func New(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &Sandbox{root: abs}, nil
}

// Root returns the absolute storage root.
func (s *Sandbox) Root() string { return s.root }

// Resolve joins a normalized path onto the root and verifies the result is
// the root itself or a strict descendant of it. Symlinks are evaluated when
// the target exists, which catches escapes the string-level Normalize
// cannot see.
func (s *Sandbox) Resolve(normalized string) (string, error) {
	abs := filepath.Join(s.root, filepath.FromSlash(normalized))
	checked := abs
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		checked = resolved
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("resolve %s: %w", normalized, ErrInvalidPath)
	}
	if checked != s.root && !strings.HasPrefix(checked, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("resolve %s: %w", normalized, ErrInvalidPath)
	}
	return abs, nil
}
