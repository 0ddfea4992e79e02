// Package vpath implements the absolute, slash-separated paths used as store
// keys. All relations between paths compare whole segments, so "/a/b" is never
// considered to be inside "/a/bb".
package vpath

import (
	"errors"
	"strings"
)

// Root is the implicit top-level directory.
const Root = "/"

// Separator between path segments.
const Separator = "/"

// ErrInvalid is returned by Clean for paths that escape upward.
var ErrInvalid = errors.New("invalid path")

// Clean normalizes p: it forces a leading slash, collapses empty and "."
// segments, and trims the trailing slash. ".." is rejected rather than
// resolved.
func Clean(p string) (string, error) {
	if p == "" || p == Root {
		return Root, nil
	}
	parts := strings.Split(p, Separator)
	out := make([]string, 0, len(parts))
	for _, s := range parts {
		switch s {
		case "", ".":
			continue
		case "..":
			return "", ErrInvalid
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return Root, nil
	}
	return Separator + strings.Join(out, Separator), nil
}

// MustClean is Clean for literals known to be valid.
func MustClean(p string) string {
	c, err := Clean(p)
	if err != nil {
		panic("vpath: " + err.Error() + ": " + p)
	}
	return c
}

// Parent returns the directory containing p. The parent of the root is the root.
func Parent(p string) string {
	i := strings.LastIndex(p, Separator)
	if i <= 0 {
		return Root
	}
	return p[:i]
}

// Base returns the last segment of p, or "" for the root.
func Base(p string) string {
	if p == Root {
		return ""
	}
	return p[strings.LastIndex(p, Separator)+1:]
}

// Join appends a single name (or a relative path) to dir.
func Join(dir, name string) string {
	name = strings.Trim(name, Separator)
	if name == "" {
		return dir
	}
	if dir == Root {
		return Root + name
	}
	return dir + Separator + name
}

// IsAncestor reports whether anc is a strict ancestor of p.
func IsAncestor(anc, p string) bool {
	if anc == p {
		return false
	}
	if anc == Root {
		return true
	}
	return strings.HasPrefix(p, anc+Separator)
}

// Within reports whether p equals base or lies below it.
func Within(p, base string) bool {
	return p == base || IsAncestor(base, p)
}

// Rel returns the slash-separated path of p relative to base, without a
// leading slash. It returns "" when p == base and false when p is not
// within base.
func Rel(p, base string) (string, bool) {
	switch {
	case p == base:
		return "", true
	case !IsAncestor(base, p):
		return "", false
	case base == Root:
		return p[1:], true
	default:
		return p[len(base)+1:], true
	}
}

// Rebase maps p, which must lie within src, onto dst.
func Rebase(p, src, dst string) string {
	rel, ok := Rel(p, src)
	if !ok {
		return p
	}
	return Join(dst, rel)
}

// Ext returns the extension of name including the dot, or "" if there is
// none. A leading dot (".profile") does not start an extension.
func Ext(name string) string {
	i := strings.LastIndex(name, ".")
	if i <= 0 {
		return ""
	}
	return name[i:]
}

// Stem returns name without its extension.
func Stem(name string) string {
	return name[:len(name)-len(Ext(name))]
}

// ValidName reports whether name can be used as a single path segment.
func ValidName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.Contains(name, Separator)
}
