package sqlar

import (
	"strings"
	"unicode/utf8"
)

// Limits on archive paths.
const (
	MaxPathLen = 4096
	MaxNameLen = 255
)

// Normalize validates an archive path and returns its canonical form.
//
// Archive paths are relative, '/'-separated and never contain "." or ".."
// segments. A trailing slash is dropped; every other empty segment is
// rejected. The root has no name, so the empty string is rejected too; use
// NormalizeDir where the root is acceptable.
func Normalize(p string) (string, error) {
	switch {
	case p == "":
		return "", invalidPath("empty path")
	case !utf8.ValidString(p):
		return "", invalidPath("path is not valid UTF-8")
	case strings.IndexByte(p, 0) >= 0:
		return "", invalidPath("path contains a NUL byte")
	case p[0] == '/':
		return "", invalidPath("path must be relative")
	}

	p = strings.TrimRight(p, "/")
	if len(p) > MaxPathLen {
		return "", invalidPath("path too long")
	}

	for seg := range strings.SplitSeq(p, "/") {
		switch {
		case seg == "":
			return "", invalidPath("empty path segment")
		case seg == "." || seg == "..":
			return "", invalidPath("path contains " + seg)
		case len(seg) > MaxNameLen:
			return "", invalidPath("path segment too long")
		}
	}
	return p, nil
}

// NormalizeDir is Normalize, except that "", "." and "/" name the root and
// normalize to "".
func NormalizeDir(p string) (string, error) {
	switch p {
	case "", ".", "/":
		return "", nil
	}
	return Normalize(p)
}

// Ancestors returns the proper ancestors of p, closest first. The root is
// not included.
func Ancestors(p string) []string {
	var out []string
	for i := strings.LastIndexByte(p, '/'); i > 0; i = strings.LastIndexByte(p[:i], '/') {
		out = append(out, p[:i])
	}
	return out
}

// Parent returns the parent of p, or "" when p is a top-level entry.
func Parent(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}

// Base returns the final segment of p.
func Base(p string) string {
	return p[strings.LastIndexByte(p, '/')+1:]
}

// Join appends name to dir; dir may be the root.
func Join(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// IsWithin reports whether p is dir or one of its descendants.
func IsWithin(p, dir string) bool {
	if dir == "" {
		return true
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}
