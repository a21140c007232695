// Package pathkey classifies and normalizes the slash-delimited logical
// paths used throughout the RQ caching tree: temp-path detection,
// parent/name splitting, and unicode normalization.
package pathkey

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Separator is the logical path delimiter used by the tree, independent of
// the host OS's filesystem separator.
const Separator = "/"

// IsTempName reports whether p is a temp path: its final path segment
// begins with a dot. Temp paths are never synchronized to the remote.
func IsTempName(p string) bool {
	name := NameOf(p)
	return strings.HasPrefix(name, ".")
}

// ParentOf returns the parent path of p. The parent of a root-level entry
// ("/foo" or "foo") is "/".
func ParentOf(p string) string {
	trimmed := strings.TrimSuffix(p, Separator)
	idx := strings.LastIndex(trimmed, Separator)
	if idx <= 0 {
		return Separator
	}

	return trimmed[:idx]
}

// NameOf returns the final path segment of p.
func NameOf(p string) string {
	trimmed := strings.TrimSuffix(p, Separator)
	idx := strings.LastIndex(trimmed, Separator)
	if idx < 0 {
		return trimmed
	}

	return trimmed[idx+1:]
}

// Join joins a parent path and a name into a single logical path.
func Join(parent, name string) string {
	if parent == "" || parent == Separator {
		return Separator + name
	}

	return strings.TrimSuffix(parent, Separator) + Separator + name
}

// Normalize applies canonical unicode decomposition (NFD) to s, unless
// noUnicodeNormalize disables it. Callers pass the configured
// noUnicodeNormalize flag (config.noUnicodeNormalize in §6) explicitly —
// this package carries no global state.
func Normalize(s string, noUnicodeNormalize bool) string {
	if noUnicodeNormalize {
		return s
	}

	return norm.NFD.String(s)
}

// Equal reports whether a and b refer to the same path under normalization.
func Equal(a, b string, noUnicodeNormalize bool) bool {
	return Normalize(a, noUnicodeNormalize) == Normalize(b, noUnicodeNormalize)
}
