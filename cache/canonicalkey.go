package cache

import "strings"

// CanonicalKey joins a compound cache key's parts — a spec-like string plus
// an override's own CanonicalKey() — into a single stable string, using a
// separator unlikely to appear in either part.
func CanonicalKey(parts ...string) string {
	return strings.Join(parts, "\x1f")
}
