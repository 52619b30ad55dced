// Package pathnorm centralizes path normalization so every component
// ingests paths the same way: forward slashes, cleaned; filesystem
// paths are case-folded only on case-insensitive volumes, while
// archive intra-path segments are always case-folded, since archive
// contents do not depend on the host. Forward slash is the canonical
// separator everywhere; components never mix separators past this
// chokepoint.
package pathnorm

import (
	"path/filepath"
	"runtime"
	"strings"
)

// CaseInsensitiveFS reports whether the host filesystem is expected to
// be case-insensitive. Detected once from GOOS; darwin's default HFS+/
// APFS volumes are case-insensitive in the common case, as is Windows.
var CaseInsensitiveFS = runtime.GOOS == "windows" || runtime.GOOS == "darwin"

// Path normalizes an absolute or relative filesystem path: cleans it,
// converts to forward slashes, and case-folds if the host filesystem
// is case-insensitive.
func Path(p string) string {
	p = filepath.ToSlash(filepath.Clean(p))
	if CaseInsensitiveFS {
		p = strings.ToLower(p)
	}
	return p
}

// IntraPathSegment normalizes one segment of an archive's intra-path:
// forward slashes, case-folded, with any leading separator stripped.
func IntraPathSegment(p string) string {
	p = filepath.ToSlash(p)
	p = strings.TrimPrefix(p, "/")
	return strings.ToLower(p)
}

// Join joins intra-path segments into the comparison key used for
// sorting and deduplication.
func Join(segments []string) string {
	return strings.Join(segments, "/")
}
