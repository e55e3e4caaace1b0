package recipe

import (
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// normalizeSlashes converts host-style backslash separators to the POSIX
// slashes the recipe's paths are expressed in. All recipe-side matching
// stays POSIX; only host filesystem lookups translate the other direction.
func normalizeSlashes(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// MatchesCopySource is the exported form of matchesCopySource, for callers
// outside this package (the executor's local-operation resolution) that
// need the identical match rule without duplicating it.
func MatchesCopySource(file, source string) bool {
	return matchesCopySource(file, source)
}

// matchesCopySource reports whether file matches the copy whose source is
// source: either source globs to file directly, or source is a directory
// that file is a strict descendant of (computed with POSIX path-relative
// semantics).
func matchesCopySource(file, source string) bool {
	file = path.Clean(normalizeSlashes(file))
	source = normalizeSlashes(source)

	if source == "." {
		return true
	}

	trimmedSource := strings.TrimSuffix(source, "/")
	cleanedSource := path.Clean(trimmedSource)
	isAbsolute := strings.HasPrefix(source, "/")

	if !isAbsolute {
		if g, err := glob.Compile(source, '/'); err == nil && g.Match(file) {
			return true
		}
	}

	prefixSource := cleanedSource
	if isAbsolute {
		prefixSource = strings.TrimPrefix(cleanedSource, "/")
	}

	return isStrictDirPrefix(prefixSource, file)
}

// isStrictDirPrefix reports whether file is a strict descendant of dir.
func isStrictDirPrefix(dir, file string) bool {
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" || dir == "." {
		return file != "" && file != "."
	}
	return strings.HasPrefix(file, dir+"/") && file != dir
}
