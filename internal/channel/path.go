package channel

import "strings"

// Delimiter separates path segments. A path ending in the delimiter selects
// subtree-only addressing; this convention is part of the wire contract.
const Delimiter = "/"

// Split returns the non-empty segments of path. The empty path is the root.
func Split(path string) []string {
	raw := strings.Split(path, Delimiter)
	segments := raw[:0]
	for _, s := range raw {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

// ParseAddress strips a single trailing delimiter from path and reports
// whether it was present. "a/" addresses every descendant of "a" but not "a"
// itself; "a" addresses only "a".
func ParseAddress(path string) (target string, subtreeOnly bool) {
	if strings.HasSuffix(path, Delimiter) {
		return strings.TrimSuffix(path, Delimiter), true
	}
	return path, false
}

// Normalize returns the canonical form of a node path: segments joined by a
// single delimiter with no leading or trailing delimiter.
func Normalize(path string) string {
	return strings.Join(Split(path), Delimiter)
}

func join(parent, segment string) string {
	if parent == "" {
		return segment
	}
	return parent + Delimiter + segment
}
