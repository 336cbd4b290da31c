// Package fieldpath parses dot-notation field paths and matches them against
// positions in a document graph traversal.
package fieldpath

import "strings"

// Path is a parsed dot-notation field path, e.g. "embeds.comments" becomes
// ["embeds", "comments"]. List indices are never part of a path; traversal
// into list elements does not consume a segment.
type Path []string

// Parse splits a dot-notation field path into its segments.
// Empty segments are dropped, so "a..b" parses the same as "a.b".
func Parse(s string) Path {
	parts := strings.Split(s, ".")
	path := make(Path, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			path = append(path, p)
		}
	}
	return path
}

// Set is an allow-list of paths, all rooted at the same traversal position.
//
// A nil *Set allows everything below the current position. A non-nil Set with
// no paths allows nothing. Descending through a field narrows the Set via
// Match; once any path is fully consumed, the entire subtree below that point
// is allowed and Match reports a nil (allow-all) child Set.
type Set struct {
	paths []Path
}

// NewSet builds a Set from dot-notation paths. It returns nil when no paths
// are given, meaning no restriction.
func NewSet(paths ...string) *Set {
	if len(paths) == 0 {
		return nil
	}
	s := &Set{paths: make([]Path, 0, len(paths))}
	for _, p := range paths {
		if parsed := Parse(p); len(parsed) > 0 {
			s.paths = append(s.paths, parsed)
		}
	}
	if len(s.paths) == 0 {
		return nil
	}
	return s
}

// Match narrows the Set through the named field. It returns the Set that
// applies below the field and whether the field may be entered at all.
//
// A nil receiver matches every field and stays unrestricted. When a matching
// path is fully consumed by this segment, the child Set is nil: everything
// below the field is allowed.
func (s *Set) Match(segment string) (*Set, bool) {
	if s == nil {
		return nil, true
	}
	var remaining []Path
	for _, p := range s.paths {
		if p[0] != segment {
			continue
		}
		if len(p) == 1 {
			// Fully consumed: the whole subtree is in scope.
			return nil, true
		}
		remaining = append(remaining, p[1:])
	}
	if len(remaining) == 0 {
		return nil, false
	}
	return &Set{paths: remaining}, true
}

// AllowsAll reports whether the Set places no restriction at the current
// position, i.e. a leaf field here would be in scope.
func (s *Set) AllowsAll() bool {
	return s == nil
}
