// Package glob implements the shell-style pattern matching used for file
// reservations. The same implementation is compiled into both the server and
// the pre-commit guard; any divergence between the two is a bug, so the
// package carries a version tag the guard embeds in its reports.
//
// Semantics: `*` and `?` never cross a path separator, `**` crosses any
// number of segments, matching is case-sensitive, and conflict detection is
// symmetric — `src/**` overlaps `src/lib.rs` and `src/lib.rs` overlaps
// `src/**`.
package glob

import "strings"

// Version tags the matcher so drift between independently built binaries is
// detectable in guard reports.
const Version = "2"

// Match reports whether path matches pattern.
func Match(pattern, path string) bool {
	return matchSegments(splitClean(pattern), splitClean(path))
}

// Overlaps reports whether two reservations with patterns a and b could
// cover a common path, that is, whether some concrete path matches both. The
// test is symmetric: `src/lib.rs` overlaps `src/**` in either argument order.
// A segment without wildcards covers only itself, so `src` does not overlap
// `src/lib.rs`.
func Overlaps(a, b string) bool {
	as := splitClean(a)
	bs := splitClean(b)
	return overlapSegments(as, bs)
}

// OverlapsAny reports whether any pattern in p intersects any pattern in q.
func OverlapsAny(p, q []string) bool {
	for _, a := range p {
		for _, b := range q {
			if Overlaps(a, b) {
				return true
			}
		}
	}
	return false
}

func splitClean(s string) []string {
	s = strings.TrimPrefix(s, "./")
	s = strings.Trim(s, "/")
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}

// matchSegments matches a pattern segment list against literal path
// segments.
func matchSegments(pat, path []string) bool {
	if len(pat) == 0 {
		return len(path) == 0
	}
	if pat[0] == "**" {
		// `**` absorbs zero or more leading segments.
		for i := 0; i <= len(path); i++ {
			if matchSegments(pat[1:], path[i:]) {
				return true
			}
		}
		return false
	}
	if len(path) == 0 {
		return false
	}
	if !matchSegment(pat[0], path[0]) {
		return false
	}
	return matchSegments(pat[1:], path[1:])
}

// matchSegment matches one pattern segment against one literal segment.
// `*` and `?` stay within the segment.
func matchSegment(pat, seg string) bool {
	// Iterative star matching with backtracking.
	var pi, si, starPi, starSi int
	starPi, starSi = -1, -1
	for si < len(seg) {
		if pi < len(pat) && (pat[pi] == '?' || pat[pi] == seg[si]) {
			pi++
			si++
			continue
		}
		if pi < len(pat) && pat[pi] == '*' {
			starPi, starSi = pi, si
			pi++
			continue
		}
		if starPi >= 0 {
			starSi++
			pi = starPi + 1
			si = starSi
			continue
		}
		return false
	}
	for pi < len(pat) && pat[pi] == '*' {
		pi++
	}
	return pi == len(pat)
}

// overlapSegments reports whether the two segment lists (each may contain
// wildcards) can both cover some concrete path.
func overlapSegments(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if len(a) == 0 {
		// A bare project root reserves nothing below it; only the other side
		// matching zero segments overlaps.
		return b[0] == "**" && overlapSegments(a, b[1:])
	}
	if len(b) == 0 {
		return a[0] == "**" && overlapSegments(a[1:], b)
	}
	if a[0] == "**" {
		// Absorb zero segments of b, or consume one of b's segments.
		return overlapSegments(a[1:], b) || overlapSegments(a, b[1:])
	}
	if b[0] == "**" {
		return overlapSegments(a, b[1:]) || overlapSegments(a[1:], b)
	}
	if !segmentsIntersect(a[0], b[0]) {
		return false
	}
	return overlapSegments(a[1:], b[1:])
}

// segmentsIntersect reports whether two single segments (each may hold `*`
// or `?`) can denote the same literal segment.
func segmentsIntersect(a, b string) bool {
	if !strings.ContainsAny(a, "*?") {
		return matchSegment(b, a)
	}
	if !strings.ContainsAny(b, "*?") {
		return matchSegment(a, b)
	}
	// Both carry wildcards: they need not share a string (`*.rs` and `*.go`
	// do not), so walk both patterns together looking for one.
	return wildcardPairIntersect(a, b)
}

// wildcardPairIntersect decides intersection of two wildcard segments with a
// memoized two-pointer walk. Every transition advances i+j, so the state
// graph is acyclic and visited states can be cached as dead ends.
func wildcardPairIntersect(a, b string) bool {
	type key struct{ i, j int }
	seen := make(map[key]bool)
	var walk func(i, j int) bool
	walk = func(i, j int) bool {
		if i == len(a) && j == len(b) {
			return true
		}
		k := key{i, j}
		if seen[k] {
			return false
		}
		seen[k] = true
		if i < len(a) && a[i] == '*' {
			// Star emits nothing, or emits whatever b's next unit needs.
			return walk(i+1, j) || (j < len(b) && walk(i, j+1))
		}
		if j < len(b) && b[j] == '*' {
			return walk(i, j+1) || (i < len(a) && walk(i+1, j))
		}
		if i < len(a) && j < len(b) {
			ca, cb := a[i], b[j]
			if ca == '?' || cb == '?' || ca == cb {
				return walk(i+1, j+1)
			}
		}
		return false
	}
	return walk(0, 0)
}
