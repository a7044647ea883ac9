// Package pattern matches function and exception names against watch-lists.
//
// A watch-list is one or more patterns separated by single spaces. Inside a
// pattern '?' matches exactly one character and '*' matches a run of zero or
// more characters. Only one '*' is honoured: the pattern is split at the first
// '*' into a prefix and a suffix, so the supported shapes are "exact",
// "prefix*", "*suffix", "prefix*suffix" and the universal "*". A second '*' is
// compared literally.
package pattern

import "strings"

// Match reports whether name matches any pattern in the space separated list.
// Patterns are tried left to right. An empty name or list never matches.
func Match(name, patterns string) bool {
	if name == "" || patterns == "" {
		return false
	}
	for patterns != "" {
		p := patterns
		if i := strings.IndexByte(patterns, ' '); i >= 0 {
			p, patterns = patterns[:i], patterns[i+1:]
		} else {
			patterns = ""
		}
		if matchOne(name, p) {
			return true
		}
	}
	return false
}

func matchOne(name, p string) bool {
	if p == "" {
		return false
	}
	star := strings.IndexByte(p, '*')
	if star < 0 {
		return len(name) == len(p) && segmentMatch(name, p)
	}
	prefix, suffix := p[:star], p[star+1:]
	if len(name) < len(prefix)+len(suffix) {
		return false
	}
	return segmentMatch(name[:len(prefix)], prefix) &&
		segmentMatch(name[len(name)-len(suffix):], suffix)
}

// segmentMatch compares s against a pattern segment of the same length, letting
// '?' stand for any single byte.
func segmentMatch(s, seg string) bool {
	for i := 0; i < len(seg); i++ {
		if seg[i] != '?' && seg[i] != s[i] {
			return false
		}
	}
	return true
}
