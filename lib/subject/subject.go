// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

package subject

import (
	"fmt"
	"strings"
)

// MaxNameLength bounds subject names and agent IDs. Long names are a
// denial-of-service vector in glob matching and SQLite indexes.
const MaxNameLength = 255

// allowedChars is the set of bytes permitted in subject name segments
// and agent IDs: lowercase alphanumerics, '_' and '-'.
var allowedChars = func() [256]bool {
	var set [256]bool
	for c := byte('a'); c <= 'z'; c++ {
		set[c] = true
	}
	for c := byte('0'); c <= '9'; c++ {
		set[c] = true
	}
	set['_'] = true
	set['-'] = true
	return set
}()

// ValidateName checks that name is a well-formed subject name:
// non-empty dot-separated segments of allowed characters, no
// wildcards. Returns a descriptive error for the first violation.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("subject is empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("subject is %d characters, maximum is %d", len(name), MaxNameLength)
	}
	for _, segment := range strings.Split(name, ".") {
		if segment == "" {
			return fmt.Errorf("subject %q contains an empty segment", name)
		}
		for i := 0; i < len(segment); i++ {
			if !allowedChars[segment[i]] {
				return fmt.Errorf("invalid character %q in subject %q (allowed: a-z, 0-9, _, -)", segment[i], name)
			}
		}
	}
	return nil
}

// ValidateAgentID checks that id is a well-formed agent identifier: a
// single segment of allowed characters.
func ValidateAgentID(id string) error {
	if id == "" {
		return fmt.Errorf("agent ID is empty")
	}
	if len(id) > MaxNameLength {
		return fmt.Errorf("agent ID is %d characters, maximum is %d", len(id), MaxNameLength)
	}
	if strings.Contains(id, ".") {
		return fmt.Errorf("agent ID %q must not contain '.'", id)
	}
	for i := 0; i < len(id); i++ {
		if !allowedChars[id[i]] {
			return fmt.Errorf("invalid character %q in agent ID %q (allowed: a-z, 0-9, _, -)", id[i], id)
		}
	}
	return nil
}

// ValidatePattern checks that pattern is a well-formed subject glob:
// dot-separated segments that are either literal segments of allowed
// characters or the wildcards "*" and "**".
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern is empty")
	}
	if len(pattern) > MaxNameLength {
		return fmt.Errorf("pattern is %d characters, maximum is %d", len(pattern), MaxNameLength)
	}
	for _, segment := range strings.Split(pattern, ".") {
		if segment == "*" || segment == "**" {
			continue
		}
		if segment == "" {
			return fmt.Errorf("pattern %q contains an empty segment", pattern)
		}
		for i := 0; i < len(segment); i++ {
			if !allowedChars[segment[i]] {
				return fmt.Errorf("invalid character %q in pattern %q (allowed: a-z, 0-9, _, -, *)", segment[i], pattern)
			}
		}
	}
	return nil
}

// MatchPattern checks whether a subject name matches a glob pattern
// using AEGNIX's hierarchical namespace conventions. The wildcard "*"
// matches exactly one segment, "**" matches zero or more segments in
// any position. Malformed subjects and patterns never match.
func MatchPattern(pattern, name string) bool {
	if pattern == "**" {
		return true
	}
	if pattern == name {
		return true
	}
	return matchSegments(strings.Split(pattern, "."), strings.Split(name, "."))
}

// matchSegments matches pattern segments against name segments. The
// recursion depth is bounded by MaxNameLength / 2 (every segment costs
// at least two characters of the validated input).
func matchSegments(pattern, name []string) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}
	switch pattern[0] {
	case "**":
		// Zero segments consumed, or one segment consumed with the
		// "**" kept for further consumption.
		if matchSegments(pattern[1:], name) {
			return true
		}
		return len(name) > 0 && matchSegments(pattern, name[1:])
	case "*":
		return len(name) > 0 && matchSegments(pattern[1:], name[1:])
	default:
		if len(name) == 0 || pattern[0] != name[0] {
			return false
		}
		return matchSegments(pattern[1:], name[1:])
	}
}

// MatchAnyPattern checks whether a subject name matches any of the
// given glob patterns. Returns false for an empty pattern list
// (default-deny).
func MatchAnyPattern(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if MatchPattern(pattern, name) {
			return true
		}
	}
	return false
}
