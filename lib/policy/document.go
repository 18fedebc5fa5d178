// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/aegnix-foundation/aegnix/lib/subject"
)

// Document is the parsed static policy file. It is read once at
// startup and again on every hot reload; the compiler treats it as
// immutable after parsing.
type Document struct {
	// Subjects maps a subject name to its access lists. Every
	// subject named here is part of the subject universe even if
	// both lists are empty (an empty-list subject is declared but
	// admits nobody until policy or declarations say otherwise).
	Subjects map[string]SubjectPolicy `json:"subjects"`

	// DynamicPatterns lists subject patterns (in the same segment
	// glob syntax used for subscriptions: "*" one segment, "**"
	// zero or more) under which trusted agents may declare
	// subjects not enumerated in Subjects.
	DynamicPatterns []string `json:"dynamic_subjects"`
}

// SubjectPolicy holds the static access lists for one subject.
type SubjectPolicy struct {
	Publishers  AccessList `json:"publishers"`
	Subscribers AccessList `json:"subscribers"`
}

// AccessList is an allow list and a deny list of agent IDs. Entries
// are exact agent IDs or "*" for every agent. Deny dominates allow,
// and a static deny also blocks dynamic grants from declarations.
type AccessList struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// Parse parses a JSONC policy document and validates it.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return nil, fmt.Errorf("policy: parse document: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ReadFile reads and parses the policy document at path.
func ReadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read document: %w", err)
	}
	return Parse(data)
}

// Validate checks subject names, agent list entries, and dynamic
// patterns. A document that fails validation is rejected whole; the
// compiler never works from a partially valid document.
func (d *Document) Validate() error {
	for name, sp := range d.Subjects {
		if err := subject.ValidateName(name); err != nil {
			return fmt.Errorf("policy: subject %q: %w", name, err)
		}
		for _, list := range []AccessList{sp.Publishers, sp.Subscribers} {
			for _, entry := range append(list.Allow, list.Deny...) {
				if entry == wildcardAgent {
					continue
				}
				if err := subject.ValidateAgentID(entry); err != nil {
					return fmt.Errorf("policy: subject %q: agent entry %q: %w", name, entry, err)
				}
			}
		}
	}
	for _, pattern := range d.DynamicPatterns {
		if err := subject.ValidatePattern(pattern); err != nil {
			return fmt.Errorf("policy: dynamic pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// wildcardAgent in an allow or deny list matches every agent ID.
const wildcardAgent = "*"

// InUniverse reports whether name is an admissible subject: either
// enumerated in Subjects or matched by a dynamic pattern.
func (d *Document) InUniverse(name string) bool {
	if _, ok := d.Subjects[name]; ok {
		return true
	}
	return subject.MatchAnyPattern(d.DynamicPatterns, name)
}

// listMatches reports whether agentID is named by list (exactly or by
// the wildcard).
func listMatches(list []string, agentID string) bool {
	for _, entry := range list {
		if entry == wildcardAgent || entry == agentID {
			return true
		}
	}
	return false
}
