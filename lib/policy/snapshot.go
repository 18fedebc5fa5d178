// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"sort"
	"time"
)

// Provenance records which input produced an access entry. Static
// entries come from the operator's policy document, dynamic entries
// from a trusted agent's capability declaration. Where both would
// grant, static wins (it carries more authority in audit records).
type Provenance string

const (
	ProvenanceStatic  Provenance = "static"
	ProvenanceDynamic Provenance = "dynamic"
)

// Entry is the compiled access table for one subject: the agents
// allowed to publish to it and subscribe to it, each tagged with the
// provenance of the grant.
type Entry struct {
	Publishers  map[string]Provenance
	Subscribers map[string]Provenance
}

// Snapshot is one complete compiled authorization table. Snapshots
// are immutable after construction; readers obtained through
// [Compiler.Current] may hold one across any number of lookups and
// will observe a single consistent merge.
type Snapshot struct {
	version    uint64
	compiledAt time.Time
	entries    map[string]Entry
}

// Version is the monotonically increasing compile counter. It appears
// in audit records so a decision can be traced to the exact policy
// state that produced it.
func (s *Snapshot) Version() uint64 { return s.version }

// CompiledAt is when the compiler produced this snapshot.
func (s *Snapshot) CompiledAt() time.Time { return s.compiledAt }

// AllowsPublish reports whether agentID may publish to subjectName,
// and the provenance of the grant when it may.
func (s *Snapshot) AllowsPublish(subjectName, agentID string) (Provenance, bool) {
	prov, ok := s.entries[subjectName].Publishers[agentID]
	return prov, ok
}

// AllowsSubscribe reports whether agentID may subscribe to
// subjectName, and the provenance of the grant when it may.
func (s *Snapshot) AllowsSubscribe(subjectName, agentID string) (Provenance, bool) {
	prov, ok := s.entries[subjectName].Subscribers[agentID]
	return prov, ok
}

// Entry returns the compiled table for one subject. The returned maps
// are shared with the snapshot and must not be mutated.
func (s *Snapshot) Entry(subjectName string) (Entry, bool) {
	e, ok := s.entries[subjectName]
	return e, ok
}

// Subjects lists every subject with at least one compiled entry,
// sorted.
func (s *Snapshot) Subjects() []string {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GrantsFor collects the subjects agentID may publish to and
// subscribe to, sorted. Used by the capability listing endpoint.
func (s *Snapshot) GrantsFor(agentID string) (publishes, subscribes []string) {
	for name, e := range s.entries {
		if _, ok := e.Publishers[agentID]; ok {
			publishes = append(publishes, name)
		}
		if _, ok := e.Subscribers[agentID]; ok {
			subscribes = append(subscribes, name)
		}
	}
	sort.Strings(publishes)
	sort.Strings(subscribes)
	return publishes, subscribes
}
