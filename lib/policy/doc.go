// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy implements the ABI's authorization table: the static
// policy document, the compiled immutable snapshot, and the compiler
// that merges the two inputs of the table — operator-written static
// policy and agent-declared capabilities — into a single versioned
// view.
//
// # Static policy document
//
// The static policy is a human-edited JSONC file (JSON with comments
// and trailing commas). It declares the subject universe, per-subject
// allow/deny lists keyed by agent ID, and the dynamic-subject patterns
// under which agents may declare subjects the operator did not
// enumerate. Allow and deny entries are exact agent IDs or the
// wildcard "*"; deny always wins.
//
// # Merge semantics
//
// The compiler starts from the static allow lists (provenance static),
// then adds dynamic entries from capability declarations — but only
// for agents whose trust status is trusted, and never where a static
// deny names the same (agent, subject) pair. Static policy is the
// ceiling: a declaration can exercise rights within it, never exceed
// it.
//
// # Snapshot discipline
//
// Snapshots are immutable and versioned. The compiler publishes a new
// snapshot by swapping a single atomic pointer, so admission-path
// reads are lock-free and always observe one complete merge, never an
// intermediate state. Compilation is serialized through one goroutine
// consuming a coalescing trigger: a burst of N declaration writes
// yields one compile reflecting all N. A malformed static policy on
// reload is logged and the last good snapshot keeps serving — the
// compiler fails safe, not open.
//
// Key exports:
//
//   - [Document] / [ReadFile] -- the static policy file
//   - [Snapshot] -- the compiled authorization table
//   - [Compiler] -- serialized merge and hot reload
package policy
