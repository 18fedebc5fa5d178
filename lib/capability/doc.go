// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability implements the ABI's capability table: each
// agent's declared publish and subscribe subject sets, persisted in
// SQLite.
//
// A declaration is the agent's statement of intent — "I will publish
// fusion.track and consume fusion.roe". Declarations are validated
// against the static policy's subject universe at write time, stored
// with a per-agent version counter, and consumed by the policy
// compiler during the merge. A new declaration replaces the prior one
// in full: declaring an empty publish set revokes every previously
// declared publish right for that agent.
//
// The store carries no authorization logic. Whether a declared subject
// actually becomes a publish right depends on the agent's trust status
// and the static policy ceiling, both applied by the compiler.
//
// Key exports:
//
//   - [Store] -- SQLite-backed capability table
//   - [Declaration] -- one agent's live declaration
//   - [ErrUnknownSubject] -- declared subject outside the universe
package capability
