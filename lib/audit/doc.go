// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit implements the ABI's tamper-evident decision trail.
//
// Every admission decision — accepted or denied — and every
// trust-affecting event (handshake completion, capability declaration,
// session refresh, trust transition) is appended as one record of an
// append-only hash chain. Each record's entry hash is a BLAKE3 keyed
// hash over the previous entry hash concatenated with the canonical
// CBOR encoding of the record body, and the entry hash is signed with
// the ABI's Ed25519 signing key. Truncating, reordering, or editing
// any prefix of the log breaks every hash downstream of the edit;
// [Log.VerifyChain] finds the first break.
//
// Appends are ordered through a single writer goroutine. Callers block
// until their record's SQLite transaction commits (the audit database
// runs at synchronous=FULL), so a caller that observes a nil error
// holds a durable record. The admission gate depends on this: an
// emission is never acknowledged before its audit record is on disk.
//
// [Log.Export] streams a sequence range as zstd-compressed JSONL for
// offline retention and review.
package audit
