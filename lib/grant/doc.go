// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

// Package grant implements the ABI's session credentials.
//
// A session grant is the short-lived bearer credential an agent holds
// after a completed handshake. The wire format is a deterministic CBOR
// payload followed by a 64-byte Ed25519 signature from the ABI's own
// signing key, so any holder of the ABI public key can verify a grant
// without a registry round trip. Grants carry identity only, never
// authorization scope — publish rights are re-evaluated against the
// current policy snapshot on every emission, so scope changes take
// effect without re-issuing credentials.
//
// Alongside each grant the issuer creates a refresh session: an opaque
// rotating token with a longer TTL that lets an agent obtain fresh
// grants without re-running the handshake. Refresh tokens are compared
// in constant time and rotated on every use.
//
// Revocation is an in-memory set of grant IDs keyed by natural expiry.
// Entries vanish once the grant they block would have expired anyway,
// so the set stays small under short grant TTLs.
//
// Key exports:
//
//   - [Issuer] -- mints, validates, refreshes, revokes
//   - [Grant] -- the signed payload
//   - [Session] -- what an agent receives: grant + refresh token
//   - [GenerateKeypair] / [LoadKeypair] / [SaveKeypair] -- ABI signing key
package grant
