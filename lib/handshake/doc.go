// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

// Package handshake implements the ABI's challenge-response
// registration protocol.
//
// Registration is a two-step exchange. Begin binds the agent's public
// keys in the registry and issues a single-use nonce with a short TTL.
// Complete proves possession of both private keys: the agent must
// return an Ed25519 signature over the nonce AND an ECDSA P-256
// signature over the SHA-256 digest of the nonce. The two checks use
// independent key material and independent algorithms; partial success
// is treated as full failure.
//
// Nonces are consume-once: the first Complete attempt that reaches
// signature verification consumes the nonce, whether or not the
// signatures verify. A racing duplicate request observes the consumed
// flag and fails [ErrNonceReused].
//
// Repeated signature failures for one agent ID within a rolling window
// trip a lockout ([ErrTooManyAttempts]) that persists until the window
// drains or an operator calls [Controller.ResetLockout].
//
// Key exports:
//
//   - [Controller] -- the handshake state machine
//   - [Controller.Begin] / [Controller.Complete] -- the two protocol steps
package handshake
