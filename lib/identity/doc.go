// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity implements the ABI's key registry: the mapping from
// agent ID to the agent's public key material and trust status.
//
// Every Atomic Expert is identified by a single-segment agent ID
// ("fusion_ae") and carries two independent public keys: an Ed25519
// signing key used for envelope and handshake signatures, and an ECDSA
// P-256 attestation key used as the second factor of the dual-crypto
// handshake. Both are bound during registration and re-verified on
// every handshake.
//
// Trust status is the registry's governance surface. The handshake
// creates identities as [TrustPending]; promotion to [TrustTrusted]
// and demotion to [TrustSuspended] or [TrustRevoked] happen only
// through [Registry.SetTrustStatus], which is driven by an operator or
// an external governance process, never by the admission core itself.
// The admission gate reads trust status on every emission, so a
// demotion takes effect immediately even while old session grants are
// still unexpired.
//
// Key exports:
//
//   - [Registry] -- concurrent agent identity store
//   - [AgentIdentity] -- one agent's keys and trust status
//   - [TrustStatus] -- pending / trusted / suspended / revoked
//
// This package depends only on lib/subject.
package identity
