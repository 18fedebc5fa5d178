// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides AEGNIX's standard CBOR encoding configuration.
//
// Every byte sequence that gets signed or hashed in the ABI — session
// grant payloads, envelope signing bodies, audit record bodies — is
// produced by this package. The encoder uses Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. The same logical value always
// encodes to identical bytes, which is what makes signature and hash
// verification reproducible across processes and restarts.
//
// The decoder accepts standard CBOR and silently ignores unknown
// fields for forward compatibility.
//
// Key exports:
//
//   - [Marshal] / [Unmarshal] -- the only encode/decode entry points
//   - [RawMessage] -- delayed decoding for payload passthrough
//
// This package depends on no other AEGNIX packages.
package codec
