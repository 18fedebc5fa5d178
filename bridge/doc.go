// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge assembles the ABI service: it wires the identity
// registry, handshake controller, session issuer, capability store,
// policy compiler, admission gate, audit log, and delivery transport
// into one process and exposes the wire interface over HTTP.
//
// The HTTP surface is deliberately small:
//
//	POST /register          begin a handshake (challenge nonce)
//	POST /verify            complete a handshake (session grant)
//	POST /session/refresh   renew a grant without a new handshake
//	POST /ae/capabilities   declare capabilities (bearer grant)
//	POST /emit              publish one emission (bearer grant)
//	GET  /healthz           liveness
//
// Error responses carry coarse categories only; the precise cause is
// in the server log and the audit trail, never in the response body.
package bridge
