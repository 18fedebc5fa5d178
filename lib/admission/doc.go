// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

// Package admission implements the per-emission enforcement point.
//
// Every emission passes the gate's checks in a strict order, each
// short-circuiting with its own denial reason: grant validation
// (Unauthenticated), policy snapshot publisher check (Unauthorized),
// trust status (UntrustedAgent), envelope signature against the
// registry's signing key (BadSignature). The decision — accept or
// deny — is appended to the audit trail synchronously before any
// result reaches the caller; a failed audit write fails the admission
// (PersistFailure) even when every check passed. Only after the audit
// record is durable is an accepted envelope handed to the delivery
// backend.
//
// The fixed check order is part of the external contract: a caller
// holding an expired grant learns nothing about policy, and an
// unauthorized caller learns nothing about trust state.
package admission
