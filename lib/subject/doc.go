// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

// Package subject provides validation and glob matching for AEGNIX
// subject names.
//
// Subjects are hierarchical, dot-separated names ("fusion.track",
// "roe.decision.final"). Agent IDs share the same character rules but
// are a single segment ("fusion_ae"). Patterns extend subject syntax
// with wildcards:
//
//   - Exact: "fusion.track" matches only "fusion.track"
//   - Single-segment: "fusion.*" matches "fusion.track" but not
//     "fusion.track.raw"
//   - Recursive: "fusion.**" matches "fusion.track" and
//     "fusion.track.raw"
//   - Universal: "**" matches every subject
//
// Malformed patterns never match — a pattern that cannot be parsed
// must not grant access.
//
// This package depends on no other AEGNIX packages.
package subject
