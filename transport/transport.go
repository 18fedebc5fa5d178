// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the delivery-backend contract the bridge
// hands admitted emissions to, and provides the in-memory bus used by
// single-node deployments and tests.
//
// Transports are deliberately dumb: they move opaque envelope bytes
// from an admitted publisher to current subscribers, at-least-once,
// with no authorization logic of their own. Every trust decision has
// already happened by the time Publish is called.
package transport

import "context"

// Handler receives one delivered emission. Called once per matching
// subscription per publish; implementations must not retain data past
// the call.
type Handler func(subjectName string, data []byte)

// Subscription is an active subscription handle.
type Subscription interface {
	// Unsubscribe removes the subscription. Deliveries already in
	// flight may still arrive.
	Unsubscribe()
}

// Transport delivers admitted emissions to subscribers.
type Transport interface {
	// Publish delivers data to every subscription whose pattern
	// matches subjectName. At-least-once: a delivery failure to one
	// subscriber does not affect the others.
	Publish(ctx context.Context, subjectName string, data []byte) error

	// Subscribe registers handler for every subject matching
	// pattern (segment glob syntax: "*" one segment, "**" zero or
	// more).
	Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error)

	// Close releases transport resources. Publish and Subscribe
	// fail after Close.
	Close() error
}
