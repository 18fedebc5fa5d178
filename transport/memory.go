// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/aegnix-foundation/aegnix/lib/subject"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("transport: bus is closed")

// MemoryBus is an in-process Transport. Deliveries run on the
// publisher's goroutine; handlers that need to block should hand off
// internally.
type MemoryBus struct {
	mu     sync.RWMutex
	closed bool
	nextID uint64
	subs   map[uint64]*memorySub
}

type memorySub struct {
	id      uint64
	pattern string
	handler Handler
	bus     *MemoryBus
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[uint64]*memorySub)}
}

// Publish delivers data to every matching subscription.
func (b *MemoryBus) Publish(ctx context.Context, subjectName string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	var matched []*memorySub
	for _, sub := range b.subs {
		if subject.MatchPattern(sub.pattern, subjectName) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	// Handlers run outside the lock so a handler may subscribe or
	// unsubscribe without deadlocking.
	for _, sub := range matched {
		sub.handler(subjectName, data)
	}
	return nil
}

// Subscribe registers handler for subjects matching pattern.
func (b *MemoryBus) Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := subject.ValidatePattern(pattern); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	sub := &memorySub{id: b.nextID, pattern: pattern, handler: handler, bus: b}
	b.subs[sub.id] = sub
	return sub, nil
}

// Close drops all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
	return nil
}

func (s *memorySub) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
}
