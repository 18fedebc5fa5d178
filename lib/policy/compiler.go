// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/aegnix-foundation/aegnix/lib/capability"
	"github.com/aegnix-foundation/aegnix/lib/identity"
	"github.com/aegnix-foundation/aegnix/lib/subject"
)

// DeclarationSource supplies the capability declarations folded into
// each compile. Implemented by [capability.Store].
type DeclarationSource interface {
	All(ctx context.Context) ([]capability.Declaration, error)
}

// Config configures a [Compiler]. PolicyPath and Registry are
// required.
type Config struct {
	// PolicyPath is the static policy document (JSONC). It is read
	// once at construction and polled for changes while Run is
	// active.
	PolicyPath string

	// Registry supplies trust statuses and the known-agent set.
	Registry *identity.Registry

	// Declarations supplies capability declarations. May be nil,
	// in which case the table compiles from static policy alone.
	Declarations DeclarationSource

	// PollInterval is how often Run checks the policy file for
	// changes. Defaults to 2 seconds.
	PollInterval time.Duration

	// Logger for compile and reload events. Defaults to discard.
	Logger *slog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Compiler maintains the compiled authorization table. All compiles
// run on the single goroutine inside [Compiler.Run]; readers call
// [Compiler.Current] and never block.
type Compiler struct {
	path         string
	registry     *identity.Registry
	declarations DeclarationSource
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time

	document atomic.Pointer[Document]
	snapshot atomic.Pointer[Snapshot]
	version  atomic.Uint64

	// trigger coalesces recompile requests: any number of sends
	// while a compile is in flight collapse into one pending
	// compile.
	trigger chan struct{}

	// File watcher state, touched only at construction and on the
	// Run goroutine.
	lastModTime time.Time
	lastSize    int64
}

// NewCompiler reads the static policy document and compiles the
// initial snapshot. A malformed document at construction is a hard
// error: the broker must not start without a valid policy.
func NewCompiler(ctx context.Context, cfg Config) (*Compiler, error) {
	if cfg.PolicyPath == "" {
		return nil, fmt.Errorf("policy: Config.PolicyPath is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("policy: Config.Registry is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Compiler{
		path:         cfg.PolicyPath,
		registry:     cfg.Registry,
		declarations: cfg.Declarations,
		pollInterval: cfg.PollInterval,
		logger:       cfg.Logger,
		now:          cfg.Now,
		trigger:      make(chan struct{}, 1),
	}

	doc, err := ReadFile(c.path)
	if err != nil {
		return nil, err
	}
	c.document.Store(doc)
	if info, err := os.Stat(c.path); err == nil {
		c.lastModTime = info.ModTime()
		c.lastSize = info.Size()
	}
	if err := c.compile(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Current returns the live snapshot. The result is immutable and safe
// to hold across multiple lookups.
func (c *Compiler) Current() *Snapshot {
	return c.snapshot.Load()
}

// ValidateSubject reports whether name is a well-formed subject inside
// the current subject universe. Wired into the capability store so
// declarations outside the universe are rejected at write time.
func (c *Compiler) ValidateSubject(name string) error {
	if err := subject.ValidateName(name); err != nil {
		return err
	}
	if !c.document.Load().InUniverse(name) {
		return fmt.Errorf("subject %q is outside the declared subject universe", name)
	}
	return nil
}

// Trigger requests a recompile. Non-blocking: requests arriving while
// a compile is pending coalesce into it.
func (c *Compiler) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run serves recompile triggers and polls the policy file for changes
// until ctx is cancelled. Returns nil on cancellation.
func (c *Compiler) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.trigger:
			if err := c.compile(ctx); err != nil {
				c.logger.Error("policy compile failed, keeping previous snapshot", "error", err)
			}
		case <-ticker.C:
			c.reloadIfChanged(ctx)
		}
	}
}

// reloadIfChanged re-reads the policy file when its mtime or size
// moved. A document that fails to parse is logged and discarded; the
// previous document and snapshot keep serving.
func (c *Compiler) reloadIfChanged(ctx context.Context) {
	info, err := os.Stat(c.path)
	if err != nil {
		c.logger.Warn("policy file stat failed", "path", c.path, "error", err)
		return
	}
	if info.ModTime().Equal(c.lastModTime) && info.Size() == c.lastSize {
		return
	}
	c.lastModTime = info.ModTime()
	c.lastSize = info.Size()

	doc, err := ReadFile(c.path)
	if err != nil {
		c.logger.Error("policy reload rejected, keeping previous document", "path", c.path, "error", err)
		return
	}
	c.document.Store(doc)
	c.logger.Info("policy document reloaded", "path", c.path,
		"subjects", len(doc.Subjects), "dynamic_patterns", len(doc.DynamicPatterns))
	if err := c.compile(ctx); err != nil {
		c.logger.Error("policy compile failed after reload, keeping previous snapshot", "error", err)
	}
}

// compile merges the current document with capability declarations and
// publishes the result. Errors leave the previous snapshot in place.
func (c *Compiler) compile(ctx context.Context) error {
	doc := c.document.Load()

	var decls []capability.Declaration
	if c.declarations != nil {
		var err error
		decls, err = c.declarations.All(ctx)
		if err != nil {
			return fmt.Errorf("policy: read declarations: %w", err)
		}
	}

	trusted := c.registry.TrustedAgents()

	// Static entries are expanded over the concrete agent set:
	// registered agents plus any agent with a declaration on file.
	agents := make(map[string]bool)
	for _, id := range c.registry.AgentIDs() {
		agents[id] = true
	}
	for _, d := range decls {
		agents[d.AgentID] = true
	}

	entries := make(map[string]Entry, len(doc.Subjects))
	ensure := func(name string) Entry {
		e, ok := entries[name]
		if !ok {
			e = Entry{
				Publishers:  make(map[string]Provenance),
				Subscribers: make(map[string]Provenance),
			}
			entries[name] = e
		}
		return e
	}

	for name, sp := range doc.Subjects {
		e := ensure(name)
		for agentID := range agents {
			if listMatches(sp.Publishers.Allow, agentID) && !listMatches(sp.Publishers.Deny, agentID) {
				e.Publishers[agentID] = ProvenanceStatic
			}
			if listMatches(sp.Subscribers.Allow, agentID) && !listMatches(sp.Subscribers.Deny, agentID) {
				e.Subscribers[agentID] = ProvenanceStatic
			}
		}
	}

	for _, d := range decls {
		if !trusted[d.AgentID] {
			continue
		}
		for _, name := range d.Publishes {
			if !doc.InUniverse(name) {
				c.logger.Debug("declared subject left the universe, skipping",
					"agent", d.AgentID, "subject", name)
				continue
			}
			if listMatches(doc.Subjects[name].Publishers.Deny, d.AgentID) {
				continue
			}
			e := ensure(name)
			if _, ok := e.Publishers[d.AgentID]; !ok {
				e.Publishers[d.AgentID] = ProvenanceDynamic
			}
		}
		for _, name := range d.Subscribes {
			if !doc.InUniverse(name) {
				c.logger.Debug("declared subject left the universe, skipping",
					"agent", d.AgentID, "subject", name)
				continue
			}
			if listMatches(doc.Subjects[name].Subscribers.Deny, d.AgentID) {
				continue
			}
			e := ensure(name)
			if _, ok := e.Subscribers[d.AgentID]; !ok {
				e.Subscribers[d.AgentID] = ProvenanceDynamic
			}
		}
	}

	snap := &Snapshot{
		version:    c.version.Add(1),
		compiledAt: c.now(),
		entries:    entries,
	}
	c.snapshot.Store(snap)
	c.logger.Debug("policy snapshot published",
		"version", snap.version, "subjects", len(entries), "declarations", len(decls))
	return nil
}
