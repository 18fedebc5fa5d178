// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"time"

	"github.com/aegnix-foundation/aegnix/lib/admission"
	"github.com/aegnix-foundation/aegnix/lib/audit"
	"github.com/aegnix-foundation/aegnix/lib/capability"
	"github.com/aegnix-foundation/aegnix/lib/grant"
	"github.com/aegnix-foundation/aegnix/lib/handshake"
	"github.com/aegnix-foundation/aegnix/lib/identity"
	"github.com/aegnix-foundation/aegnix/lib/policy"
	"github.com/aegnix-foundation/aegnix/transport"
)

// Config assembles a Bridge. Listen, PolicyPath, StateDir, and
// SigningKey are required.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string

	// PolicyPath is the static policy document (JSONC).
	PolicyPath string

	// StateDir holds the capability and audit databases.
	StateDir string

	// SigningKey is the ABI's Ed25519 key. It signs session grants
	// and audit entries.
	SigningKey ed25519.PrivateKey

	// ReservedAgents are agent IDs registration must refuse.
	ReservedAgents []string

	// NonceTTL, MaxFailures, FailureWindow configure the handshake
	// controller; zero values take the controller defaults.
	NonceTTL      time.Duration
	MaxFailures   int
	FailureWindow time.Duration

	// GrantTTL and RefreshTTL configure the session issuer; zero
	// values take the issuer defaults.
	GrantTTL   time.Duration
	RefreshTTL time.Duration

	// PollInterval configures the policy file watcher; zero takes
	// the compiler default.
	PollInterval time.Duration

	// AutoTrust promotes an agent to trusted when its handshake
	// completes. This is the single-node governance default; fleets
	// with an external governance plane run with it off and drive
	// trust through [Bridge.Registry].
	AutoTrust bool

	// Transport receives admitted emissions. Defaults to an
	// in-process bus.
	Transport transport.Transport

	// Logger for all components. Defaults to discard.
	Logger *slog.Logger
}

// Bridge is one assembled ABI instance.
type Bridge struct {
	registry  *identity.Registry
	hs        *handshake.Controller
	issuer    *grant.Issuer
	caps      *capability.Store
	compiler  *policy.Compiler
	auditLog  *audit.Log
	gate      *admission.Gate
	bus       transport.Transport
	server    *HTTPServer
	logger    *slog.Logger
	autoTrust bool
}

// New wires all components. The context bounds startup I/O (database
// opens, the initial policy compile).
func New(ctx context.Context, cfg Config) (*Bridge, error) {
	if cfg.Listen == "" {
		return nil, fmt.Errorf("bridge: Config.Listen is required")
	}
	if cfg.PolicyPath == "" {
		return nil, fmt.Errorf("bridge: Config.PolicyPath is required")
	}
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("bridge: Config.StateDir is required")
	}
	if len(cfg.SigningKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("bridge: Config.SigningKey is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	b := &Bridge{
		logger:    logger,
		autoTrust: cfg.AutoTrust,
	}

	b.registry = identity.NewRegistry(cfg.ReservedAgents)

	// The capability store validates subjects against the policy
	// compiler, and the compiler folds the store's declarations
	// into every snapshot. The closures below are only invoked on
	// Declare calls, which cannot happen before New returns, so the
	// late binding of b.compiler is safe.
	caps, err := capability.OpenStore(capability.Config{
		Path:            filepath.Join(cfg.StateDir, "capabilities.db"),
		ValidateSubject: func(name string) error { return b.compiler.ValidateSubject(name) },
		OnDeclare:       func() { b.compiler.Trigger() },
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	b.caps = caps

	compiler, err := policy.NewCompiler(ctx, policy.Config{
		PolicyPath:   cfg.PolicyPath,
		Registry:     b.registry,
		Declarations: caps,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	})
	if err != nil {
		caps.Close()
		return nil, err
	}
	b.compiler = compiler

	b.hs = handshake.NewController(handshake.Config{
		Registry:      b.registry,
		NonceTTL:      cfg.NonceTTL,
		MaxFailures:   cfg.MaxFailures,
		FailureWindow: cfg.FailureWindow,
		Logger:        logger,
	})

	b.issuer = grant.NewIssuer(grant.Config{
		PrivateKey: cfg.SigningKey,
		GrantTTL:   cfg.GrantTTL,
		RefreshTTL: cfg.RefreshTTL,
		Logger:     logger,
	})

	auditLog, err := audit.Open(audit.Config{
		Path:       filepath.Join(cfg.StateDir, "audit.db"),
		SigningKey: cfg.SigningKey,
		Logger:     logger,
	})
	if err != nil {
		caps.Close()
		return nil, err
	}
	b.auditLog = auditLog

	b.bus = cfg.Transport
	if b.bus == nil {
		b.bus = transport.NewMemoryBus()
	}

	gate, err := admission.NewGate(admission.Config{
		Issuer:    b.issuer,
		Policy:    b.compiler,
		Registry:  b.registry,
		Audit:     b.auditLog,
		Transport: b.bus,
		Logger:    logger,
	})
	if err != nil {
		b.closeStores()
		return nil, err
	}
	b.gate = gate

	// A trust transition away from trusted invalidates the agent's
	// sessions and its dynamic policy entries. The audit write is
	// best-effort here: governance actions are not admission
	// decisions, and a trust change must not be blocked by a full
	// audit queue.
	b.registry.OnTrustChange(func(agentID string, status identity.TrustStatus) {
		if status != identity.TrustTrusted {
			revoked := b.issuer.RevokeAgent(agentID)
			logger.Info("trust downgrade revoked sessions",
				"agent", agentID, "status", status, "revoked", revoked)
		}
		b.compiler.Trigger()
		if _, err := b.auditLog.Append(context.Background(), audit.EventTrustChange,
			agentID, "", string(status), ""); err != nil {
			logger.Error("trust change not audited", "agent", agentID, "error", err)
		}
	})

	b.server = NewHTTPServer(HTTPServerConfig{
		Address: cfg.Listen,
		Handler: b.routes(),
		Logger:  logger,
	})
	return b, nil
}

// Registry exposes the identity registry for governance tooling
// (trust transitions are not part of the wire interface).
func (b *Bridge) Registry() *identity.Registry { return b.registry }

// Audit exposes the audit log for verification and export tooling.
func (b *Bridge) Audit() *audit.Log { return b.auditLog }

// Ready is closed once the HTTP listener is accepting connections.
func (b *Bridge) Ready() <-chan struct{} { return b.server.Ready() }

// Addr is the resolved listen address, valid after Ready.
func (b *Bridge) Addr() net.Addr { return b.server.Addr() }

// Run serves until ctx is cancelled, then shuts down the HTTP server,
// the policy compiler, and the stores.
func (b *Bridge) Run(ctx context.Context) error {
	compilerDone := make(chan struct{})
	go func() {
		defer close(compilerDone)
		if err := b.compiler.Run(ctx); err != nil {
			b.logger.Error("policy compiler stopped", "error", err)
		}
	}()

	serveErr := b.server.Serve(ctx)
	<-compilerDone

	if err := b.closeStores(); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

func (b *Bridge) closeStores() error {
	var firstErr error
	if b.auditLog != nil {
		if err := b.auditLog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.caps != nil {
		if err := b.caps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.bus != nil {
		if err := b.bus.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
