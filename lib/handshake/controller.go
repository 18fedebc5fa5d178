// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aegnix-foundation/aegnix/lib/identity"
	"github.com/aegnix-foundation/aegnix/lib/subject"
)

// NonceSize is the length of a challenge nonce in bytes.
const NonceSize = 32

// Errors returned by Complete. These are the coarse categories exposed
// at the wire boundary; no finer detail leaves this package.
var (
	ErrNonceExpired     = errors.New("handshake: nonce expired")
	ErrNonceReused      = errors.New("handshake: nonce already consumed")
	ErrInvalidSignature = errors.New("handshake: invalid signature")
	ErrTooManyAttempts  = errors.New("handshake: too many failed attempts")
)

// Nonce is an issued challenge. The agent signs Value with both of its
// private keys and returns the signatures to Complete before ExpiresAt.
type Nonce struct {
	Value     []byte
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// nonceState is the server-side record of an outstanding challenge.
type nonceState struct {
	value     []byte
	expiresAt time.Time
	consumed  bool
}

// Config holds the parameters for creating a Controller.
type Config struct {
	// Registry is the agent identity store. Required.
	Registry *identity.Registry

	// NonceTTL bounds how long an agent has to complete the
	// handshake. Defaults to 60 seconds.
	NonceTTL time.Duration

	// MaxFailures is the number of invalid-signature failures within
	// FailureWindow that trips the lockout. Defaults to 5.
	MaxFailures int

	// FailureWindow is the rolling window for failure counting.
	// Defaults to 5 minutes.
	FailureWindow time.Duration

	// Logger receives handshake lifecycle events. If nil, a no-op
	// logger is used.
	Logger *slog.Logger

	// Now overrides the time source. Test use only.
	Now func() time.Time
}

// Controller runs the nonce-challenge registration state machine. Safe
// for concurrent use; one mutex guards the nonce table and the failure
// history, which keeps consume-once atomic under racing duplicates.
type Controller struct {
	registry      *identity.Registry
	nonceTTL      time.Duration
	maxFailures   int
	failureWindow time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu       sync.Mutex
	nonces   map[string]*nonceState
	failures map[string][]time.Time
}

// NewController creates a handshake controller.
func NewController(cfg Config) *Controller {
	if cfg.Registry == nil {
		panic("handshake.NewController: Registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	nonceTTL := cfg.NonceTTL
	if nonceTTL <= 0 {
		nonceTTL = 60 * time.Second
	}
	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	failureWindow := cfg.FailureWindow
	if failureWindow <= 0 {
		failureWindow = 5 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		registry:      cfg.Registry,
		nonceTTL:      nonceTTL,
		maxFailures:   maxFailures,
		failureWindow: failureWindow,
		logger:        logger,
		now:           now,
		nonces:        make(map[string]*nonceState),
		failures:      make(map[string][]time.Time),
	}
}

// Begin binds (or rebinds) the agent's public keys pending verification
// and issues a fresh challenge nonce. A repeated Begin replaces any
// outstanding nonce for the agent — only the latest challenge is valid.
func (c *Controller) Begin(agentID string, signingKey ed25519.PublicKey, attestationKey *ecdsa.PublicKey) (Nonce, error) {
	if err := subject.ValidateAgentID(agentID); err != nil {
		return Nonce{}, fmt.Errorf("handshake: %w", err)
	}
	if err := c.registry.Bind(agentID, signingKey, attestationKey); err != nil {
		return Nonce{}, err
	}

	value := make([]byte, NonceSize)
	if _, err := rand.Read(value); err != nil {
		return Nonce{}, fmt.Errorf("handshake: generating nonce: %w", err)
	}

	issuedAt := c.now()
	nonce := Nonce{
		Value:     value,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(c.nonceTTL),
	}

	c.mu.Lock()
	c.nonces[agentID] = &nonceState{
		value:     value,
		expiresAt: nonce.ExpiresAt,
	}
	c.mu.Unlock()

	c.logger.Debug("handshake challenge issued", "agent_id", agentID)
	return nonce, nil
}

// Complete verifies both signatures over the outstanding nonce. The
// nonce is consumed by the first attempt that reaches signature
// verification, pass or fail — a failed attempt cannot be retried
// against the same challenge, and a racing duplicate fails
// [ErrNonceReused].
func (c *Controller) Complete(agentID string, signingSig, attestationSig []byte) error {
	now := c.now()

	c.mu.Lock()
	if c.lockedOutLocked(agentID, now) {
		c.mu.Unlock()
		return ErrTooManyAttempts
	}

	state, ok := c.nonces[agentID]
	if !ok {
		c.mu.Unlock()
		return ErrNonceExpired
	}
	if state.consumed {
		c.mu.Unlock()
		return ErrNonceReused
	}
	if now.After(state.expiresAt) {
		delete(c.nonces, agentID)
		c.mu.Unlock()
		return ErrNonceExpired
	}
	// Consume before verifying: single-use means a single
	// verification attempt.
	state.consumed = true
	value := state.value
	c.mu.Unlock()

	agent, ok := c.registry.Get(agentID)
	if !ok {
		return ErrInvalidSignature
	}

	signingOK := ed25519.Verify(agent.SigningKey, value, signingSig)
	digest := sha256.Sum256(value)
	attestationOK := agent.AttestationKey != nil &&
		ecdsa.VerifyASN1(agent.AttestationKey, digest[:], attestationSig)

	if !signingOK || !attestationOK {
		c.recordFailure(agentID, now)
		c.logger.Info("handshake verification failed",
			"agent_id", agentID,
			"signing_ok", signingOK,
			"attestation_ok", attestationOK,
		)
		return ErrInvalidSignature
	}

	c.mu.Lock()
	delete(c.failures, agentID)
	c.mu.Unlock()

	c.logger.Info("handshake verified", "agent_id", agentID)
	return nil
}

// lockedOutLocked reports whether agentID has accumulated MaxFailures
// within the rolling window. Prunes drained entries as a side effect.
// Caller holds c.mu.
func (c *Controller) lockedOutLocked(agentID string, now time.Time) bool {
	cutoff := now.Add(-c.failureWindow)
	history := c.failures[agentID]
	live := history[:0]
	for _, at := range history {
		if at.After(cutoff) {
			live = append(live, at)
		}
	}
	if len(live) == 0 {
		delete(c.failures, agentID)
	} else {
		c.failures[agentID] = live
	}
	return len(live) >= c.maxFailures
}

func (c *Controller) recordFailure(agentID string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[agentID] = append(c.failures[agentID], now)
}

// ResetLockout clears the failure history for an agent. This is the
// external-reset path for a tripped lockout; only an operator or
// governance process should call it.
func (c *Controller) ResetLockout(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, agentID)
}

// Sweep removes expired nonces and drained failure histories. Call
// periodically; protocol correctness does not depend on it (expiry is
// checked on every Complete), it only bounds memory.
func (c *Controller) Sweep() int {
	now := c.now()
	cutoff := now.Add(-c.failureWindow)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for agentID, state := range c.nonces {
		if now.After(state.expiresAt) {
			delete(c.nonces, agentID)
			removed++
		}
	}
	for agentID, history := range c.failures {
		live := history[:0]
		for _, at := range history {
			if at.After(cutoff) {
				live = append(live, at)
			}
		}
		if len(live) == 0 {
			delete(c.failures, agentID)
		} else {
			c.failures[agentID] = live
		}
	}
	return removed
}
