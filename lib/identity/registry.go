// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"
)

// TrustStatus is the governance state of an agent identity.
type TrustStatus string

const (
	// TrustPending is the initial state after a completed handshake.
	// Pending agents hold valid session grants but their capability
	// declarations do not enter the compiled policy until promotion.
	TrustPending TrustStatus = "pending"

	// TrustTrusted agents participate fully in the mesh.
	TrustTrusted TrustStatus = "trusted"

	// TrustSuspended agents are temporarily excluded. Their emissions
	// are denied but their identity and declarations are retained.
	TrustSuspended TrustStatus = "suspended"

	// TrustRevoked agents are permanently excluded.
	TrustRevoked TrustStatus = "revoked"
)

// ParseTrustStatus parses a trust status from its string form.
func ParseTrustStatus(s string) (TrustStatus, error) {
	switch TrustStatus(s) {
	case TrustPending, TrustTrusted, TrustSuspended, TrustRevoked:
		return TrustStatus(s), nil
	}
	return "", fmt.Errorf("identity: unknown trust status %q", s)
}

// Errors returned by the registry.
var (
	ErrUnknownAgent      = errors.New("identity: unknown agent")
	ErrReservedAgent     = errors.New("identity: agent ID is reserved")
	ErrAlreadyRegistered = errors.New("identity: agent is trusted; key rebind requires governance")
)

// AgentIdentity is one agent's registered key material and trust
// status. Values returned by the registry are copies; mutating them
// has no effect on registry state.
type AgentIdentity struct {
	// AgentID is the unique single-segment identifier of the agent.
	AgentID string

	// SigningKey is the agent's Ed25519 public key. Envelope
	// signatures and the primary handshake signature verify against
	// this key.
	SigningKey ed25519.PublicKey

	// AttestationKey is the agent's ECDSA P-256 public key, the
	// independent second key material of the dual-crypto handshake.
	AttestationKey *ecdsa.PublicKey

	// TrustStatus is the agent's current governance state.
	TrustStatus TrustStatus

	// RegisteredAt is when the identity was first bound.
	RegisteredAt time.Time
}

// TrustChangeFunc is called after a trust status transition commits.
// Handlers run outside the registry lock and must not call back into
// the registry synchronously from a path that could deadlock.
type TrustChangeFunc func(agentID string, status TrustStatus)

// Registry is the concurrent agent identity store. Reads take a read
// lock; Bind and SetTrustStatus take the write lock. The registry is
// the single owner of trust-status state.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*AgentIdentity
	reserved map[string]bool
	handlers []TrustChangeFunc
	now      func() time.Time
}

// NewRegistry creates an empty registry. The reserved list names agent
// IDs that may never register (infrastructure names, blocklisted
// agents).
func NewRegistry(reserved []string) *Registry {
	reservedSet := make(map[string]bool, len(reserved))
	for _, id := range reserved {
		reservedSet[id] = true
	}
	return &Registry{
		agents:   make(map[string]*AgentIdentity),
		reserved: reservedSet,
		now:      time.Now,
	}
}

// SetNowFunc overrides the registry's time source. Test use only.
func (r *Registry) SetNowFunc(now func() time.Time) {
	r.now = now
}

// OnTrustChange registers a handler invoked after every trust status
// transition. Used to wire policy recompilation and grant revocation.
func (r *Registry) OnTrustChange(handler TrustChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
}

// Bind creates an identity for agentID with the given key pair, or
// rebinds the keys of an existing non-trusted identity. The identity
// starts (or stays) in its current trust state; new identities start
// pending. Fails [ErrReservedAgent] for reserved IDs and
// [ErrAlreadyRegistered] for trusted agents — rebinding the keys of a
// trusted agent would be a key takeover, so governance must demote the
// agent first.
func (r *Registry) Bind(agentID string, signingKey ed25519.PublicKey, attestationKey *ecdsa.PublicKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reserved[agentID] {
		return ErrReservedAgent
	}

	if existing, ok := r.agents[agentID]; ok {
		if existing.TrustStatus == TrustTrusted {
			return ErrAlreadyRegistered
		}
		existing.SigningKey = signingKey
		existing.AttestationKey = attestationKey
		return nil
	}

	r.agents[agentID] = &AgentIdentity{
		AgentID:        agentID,
		SigningKey:     signingKey,
		AttestationKey: attestationKey,
		TrustStatus:    TrustPending,
		RegisteredAt:   r.now().UTC(),
	}
	return nil
}

// Get returns a copy of the identity for agentID.
func (r *Registry) Get(agentID string) (AgentIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return AgentIdentity{}, false
	}
	return *agent, true
}

// SetTrustStatus transitions an agent's trust status. This is the
// governance entry point; the admission core never calls it. Trust
// change handlers fire after the transition commits.
func (r *Registry) SetTrustStatus(agentID string, status TrustStatus) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownAgent
	}
	agent.TrustStatus = status
	handlers := make([]TrustChangeFunc, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.Unlock()

	for _, handler := range handlers {
		handler(agentID, status)
	}
	return nil
}

// IsReserved reports whether agentID is on the reserved list.
func (r *Registry) IsReserved(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reserved[agentID]
}

// AgentIDs returns the IDs of all registered agents, in no particular
// order. The policy compiler uses this as the candidate set when
// expanding static allow patterns into concrete snapshot entries.
func (r *Registry) AgentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

// TrustedAgents returns the IDs of all agents whose status is trusted,
// for the policy compiler's dynamic merge step.
func (r *Registry) TrustedAgents() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	trusted := make(map[string]bool)
	for id, agent := range r.agents {
		if agent.TrustStatus == TrustTrusted {
			trusted[id] = true
		}
	}
	return trusted
}

// ParseSigningKey validates raw bytes as an Ed25519 public key.
func ParseSigningKey(raw []byte) (ed25519.PublicKey, error) {
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: signing key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// ParseAttestationKey parses a PKIX DER-encoded ECDSA P-256 public key.
func ParseAttestationKey(der []byte) (*ecdsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("identity: parsing attestation key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("identity: attestation key is %T, want *ecdsa.PublicKey", parsed)
	}
	return key, nil
}

// MarshalAttestationKey encodes an ECDSA public key as PKIX DER, the
// inverse of [ParseAttestationKey].
func MarshalAttestationKey(key *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("identity: encoding attestation key: %w", err)
	}
	return der, nil
}
