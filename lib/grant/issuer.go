// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aegnix-foundation/aegnix/lib/codec"
)

// signatureSize is the fixed size of an Ed25519 signature.
const signatureSize = ed25519.SignatureSize // 64 bytes

// refreshTokenSize is the length of an opaque refresh token in bytes.
const refreshTokenSize = 32

// Errors returned by Validate and Refresh.
var (
	ErrMalformed        = errors.New("grant: malformed token")
	ErrSignatureInvalid = errors.New("grant: invalid signature")
	ErrExpired          = errors.New("grant: expired")
	ErrRevoked          = errors.New("grant: revoked")
	ErrRefreshExpired   = errors.New("grant: refresh session expired")
	ErrRefreshInvalid   = errors.New("grant: refresh token invalid")
)

// Grant is the CBOR-encoded payload of a session grant.
type Grant struct {
	// ID is a unique grant identifier (hex string), used for
	// revocation.
	ID string `cbor:"1,keyasint"`

	// AgentID is the agent this grant is bound to.
	AgentID string `cbor:"2,keyasint"`

	// SessionID links the grant to its refresh session.
	SessionID string `cbor:"3,keyasint"`

	// IssuedAt is a Unix timestamp (seconds) of minting.
	IssuedAt int64 `cbor:"4,keyasint"`

	// ExpiresAt is a Unix timestamp (seconds) after which the grant
	// is invalid.
	ExpiresAt int64 `cbor:"5,keyasint"`
}

// Session is what an agent receives from Mint or Refresh: the signed
// grant bytes plus the refresh credentials for renewing it.
type Session struct {
	SessionID        string
	Grant            Grant
	GrantBytes       []byte
	RefreshToken     []byte
	RefreshExpiresAt time.Time
}

// refreshSession is the issuer-side state of one refresh session.
type refreshSession struct {
	agentID   string
	token     []byte
	expiresAt time.Time
}

// issuedGrant tracks a live grant ID for an agent so RevokeAgent can
// blocklist it.
type issuedGrant struct {
	id        string
	expiresAt time.Time
}

// Config holds the parameters for creating an Issuer.
type Config struct {
	// PrivateKey is the ABI's Ed25519 signing key. Required.
	PrivateKey ed25519.PrivateKey

	// GrantTTL is the access grant lifetime. Defaults to 15 minutes.
	GrantTTL time.Duration

	// RefreshTTL is the refresh session lifetime. Defaults to 24
	// hours.
	RefreshTTL time.Duration

	// Logger receives issuance and revocation events. If nil, a
	// no-op logger is used.
	Logger *slog.Logger

	// Now overrides the time source. Test use only.
	Now func() time.Time
}

// Issuer mints and validates session grants. Safe for concurrent use.
type Issuer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	grantTTL   time.Duration
	refreshTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	revoked  map[string]time.Time       // grant ID → natural expiry
	sessions map[string]*refreshSession // session ID → state
	issued   map[string][]issuedGrant   // agent ID → live grants
}

// NewIssuer creates a session issuer signing with the given key.
func NewIssuer(cfg Config) *Issuer {
	if len(cfg.PrivateKey) != ed25519.PrivateKeySize {
		panic("grant.NewIssuer: PrivateKey is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	grantTTL := cfg.GrantTTL
	if grantTTL <= 0 {
		grantTTL = 15 * time.Minute
	}
	refreshTTL := cfg.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = 24 * time.Hour
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		privateKey: cfg.PrivateKey,
		publicKey:  cfg.PrivateKey.Public().(ed25519.PublicKey),
		grantTTL:   grantTTL,
		refreshTTL: refreshTTL,
		logger:     logger,
		now:        now,
		revoked:    make(map[string]time.Time),
		sessions:   make(map[string]*refreshSession),
		issued:     make(map[string][]issuedGrant),
	}
}

// PublicKey returns the verification key for grants minted by this
// issuer.
func (i *Issuer) PublicKey() ed25519.PublicKey {
	return i.publicKey
}

// Mint issues a fresh grant and refresh session for agentID. The
// caller is responsible for having verified the agent's identity (a
// completed handshake or a valid refresh) before minting.
func (i *Issuer) Mint(agentID string) (Session, error) {
	sessionID, err := randomHex(16)
	if err != nil {
		return Session{}, fmt.Errorf("grant: generating session ID: %w", err)
	}
	return i.mintForSession(agentID, sessionID)
}

// mintForSession mints a grant bound to an existing or new session ID
// and (re)creates the session's refresh token.
func (i *Issuer) mintForSession(agentID, sessionID string) (Session, error) {
	grantID, err := randomHex(16)
	if err != nil {
		return Session{}, fmt.Errorf("grant: generating grant ID: %w", err)
	}
	refreshToken := make([]byte, refreshTokenSize)
	if _, err := rand.Read(refreshToken); err != nil {
		return Session{}, fmt.Errorf("grant: generating refresh token: %w", err)
	}

	now := i.now()
	g := Grant{
		ID:        grantID,
		AgentID:   agentID,
		SessionID: sessionID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(i.grantTTL).Unix(),
	}

	payload, err := codec.Marshal(&g)
	if err != nil {
		return Session{}, fmt.Errorf("grant: encoding payload: %w", err)
	}
	signature := ed25519.Sign(i.privateKey, payload)

	grantBytes := make([]byte, len(payload)+signatureSize)
	copy(grantBytes, payload)
	copy(grantBytes[len(payload):], signature)

	refreshExpiresAt := now.Add(i.refreshTTL)

	i.mu.Lock()
	i.sessions[sessionID] = &refreshSession{
		agentID:   agentID,
		token:     refreshToken,
		expiresAt: refreshExpiresAt,
	}
	i.issued[agentID] = append(i.issued[agentID], issuedGrant{
		id:        grantID,
		expiresAt: time.Unix(g.ExpiresAt, 0),
	})
	i.mu.Unlock()

	i.logger.Debug("grant minted",
		"agent_id", agentID,
		"session_id", sessionID,
		"expires_at", g.ExpiresAt,
	)

	return Session{
		SessionID:        sessionID,
		Grant:            g,
		GrantBytes:       grantBytes,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}

// Validate checks a grant's structure, signature, expiry, and
// revocation status, in that order, and returns the decoded payload.
func (i *Issuer) Validate(grantBytes []byte) (Grant, error) {
	if len(grantBytes) <= signatureSize {
		return Grant{}, ErrMalformed
	}

	splitPoint := len(grantBytes) - signatureSize
	payload := grantBytes[:splitPoint]
	signature := grantBytes[splitPoint:]

	if !ed25519.Verify(i.publicKey, payload, signature) {
		return Grant{}, ErrSignatureInvalid
	}

	var g Grant
	if err := codec.Unmarshal(payload, &g); err != nil {
		return Grant{}, ErrMalformed
	}

	if i.now().Unix() >= g.ExpiresAt {
		return Grant{}, ErrExpired
	}

	i.mu.Lock()
	_, revoked := i.revoked[g.ID]
	i.mu.Unlock()
	if revoked {
		return Grant{}, ErrRevoked
	}

	return g, nil
}

// Refresh rotates a session's refresh token and mints a new grant.
// The old refresh token becomes invalid immediately; the old grant
// remains valid until its natural expiry.
func (i *Issuer) Refresh(sessionID string, refreshToken []byte) (Session, error) {
	now := i.now()

	i.mu.Lock()
	session, ok := i.sessions[sessionID]
	if !ok {
		i.mu.Unlock()
		return Session{}, ErrRefreshInvalid
	}
	if now.After(session.expiresAt) {
		delete(i.sessions, sessionID)
		i.mu.Unlock()
		return Session{}, ErrRefreshExpired
	}
	if subtle.ConstantTimeCompare(session.token, refreshToken) != 1 {
		i.mu.Unlock()
		return Session{}, ErrRefreshInvalid
	}
	agentID := session.agentID
	i.mu.Unlock()

	return i.mintForSession(agentID, sessionID)
}

// RevokeAgent revokes every live grant and refresh session for an
// agent. Called on trust downgrade so old credentials die with the
// agent's standing.
func (i *Issuer) RevokeAgent(agentID string) int {
	now := i.now()

	i.mu.Lock()
	defer i.mu.Unlock()

	revoked := 0
	for _, g := range i.issued[agentID] {
		if now.Before(g.expiresAt) {
			i.revoked[g.id] = g.expiresAt
			revoked++
		}
	}
	delete(i.issued, agentID)

	for sessionID, session := range i.sessions {
		if session.agentID == agentID {
			delete(i.sessions, sessionID)
		}
	}

	i.logger.Info("agent credentials revoked",
		"agent_id", agentID,
		"grants_revoked", revoked,
	)
	return revoked
}

// Cleanup removes revocation entries and tracking state whose natural
// expiry has passed. Call periodically; under short grant TTLs the
// tables stay small between sweeps.
func (i *Issuer) Cleanup() int {
	now := i.now()

	i.mu.Lock()
	defer i.mu.Unlock()

	removed := 0
	for id, expiresAt := range i.revoked {
		if !now.Before(expiresAt) {
			delete(i.revoked, id)
			removed++
		}
	}
	for agentID, grants := range i.issued {
		live := grants[:0]
		for _, g := range grants {
			if now.Before(g.expiresAt) {
				live = append(live, g)
			}
		}
		if len(live) == 0 {
			delete(i.issued, agentID)
		} else {
			i.issued[agentID] = live
		}
	}
	for sessionID, session := range i.sessions {
		if !now.Before(session.expiresAt) {
			delete(i.sessions, sessionID)
			removed++
		}
	}
	return removed
}

// randomHex returns n random bytes hex-encoded.
func randomHex(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
