// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aegnix-foundation/aegnix/lib/admission"
	"github.com/aegnix-foundation/aegnix/lib/audit"
	"github.com/aegnix-foundation/aegnix/lib/capability"
	"github.com/aegnix-foundation/aegnix/lib/grant"
	"github.com/aegnix-foundation/aegnix/lib/handshake"
	"github.com/aegnix-foundation/aegnix/lib/identity"
)

// maxBodyBytes bounds request bodies. Envelope payloads are swarm
// intelligence fragments, not bulk data.
const maxBodyBytes = 1 << 20

func (b *Bridge) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", b.handleRegister)
	mux.HandleFunc("POST /verify", b.handleVerify)
	mux.HandleFunc("POST /session/refresh", b.handleRefresh)
	mux.HandleFunc("POST /ae/capabilities", b.handleDeclare)
	mux.HandleFunc("GET /ae/capabilities", b.handleCapabilities)
	mux.HandleFunc("POST /emit", b.handleEmit)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errorBody is the coarse error shape for every endpoint. Category
// names are stable API; detail stays in the server log.
type errorBody struct {
	Error string `json:"error"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest"})
		return false
	}
	return true
}

// --- handshake ---

type registerRequest struct {
	AgentID        string `json:"ae_id"`
	SigningKey     string `json:"signing_key"`
	AttestationKey string `json:"attestation_key"`
}

type registerResponse struct {
	Nonce     string `json:"nonce"`
	ExpiresIn int64  `json:"expires_in"`
}

func (b *Bridge) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}

	signingRaw, err := base64.StdEncoding.DecodeString(req.SigningKey)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest"})
		return
	}
	signingKey, err := identity.ParseSigningKey(signingRaw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest"})
		return
	}
	attestationDER, err := base64.StdEncoding.DecodeString(req.AttestationKey)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest"})
		return
	}
	attestationKey, err := identity.ParseAttestationKey(attestationDER)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest"})
		return
	}

	nonce, err := b.hs.Begin(req.AgentID, signingKey, attestationKey)
	if err != nil {
		b.logger.Info("registration refused", "agent", req.AgentID, "error", err)
		writeJSON(w, http.StatusForbidden, errorBody{Error: registrationCategory(err)})
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{
		Nonce:     base64.StdEncoding.EncodeToString(nonce.Value),
		ExpiresIn: int64(time.Until(nonce.ExpiresAt).Seconds()),
	})
}

func registrationCategory(err error) string {
	switch {
	case errors.Is(err, identity.ErrAlreadyRegistered):
		// A trusted identity refusing a key rebind.
		return "AlreadyRegistered"
	default:
		// Reserved and blocklisted IDs are indistinguishable from
		// nonexistent ones to the caller.
		return "Unknown"
	}
}

type verifyRequest struct {
	AgentID        string `json:"ae_id"`
	SigningSig     string `json:"signing_sig"`
	AttestationSig string `json:"attestation_sig"`
}

type sessionResponse struct {
	Verified         bool   `json:"verified"`
	SessionID        string `json:"session_id"`
	Grant            string `json:"grant"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

func (b *Bridge) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeBody(w, r, &req) {
		return
	}

	signingSig, err := base64.StdEncoding.DecodeString(req.SigningSig)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest"})
		return
	}
	attestationSig, err := base64.StdEncoding.DecodeString(req.AttestationSig)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest"})
		return
	}

	if err := b.hs.Complete(req.AgentID, signingSig, attestationSig); err != nil {
		b.auditBestEffort(r.Context(), audit.EventHandshake, req.AgentID,
			audit.ResultDeny, handshakeCategory(err))
		status := http.StatusForbidden
		if errors.Is(err, handshake.ErrTooManyAttempts) {
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, errorBody{Error: handshakeCategory(err)})
		return
	}

	if b.autoTrust {
		if err := b.registry.SetTrustStatus(req.AgentID, identity.TrustTrusted); err != nil {
			b.logger.Error("auto-trust failed", "agent", req.AgentID, "error", err)
		}
	}

	session, err := b.issuer.Mint(req.AgentID)
	if err != nil {
		b.logger.Error("grant minting failed", "agent", req.AgentID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal"})
		return
	}
	b.auditBestEffort(r.Context(), audit.EventHandshake, req.AgentID, audit.ResultAccept, "")
	writeJSON(w, http.StatusOK, sessionToResponse(session))
}

func handshakeCategory(err error) string {
	switch {
	case errors.Is(err, handshake.ErrNonceExpired):
		return "NonceExpired"
	case errors.Is(err, handshake.ErrNonceReused):
		return "NonceReused"
	case errors.Is(err, handshake.ErrTooManyAttempts):
		return "TooManyAttempts"
	default:
		return "InvalidSignature"
	}
}

func sessionToResponse(session grant.Session) sessionResponse {
	return sessionResponse{
		Verified:         true,
		SessionID:        session.SessionID,
		Grant:            base64.StdEncoding.EncodeToString(session.GrantBytes),
		ExpiresIn:        session.Grant.ExpiresAt - session.Grant.IssuedAt,
		RefreshToken:     base64.StdEncoding.EncodeToString(session.RefreshToken),
		RefreshExpiresIn: int64(time.Until(session.RefreshExpiresAt).Seconds()),
	}
}

type refreshRequest struct {
	SessionID    string `json:"session_id"`
	RefreshToken string `json:"refresh_token"`
}

func (b *Bridge) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token, err := base64.StdEncoding.DecodeString(req.RefreshToken)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest"})
		return
	}

	session, err := b.issuer.Refresh(req.SessionID, token)
	if err != nil {
		category := "RefreshInvalid"
		if errors.Is(err, grant.ErrRefreshExpired) {
			category = "RefreshExpired"
		}
		// The holding agent is unknown on a failed refresh; the
		// session ID is the only identity the caller presented.
		b.auditBestEffort(r.Context(), audit.EventRefresh, "", audit.ResultDeny, category)
		writeJSON(w, http.StatusForbidden, errorBody{Error: category})
		return
	}
	b.auditBestEffort(r.Context(), audit.EventRefresh, session.Grant.AgentID, audit.ResultAccept, "")
	writeJSON(w, http.StatusOK, sessionToResponse(session))
}

// --- capabilities ---

// bearerAgent validates the bearer grant and returns the holding
// agent's ID.
func (b *Bridge) bearerAgent(w http.ResponseWriter, r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Unauthenticated"})
		return "", false
	}
	grantBytes, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Unauthenticated"})
		return "", false
	}
	accessGrant, err := b.issuer.Validate(grantBytes)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Unauthenticated"})
		return "", false
	}
	return accessGrant.AgentID, true
}

type declareRequest struct {
	Publishes  []string          `json:"publishes"`
	Subscribes []string          `json:"subscribes"`
	Meta       map[string]string `json:"meta"`
}

type declareResponse struct {
	Version int64 `json:"version"`
}

func (b *Bridge) handleDeclare(w http.ResponseWriter, r *http.Request) {
	agentID, ok := b.bearerAgent(w, r)
	if !ok {
		return
	}
	var req declareRequest
	if !decodeBody(w, r, &req) {
		return
	}

	version, err := b.caps.Declare(r.Context(), agentID, req.Publishes, req.Subscribes, req.Meta)
	if err != nil {
		if errors.Is(err, capability.ErrUnknownSubject) {
			b.auditBestEffort(r.Context(), audit.EventDeclaration, agentID,
				audit.ResultDeny, "UnknownSubject")
			writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "UnknownSubject"})
			return
		}
		b.logger.Error("declaration failed", "agent", agentID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal"})
		return
	}
	b.auditBestEffort(r.Context(), audit.EventDeclaration, agentID, audit.ResultAccept, "")
	writeJSON(w, http.StatusOK, declareResponse{Version: version})
}

type capabilitiesResponse struct {
	Declared   *capability.Declaration `json:"declared,omitempty"`
	Publishes  []string                `json:"publishes"`
	Subscribes []string                `json:"subscribes"`
}

// handleCapabilities reports the agent's declaration alongside its
// effective grants in the current policy snapshot. The two can differ:
// declared subjects an agent is statically denied never become
// effective.
func (b *Bridge) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	agentID, ok := b.bearerAgent(w, r)
	if !ok {
		return
	}
	declared, err := b.caps.Get(r.Context(), agentID)
	if err != nil {
		b.logger.Error("capability read failed", "agent", agentID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal"})
		return
	}
	publishes, subscribes := b.compiler.Current().GrantsFor(agentID)
	writeJSON(w, http.StatusOK, capabilitiesResponse{
		Declared:   declared,
		Publishes:  publishes,
		Subscribes: subscribes,
	})
}

// --- emission ---

type emitResponse struct {
	Accepted bool   `json:"accepted"`
	Sequence uint64 `json:"seq,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (b *Bridge) handleEmit(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		writeJSON(w, http.StatusForbidden, emitResponse{Reason: string(admission.ReasonUnauthenticated)})
		return
	}
	grantBytes, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		writeJSON(w, http.StatusForbidden, emitResponse{Reason: string(admission.ReasonUnauthenticated)})
		return
	}

	var env admission.Envelope
	if !decodeBody(w, r, &env) {
		return
	}

	decision, err := b.gate.Admit(r.Context(), grantBytes, &env)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, emitResponse{
			Accepted: false,
			Reason:   string(admission.ReasonPersistFailure),
		})
		return
	}
	if !decision.Accepted {
		// Every admission denial is 403; the reason carries the
		// taxonomy category.
		writeJSON(w, http.StatusForbidden, emitResponse{Accepted: false, Reason: string(decision.Reason)})
		return
	}
	writeJSON(w, http.StatusOK, emitResponse{Accepted: true, Sequence: decision.Sequence})
}

// auditBestEffort records non-emission events. Emission decisions go
// through the gate's synchronous append; everything else must not
// fail the request on an audit hiccup.
func (b *Bridge) auditBestEffort(ctx context.Context, event audit.Event, agentID, result, reason string) {
	if _, err := b.auditLog.Append(ctx, event, agentID, "", result, reason); err != nil {
		b.logger.Error("audit append failed", "event", event, "agent", agentID, "error", err)
	}
}
