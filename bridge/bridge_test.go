// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aegnix-foundation/aegnix/lib/admission"
	"github.com/aegnix-foundation/aegnix/lib/identity"
	"github.com/aegnix-foundation/aegnix/lib/testutil"
)

const bridgePolicy = `{
	// Both subjects exist in the universe; neither grants anything
	// statically, so all rights come from declarations.
	"subjects": {
		"fusion.track": {},
		"fusion.roe": {},
	},
}`

// testAgent holds an agent's client-side key material.
type testAgent struct {
	id           string
	signingKey   ed25519.PrivateKey
	attestKey    *ecdsa.PrivateKey
	grant        string
	sessionID    string
	refreshToken string
}

func newTestAgent(t *testing.T, id string) *testAgent {
	t.Helper()
	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	attestKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return &testAgent{id: id, signingKey: signingKey, attestKey: attestKey}
}

// bridgeFixture runs a full bridge on a loopback port.
type bridgeFixture struct {
	bridge  *Bridge
	baseURL string
	cancel  context.CancelFunc
	done    chan error
}

func startBridge(t *testing.T) *bridgeFixture {
	t.Helper()
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.jsonc")
	if err := os.WriteFile(policyPath, []byte(bridgePolicy), 0o644); err != nil {
		t.Fatal(err)
	}
	stateDir := filepath.Join(dir, "state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		t.Fatal(err)
	}
	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b, err := New(ctx, Config{
		Listen:         "127.0.0.1:0",
		PolicyPath:     policyPath,
		StateDir:       stateDir,
		SigningKey:     signingKey,
		GrantTTL:       900 * time.Second,
		PollInterval:   50 * time.Millisecond,
		AutoTrust:      true,
		ReservedAgents: []string{"abi"},
	})
	if err != nil {
		cancel()
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	testutil.RequireClosed(t, b.Ready(), 5*time.Second, "bridge ready")

	f := &bridgeFixture{
		bridge:  b,
		baseURL: "http://" + b.Addr().String(),
		cancel:  cancel,
		done:    done,
	}
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, 10*time.Second, "bridge shutdown"); err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return f
}

// post sends a JSON body (with optional bearer grant) and decodes the
// JSON response into out.
func (f *bridgeFixture) post(t *testing.T, path, bearer string, body, out any) int {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, f.baseURL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("POST %s: decode response: %v", path, err)
		}
	}
	return resp.StatusCode
}

// handshake registers and verifies the agent, storing its session.
func (f *bridgeFixture) handshake(t *testing.T, agent *testAgent) {
	t.Helper()
	attestationDER, err := identity.MarshalAttestationKey(&agent.attestKey.PublicKey)
	if err != nil {
		t.Fatal(err)
	}

	var reg registerResponse
	status := f.post(t, "/register", "", registerRequest{
		AgentID:        agent.id,
		SigningKey:     base64.StdEncoding.EncodeToString(agent.signingKey.Public().(ed25519.PublicKey)),
		AttestationKey: base64.StdEncoding.EncodeToString(attestationDER),
	}, &reg)
	if status != http.StatusOK {
		t.Fatalf("/register returned %d", status)
	}

	nonce, err := base64.StdEncoding.DecodeString(reg.Nonce)
	if err != nil {
		t.Fatal(err)
	}
	digest := sha256.Sum256(nonce)
	attestationSig, err := ecdsa.SignASN1(rand.Reader, agent.attestKey, digest[:])
	if err != nil {
		t.Fatal(err)
	}

	var session sessionResponse
	status = f.post(t, "/verify", "", verifyRequest{
		AgentID:        agent.id,
		SigningSig:     base64.StdEncoding.EncodeToString(ed25519.Sign(agent.signingKey, nonce)),
		AttestationSig: base64.StdEncoding.EncodeToString(attestationSig),
	}, &session)
	if status != http.StatusOK {
		t.Fatalf("/verify returned %d", status)
	}
	if !session.Verified {
		t.Fatal("/verify did not report verified")
	}
	if session.ExpiresIn != 900 {
		t.Fatalf("grant TTL = %d seconds, want 900", session.ExpiresIn)
	}
	agent.grant = session.Grant
	agent.sessionID = session.SessionID
	agent.refreshToken = session.RefreshToken
}

// declare replaces the agent's capability declaration and waits until
// the policy snapshot reflects it.
func (f *bridgeFixture) declare(t *testing.T, agent *testAgent, publishes, subscribes []string) {
	t.Helper()
	var resp declareResponse
	status := f.post(t, "/ae/capabilities", agent.grant, declareRequest{
		Publishes:  publishes,
		Subscribes: subscribes,
	}, &resp)
	if status != http.StatusOK {
		t.Fatalf("/ae/capabilities returned %d", status)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		req, err := http.NewRequest(http.MethodGet, f.baseURL+"/ae/capabilities", nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+agent.grant)
		httpResp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		var caps capabilitiesResponse
		err = json.NewDecoder(httpResp.Body).Decode(&caps)
		httpResp.Body.Close()
		if err != nil {
			t.Fatal(err)
		}
		if equalStrings(caps.Publishes, publishes) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot never reflected declaration: effective publishes %v, want %v",
				caps.Publishes, publishes)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func equalStrings(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	seen := make(map[string]bool, len(got))
	for _, s := range got {
		seen[s] = true
	}
	for _, s := range want {
		if !seen[s] {
			return false
		}
	}
	return true
}

// emit publishes one signed envelope and returns the HTTP status and
// decision.
func (f *bridgeFixture) emit(t *testing.T, agent *testAgent, subjectName string) (int, emitResponse) {
	t.Helper()
	env := admission.Envelope{
		Producer:  agent.id,
		Subject:   subjectName,
		Payload:   json.RawMessage(`{"track": {"id": 42, "kind": "surface"}}`),
		Timestamp: time.Now().UTC(),
	}
	if err := env.Sign(agent.signingKey); err != nil {
		t.Fatal(err)
	}
	var resp emitResponse
	status := f.post(t, "/emit", agent.grant, &env, &resp)
	return status, resp
}

func TestEndToEndFusionScenario(t *testing.T) {
	f := startBridge(t)
	agent := newTestAgent(t, "fusion_ae")

	f.handshake(t, agent)
	f.declare(t, agent, []string{"fusion.track"}, []string{"fusion.roe"})

	status, resp := f.emit(t, agent, "fusion.track")
	if status != http.StatusOK || !resp.Accepted {
		t.Fatalf("emit fusion.track = %d %+v, want accepted", status, resp)
	}
	if resp.Sequence == 0 {
		t.Error("accepted emission carries no audit sequence")
	}

	// fusion.roe is in subscribes, not publishes.
	status, resp = f.emit(t, agent, "fusion.roe")
	if status != http.StatusForbidden || resp.Reason != string(admission.ReasonUnauthorized) {
		t.Fatalf("emit fusion.roe = %d %+v, want Unauthorized", status, resp)
	}

	if err := f.bridge.Audit().VerifyChain(t.Context(), 0, 0); err != nil {
		t.Errorf("audit chain broken after scenario: %v", err)
	}
}

func TestDeclarationReplacementRemovesOldRights(t *testing.T) {
	f := startBridge(t)
	agent := newTestAgent(t, "fusion_ae")
	f.handshake(t, agent)

	f.declare(t, agent, []string{"fusion.track"}, nil)
	if status, resp := f.emit(t, agent, "fusion.track"); !resp.Accepted {
		t.Fatalf("emit after first declaration = %d %+v", status, resp)
	}

	f.declare(t, agent, []string{"fusion.roe"}, nil)
	if status, resp := f.emit(t, agent, "fusion.track"); status != http.StatusForbidden || resp.Reason != string(admission.ReasonUnauthorized) {
		t.Fatalf("residual right survived replacement: %d %+v", status, resp)
	}
	if _, resp := f.emit(t, agent, "fusion.roe"); !resp.Accepted {
		t.Fatalf("replaced declaration not effective: %+v", resp)
	}
}

func TestSessionRefreshRotatesToken(t *testing.T) {
	f := startBridge(t)
	agent := newTestAgent(t, "fusion_ae")
	f.handshake(t, agent)
	f.declare(t, agent, []string{"fusion.track"}, nil)

	var refreshed sessionResponse
	status := f.post(t, "/session/refresh", "", refreshRequest{
		SessionID:    agent.sessionID,
		RefreshToken: agent.refreshToken,
	}, &refreshed)
	if status != http.StatusOK || !refreshed.Verified {
		t.Fatalf("/session/refresh returned %d %+v", status, refreshed)
	}
	if refreshed.RefreshToken == agent.refreshToken {
		t.Error("refresh token was not rotated")
	}

	// The old token is dead after rotation.
	status = f.post(t, "/session/refresh", "", refreshRequest{
		SessionID:    agent.sessionID,
		RefreshToken: agent.refreshToken,
	}, &errorBody{})
	if status != http.StatusForbidden {
		t.Fatalf("stale refresh token accepted, status %d", status)
	}

	// The new grant admits emissions.
	agent.grant = refreshed.Grant
	if status, resp := f.emit(t, agent, "fusion.track"); !resp.Accepted {
		t.Fatalf("emit with refreshed grant = %d %+v", status, resp)
	}
}

func TestReservedAgentCannotRegister(t *testing.T) {
	f := startBridge(t)
	agent := newTestAgent(t, "abi")

	attestationDER, err := identity.MarshalAttestationKey(&agent.attestKey.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	var body errorBody
	status := f.post(t, "/register", "", registerRequest{
		AgentID:        agent.id,
		SigningKey:     base64.StdEncoding.EncodeToString(agent.signingKey.Public().(ed25519.PublicKey)),
		AttestationKey: base64.StdEncoding.EncodeToString(attestationDER),
	}, &body)
	if status != http.StatusForbidden {
		t.Fatalf("/register for reserved ID returned %d", status)
	}
	// A reserved ID presents as unknown, not as an existing
	// registration.
	if body.Error != "Unknown" {
		t.Fatalf("/register for reserved ID returned category %q, want Unknown", body.Error)
	}
}

func TestTrustDowngradeRevokesSessions(t *testing.T) {
	f := startBridge(t)
	agent := newTestAgent(t, "fusion_ae")
	f.handshake(t, agent)
	f.declare(t, agent, []string{"fusion.track"}, nil)

	if err := f.bridge.Registry().SetTrustStatus("fusion_ae", identity.TrustSuspended); err != nil {
		t.Fatal(err)
	}

	// The grant is revoked, so the denial is Unauthenticated before
	// trust is even consulted.
	status, resp := f.emit(t, agent, "fusion.track")
	if status != http.StatusForbidden || resp.Reason != string(admission.ReasonUnauthenticated) {
		t.Fatalf("emit after suspension = %d %+v, want 403 Unauthenticated", status, resp)
	}
}

func TestEmitWithoutGrant(t *testing.T) {
	f := startBridge(t)
	req, err := http.NewRequest(http.MethodPost, f.baseURL+"/emit", bytes.NewReader([]byte("{}")))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("/emit without grant returned %d, want 403", resp.StatusCode)
	}
	var body emitResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Accepted || body.Reason != string(admission.ReasonUnauthenticated) {
		t.Fatalf("/emit without grant = %+v, want Unauthenticated denial", body)
	}
}

func TestHealthz(t *testing.T) {
	f := startBridge(t)
	resp, err := http.Get(f.baseURL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/healthz returned %d", resp.StatusCode)
	}
}
