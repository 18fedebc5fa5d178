// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aegnix-foundation/aegnix/lib/audit"
	"github.com/aegnix-foundation/aegnix/lib/grant"
	"github.com/aegnix-foundation/aegnix/lib/identity"
	"github.com/aegnix-foundation/aegnix/lib/policy"
	"github.com/aegnix-foundation/aegnix/transport"
)

// Reason is the denial taxonomy exposed at the wire boundary. The
// values are stable API: clients branch on them.
type Reason string

const (
	// ReasonUnauthenticated: the presented grant failed validation,
	// or the envelope producer is not the grant holder.
	ReasonUnauthenticated Reason = "Unauthenticated"
	// ReasonUnauthorized: the policy snapshot does not allow the
	// producer to publish to the subject.
	ReasonUnauthorized Reason = "Unauthorized"
	// ReasonUntrustedAgent: the producer's trust status is not
	// trusted.
	ReasonUntrustedAgent Reason = "UntrustedAgent"
	// ReasonBadSignature: the envelope signature does not verify
	// against the producer's registered signing key.
	ReasonBadSignature Reason = "BadSignature"
	// ReasonPersistFailure: the audit record could not be written.
	// Overrides every other outcome.
	ReasonPersistFailure Reason = "PersistFailure"
)

// Decision is the gate's verdict on one emission.
type Decision struct {
	Accepted bool
	// Reason is empty for accepted emissions.
	Reason Reason
	// Sequence is the audit record witnessing the decision.
	Sequence uint64
	// PolicyVersion is the snapshot the decision was made against.
	PolicyVersion uint64
}

// Config configures a [Gate]. All collaborator fields except
// Transport and Logger are required.
type Config struct {
	// Issuer validates presented grants.
	Issuer *grant.Issuer

	// Policy supplies the authorization snapshot.
	Policy *policy.Compiler

	// Registry supplies trust status and signing keys.
	Registry *identity.Registry

	// Audit witnesses every decision. Appends are synchronous;
	// the gate never acknowledges an emission that is not in the
	// trail.
	Audit *audit.Log

	// Transport receives accepted envelopes. May be nil (admission
	// without delivery, used by tests and dry-run tooling).
	Transport transport.Transport

	// Logger for operational events. Defaults to discard.
	Logger *slog.Logger
}

// Gate is the admission pipeline. Safe for concurrent use; per-call
// state is local and all shared collaborators are concurrency-safe.
type Gate struct {
	issuer    *grant.Issuer
	policy    *policy.Compiler
	registry  *identity.Registry
	audit     *audit.Log
	transport transport.Transport
	logger    *slog.Logger
}

// NewGate validates cfg and builds the gate.
func NewGate(cfg Config) (*Gate, error) {
	if cfg.Issuer == nil {
		return nil, fmt.Errorf("admission: Config.Issuer is required")
	}
	if cfg.Policy == nil {
		return nil, fmt.Errorf("admission: Config.Policy is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("admission: Config.Registry is required")
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("admission: Config.Audit is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Gate{
		issuer:    cfg.Issuer,
		policy:    cfg.Policy,
		registry:  cfg.Registry,
		audit:     cfg.Audit,
		transport: cfg.Transport,
		logger:    cfg.Logger,
	}, nil
}

// Admit runs the admission pipeline for one emission. The returned
// Decision is authoritative once err is nil; a non-nil err means the
// decision could not be recorded and the emission must be treated as
// failed regardless of the checks' outcome.
func (g *Gate) Admit(ctx context.Context, grantBytes []byte, env *Envelope) (Decision, error) {
	snapshot := g.policy.Current()
	reason := g.check(snapshot, grantBytes, env)

	result, auditReason := audit.ResultAccept, ""
	if reason != "" {
		result, auditReason = audit.ResultDeny, string(reason)
	}
	entry, err := g.audit.Append(ctx, audit.EventEmission, env.Producer, env.Subject, result, auditReason)
	if err != nil {
		g.logger.Error("audit append failed, emission rejected",
			"producer", env.Producer, "subject", env.Subject, "error", err)
		return Decision{Reason: ReasonPersistFailure, PolicyVersion: snapshot.Version()},
			fmt.Errorf("admission: audit append: %w", err)
	}

	decision := Decision{
		Accepted:      reason == "",
		Reason:        reason,
		Sequence:      entry.Sequence,
		PolicyVersion: snapshot.Version(),
	}
	if !decision.Accepted {
		g.logger.Info("emission denied",
			"producer", env.Producer, "subject", env.Subject,
			"reason", reason, "seq", entry.Sequence)
		return decision, nil
	}

	if g.transport != nil {
		data, err := json.Marshal(env)
		if err != nil {
			return decision, fmt.Errorf("admission: encode envelope for delivery: %w", err)
		}
		// Delivery failure does not revoke the admission: the
		// decision is already witnessed and the transport
		// contract is at-least-once from this point.
		if err := g.transport.Publish(ctx, env.Subject, data); err != nil {
			g.logger.Error("delivery failed for admitted emission",
				"producer", env.Producer, "subject", env.Subject,
				"seq", entry.Sequence, "error", err)
		}
	}
	return decision, nil
}

// check runs the ordered checks and returns the first denial, or ""
// for an admissible emission.
func (g *Gate) check(snapshot *policy.Snapshot, grantBytes []byte, env *Envelope) Reason {
	accessGrant, err := g.issuer.Validate(grantBytes)
	if err != nil {
		return ReasonUnauthenticated
	}
	if env.Producer != accessGrant.AgentID {
		return ReasonUnauthenticated
	}

	if _, ok := snapshot.AllowsPublish(env.Subject, env.Producer); !ok {
		return ReasonUnauthorized
	}

	agent, ok := g.registry.Get(env.Producer)
	if !ok || agent.TrustStatus != identity.TrustTrusted {
		return ReasonUntrustedAgent
	}

	if !env.VerifySignature(agent.SigningKey) {
		return ReasonBadSignature
	}
	return ""
}
