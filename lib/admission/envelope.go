// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aegnix-foundation/aegnix/lib/codec"
)

// Envelope is one emission as received on the wire. The signature
// covers the deterministic CBOR encoding of every other field, so two
// envelopes with the same content always produce the same signing
// body regardless of JSON key order.
type Envelope struct {
	// Producer is the emitting agent's ID. Must match the agent
	// the presented grant was minted for.
	Producer string `json:"producer"`

	// Subject the emission is published to.
	Subject string `json:"subject"`

	// Payload is the emission content, carried opaque.
	Payload json.RawMessage `json:"payload"`

	// Labels are optional routing and classification tags.
	Labels map[string]string `json:"labels,omitempty"`

	// KeyID names the producer key that signed the envelope, for
	// agents that rotate keys.
	KeyID string `json:"key_id,omitempty"`

	// Timestamp is the producer's emission time.
	Timestamp time.Time `json:"ts"`

	// Signature is the producer's Ed25519 signature over the
	// signing body.
	Signature []byte `json:"sig"`
}

// envelopeBody is the signed portion in canonical CBOR. Field numbers
// are part of the wire format.
type envelopeBody struct {
	Producer  string            `cbor:"1,keyasint"`
	Subject   string            `cbor:"2,keyasint"`
	Payload   []byte            `cbor:"3,keyasint"`
	Labels    map[string]string `cbor:"4,keyasint,omitempty"`
	KeyID     string            `cbor:"5,keyasint,omitempty"`
	Timestamp int64             `cbor:"6,keyasint"` // Unix nanoseconds
}

// SigningBody returns the canonical bytes the envelope signature
// covers.
func (e *Envelope) SigningBody() ([]byte, error) {
	body, err := codec.Marshal(envelopeBody{
		Producer:  e.Producer,
		Subject:   e.Subject,
		Payload:   []byte(e.Payload),
		Labels:    e.Labels,
		KeyID:     e.KeyID,
		Timestamp: e.Timestamp.UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("admission: encode envelope body: %w", err)
	}
	return body, nil
}

// Sign fills the envelope signature with key's signature over the
// signing body. Used by agent-side callers and tests.
func (e *Envelope) Sign(key ed25519.PrivateKey) error {
	body, err := e.SigningBody()
	if err != nil {
		return err
	}
	e.Signature = ed25519.Sign(key, body)
	return nil
}

// VerifySignature checks the envelope signature against the
// producer's registered signing key.
func (e *Envelope) VerifySignature(key ed25519.PublicKey) bool {
	if len(key) != ed25519.PublicKeySize || len(e.Signature) != ed25519.SignatureSize {
		return false
	}
	body, err := e.SigningBody()
	if err != nil {
		return false
	}
	return ed25519.Verify(key, body, e.Signature)
}
