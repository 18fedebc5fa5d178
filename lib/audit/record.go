// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"crypto/ed25519"
	"time"

	"github.com/zeebo/blake3"

	"github.com/aegnix-foundation/aegnix/lib/codec"
)

// Event classifies what an audit record witnesses.
type Event string

const (
	// EventHandshake records a handshake completion attempt.
	EventHandshake Event = "handshake"
	// EventRefresh records a session refresh attempt.
	EventRefresh Event = "refresh"
	// EventDeclaration records a capability declaration.
	EventDeclaration Event = "declaration"
	// EventEmission records an admission decision for one emission.
	EventEmission Event = "emission"
	// EventTrustChange records a governance trust transition.
	EventTrustChange Event = "trust_change"
)

// Results of the audited action.
const (
	ResultAccept = "accept"
	ResultDeny   = "deny"
)

// Entry is one appended audit record as stored and exported.
type Entry struct {
	Sequence  uint64    `json:"seq"`
	At        time.Time `json:"at"`
	Event     Event     `json:"event"`
	AgentID   string    `json:"agent_id"`
	Subject   string    `json:"subject,omitempty"`
	Result    string    `json:"result"`
	Reason    string    `json:"reason,omitempty"`
	PrevHash  []byte    `json:"prev_hash"`
	EntryHash []byte    `json:"entry_hash"`
	Signature []byte    `json:"signature"`
}

// recordBody is the hashed portion of a record in canonical CBOR.
// Field numbers are part of the chain format and must never be
// reused or renumbered.
type recordBody struct {
	Sequence uint64 `cbor:"1,keyasint"`
	At       int64  `cbor:"2,keyasint"` // Unix nanoseconds
	Event    string `cbor:"3,keyasint"`
	AgentID  string `cbor:"4,keyasint"`
	Subject  string `cbor:"5,keyasint,omitempty"`
	Result   string `cbor:"6,keyasint"`
	Reason   string `cbor:"7,keyasint,omitempty"`
}

// HashSize is the size of an entry hash. genesisHash (all zero) is
// the previous-hash of the first record.
const HashSize = 32

var genesisHash = make([]byte, HashSize)

// entryDomainKey is the BLAKE3 key for audit entry hashing. The byte
// values are the ASCII encoding of the domain name, zero-padded to 32
// bytes; changing them invalidates every existing chain.
var entryDomainKey = [32]byte{
	'a', 'e', 'g', 'n', 'i', 'x', '.', 'a', 'u', 'd', 'i', 't', '.',
	'e', 'n', 't', 'r', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// entryHash computes the chained hash for one record body.
func entryHash(prevHash []byte, body recordBody) ([]byte, error) {
	encoded, err := codec.Marshal(body)
	if err != nil {
		return nil, err
	}
	hasher, err := blake3.NewKeyed(entryDomainKey[:])
	if err != nil {
		panic("audit: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(prevHash)
	hasher.Write(encoded)
	return hasher.Sum(nil), nil
}

// body projects an Entry onto its hashed form.
func (e *Entry) body() recordBody {
	return recordBody{
		Sequence: e.Sequence,
		At:       e.At.UnixNano(),
		Event:    string(e.Event),
		AgentID:  e.AgentID,
		Subject:  e.Subject,
		Result:   e.Result,
		Reason:   e.Reason,
	}
}

// seal computes and fills the entry hash and signature.
func (e *Entry) seal(prevHash []byte, key ed25519.PrivateKey) error {
	hash, err := entryHash(prevHash, e.body())
	if err != nil {
		return err
	}
	e.PrevHash = prevHash
	e.EntryHash = hash
	e.Signature = ed25519.Sign(key, hash)
	return nil
}
