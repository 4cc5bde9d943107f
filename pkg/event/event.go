// Package event defines the immutable negotiation event model: the closed
// set of event types, the typed payload for each type, JSON Schema payload
// validation, and canonical content hashing for the per-deal hash chain.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Type tags a negotiation event. The set is closed: producers may only emit
// the types below, but replay must tolerate unknown types from future
// producers.
type Type string

const (
	TypeDealCreated            Type = "deal_created"
	TypeDealStatusChanged      Type = "deal_status_changed"
	TypeTermCreated            Type = "term_created"
	TypeTermUpdated            Type = "term_updated"
	TypeTermStatusChanged      Type = "term_status_changed"
	TypeTermLocked             Type = "term_locked"
	TypeTermUnlocked           Type = "term_unlocked"
	TypeProposalMade           Type = "proposal_made"
	TypeProposalAccepted       Type = "proposal_accepted"
	TypeProposalRejected       Type = "proposal_rejected"
	TypeProposalWithdrawn      Type = "proposal_withdrawn"
	TypeCommentAdded           Type = "comment_added"
	TypeCommentDeleted         Type = "comment_deleted"
	TypeParticipantJoined      Type = "participant_joined"
	TypeParticipantLeft        Type = "participant_left"
	TypeParticipantRoleChanged Type = "participant_role_changed"
)

// Known reports whether t is one of the declared event types.
func (t Type) Known() bool {
	switch t {
	case TypeDealCreated, TypeDealStatusChanged,
		TypeTermCreated, TypeTermUpdated, TypeTermStatusChanged,
		TypeTermLocked, TypeTermUnlocked,
		TypeProposalMade, TypeProposalAccepted, TypeProposalRejected, TypeProposalWithdrawn,
		TypeCommentAdded, TypeCommentDeleted,
		TypeParticipantJoined, TypeParticipantLeft, TypeParticipantRoleChanged:
		return true
	}
	return false
}

// Actor identifies the party that produced an event.
type Actor struct {
	ID        string `json:"actor_id"`
	Name      string `json:"actor_name"`
	PartyType string `json:"actor_party_type"`
}

// Normalize returns the actor with its display name in Unicode NFC so that
// the same actor hashes identically regardless of input encoding.
func (a Actor) Normalize() Actor {
	a.Name = norm.NFC.String(a.Name)
	return a
}

// NegotiationEvent is an immutable fact in a deal's history. Sequence is
// assigned by the log, never by the producer, and is the sole ordering
// authority; CreatedAt is advisory wall-clock time.
type NegotiationEvent struct {
	ID             string          `json:"id"`
	DealID         string          `json:"deal_id"`
	Sequence       uint64          `json:"sequence"`
	Type           Type            `json:"event_type"`
	ActorID        string          `json:"actor_id"`
	ActorName      string          `json:"actor_name"`
	ActorPartyType string          `json:"actor_party_type"`
	SchemaVersion  string          `json:"schema_version"`
	Payload        json.RawMessage `json:"payload"`
	ContentHash    string          `json:"content_hash"`
	PrevHash       string          `json:"prev_hash"`
	CreatedAt      time.Time       `json:"created_at"`
}

// GenesisHash is the prev_hash of the first event in every deal's chain.
const GenesisHash = "genesis"

// ContentHash computes the canonical hash of an event at a given chain
// position. The input is serialized with RFC 8785 (JCS) so the hash is
// independent of map ordering and encoder quirks.
func ContentHash(dealID string, sequence uint64, t Type, payload json.RawMessage, prevHash string) (string, error) {
	hashInput := struct {
		DealID   string          `json:"deal_id"`
		Sequence uint64          `json:"sequence"`
		Type     Type            `json:"event_type"`
		Payload  json.RawMessage `json:"payload"`
		PrevHash string          `json:"prev_hash"`
	}{dealID, sequence, t, payload, prevHash}

	raw, err := json.Marshal(hashInput)
	if err != nil {
		return "", fmt.Errorf("failed to marshal hash input: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize hash input: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// VerifyChain checks hash-chain integrity of an ordered event slice for one
// deal. An empty slice is a valid chain.
func VerifyChain(events []*NegotiationEvent) error {
	prevHash := GenesisHash
	for i, ev := range events {
		if ev.PrevHash != prevHash {
			return fmt.Errorf("chain broken at sequence %d: expected prev %s, got %s", ev.Sequence, prevHash, ev.PrevHash)
		}
		computed, err := ContentHash(ev.DealID, ev.Sequence, ev.Type, ev.Payload, ev.PrevHash)
		if err != nil {
			return fmt.Errorf("failed to recompute hash at index %d: %w", i, err)
		}
		if computed != ev.ContentHash {
			return fmt.Errorf("hash mismatch at sequence %d", ev.Sequence)
		}
		prevHash = ev.ContentHash
	}
	return nil
}
