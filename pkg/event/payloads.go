package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// ErrUnknownType is returned by DecodePayload for event types this build
// does not recognize. Replay treats it as "skip", never as a failure.
var ErrUnknownType = errors.New("unknown event type")

// DealCreatedPayload opens a deal's history.
type DealCreatedPayload struct {
	Name            string `json:"name"`
	NegotiationMode string `json:"negotiation_mode"`
}

// DealStatusChangedPayload moves the deal-level status.
type DealStatusChangedPayload struct {
	NewStatus string `json:"new_status"`
}

// TermCreatedPayload introduces a negotiated term. DependsOn and Impacts
// declare dependency-graph edges; they inform impact warnings and never veto
// a transition.
type TermCreatedPayload struct {
	TermID           string          `json:"term_id"`
	Label            string          `json:"label"`
	CurrentValue     json.RawMessage `json:"current_value,omitempty"`
	CurrentValueText string          `json:"current_value_text,omitempty"`
	DependsOn        []string        `json:"depends_on,omitempty"`
	Impacts          []string        `json:"impacts,omitempty"`
}

// TermUpdatedPayload revises a term's label, value, or declared dependency
// edges. Empty fields leave the projected term untouched.
type TermUpdatedPayload struct {
	TermID           string          `json:"term_id"`
	Label            string          `json:"label,omitempty"`
	CurrentValue     json.RawMessage `json:"current_value,omitempty"`
	CurrentValueText string          `json:"current_value_text,omitempty"`
	DependsOn        []string        `json:"depends_on,omitempty"`
	Impacts          []string        `json:"impacts,omitempty"`
}

// TermStatusChangedPayload records an accepted status transition.
type TermStatusChangedPayload struct {
	TermID    string `json:"term_id"`
	NewStatus string `json:"new_status"`
}

// TermLockedPayload freezes a term, optionally snapshotting the final value.
type TermLockedPayload struct {
	TermID           string          `json:"term_id"`
	CurrentValue     json.RawMessage `json:"current_value,omitempty"`
	CurrentValueText string          `json:"current_value_text,omitempty"`
}

// TermUnlockedPayload reopens a locked term back to agreed.
type TermUnlockedPayload struct {
	TermID string `json:"term_id"`
}

// ProposalMadePayload records a counter-value offered for a term.
type ProposalMadePayload struct {
	TermID            string          `json:"term_id"`
	ProposalID        string          `json:"proposal_id"`
	ProposedValue     json.RawMessage `json:"proposed_value,omitempty"`
	ProposedValueText string          `json:"proposed_value_text,omitempty"`
}

// ProposalAcceptedPayload resolves a proposal and adopts its value.
type ProposalAcceptedPayload struct {
	TermID            string          `json:"term_id"`
	ProposalID        string          `json:"proposal_id"`
	AcceptedValue     json.RawMessage `json:"accepted_value,omitempty"`
	AcceptedValueText string          `json:"accepted_value_text,omitempty"`
}

// ProposalRejectedPayload resolves a proposal without adopting it.
type ProposalRejectedPayload struct {
	TermID     string `json:"term_id"`
	ProposalID string `json:"proposal_id"`
}

// ProposalWithdrawnPayload retracts a proposal by its author.
type ProposalWithdrawnPayload struct {
	TermID     string `json:"term_id"`
	ProposalID string `json:"proposal_id"`
}

// CommentAddedPayload attaches a discussion comment to a term.
type CommentAddedPayload struct {
	TermID    string `json:"term_id"`
	CommentID string `json:"comment_id"`
	Body      string `json:"body,omitempty"`
}

// CommentDeletedPayload removes a comment from a term.
type CommentDeletedPayload struct {
	TermID    string `json:"term_id"`
	CommentID string `json:"comment_id"`
}

// ParticipantJoinedPayload adds a party to the deal. Re-joining with the same
// id fully resets the participant's projected state.
type ParticipantJoinedPayload struct {
	ParticipantID string `json:"participant_id"`
	PartyName     string `json:"party_name"`
	PartyType     string `json:"party_type"`
	DealRole      string `json:"deal_role"`
}

// ParticipantLeftPayload deactivates a party.
type ParticipantLeftPayload struct {
	ParticipantID string `json:"participant_id"`
}

// ParticipantRoleChangedPayload reassigns a party's role on the deal.
type ParticipantRoleChangedPayload struct {
	ParticipantID string `json:"participant_id"`
	NewRole       string `json:"new_role"`
}

// DecodePayload unmarshals raw into the typed payload for t. Unknown types
// return ErrUnknownType so callers can skip them explicitly.
func DecodePayload(t Type, raw json.RawMessage) (any, error) {
	var p any
	switch t {
	case TypeDealCreated:
		p = &DealCreatedPayload{}
	case TypeDealStatusChanged:
		p = &DealStatusChangedPayload{}
	case TypeTermCreated:
		p = &TermCreatedPayload{}
	case TypeTermUpdated:
		p = &TermUpdatedPayload{}
	case TypeTermStatusChanged:
		p = &TermStatusChangedPayload{}
	case TypeTermLocked:
		p = &TermLockedPayload{}
	case TypeTermUnlocked:
		p = &TermUnlockedPayload{}
	case TypeProposalMade:
		p = &ProposalMadePayload{}
	case TypeProposalAccepted:
		p = &ProposalAcceptedPayload{}
	case TypeProposalRejected:
		p = &ProposalRejectedPayload{}
	case TypeProposalWithdrawn:
		p = &ProposalWithdrawnPayload{}
	case TypeCommentAdded:
		p = &CommentAddedPayload{}
	case TypeCommentDeleted:
		p = &CommentDeletedPayload{}
	case TypeParticipantJoined:
		p = &ParticipantJoinedPayload{}
	case TypeParticipantLeft:
		p = &ParticipantLeftPayload{}
	case TypeParticipantRoleChanged:
		p = &ParticipantRoleChangedPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
	}
	return p, nil
}

// TermID extracts the term id an event refers to, or "" for deal-level and
// participant-level events. Used for term filtering during projection.
func TermID(raw json.RawMessage) string {
	var ref struct {
		TermID string `json:"term_id"`
	}
	if err := json.Unmarshal(raw, &ref); err != nil {
		return ""
	}
	return ref.TermID
}

// NormalizeLabel returns a term label in Unicode NFC.
func NormalizeLabel(label string) string {
	return norm.NFC.String(label)
}
