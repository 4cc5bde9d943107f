// Package projection folds an ordered slice of negotiation events into the
// derived deal state. The fold is pure and deterministic: the same event
// slice produces the same ProjectedState no matter when, where, or how many
// times it runs. Projected state is disposable — the event log stays the
// single source of truth.
package projection

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/lendware/dealcore/pkg/event"
	"github.com/lendware/dealcore/pkg/transition"
)

// Participant statuses.
const (
	ParticipantActive   = "active"
	ParticipantInactive = "inactive"
)

// DealState is the projected deal summary.
type DealState struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Status          string          `json:"status"`
	NegotiationMode transition.Mode `json:"negotiation_mode"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TermState is the projected state of one negotiated term.
type TermState struct {
	ID                    string                `json:"id"`
	Label                 string                `json:"label"`
	CurrentValue          json.RawMessage       `json:"current_value,omitempty"`
	CurrentValueText      string                `json:"current_value_text,omitempty"`
	NegotiationStatus     transition.TermStatus `json:"negotiation_status"`
	IsLocked              bool                  `json:"is_locked"`
	PendingProposalsCount int                   `json:"pending_proposals_count"`
	CommentsCount         int                   `json:"comments_count"`
}

// ParticipantState is the projected state of one deal party.
type ParticipantState struct {
	ID        string `json:"id"`
	PartyName string `json:"party_name"`
	PartyType string `json:"party_type"`
	DealRole  string `json:"deal_role"`
	Status    string `json:"status"`
}

// Stats are derived counts, recomputed from the final maps only — never
// mutated incrementally during the fold.
type Stats struct {
	TotalEvents        int    `json:"total_events"`
	HighestSequence    uint64 `json:"highest_sequence"`
	AgreedTerms        int    `json:"agreed_terms"`
	LockedTerms        int    `json:"locked_terms"`
	PendingProposals   int    `json:"pending_proposals"`
	ActiveParticipants int    `json:"active_participants"`
}

// ProjectedState is the full fold result. Maps are keyed by entity id; their
// iteration order is irrelevant to equality.
type ProjectedState struct {
	Deal         DealState                    `json:"deal"`
	Terms        map[string]*TermState        `json:"terms"`
	Participants map[string]*ParticipantState `json:"participants"`
	Stats        *Stats                       `json:"stats,omitempty"`

	// Fold bookkeeping, carried so incremental folds agree with a single
	// full fold.
	eventCount   int
	lastSequence uint64
}

// Options controls a projection run.
type Options struct {
	// TermFilter, when non-nil, restricts the fold to the listed term ids.
	// Deal-level and participant-level events always apply.
	TermFilter map[string]bool
	// IncludeStats recomputes Stats from the final maps after the fold.
	IncludeStats bool
}

// Empty returns the zero-history state for a deal. A deal without events is
// a valid, representable state, not a fault.
func Empty(dealID string) ProjectedState {
	return ProjectedState{
		Deal:         DealState{ID: dealID},
		Terms:        make(map[string]*TermState),
		Participants: make(map[string]*ParticipantState),
	}
}

// Project folds events into a fresh ProjectedState for dealID. Events must
// be ordered by ascending sequence; the caller reads them from the log,
// which guarantees that order.
func Project(dealID string, events []*event.NegotiationEvent, opts Options) ProjectedState {
	return Fold(Empty(dealID), events, opts)
}

// Fold continues a projection from a prior state. Folding E[0..k] and then
// E[k..n] yields exactly the state of folding E[0..n] in one pass. The input
// state is not mutated.
func Fold(state ProjectedState, events []*event.NegotiationEvent, opts Options) ProjectedState {
	acc := state.clone()
	for _, ev := range events {
		apply(&acc, ev, opts.TermFilter)
	}
	if opts.IncludeStats {
		acc.Stats = computeStats(&acc)
	} else {
		acc.Stats = nil
	}
	return acc
}

// apply dispatches one event onto the accumulator. Unknown event types and
// undecodable payloads are skipped: a future producer must never break
// replay of past data.
func apply(acc *ProjectedState, ev *event.NegotiationEvent, termFilter map[string]bool) {
	acc.eventCount++
	if ev.Sequence > acc.lastSequence {
		acc.lastSequence = ev.Sequence
	}
	acc.Deal.UpdatedAt = ev.CreatedAt

	if termFilter != nil {
		if id := event.TermID(ev.Payload); id != "" && !termFilter[id] {
			return
		}
	}

	decoded, err := event.DecodePayload(ev.Type, ev.Payload)
	if err != nil {
		return
	}

	switch p := decoded.(type) {
	case *event.DealCreatedPayload:
		acc.Deal.Name = p.Name
		acc.Deal.NegotiationMode = transition.Mode(p.NegotiationMode)

	case *event.DealStatusChangedPayload:
		acc.Deal.Status = p.NewStatus

	case *event.TermCreatedPayload:
		acc.Terms[p.TermID] = &TermState{
			ID:                p.TermID,
			Label:             event.NormalizeLabel(p.Label),
			CurrentValue:      p.CurrentValue,
			CurrentValueText:  p.CurrentValueText,
			NegotiationStatus: transition.StatusNotStarted,
		}

	case *event.TermUpdatedPayload:
		if term, ok := acc.Terms[p.TermID]; ok {
			if p.Label != "" {
				term.Label = event.NormalizeLabel(p.Label)
			}
			if p.CurrentValue != nil {
				term.CurrentValue = p.CurrentValue
			}
			if p.CurrentValueText != "" {
				term.CurrentValueText = p.CurrentValueText
			}
		}

	case *event.TermStatusChangedPayload:
		if term, ok := acc.Terms[p.TermID]; ok {
			status := transition.TermStatus(p.NewStatus)
			if status.Valid() {
				term.NegotiationStatus = status
				term.IsLocked = status == transition.StatusLocked
			}
		}

	case *event.TermLockedPayload:
		if term, ok := acc.Terms[p.TermID]; ok {
			term.IsLocked = true
			term.NegotiationStatus = transition.StatusLocked
			if p.CurrentValue != nil {
				term.CurrentValue = p.CurrentValue
			}
			if p.CurrentValueText != "" {
				term.CurrentValueText = p.CurrentValueText
			}
		}

	case *event.TermUnlockedPayload:
		if term, ok := acc.Terms[p.TermID]; ok {
			term.IsLocked = false
			term.NegotiationStatus = transition.StatusAgreed
		}

	case *event.ProposalMadePayload:
		if term, ok := acc.Terms[p.TermID]; ok {
			term.PendingProposalsCount++
		}

	case *event.ProposalAcceptedPayload:
		if term, ok := acc.Terms[p.TermID]; ok {
			if p.AcceptedValue != nil {
				term.CurrentValue = p.AcceptedValue
			}
			if p.AcceptedValueText != "" {
				term.CurrentValueText = p.AcceptedValueText
			}
			term.NegotiationStatus = transition.StatusAgreed
			term.IsLocked = false
			if term.PendingProposalsCount > 0 {
				term.PendingProposalsCount--
			}
		}

	case *event.ProposalRejectedPayload:
		if term, ok := acc.Terms[p.TermID]; ok && term.PendingProposalsCount > 0 {
			term.PendingProposalsCount--
		}

	case *event.ProposalWithdrawnPayload:
		if term, ok := acc.Terms[p.TermID]; ok && term.PendingProposalsCount > 0 {
			term.PendingProposalsCount--
		}

	case *event.CommentAddedPayload:
		if term, ok := acc.Terms[p.TermID]; ok {
			term.CommentsCount++
		}

	case *event.CommentDeletedPayload:
		if term, ok := acc.Terms[p.TermID]; ok && term.CommentsCount > 0 {
			term.CommentsCount--
		}

	case *event.ParticipantJoinedPayload:
		// Re-joining with an existing id is a full reset.
		acc.Participants[p.ParticipantID] = &ParticipantState{
			ID:        p.ParticipantID,
			PartyName: p.PartyName,
			PartyType: p.PartyType,
			DealRole:  p.DealRole,
			Status:    ParticipantActive,
		}

	case *event.ParticipantLeftPayload:
		if participant, ok := acc.Participants[p.ParticipantID]; ok {
			participant.Status = ParticipantInactive
		}

	case *event.ParticipantRoleChangedPayload:
		// Role changes are no-ops for removed participants until they
		// re-join.
		if participant, ok := acc.Participants[p.ParticipantID]; ok && participant.Status == ParticipantActive {
			participant.DealRole = p.NewRole
		}
	}
}

func computeStats(acc *ProjectedState) *Stats {
	s := &Stats{
		TotalEvents:     acc.eventCount,
		HighestSequence: acc.lastSequence,
	}
	for _, term := range acc.Terms {
		if term.IsLocked {
			s.LockedTerms++
		}
		if term.NegotiationStatus == transition.StatusAgreed {
			s.AgreedTerms++
		}
		s.PendingProposals += term.PendingProposalsCount
	}
	for _, participant := range acc.Participants {
		if participant.Status == ParticipantActive {
			s.ActiveParticipants++
		}
	}
	return s
}

// Clone returns a deep copy of the state. Callers own the result; mutating
// it never touches the original's maps or term/participant entries.
func (s ProjectedState) Clone() ProjectedState {
	return s.clone()
}

// clone deep-copies the state so folds never alias a caller's maps.
func (s ProjectedState) clone() ProjectedState {
	out := s
	out.Terms = make(map[string]*TermState, len(s.Terms))
	for id, term := range s.Terms {
		t := *term
		out.Terms[id] = &t
	}
	out.Participants = make(map[string]*ParticipantState, len(s.Participants))
	for id, participant := range s.Participants {
		p := *participant
		out.Participants[id] = &p
	}
	if s.Stats != nil {
		st := *s.Stats
		out.Stats = &st
	}
	return out
}

// Fingerprint returns the SHA-256 of the RFC 8785 canonical encoding of the
// state. Two states with equal content fingerprint identically regardless of
// map iteration order.
func (s ProjectedState) Fingerprint() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize state: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}
