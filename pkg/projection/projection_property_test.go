//go:build property
// +build property

// Package projection_test contains property-based tests for fold determinism
// and projection invariants over randomly generated event histories.
package projection_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/lendware/dealcore/pkg/event"
	"github.com/lendware/dealcore/pkg/projection"
	"github.com/lendware/dealcore/pkg/transition"
)

var termIDs = []string{"t-margin", "t-leverage", "t-fees", "t-covenants"}
var participantIDs = []string{"p-agent", "p-lender-a", "p-lender-b"}
var statuses = []string{"not_started", "proposed", "under_discussion", "pending_approval", "agreed", "locked"}

// genHistory builds an event slice from a seed of opcodes. The histories are
// messy on purpose: proposals resolved twice, comments deleted before they
// exist, status changes for missing terms. Projection must absorb all of it.
func genHistory(ops []int) []*event.NegotiationEvent {
	events := make([]*event.NegotiationEvent, 0, len(ops)+1)
	seq := uint64(0)
	push := func(t event.Type, payload string) {
		seq++
		events = append(events, &event.NegotiationEvent{
			ID:        fmt.Sprintf("ev-%d", seq),
			DealID:    "deal-prop",
			Sequence:  seq,
			Type:      t,
			Payload:   json.RawMessage(payload),
			CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second),
		})
	}

	push(event.TypeDealCreated, `{"name":"Prop Deal","negotiation_mode":"proposal_based"}`)
	for _, op := range ops {
		term := termIDs[op%len(termIDs)]
		participant := participantIDs[op%len(participantIDs)]
		switch op % 11 {
		case 0:
			push(event.TypeTermCreated, fmt.Sprintf(`{"term_id":%q,"label":"Term %s"}`, term, term))
		case 1:
			push(event.TypeTermStatusChanged, fmt.Sprintf(`{"term_id":%q,"new_status":%q}`, term, statuses[op%len(statuses)]))
		case 2:
			push(event.TypeProposalMade, fmt.Sprintf(`{"term_id":%q,"proposal_id":"pr-%d"}`, term, op))
		case 3:
			push(event.TypeProposalAccepted, fmt.Sprintf(`{"term_id":%q,"proposal_id":"pr-%d"}`, term, op))
		case 4:
			push(event.TypeProposalRejected, fmt.Sprintf(`{"term_id":%q,"proposal_id":"pr-%d"}`, term, op))
		case 5:
			push(event.TypeCommentAdded, fmt.Sprintf(`{"term_id":%q,"comment_id":"c-%d"}`, term, op))
		case 6:
			push(event.TypeCommentDeleted, fmt.Sprintf(`{"term_id":%q,"comment_id":"c-%d"}`, term, op))
		case 7:
			push(event.TypeParticipantJoined, fmt.Sprintf(`{"participant_id":%q,"party_name":"Party","party_type":"lender","deal_role":"participant"}`, participant))
		case 8:
			push(event.TypeParticipantLeft, fmt.Sprintf(`{"participant_id":%q}`, participant))
		case 9:
			push(event.TypeTermLocked, fmt.Sprintf(`{"term_id":%q}`, term))
		case 10:
			push(event.TypeTermUnlocked, fmt.Sprintf(`{"term_id":%q}`, term))
		}
	}
	return events
}

// TestProjectionDeterminismProperty verifies the fold is a pure function.
// Property: Project(events) == Project(events) for any history
func TestProjectionDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("projection is deterministic", prop.ForAll(
		func(ops []int) bool {
			events := genHistory(ops)
			a := projection.Project("deal-prop", events, projection.Options{IncludeStats: true})
			b := projection.Project("deal-prop", events, projection.Options{IncludeStats: true})

			fa, err1 := a.Fingerprint()
			fb, err2 := b.Fingerprint()
			if err1 != nil || err2 != nil {
				return false
			}
			return fa == fb
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}

// TestIncrementalFoldProperty verifies split folds agree with a full fold.
// Property: Fold(Project(E[0..k]), E[k..n]) == Project(E[0..n]) for any split
func TestIncrementalFoldProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("incremental folds match single-pass folds", prop.ForAll(
		func(ops []int, splitSeed int) bool {
			events := genHistory(ops)
			split := splitSeed % (len(events) + 1)

			full := projection.Project("deal-prop", events, projection.Options{IncludeStats: true})
			partial := projection.Project("deal-prop", events[:split], projection.Options{})
			resumed := projection.Fold(partial, events[split:], projection.Options{IncludeStats: true})

			ff, err1 := full.Fingerprint()
			rf, err2 := resumed.Fingerprint()
			if err1 != nil || err2 != nil {
				return false
			}
			return ff == rf
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

// TestCounterNonNegativityProperty verifies counters never go below zero no
// matter how unbalanced the history is.
func TestCounterNonNegativityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("projected counters are never negative", prop.ForAll(
		func(ops []int) bool {
			state := projection.Project("deal-prop", genHistory(ops), projection.Options{IncludeStats: true})
			for _, term := range state.Terms {
				if term.PendingProposalsCount < 0 || term.CommentsCount < 0 {
					return false
				}
			}
			return state.Stats.PendingProposals >= 0
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}

// TestLockFlagConsistencyProperty verifies the lock flag and the status never
// disagree after any history.
func TestLockFlagConsistencyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("is_locked matches the locked status", prop.ForAll(
		func(ops []int) bool {
			state := projection.Project("deal-prop", genHistory(ops), projection.Options{})
			for _, term := range state.Terms {
				if term.IsLocked != (term.NegotiationStatus == transition.StatusLocked) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}
