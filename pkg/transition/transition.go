// Package transition implements the term-status state machine. The predicate
// is a pure function over (current, target, context): no I/O, no side
// effects, total over every input combination. Producers must consult it
// before emitting a term_status_changed event; the event log itself stays
// schema-agnostic and does not re-check legality.
package transition

import "fmt"

// TermStatus is the negotiation status of a single term.
type TermStatus string

const (
	StatusNotStarted      TermStatus = "not_started"
	StatusProposed        TermStatus = "proposed"
	StatusUnderDiscussion TermStatus = "under_discussion"
	StatusPendingApproval TermStatus = "pending_approval"
	StatusAgreed          TermStatus = "agreed"
	StatusLocked          TermStatus = "locked"
)

// statusRank orders the forward chain. Locked sits past agreed; the only
// legal backward move is the explicit unlock (locked -> agreed).
var statusRank = map[TermStatus]int{
	StatusNotStarted:      0,
	StatusProposed:        1,
	StatusUnderDiscussion: 2,
	StatusPendingApproval: 3,
	StatusAgreed:          4,
	StatusLocked:          5,
}

// Valid reports whether s is a known term status.
func (s TermStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// AllStatuses lists every term status in forward-chain order.
func AllStatuses() []TermStatus {
	return []TermStatus{
		StatusNotStarted, StatusProposed, StatusUnderDiscussion,
		StatusPendingApproval, StatusAgreed, StatusLocked,
	}
}

// Mode is the deal-level negotiation mode.
type Mode string

const (
	ModeCollaborative Mode = "collaborative"
	ModeProposalBased Mode = "proposal_based"
)

// Context carries the facts a transition decision depends on. It is computed
// per request and never stored.
type Context struct {
	IsDealLead              bool `json:"is_deal_lead"`
	CanApprove              bool `json:"can_approve"`
	HasPendingProposals     bool `json:"has_pending_proposals"`
	AllPartiesApproved      bool `json:"all_parties_approved"`
	IsLocked                bool `json:"is_locked"`
	NegotiationMode         Mode `json:"negotiation_mode"`
	RequireUnanimousConsent bool `json:"require_unanimous_consent"`
}

// Decision is the outcome of a transition check. A denial is a normal
// result, not an error; Reason is human-readable and the (Current, Target)
// pair is carried for observability.
type Decision struct {
	Allowed bool       `json:"allowed"`
	Reason  string     `json:"reason,omitempty"`
	Current TermStatus `json:"current"`
	Target  TermStatus `json:"target"`
}

func allow(current, target TermStatus) Decision {
	return Decision{Allowed: true, Current: current, Target: target}
}

func deny(current, target TermStatus, reason string) Decision {
	return Decision{Allowed: false, Reason: reason, Current: current, Target: target}
}

// IsTransitionValid decides whether a term may move from current to target
// under ctx.
//
// Rule order matters: the lock rules are absolute, agreement rules depend on
// the negotiation mode, and backward moves along the chain are reserved for
// deal leads resetting a term for renegotiation.
func IsTransitionValid(current, target TermStatus, ctx Context) Decision {
	if !current.Valid() {
		return deny(current, target, fmt.Sprintf("unknown current status %q", current))
	}
	if !target.Valid() {
		return deny(current, target, fmt.Sprintf("unknown target status %q", target))
	}

	// A locked term admits exactly one move: the explicit unlock.
	if ctx.IsLocked && target != StatusAgreed {
		return deny(current, target, "term is locked; unlock it before making other changes")
	}
	if current == StatusLocked && target == StatusAgreed {
		return allow(current, target)
	}

	// Locking is only reachable from agreed, via the dedicated lock
	// operation.
	if target == StatusLocked {
		if current != StatusAgreed {
			return deny(current, target, "a term must be agreed before it can be locked")
		}
		return allow(current, target)
	}

	if target == StatusAgreed {
		switch ctx.NegotiationMode {
		case ModeProposalBased:
			if ctx.HasPendingProposals {
				return deny(current, target, "all pending proposals must be resolved before agreement")
			}
			if ctx.RequireUnanimousConsent && !ctx.AllPartiesApproved {
				return deny(current, target, "unanimous consent required: not all parties have approved")
			}
		default: // Collaborative is the mode when unset.
			if !ctx.IsDealLead && !ctx.CanApprove {
				return deny(current, target, "only the deal lead or an approver may mark a term agreed")
			}
		}
	}

	// Backward moves reset negotiation and are reserved for deal leads.
	if statusRank[target] < statusRank[current] && !ctx.IsDealLead {
		return deny(current, target, fmt.Sprintf("only the deal lead may move a term back from %s to %s", current, target))
	}

	return allow(current, target)
}

// AllowedTargets returns the statuses current may legally move to under ctx,
// in forward-chain order. Intended for previewing actions in a UI without
// touching the write path.
func AllowedTargets(current TermStatus, ctx Context) []TermStatus {
	var out []TermStatus
	for _, target := range AllStatuses() {
		if target == current {
			continue
		}
		if d := IsTransitionValid(current, target, ctx); d.Allowed {
			out = append(out, target)
		}
	}
	return out
}
