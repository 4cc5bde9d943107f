package negotiation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lendware/dealcore/pkg/config"
	"github.com/lendware/dealcore/pkg/event"
	"github.com/lendware/dealcore/pkg/eventlog"
	"github.com/lendware/dealcore/pkg/timetravel"
	"github.com/lendware/dealcore/pkg/transition"
)

var (
	lead   = event.Actor{ID: "agent-1", Name: "Meridian Capital", PartyType: "agent"}
	lender = event.Actor{ID: "lender-1", Name: "Northbridge Bank", PartyType: "lender"}

	leadCtx = WithActorContext(ActorContext{IsDealLead: true, CanApprove: true})
)

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	return NewService("org-test", eventlog.NewMemoryLog(), opts...)
}

func mustAppend(t *testing.T, svc *Service, dealID string, typ event.Type, actor event.Actor, payload any, opts ...AppendOption) *event.NegotiationEvent {
	t.Helper()
	ev, err := svc.AppendEvent(context.Background(), dealID, typ, actor, payload, opts...)
	require.NoError(t, err, "append %s", typ)
	return ev
}

func seedDeal(t *testing.T, svc *Service, mode string) {
	t.Helper()
	mustAppend(t, svc, "deal-1", event.TypeDealCreated, lead,
		event.DealCreatedPayload{Name: "Project Aurora", NegotiationMode: mode})
	mustAppend(t, svc, "deal-1", event.TypeParticipantJoined, lead,
		event.ParticipantJoinedPayload{ParticipantID: "p-agent", PartyName: "Meridian Capital", PartyType: "agent", DealRole: "lead"})
	mustAppend(t, svc, "deal-1", event.TypeTermCreated, lead,
		event.TermCreatedPayload{TermID: "t-margin", Label: "Interest Margin", CurrentValueText: "SOFR + 425bps"})
}

func TestAppendRequiresDealCreatedFirst(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.AppendEvent(context.Background(), "deal-1", event.TypeTermCreated, lead,
		event.TermCreatedPayload{TermID: "t-1", Label: "Pricing"})
	assert.ErrorIs(t, err, eventlog.ErrNotFound)
}

func TestTimeTravelSeesOldValue(t *testing.T) {
	svc := newTestService(t)
	seedDeal(t, svc, "proposal_based")
	ctx := context.Background()

	mustAppend(t, svc, "deal-1", event.TypeProposalMade, lender,
		event.ProposalMadePayload{TermID: "t-margin", ProposalID: "pr-1", ProposedValueText: "SOFR + 400bps"})
	mid, err := svc.log.Head(ctx, "deal-1")
	require.NoError(t, err)
	mustAppend(t, svc, "deal-1", event.TypeProposalAccepted, lead,
		event.ProposalAcceptedPayload{TermID: "t-margin", ProposalID: "pr-1", AcceptedValueText: "SOFR + 400bps"})

	now, err := svc.Reconstruct(ctx, "deal-1", timetravel.AsOf{}, timetravel.Options{})
	require.NoError(t, err)
	assert.Equal(t, "SOFR + 400bps", now.Terms["t-margin"].CurrentValueText)
	assert.Equal(t, transition.StatusAgreed, now.Terms["t-margin"].NegotiationStatus)

	then, err := svc.Reconstruct(ctx, "deal-1", timetravel.AsOf{Sequence: &mid}, timetravel.Options{})
	require.NoError(t, err)
	assert.Equal(t, "SOFR + 425bps", then.Terms["t-margin"].CurrentValueText)
	assert.Equal(t, 1, then.Terms["t-margin"].PendingProposalsCount)
}

func TestProjectionCacheServesRepeatReconstructions(t *testing.T) {
	cache := timetravel.NewMemoryCache()
	svc := newTestService(t, WithProjectionCache(cache))
	seedDeal(t, svc, "collaborative")
	ctx := context.Background()
	seq := uint64(2)

	first, err := svc.Reconstruct(ctx, "deal-1", timetravel.AsOf{Sequence: &seq}, timetravel.Options{})
	require.NoError(t, err)
	_, ok := cache.Get(ctx, "deal-1", seq)
	require.True(t, ok, "reconstruction must populate the configured cache")

	second, err := svc.Reconstruct(ctx, "deal-1", timetravel.AsOf{Sequence: &seq}, timetravel.Options{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLockedTermDeniesStatusChange(t *testing.T) {
	svc := newTestService(t)
	seedDeal(t, svc, "collaborative")
	ctx := context.Background()

	mustAppend(t, svc, "deal-1", event.TypeTermStatusChanged, lead,
		event.TermStatusChangedPayload{TermID: "t-margin", NewStatus: "agreed"}, leadCtx)
	mustAppend(t, svc, "deal-1", event.TypeTermLocked, lead,
		event.TermLockedPayload{TermID: "t-margin"}, leadCtx)

	headBefore, err := svc.log.Head(ctx, "deal-1")
	require.NoError(t, err)

	_, err = svc.AppendEvent(ctx, "deal-1", event.TypeTermStatusChanged, lender,
		event.TermStatusChangedPayload{TermID: "t-margin", NewStatus: "proposed"})
	var denied *TransitionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, transition.StatusLocked, denied.Decision.Current)
	assert.NotEmpty(t, denied.Decision.Reason)

	headAfter, err := svc.log.Head(ctx, "deal-1")
	require.NoError(t, err)
	assert.Equal(t, headBefore, headAfter, "denied transition must not write an event")
}

func TestUnlockReturnsTermToAgreed(t *testing.T) {
	svc := newTestService(t)
	seedDeal(t, svc, "collaborative")
	ctx := context.Background()

	mustAppend(t, svc, "deal-1", event.TypeTermStatusChanged, lead,
		event.TermStatusChangedPayload{TermID: "t-margin", NewStatus: "agreed"}, leadCtx)
	mustAppend(t, svc, "deal-1", event.TypeTermLocked, lead,
		event.TermLockedPayload{TermID: "t-margin"}, leadCtx)
	mustAppend(t, svc, "deal-1", event.TypeTermUnlocked, lead,
		event.TermUnlockedPayload{TermID: "t-margin"}, leadCtx)

	state, err := svc.Reconstruct(ctx, "deal-1", timetravel.AsOf{}, timetravel.Options{})
	require.NoError(t, err)
	term := state.Terms["t-margin"]
	assert.False(t, term.IsLocked)
	assert.Equal(t, transition.StatusAgreed, term.NegotiationStatus)

	// Unlocking an unlocked term is a denial, not a no-op write.
	_, err = svc.AppendEvent(ctx, "deal-1", event.TypeTermUnlocked, lead,
		event.TermUnlockedPayload{TermID: "t-margin"}, leadCtx)
	var denied *TransitionDeniedError
	assert.ErrorAs(t, err, &denied)
}

func TestProposalGateInProposalBasedMode(t *testing.T) {
	svc := newTestService(t)
	seedDeal(t, svc, "proposal_based")
	ctx := context.Background()

	mustAppend(t, svc, "deal-1", event.TypeProposalMade, lender,
		event.ProposalMadePayload{TermID: "t-margin", ProposalID: "pr-1"})

	_, err := svc.AppendEvent(ctx, "deal-1", event.TypeTermStatusChanged, lead,
		event.TermStatusChangedPayload{TermID: "t-margin", NewStatus: "agreed"}, leadCtx)
	var denied *TransitionDeniedError
	require.ErrorAs(t, err, &denied, "pending proposal must block agreement")

	mustAppend(t, svc, "deal-1", event.TypeProposalRejected, lead,
		event.ProposalRejectedPayload{TermID: "t-margin", ProposalID: "pr-1"})
	mustAppend(t, svc, "deal-1", event.TypeTermStatusChanged, lead,
		event.TermStatusChangedPayload{TermID: "t-margin", NewStatus: "agreed"}, leadCtx)
}

func TestUnanimousConsentPolicy(t *testing.T) {
	policy := &config.DealPolicy{Name: "club", NegotiationMode: "proposal_based", RequireUnanimousConsent: true}
	svc := newTestService(t, WithPolicy(policy))
	seedDeal(t, svc, "proposal_based")
	ctx := context.Background()

	_, err := svc.AppendEvent(ctx, "deal-1", event.TypeTermStatusChanged, lead,
		event.TermStatusChangedPayload{TermID: "t-margin", NewStatus: "agreed"}, leadCtx)
	var denied *TransitionDeniedError
	require.ErrorAs(t, err, &denied)

	mustAppend(t, svc, "deal-1", event.TypeTermStatusChanged, lead,
		event.TermStatusChangedPayload{TermID: "t-margin", NewStatus: "agreed"},
		WithActorContext(ActorContext{IsDealLead: true, AllPartiesApproved: true}))
}

func TestCycleRejectedBeforeAppend(t *testing.T) {
	svc := newTestService(t)
	seedDeal(t, svc, "collaborative")
	ctx := context.Background()

	mustAppend(t, svc, "deal-1", event.TypeTermCreated, lead,
		event.TermCreatedPayload{TermID: "t-leverage", Label: "Leverage Covenant", Impacts: []string{"t-margin"}})
	mustAppend(t, svc, "deal-1", event.TypeTermCreated, lead,
		event.TermCreatedPayload{TermID: "t-fees", Label: "Fees", DependsOn: []string{"t-margin"}})

	headBefore, err := svc.log.Head(ctx, "deal-1")
	require.NoError(t, err)

	// t-leverage -> t-margin already exists, so t-margin -> t-leverage
	// closes a loop.
	_, err = svc.AppendEvent(ctx, "deal-1", event.TypeTermUpdated, lead,
		event.TermUpdatedPayload{TermID: "t-margin", Impacts: []string{"t-leverage"}})
	require.Error(t, err, "edge closing a cycle must be rejected")

	headAfter, err := svc.log.Head(ctx, "deal-1")
	require.NoError(t, err)
	assert.Equal(t, headBefore, headAfter)

	graph, err := svc.DependencyGraph(ctx, "deal-1")
	require.NoError(t, err)
	assert.Equal(t, 2, graph.EdgeCount(), "prior edges must survive the rejected update")

	// t-fees depends on t-margin, so a leverage change flags both.
	impacted, err := svc.Impacted(ctx, "deal-1", "t-leverage")
	require.NoError(t, err)
	assert.Equal(t, []string{"t-fees", "t-margin"}, impacted)
}

func TestEventsForMissingEntitiesRejected(t *testing.T) {
	svc := newTestService(t)
	seedDeal(t, svc, "collaborative")
	ctx := context.Background()

	_, err := svc.AppendEvent(ctx, "deal-1", event.TypeCommentAdded, lender,
		event.CommentAddedPayload{TermID: "t-ghost", CommentID: "c-1"})
	assert.ErrorIs(t, err, eventlog.ErrNotFound)

	_, err = svc.AppendEvent(ctx, "deal-1", event.TypeParticipantLeft, lead,
		event.ParticipantLeftPayload{ParticipantID: "p-ghost"})
	assert.ErrorIs(t, err, eventlog.ErrNotFound)
}

func TestStaleExpectedSequenceConflicts(t *testing.T) {
	svc := newTestService(t)
	seedDeal(t, svc, "collaborative")
	ctx := context.Background()

	_, err := svc.AppendEvent(ctx, "deal-1", event.TypeCommentAdded, lender,
		event.CommentAddedPayload{TermID: "t-margin", CommentID: "c-1"},
		WithExpectedSequence(1))
	assert.ErrorIs(t, err, eventlog.ErrConcurrencyConflict)
}

func TestRateLimitedAppend(t *testing.T) {
	svc := newTestService(t, WithRateLimit(1, 1))
	ctx := context.Background()

	mustAppend(t, svc, "deal-1", event.TypeDealCreated, lead,
		event.DealCreatedPayload{Name: "Deal", NegotiationMode: "collaborative"})
	_, err := svc.AppendEvent(ctx, "deal-1", event.TypeParticipantJoined, lead,
		event.ParticipantJoinedPayload{ParticipantID: "p-1", PartyName: "Bank", PartyType: "lender", DealRole: "participant"})
	assert.ErrorIs(t, err, ErrRateLimited)

	time.Sleep(1100 * time.Millisecond)
	mustAppend(t, svc, "deal-1", event.TypeParticipantJoined, lead,
		event.ParticipantJoinedPayload{ParticipantID: "p-1", PartyName: "Bank", PartyType: "lender", DealRole: "participant"})
}

func TestInvalidPayloadRejected(t *testing.T) {
	svc := newTestService(t)
	seedDeal(t, svc, "collaborative")

	_, err := svc.AppendEvent(context.Background(), "deal-1", event.TypeTermStatusChanged, lead,
		event.TermStatusChangedPayload{TermID: "t-margin", NewStatus: "finalized"})
	assert.ErrorIs(t, err, event.ErrInvalidPayload)
}

func TestVerifyChain(t *testing.T) {
	svc := newTestService(t)
	seedDeal(t, svc, "collaborative")
	assert.NoError(t, svc.Verify(context.Background(), "deal-1"))
}

func TestAllowedTargetsPassThrough(t *testing.T) {
	svc := newTestService(t)
	targets := svc.AllowedTargets(transition.StatusLocked,
		transition.Context{IsLocked: true, NegotiationMode: transition.ModeCollaborative})
	assert.Equal(t, []transition.TermStatus{transition.StatusAgreed}, targets)
}
