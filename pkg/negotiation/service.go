// Package negotiation wires the core together for producers: payload
// validation, the pre-append transition guard, dependency-edge maintenance,
// and time-travel reads. The event log stays schema-agnostic; every domain
// rule is enforced here, before anything is written.
package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/lendware/dealcore/pkg/config"
	"github.com/lendware/dealcore/pkg/depgraph"
	"github.com/lendware/dealcore/pkg/event"
	"github.com/lendware/dealcore/pkg/eventlog"
	"github.com/lendware/dealcore/pkg/observability"
	"github.com/lendware/dealcore/pkg/projection"
	"github.com/lendware/dealcore/pkg/timetravel"
	"github.com/lendware/dealcore/pkg/transition"
)

// ErrRateLimited reports an append rejected by the configured rate limiter.
var ErrRateLimited = errors.New("append rate limit exceeded")

// TransitionDeniedError is the error form of a state-machine denial. It is a
// normal outcome for the caller to surface, not a fault.
type TransitionDeniedError struct {
	Decision transition.Decision
}

func (e *TransitionDeniedError) Error() string {
	return fmt.Sprintf("transition %s -> %s denied: %s",
		e.Decision.Current, e.Decision.Target, e.Decision.Reason)
}

// ActorContext carries the caller-asserted facts about the acting party.
// Role resolution is an authorization concern outside the core, so the
// request layer passes its conclusions in explicitly.
type ActorContext struct {
	IsDealLead         bool
	CanApprove         bool
	AllPartiesApproved bool
}

// Service is the orchestrating surface of the negotiation core, scoped to
// one organization. The organization id is an explicit construction
// parameter, never ambient state.
type Service struct {
	orgID   string
	log     eventlog.Log
	travel  *timetravel.Service
	cache   timetravel.Cache
	policy  *config.DealPolicy
	limiter *rate.Limiter
	logger  *slog.Logger
	obs     *observability.Provider
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy sets the deal policy profile. Defaults to
// config.DefaultDealPolicy.
func WithPolicy(p *config.DealPolicy) Option {
	return func(s *Service) {
		if p != nil {
			s.policy = p
		}
	}
}

// WithProjectionCache installs a read-through cache on the time-travel path.
func WithProjectionCache(c timetravel.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithRateLimit bounds the append path to r events per second with the given
// burst.
func WithRateLimit(r float64, burst int) Option {
	return func(s *Service) {
		if r > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(r), burst)
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithObservability attaches tracing and metrics.
func WithObservability(p *observability.Provider) Option {
	return func(s *Service) { s.obs = p }
}

// NewService creates a negotiation service for one organization over log.
func NewService(orgID string, log eventlog.Log, opts ...Option) *Service {
	s := &Service{
		orgID:  orgID,
		log:    log,
		policy: config.DefaultDealPolicy(),
		logger: slog.Default().With("component", "negotiation", "org_id", orgID),
	}
	for _, opt := range opts {
		opt(s)
	}
	// Built after the options ran so the cache and metrics land on the
	// time-travel path no matter which order they were supplied in.
	travelOpts := []timetravel.Option{timetravel.WithLogger(s.logger)}
	if s.cache != nil {
		travelOpts = append(travelOpts, timetravel.WithCache(s.cache))
	}
	if s.obs != nil {
		travelOpts = append(travelOpts, timetravel.WithCacheMetrics(s.obs))
	}
	s.travel = timetravel.NewService(log, travelOpts...)
	return s
}

// AppendOption configures one append.
type AppendOption func(*appendParams)

type appendParams struct {
	expectedSequence *uint64
	actorCtx         ActorContext
}

// WithExpectedSequence makes the append fail with ErrConcurrencyConflict
// unless the deal head still equals seq. Without it the service uses the
// head it observed while evaluating guards, so an interleaved write turns
// into a conflict instead of a silently stale decision.
func WithExpectedSequence(seq uint64) AppendOption {
	return func(p *appendParams) { p.expectedSequence = &seq }
}

// WithActorContext supplies the caller's role facts for transition checks.
func WithActorContext(ac ActorContext) AppendOption {
	return func(p *appendParams) { p.actorCtx = ac }
}

// AppendEvent validates payload, enforces the domain guards for t against
// the deal's current state, and appends the event. Denials and conflicts are
// returned as typed errors for the caller to surface or retry.
func (s *Service) AppendEvent(ctx context.Context, dealID string, t event.Type, actor event.Actor, payload any, opts ...AppendOption) (*event.NegotiationEvent, error) {
	var params appendParams
	for _, opt := range opts {
		opt(&params)
	}

	if s.obs != nil {
		var span trace.Span
		ctx, span = s.obs.StartSpan(ctx, "negotiation.append_event")
		defer span.End()
	}

	ev, err := s.appendEvent(ctx, dealID, t, actor, payload, params)
	if s.obs != nil {
		s.obs.RecordAppend(ctx, string(t), err)
		if errors.Is(err, eventlog.ErrConcurrencyConflict) {
			s.obs.RecordConflict(ctx, string(t))
		}
	}
	if err != nil {
		var denied *TransitionDeniedError
		if errors.As(err, &denied) {
			s.logger.InfoContext(ctx, "transition denied",
				"deal_id", dealID, "event_type", t,
				"current", denied.Decision.Current, "target", denied.Decision.Target,
				"reason", denied.Decision.Reason)
			if s.obs != nil {
				s.obs.RecordDenial(ctx, string(denied.Decision.Current), string(denied.Decision.Target))
			}
		} else {
			s.logger.WarnContext(ctx, "append rejected",
				"deal_id", dealID, "event_type", t, "error", err)
		}
		return nil, err
	}

	s.logger.InfoContext(ctx, "event appended",
		"deal_id", dealID, "event_type", t, "sequence", ev.Sequence, "actor_id", ev.ActorID)
	return ev, nil
}

func (s *Service) appendEvent(ctx context.Context, dealID string, t event.Type, actor event.Actor, payload any, params appendParams) (*event.NegotiationEvent, error) {
	if s.limiter != nil && !s.limiter.Allow() {
		return nil, ErrRateLimited
	}

	raw, err := toRaw(payload)
	if err != nil {
		return nil, err
	}
	if err := event.ValidatePayload(t, raw); err != nil {
		return nil, err
	}

	events, err := s.log.Read(ctx, dealID, eventlog.ReadOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to read deal %s: %w", dealID, err)
	}
	head := uint64(0)
	if len(events) > 0 {
		head = events[len(events)-1].Sequence
	}
	if len(events) == 0 && t != event.TypeDealCreated {
		return nil, fmt.Errorf("%w: deal %s has no history", eventlog.ErrNotFound, dealID)
	}

	state := projection.Project(dealID, events, projection.Options{})
	if err := s.checkGuards(dealID, t, raw, state, events, params.actorCtx); err != nil {
		return nil, err
	}

	expected := params.expectedSequence
	if expected == nil {
		expected = &head
	}
	return s.log.Append(ctx, dealID, t, actor, raw, eventlog.AppendOptions{ExpectedSequence: expected})
}

// checkGuards enforces the domain rules a schema-agnostic log cannot.
func (s *Service) checkGuards(dealID string, t event.Type, raw json.RawMessage, state projection.ProjectedState, events []*event.NegotiationEvent, actorCtx ActorContext) error {
	decoded, err := event.DecodePayload(t, raw)
	if err != nil {
		return fmt.Errorf("%w: %v", event.ErrInvalidPayload, err)
	}

	requireTerm := func(termID string) (*projection.TermState, error) {
		term, ok := state.Terms[termID]
		if !ok {
			return nil, fmt.Errorf("%w: term %s in deal %s", eventlog.ErrNotFound, termID, dealID)
		}
		return term, nil
	}

	switch p := decoded.(type) {
	case *event.TermCreatedPayload:
		if len(p.DependsOn) > 0 || len(p.Impacts) > 0 {
			graph := buildGraph(events)
			if err := graph.SetTermEdges(p.TermID, p.DependsOn, p.Impacts); err != nil {
				return err
			}
		}

	case *event.TermUpdatedPayload:
		if _, err := requireTerm(p.TermID); err != nil {
			return err
		}
		if p.DependsOn != nil || p.Impacts != nil {
			graph := buildGraph(events)
			if err := graph.SetTermEdges(p.TermID, p.DependsOn, p.Impacts); err != nil {
				return err
			}
		}

	case *event.TermStatusChangedPayload:
		term, err := requireTerm(p.TermID)
		if err != nil {
			return err
		}
		decision := transition.IsTransitionValid(
			term.NegotiationStatus,
			transition.TermStatus(p.NewStatus),
			s.transitionContext(state, term, actorCtx),
		)
		if !decision.Allowed {
			return &TransitionDeniedError{Decision: decision}
		}

	case *event.TermLockedPayload:
		term, err := requireTerm(p.TermID)
		if err != nil {
			return err
		}
		decision := transition.IsTransitionValid(
			term.NegotiationStatus,
			transition.StatusLocked,
			s.transitionContext(state, term, actorCtx),
		)
		if !decision.Allowed {
			return &TransitionDeniedError{Decision: decision}
		}

	case *event.TermUnlockedPayload:
		term, err := requireTerm(p.TermID)
		if err != nil {
			return err
		}
		if !term.IsLocked {
			return &TransitionDeniedError{Decision: transition.Decision{
				Current: term.NegotiationStatus,
				Target:  transition.StatusAgreed,
				Reason:  "term is not locked",
			}}
		}

	case *event.ProposalMadePayload:
		if _, err := requireTerm(p.TermID); err != nil {
			return err
		}
	case *event.ProposalAcceptedPayload:
		if _, err := requireTerm(p.TermID); err != nil {
			return err
		}
	case *event.ProposalRejectedPayload:
		if _, err := requireTerm(p.TermID); err != nil {
			return err
		}
	case *event.ProposalWithdrawnPayload:
		if _, err := requireTerm(p.TermID); err != nil {
			return err
		}
	case *event.CommentAddedPayload:
		if _, err := requireTerm(p.TermID); err != nil {
			return err
		}
	case *event.CommentDeletedPayload:
		if _, err := requireTerm(p.TermID); err != nil {
			return err
		}

	case *event.ParticipantLeftPayload:
		if _, ok := state.Participants[p.ParticipantID]; !ok {
			return fmt.Errorf("%w: participant %s in deal %s", eventlog.ErrNotFound, p.ParticipantID, dealID)
		}
	case *event.ParticipantRoleChangedPayload:
		if _, ok := state.Participants[p.ParticipantID]; !ok {
			return fmt.Errorf("%w: participant %s in deal %s", eventlog.ErrNotFound, p.ParticipantID, dealID)
		}
	}
	return nil
}

// transitionContext assembles the per-request facts the predicate needs.
func (s *Service) transitionContext(state projection.ProjectedState, term *projection.TermState, actorCtx ActorContext) transition.Context {
	mode := state.Deal.NegotiationMode
	if mode != transition.ModeCollaborative && mode != transition.ModeProposalBased {
		mode = transition.Mode(s.policy.NegotiationMode)
	}
	return transition.Context{
		IsDealLead:              actorCtx.IsDealLead,
		CanApprove:              actorCtx.CanApprove,
		AllPartiesApproved:      actorCtx.AllPartiesApproved,
		HasPendingProposals:     term.PendingProposalsCount > 0,
		IsLocked:                term.IsLocked,
		NegotiationMode:         mode,
		RequireUnanimousConsent: s.policy.RequireUnanimousConsent,
	}
}

// Reconstruct answers time-travel queries; see timetravel.Service.
func (s *Service) Reconstruct(ctx context.Context, dealID string, asOf timetravel.AsOf, opts timetravel.Options) (projection.ProjectedState, error) {
	start := time.Now()
	state, err := s.travel.Reconstruct(ctx, dealID, asOf, opts)
	if err == nil && s.obs != nil {
		s.obs.RecordReplay(ctx, len(state.Terms)+len(state.Participants), time.Since(start))
	}
	return state, err
}

// AllowedTargets previews the legal transitions for a term without touching
// the write path.
func (s *Service) AllowedTargets(current transition.TermStatus, ctx transition.Context) []transition.TermStatus {
	return transition.AllowedTargets(current, ctx)
}

// Impacted returns the transitive set of terms to flag for review when
// termID changes, derived from the deal's recorded dependency edges.
func (s *Service) Impacted(ctx context.Context, dealID, termID string) ([]string, error) {
	graph, err := s.DependencyGraph(ctx, dealID)
	if err != nil {
		return nil, err
	}
	return graph.ImpactedBy(termID), nil
}

// DependencyGraph rebuilds the term dependency graph from the deal's events.
func (s *Service) DependencyGraph(ctx context.Context, dealID string) (*depgraph.Graph, error) {
	events, err := s.log.Read(ctx, dealID, eventlog.ReadOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to read deal %s: %w", dealID, err)
	}
	return buildGraph(events), nil
}

// Verify checks the deal's hash chain when the underlying log supports it.
func (s *Service) Verify(ctx context.Context, dealID string) error {
	v, ok := s.log.(eventlog.Verifier)
	if !ok {
		return nil
	}
	return v.Verify(ctx, dealID)
}

// buildGraph replays dependency declarations from term_created and
// term_updated events. Edges were cycle-checked before append, so rebuild
// failures are skipped rather than surfaced.
func buildGraph(events []*event.NegotiationEvent) *depgraph.Graph {
	graph := depgraph.New()
	for _, ev := range events {
		switch ev.Type {
		case event.TypeTermCreated:
			var p event.TermCreatedPayload
			if err := json.Unmarshal(ev.Payload, &p); err == nil {
				_ = graph.SetTermEdges(p.TermID, p.DependsOn, p.Impacts)
			}
		case event.TypeTermUpdated:
			var p event.TermUpdatedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				continue
			}
			if p.DependsOn != nil || p.Impacts != nil {
				_ = graph.SetTermEdges(p.TermID, p.DependsOn, p.Impacts)
			}
		}
	}
	return graph
}

func toRaw(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to marshal payload: %v", event.ErrInvalidPayload, err)
		}
		return raw, nil
	}
}
