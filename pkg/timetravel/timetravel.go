// Package timetravel answers "what did this deal look like at moment X" by
// composing bounded event-log reads with the projection engine. Reads are
// side-effect-free and safe to run concurrently; an optional read-through
// cache keyed by (deal_id, sequence) short-circuits repeat reconstructions,
// with the log staying authoritative.
package timetravel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lendware/dealcore/pkg/eventlog"
	"github.com/lendware/dealcore/pkg/projection"
)

// AsOf bounds a reconstruction. Both bounds are inclusive; neither set means
// "project to the latest known sequence".
type AsOf struct {
	Sequence *uint64
	Time     *time.Time
}

// Options controls a reconstruction.
type Options struct {
	TermFilter   map[string]bool
	IncludeStats bool
}

// CacheMetrics receives projection cache hit/miss observations.
// observability.Provider satisfies it.
type CacheMetrics interface {
	RecordCacheHit(ctx context.Context, hit bool)
}

// Service reconstructs historical deal state.
type Service struct {
	log     eventlog.Log
	cache   Cache
	metrics CacheMetrics
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithCache installs a read-through projection cache.
func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithCacheMetrics records cache hits and misses on the given instruments.
func WithCacheMetrics(m CacheMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a time-travel service over log.
func NewService(log eventlog.Log, opts ...Option) *Service {
	s := &Service{
		log:    log,
		logger: slog.Default().With("component", "timetravel"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reconstruct projects dealID's history up to asOf. A deal with zero history
// reconstructs to the empty state, never an error.
func (s *Service) Reconstruct(ctx context.Context, dealID string, asOf AsOf, opts Options) (projection.ProjectedState, error) {
	// Time bounds filter on advisory timestamps; they bypass the
	// sequence-keyed cache entirely.
	if asOf.Time != nil {
		events, err := s.log.Read(ctx, dealID, eventlog.ReadOptions{ToSequence: asOf.Sequence, ToTime: asOf.Time})
		if err != nil {
			return projection.ProjectedState{}, fmt.Errorf("failed to read events for deal %s: %w", dealID, err)
		}
		return projection.Project(dealID, events, projection.Options{TermFilter: opts.TermFilter, IncludeStats: opts.IncludeStats}), nil
	}

	seq := asOf.Sequence
	if seq == nil {
		head, err := s.log.Head(ctx, dealID)
		if err != nil {
			return projection.ProjectedState{}, fmt.Errorf("failed to read head for deal %s: %w", dealID, err)
		}
		if head == 0 {
			return projection.Empty(dealID), nil
		}
		seq = &head
	}

	// Filtered projections are partial states; only full ones are cached.
	cacheable := s.cache != nil && opts.TermFilter == nil
	if cacheable {
		state, ok := s.cache.Get(ctx, dealID, *seq)
		if s.metrics != nil {
			s.metrics.RecordCacheHit(ctx, ok)
		}
		if ok {
			s.logger.DebugContext(ctx, "projection cache hit", "deal_id", dealID, "sequence", *seq)
			return withStats(state, opts.IncludeStats), nil
		}
	}

	events, err := s.log.Read(ctx, dealID, eventlog.ReadOptions{ToSequence: seq})
	if err != nil {
		return projection.ProjectedState{}, fmt.Errorf("failed to read events for deal %s: %w", dealID, err)
	}

	// Cached entries always carry stats; they are dropped on return when
	// the caller did not ask for them.
	state := projection.Project(dealID, events, projection.Options{IncludeStats: true})
	if cacheable && len(events) > 0 {
		// Key by the sequence the projection actually reached. A bound
		// beyond the head must keep missing until the log catches up;
		// caching it under the requested sequence would pin this partial
		// state over events appended later.
		s.cache.Put(ctx, dealID, events[len(events)-1].Sequence, state)
	}
	return withStats(state, opts.IncludeStats), nil
}

func withStats(state projection.ProjectedState, include bool) projection.ProjectedState {
	if !include {
		state.Stats = nil
	}
	return state
}
