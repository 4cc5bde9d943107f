package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lendware/dealcore/pkg/event"
)

// MemoryLog is an in-memory Log. Appends for one deal serialize on a
// per-deal mutex; different deals append independently.
type MemoryLog struct {
	mu    sync.Mutex // guards the deals map only
	deals map[string]*dealLog
	clock func() time.Time
}

type dealLog struct {
	mu       sync.Mutex
	events   []*event.NegotiationEvent
	headHash string
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		deals: make(map[string]*dealLog),
		clock: time.Now,
	}
}

// WithClock overrides the clock for testing.
func (l *MemoryLog) WithClock(clock func() time.Time) *MemoryLog {
	l.clock = clock
	return l
}

// deal returns the per-deal log, creating it on first use. Only the append
// path may call this; read paths use lookup so repeated reads of unknown
// deal ids do not grow the map.
func (l *MemoryLog) deal(dealID string) *dealLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.deals[dealID]
	if !ok {
		d = &dealLog{headHash: event.GenesisHash}
		l.deals[dealID] = d
	}
	return d
}

func (l *MemoryLog) lookup(dealID string) (*dealLog, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.deals[dealID]
	return d, ok
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, dealID string, t event.Type, actor event.Actor, payload json.RawMessage, opts AppendOptions) (*event.NegotiationEvent, error) {
	if dealID == "" {
		return nil, fmt.Errorf("deal id must be non-empty")
	}
	if err := event.CheckSchemaVersion(opts.SchemaVersion); err != nil {
		return nil, err
	}
	if err := event.ValidatePayload(t, payload); err != nil {
		return nil, err
	}

	d := l.deal(dealID)
	d.mu.Lock()
	defer d.mu.Unlock()

	head := uint64(len(d.events))
	if opts.ExpectedSequence != nil && *opts.ExpectedSequence != head {
		return nil, fmt.Errorf("%w: expected head %d, have %d", ErrConcurrencyConflict, *opts.ExpectedSequence, head)
	}

	seq := head + 1
	contentHash, err := event.ContentHash(dealID, seq, t, payload, d.headHash)
	if err != nil {
		return nil, err
	}

	version := opts.SchemaVersion
	if version == "" {
		version = event.CurrentSchemaVersion
	}
	actor = actor.Normalize()

	ev := &event.NegotiationEvent{
		ID:             uuid.New().String(),
		DealID:         dealID,
		Sequence:       seq,
		Type:           t,
		ActorID:        actor.ID,
		ActorName:      actor.Name,
		ActorPartyType: actor.PartyType,
		SchemaVersion:  version,
		Payload:        append(json.RawMessage(nil), payload...),
		ContentHash:    contentHash,
		PrevHash:       d.headHash,
		CreatedAt:      l.clock().UTC(),
	}

	d.events = append(d.events, ev)
	d.headHash = contentHash
	return ev, nil
}

// Read implements Log.
func (l *MemoryLog) Read(ctx context.Context, dealID string, opts ReadOptions) ([]*event.NegotiationEvent, error) {
	d, ok := l.lookup(dealID)
	if !ok {
		return []*event.NegotiationEvent{}, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*event.NegotiationEvent, 0, len(d.events))
	for _, ev := range d.events {
		if opts.ToSequence != nil && ev.Sequence > *opts.ToSequence {
			break
		}
		if opts.ToTime != nil && ev.CreatedAt.After(*opts.ToTime) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Head implements Log.
func (l *MemoryLog) Head(ctx context.Context, dealID string) (uint64, error) {
	d, ok := l.lookup(dealID)
	if !ok {
		return 0, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(len(d.events)), nil
}

// Verify checks the per-deal hash chain.
func (l *MemoryLog) Verify(ctx context.Context, dealID string) error {
	events, err := l.Read(ctx, dealID, ReadOptions{})
	if err != nil {
		return err
	}
	return event.VerifyChain(events)
}
