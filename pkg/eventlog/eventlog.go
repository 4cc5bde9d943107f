// Package eventlog defines the append-only negotiation event log: the single
// mutable surface of the core. Sequences are assigned by the log, strictly
// increasing per deal; events are immutable once written. Everything
// downstream operates on read-only snapshots.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lendware/dealcore/pkg/event"
)

var (
	// ErrConcurrencyConflict reports an optimistic precondition mismatch.
	// The caller should re-read the latest state and retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrNotFound reports a missing deal on operations that require one.
	ErrNotFound = errors.New("not found")
)

// AppendOptions carries optional append behavior.
type AppendOptions struct {
	// ExpectedSequence, when set, must equal the deal's current head
	// sequence or the append fails with ErrConcurrencyConflict.
	ExpectedSequence *uint64
	// SchemaVersion overrides the version stamped on the event. Empty
	// writes the current version.
	SchemaVersion string
}

// ReadOptions bounds a read. Both bounds are inclusive; zero values mean
// "read everything".
type ReadOptions struct {
	ToSequence *uint64
	ToTime     *time.Time
}

// Log is the append-only ordered store of negotiation events, reachable by
// deal id. Implementations must serialize sequence assignment per deal; no
// two appends for one deal may ever receive the same sequence.
type Log interface {
	// Append validates the payload, assigns the next sequence for dealID
	// atomically, and stores the event durably.
	Append(ctx context.Context, dealID string, t event.Type, actor event.Actor, payload json.RawMessage, opts AppendOptions) (*event.NegotiationEvent, error)

	// Read returns events for dealID in strictly increasing sequence
	// order, bounded by opts. An unknown deal reads as an empty slice,
	// not an error.
	Read(ctx context.Context, dealID string, opts ReadOptions) ([]*event.NegotiationEvent, error)

	// Head returns the latest assigned sequence for dealID, 0 when the
	// deal has no events.
	Head(ctx context.Context, dealID string) (uint64, error)
}

// Verifier is implemented by logs that can check their per-deal hash chain.
type Verifier interface {
	Verify(ctx context.Context, dealID string) error
}
