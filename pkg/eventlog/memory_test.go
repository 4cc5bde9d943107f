package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lendware/dealcore/pkg/event"
)

var termPayload = json.RawMessage(`{"term_id":"t-1","label":"Pricing"}`)

func appendN(t *testing.T, log *MemoryLog, dealID string, n int) {
	t.Helper()
	ctx := context.Background()
	actor := event.Actor{ID: "a-1", Name: "Agent", PartyType: "agent"}
	for i := 0; i < n; i++ {
		if _, err := log.Append(ctx, dealID, event.TypeTermCreated, actor, termPayload, AppendOptions{}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func TestAppendAssignsSequences(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	appendN(t, log, "deal-1", 3)

	events, err := log.Read(ctx, "deal-1", ReadOptions{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("want 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != uint64(i+1) {
			t.Fatalf("event %d has sequence %d", i, ev.Sequence)
		}
		if ev.ID == "" {
			t.Fatal("event id must be assigned")
		}
		if ev.SchemaVersion != event.CurrentSchemaVersion {
			t.Fatalf("schema version %q", ev.SchemaVersion)
		}
	}
	if events[0].PrevHash != event.GenesisHash {
		t.Fatalf("first event prev hash = %q", events[0].PrevHash)
	}
	if events[1].PrevHash != events[0].ContentHash {
		t.Fatal("chain must link to the previous content hash")
	}

	head, err := log.Head(ctx, "deal-1")
	if err != nil || head != 3 {
		t.Fatalf("Head = %d, %v", head, err)
	}
}

func TestSequencesIsolatedPerDeal(t *testing.T) {
	log := NewMemoryLog()
	appendN(t, log, "deal-1", 2)
	appendN(t, log, "deal-2", 1)

	head, _ := log.Head(context.Background(), "deal-2")
	if head != 1 {
		t.Fatalf("deal-2 head = %d, want 1", head)
	}
}

func TestAppendPrecondition(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	actor := event.Actor{ID: "a-1", Name: "Agent", PartyType: "agent"}
	appendN(t, log, "deal-1", 2)

	stale := uint64(1)
	_, err := log.Append(ctx, "deal-1", event.TypeTermCreated, actor, termPayload, AppendOptions{ExpectedSequence: &stale})
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("stale precondition should conflict, got %v", err)
	}

	current := uint64(2)
	if _, err := log.Append(ctx, "deal-1", event.TypeTermCreated, actor, termPayload, AppendOptions{ExpectedSequence: &current}); err != nil {
		t.Fatalf("matching precondition should append: %v", err)
	}
}

func TestAppendRejectsInvalidPayload(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	actor := event.Actor{ID: "a-1", Name: "Agent", PartyType: "agent"}

	_, err := log.Append(ctx, "deal-1", event.TypeTermCreated, actor, json.RawMessage(`{"label":"no id"}`), AppendOptions{})
	if !errors.Is(err, event.ErrInvalidPayload) {
		t.Fatalf("invalid payload must be rejected, got %v", err)
	}
	head, _ := log.Head(ctx, "deal-1")
	if head != 0 {
		t.Fatal("rejected append must not advance the head")
	}
}

func TestAppendRejectsIncompatibleSchemaVersion(t *testing.T) {
	log := NewMemoryLog()
	actor := event.Actor{ID: "a-1", Name: "Agent", PartyType: "agent"}
	_, err := log.Append(context.Background(), "deal-1", event.TypeTermCreated, actor, termPayload, AppendOptions{SchemaVersion: "2.0.0"})
	if !errors.Is(err, event.ErrInvalidPayload) {
		t.Fatalf("major version bump must be rejected, got %v", err)
	}
}

func TestConcurrentAppendsStayMonotonic(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	actor := event.Actor{ID: "a-1", Name: "Agent", PartyType: "agent"}

	const workers = 8
	const perWorker = 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := log.Append(ctx, "deal-1", event.TypeTermCreated, actor, termPayload, AppendOptions{}); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	events, err := log.Read(ctx, "deal-1", ReadOptions{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) != workers*perWorker {
		t.Fatalf("want %d events, got %d", workers*perWorker, len(events))
	}
	seen := make(map[uint64]bool, len(events))
	for i, ev := range events {
		if ev.Sequence != uint64(i+1) {
			t.Fatalf("gap or duplicate at index %d: sequence %d", i, ev.Sequence)
		}
		if seen[ev.Sequence] {
			t.Fatalf("duplicate sequence %d", ev.Sequence)
		}
		seen[ev.Sequence] = true
	}
	if err := log.Verify(ctx, "deal-1"); err != nil {
		t.Fatalf("chain verification after concurrent appends: %v", err)
	}
}

func TestReadBounds(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	log := NewMemoryLog().WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})
	ctx := context.Background()
	appendN(t, log, "deal-1", 5)

	to := uint64(3)
	events, err := log.Read(ctx, "deal-1", ReadOptions{ToSequence: &to})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) != 3 || events[len(events)-1].Sequence != 3 {
		t.Fatalf("sequence bound is inclusive, got %d events", len(events))
	}

	// Events are stamped at base+1m..base+5m; a bound at +2m keeps two.
	cutoff := base.Add(2 * time.Minute)
	events, err = log.Read(ctx, "deal-1", ReadOptions{ToTime: &cutoff})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("time bound is inclusive, got %d events", len(events))
	}
}

func TestReadUnknownDeal(t *testing.T) {
	log := NewMemoryLog()
	events, err := log.Read(context.Background(), "no-such-deal", ReadOptions{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) != 0 {
		t.Fatal("unknown deal must read as empty, not as an error")
	}
}

func TestReadPathsDoNotRetainUnknownDeals(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		id := string(rune('a'+i%26)) + "-missing"
		if _, err := log.Read(ctx, id, ReadOptions{}); err != nil {
			t.Fatalf("Read: %v", err)
		}
		if head, err := log.Head(ctx, id); err != nil || head != 0 {
			t.Fatalf("Head = %d, %v", head, err)
		}
		if err := log.Verify(ctx, id); err != nil {
			t.Fatalf("Verify: %v", err)
		}
	}

	log.mu.Lock()
	n := len(log.deals)
	log.mu.Unlock()
	if n != 0 {
		t.Fatalf("reads of unknown deals allocated %d entries", n)
	}
}

func TestPayloadCopiedOnAppend(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	actor := event.Actor{ID: "a-1", Name: "Agent", PartyType: "agent"}

	payload := []byte(`{"term_id":"t-1","label":"Pricing"}`)
	if _, err := log.Append(ctx, "deal-1", event.TypeTermCreated, actor, payload, AppendOptions{}); err != nil {
		t.Fatalf("append: %v", err)
	}
	payload[2] = 'X' // corrupt the caller's buffer

	if err := log.Verify(ctx, "deal-1"); err != nil {
		t.Fatalf("stored payload must be detached from the caller's buffer: %v", err)
	}
}
