// Package store provides durable, SQL-backed implementations of the
// negotiation event log. SQLite covers lite mode and tests; Postgres covers
// shared deployments. Both enforce sequence uniqueness per deal with a
// database constraint so concurrent appends can never share a sequence.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lendware/dealcore/pkg/event"
	"github.com/lendware/dealcore/pkg/eventlog"
)

// sqlEventLog carries the driver-independent parts of the SQL logs.
type sqlEventLog struct {
	db    *sql.DB
	clock func() time.Time
	// rebind converts ?-style placeholders for the target driver.
	rebind func(query string) string
	// isUniqueViolation detects a (deal_id, sequence) collision.
	isUniqueViolation func(err error) bool
}

func (s *sqlEventLog) appendEvent(ctx context.Context, dealID string, t event.Type, actor event.Actor, payload json.RawMessage, opts eventlog.AppendOptions) (*event.NegotiationEvent, error) {
	if dealID == "" {
		return nil, fmt.Errorf("deal id must be non-empty")
	}
	if err := event.CheckSchemaVersion(opts.SchemaVersion); err != nil {
		return nil, err
	}
	if err := event.ValidatePayload(t, payload); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head uint64
	prevHash := event.GenesisHash
	row := tx.QueryRowContext(ctx, s.rebind(`
		SELECT sequence, content_hash FROM negotiation_events
		WHERE deal_id = ? ORDER BY sequence DESC LIMIT 1`), dealID)
	switch err := row.Scan(&head, &prevHash); {
	case errors.Is(err, sql.ErrNoRows):
		head, prevHash = 0, event.GenesisHash
	case err != nil:
		return nil, fmt.Errorf("failed to read head: %w", err)
	}

	if opts.ExpectedSequence != nil && *opts.ExpectedSequence != head {
		return nil, fmt.Errorf("%w: expected head %d, have %d", eventlog.ErrConcurrencyConflict, *opts.ExpectedSequence, head)
	}

	seq := head + 1
	contentHash, err := event.ContentHash(dealID, seq, t, payload, prevHash)
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
		PrevHash:       prevHash,
		CreatedAt:      s.clock().UTC(),
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO negotiation_events (
			id, deal_id, sequence, event_type,
			actor_id, actor_name, actor_party_type,
			schema_version, payload, content_hash, prev_hash, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.DealID, ev.Sequence, string(ev.Type),
		ev.ActorID, ev.ActorName, ev.ActorPartyType,
		ev.SchemaVersion, string(ev.Payload), ev.ContentHash, ev.PrevHash,
		ev.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if s.isUniqueViolation(err) {
			// A concurrent append won the sequence race.
			return nil, fmt.Errorf("%w: sequence %d already assigned for deal %s", eventlog.ErrConcurrencyConflict, seq, dealID)
		}
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if s.isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: sequence %d already assigned for deal %s", eventlog.ErrConcurrencyConflict, seq, dealID)
		}
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}
	return ev, nil
}

func (s *sqlEventLog) readEvents(ctx context.Context, dealID string, opts eventlog.ReadOptions) ([]*event.NegotiationEvent, error) {
	query := `
		SELECT id, deal_id, sequence, event_type,
		       actor_id, actor_name, actor_party_type,
		       schema_version, payload, content_hash, prev_hash, created_at
		FROM negotiation_events
		WHERE deal_id = ?`
	args := []any{dealID}
	if opts.ToSequence != nil {
		query += ` AND sequence <= ?`
		args = append(args, *opts.ToSequence)
	}
	query += ` ORDER BY sequence ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*event.NegotiationEvent
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		// Timestamps are advisory and not guaranteed monotonic, so the
		// time bound filters rather than truncates.
		if opts.ToTime != nil && ev.CreatedAt.After(*opts.ToTime) {
			continue
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if events == nil {
		events = []*event.NegotiationEvent{}
	}
	return events, nil
}

func (s *sqlEventLog) headSequence(ctx context.Context, dealID string) (uint64, error) {
	var head uint64
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COALESCE(MAX(sequence), 0) FROM negotiation_events WHERE deal_id = ?`), dealID)
	if err := row.Scan(&head); err != nil {
		return 0, fmt.Errorf("failed to read head: %w", err)
	}
	return head, nil
}

func (s *sqlEventLog) verifyChain(ctx context.Context, dealID string) error {
	events, err := s.readEvents(ctx, dealID, eventlog.ReadOptions{})
	if err != nil {
		return err
	}
	return event.VerifyChain(events)
}

func scanEventRow(rows *sql.Rows) (*event.NegotiationEvent, error) {
	var ev event.NegotiationEvent
	var eventType, payload, createdAt string
	if err := rows.Scan(
		&ev.ID, &ev.DealID, &ev.Sequence, &eventType,
		&ev.ActorID, &ev.ActorName, &ev.ActorPartyType,
		&ev.SchemaVersion, &payload, &ev.ContentHash, &ev.PrevHash, &createdAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	ev.Type = event.Type(eventType)
	ev.Payload = json.RawMessage(payload)
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at %q: %w", createdAt, err)
	}
	ev.CreatedAt = ts
	return &ev, nil
}
