package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/lendware/dealcore/pkg/event"
	"github.com/lendware/dealcore/pkg/eventlog"
)

// PostgresEventLog is a durable event log backed by Postgres via lib/pq.
type PostgresEventLog struct {
	sqlEventLog
}

// NewPostgresEventLog initializes the schema and returns a log over db.
func NewPostgresEventLog(db *sql.DB) (*PostgresEventLog, error) {
	s := &PostgresEventLog{sqlEventLog{
		db:     db,
		clock:  time.Now,
		rebind: rebindPositional,
		isUniqueViolation: func(err error) bool {
			var pqErr *pq.Error
			return errors.As(err, &pqErr) && pqErr.Code == "23505"
		},
	}}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *PostgresEventLog) WithClock(clock func() time.Time) *PostgresEventLog {
	s.clock = clock
	return s
}

func (s *PostgresEventLog) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS negotiation_events (
		id TEXT PRIMARY KEY,
		deal_id TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		actor_id TEXT,
		actor_name TEXT,
		actor_party_type TEXT,
		schema_version TEXT NOT NULL DEFAULT '1.0.0',
		payload TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (deal_id, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_negotiation_events_deal
		ON negotiation_events (deal_id, sequence);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// rebindPositional rewrites ?-style placeholders to $1..$n.
func rebindPositional(query string) string {
	var out []byte
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

// Append implements eventlog.Log.
func (s *PostgresEventLog) Append(ctx context.Context, dealID string, t event.Type, actor event.Actor, payload json.RawMessage, opts eventlog.AppendOptions) (*event.NegotiationEvent, error) {
	return s.appendEvent(ctx, dealID, t, actor, payload, opts)
}

// Read implements eventlog.Log.
func (s *PostgresEventLog) Read(ctx context.Context, dealID string, opts eventlog.ReadOptions) ([]*event.NegotiationEvent, error) {
	return s.readEvents(ctx, dealID, opts)
}

// Head implements eventlog.Log.
func (s *PostgresEventLog) Head(ctx context.Context, dealID string) (uint64, error) {
	return s.headSequence(ctx, dealID)
}

// Verify implements eventlog.Verifier.
func (s *PostgresEventLog) Verify(ctx context.Context, dealID string) error {
	return s.verifyChain(ctx, dealID)
}
