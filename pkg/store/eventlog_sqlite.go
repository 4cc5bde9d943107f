package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/lendware/dealcore/pkg/event"
	"github.com/lendware/dealcore/pkg/eventlog"

	"database/sql"

	_ "modernc.org/sqlite"
)

// SQLiteEventLog is a durable event log backed by SQLite.
type SQLiteEventLog struct {
	sqlEventLog
}

// NewSQLiteEventLog initializes the schema and returns a log over db.
func NewSQLiteEventLog(db *sql.DB) (*SQLiteEventLog, error) {
	s := &SQLiteEventLog{sqlEventLog{
		db:     db,
		clock:  time.Now,
		rebind: func(q string) string { return q },
		isUniqueViolation: func(err error) bool {
			return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
		},
	}}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *SQLiteEventLog) WithClock(clock func() time.Time) *SQLiteEventLog {
	s.clock = clock
	return s
}

func (s *SQLiteEventLog) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS negotiation_events (
		id TEXT PRIMARY KEY,
		deal_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
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

// Append implements eventlog.Log.
func (s *SQLiteEventLog) Append(ctx context.Context, dealID string, t event.Type, actor event.Actor, payload json.RawMessage, opts eventlog.AppendOptions) (*event.NegotiationEvent, error) {
	return s.appendEvent(ctx, dealID, t, actor, payload, opts)
}

// Read implements eventlog.Log.
func (s *SQLiteEventLog) Read(ctx context.Context, dealID string, opts eventlog.ReadOptions) ([]*event.NegotiationEvent, error) {
	return s.readEvents(ctx, dealID, opts)
}

// Head implements eventlog.Log.
func (s *SQLiteEventLog) Head(ctx context.Context, dealID string) (uint64, error) {
	return s.headSequence(ctx, dealID)
}

// Verify implements eventlog.Verifier.
func (s *SQLiteEventLog) Verify(ctx context.Context, dealID string) error {
	return s.verifyChain(ctx, dealID)
}
