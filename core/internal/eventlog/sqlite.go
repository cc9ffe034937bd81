package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"incident-ops-planning-system/shared/events"
)

// Store is the append-only, locally durable event log. It is the unit of
// truth: aggregates, snapshots and sync state are all derived from it.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			event_id        TEXT PRIMARY KEY,
			event_type      TEXT NOT NULL,
			operation_id    TEXT NOT NULL,
			actor_id        TEXT NOT NULL,
			payload         TEXT NOT NULL,
			occurred_at_ns  INTEGER NOT NULL,
			schema_version  INTEGER NOT NULL,
			device_id       TEXT NOT NULL,
			session_id      TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			sync_status     TEXT NOT NULL,
			sync_attempts   INTEGER NOT NULL DEFAULT 0,
			last_sync_error TEXT NOT NULL DEFAULT '',
			appended_at_ns  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_operation_order
			ON events(operation_id, occurred_at_ns, device_id, seq);
		CREATE INDEX IF NOT EXISTS idx_events_sync_status
			ON events(sync_status, occurred_at_ns);
	`)
	return err
}

// Append stores the event if its id has not been seen before. Re-appending
// the same id is a no-op, not an error, because the sync layer may redeliver.
// The returned bool reports whether a new row was written.
func (s *Store) Append(ctx context.Context, env events.Envelope) (bool, error) {
	if env.EventID == uuid.Nil {
		return false, &AppendError{EventID: env.EventID, Err: errors.New("event id is required")}
	}
	if env.SyncStatus == "" {
		env.SyncStatus = events.SyncStatusLocal
	}
	if env.SchemaVersion == 0 {
		env.SchemaVersion = events.SchemaVersion
	}
	payload := string(env.Payload)
	if payload == "" {
		payload = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (
			event_id, event_type, operation_id, actor_id, payload,
			occurred_at_ns, schema_version, device_id, session_id, seq,
			sync_status, sync_attempts, last_sync_error, appended_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?)
	`,
		env.EventID.String(), string(env.EventType), env.OperationID.String(), env.ActorID, payload,
		env.OccurredAt.UTC().UnixNano(), env.SchemaVersion, env.DeviceID, env.SessionID, env.Sequence,
		string(env.SyncStatus), env.SyncAttempts, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return false, &AppendError{EventID: env.EventID, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &AppendError{EventID: env.EventID, Err: err}
	}
	return n > 0, nil
}

// Replay returns the operation's events in their total order, optionally
// starting strictly after a known event id.
func (s *Store) Replay(ctx context.Context, operationID uuid.UUID, sinceEventID *uuid.UUID) ([]events.Envelope, error) {
	query := `
		SELECT event_id, event_type, operation_id, actor_id, payload,
			occurred_at_ns, schema_version, device_id, session_id, seq,
			sync_status, sync_attempts
		FROM events
		WHERE operation_id = ?`
	args := []any{operationID.String()}
	if sinceEventID != nil {
		query += `
		AND (occurred_at_ns, device_id, seq) > (
			SELECT occurred_at_ns, device_id, seq FROM events WHERE event_id = ?
		)`
		args = append(args, sinceEventID.String())
	}
	query += `
		ORDER BY occurred_at_ns ASC, device_id ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// Get returns a single event by id.
func (s *Store) Get(ctx context.Context, eventID uuid.UUID) (events.Envelope, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, operation_id, actor_id, payload,
			occurred_at_ns, schema_version, device_id, session_id, seq,
			sync_status, sync_attempts
		FROM events
		WHERE event_id = ?
	`, eventID.String())
	if err != nil {
		return events.Envelope{}, false, err
	}
	defer rows.Close()
	out, err := scanEnvelopes(rows)
	if err != nil {
		return events.Envelope{}, false, err
	}
	if len(out) == 0 {
		return events.Envelope{}, false, nil
	}
	return out[0], true, nil
}

// ListPending returns queued outbound events oldest-first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]events.Envelope, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, operation_id, actor_id, payload,
			occurred_at_ns, schema_version, device_id, session_id, seq,
			sync_status, sync_attempts
		FROM events
		WHERE sync_status = ?
		ORDER BY occurred_at_ns ASC, device_id ASC, seq ASC
		LIMIT ?
	`, string(events.SyncStatusPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE sync_status = ?`,
		string(events.SyncStatusPending),
	).Scan(&n)
	return n, err
}

// MarkQueued moves a locally appended event into the outbound queue.
func (s *Store) MarkQueued(ctx context.Context, eventID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET sync_status = ? WHERE event_id = ? AND sync_status = ?
	`, string(events.SyncStatusPending), eventID.String(), string(events.SyncStatusLocal))
	return err
}

func (s *Store) MarkSynced(ctx context.Context, eventIDs []uuid.UUID) error {
	for _, id := range eventIDs {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE events SET sync_status = ?, last_sync_error = '' WHERE event_id = ?
		`, string(events.SyncStatusSynced), id.String()); err != nil {
			return err
		}
	}
	return nil
}

// MarkFailed records a failed sync attempt. The event stays queued until the
// retry budget is exhausted; only then does it surface as failed.
func (s *Store) MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, lastErr string, exhausted bool) error {
	status := events.SyncStatusPending
	if exhausted {
		status = events.SyncStatusFailed
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET sync_status = ?, sync_attempts = ?, last_sync_error = ? WHERE event_id = ?
	`, string(status), attempts, lastErr, eventID.String())
	return err
}

// NextSequence returns the next per-device sequence number, the final
// tie-breaker in the event order.
func (s *Store) NextSequence(ctx context.Context, deviceID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE device_id = ?`, deviceID,
	).Scan(&seq)
	return seq, err
}

func scanEnvelopes(rows *sql.Rows) ([]events.Envelope, error) {
	var out []events.Envelope
	for rows.Next() {
		var (
			env         events.Envelope
			eventID     string
			eventType   string
			operationID string
			payload     string
			occurredNS  int64
			syncStatus  string
		)
		if err := rows.Scan(
			&eventID, &eventType, &operationID, &env.ActorID, &payload,
			&occurredNS, &env.SchemaVersion, &env.DeviceID, &env.SessionID, &env.Sequence,
			&syncStatus, &env.SyncAttempts,
		); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(eventID)
		if err != nil {
			return nil, err
		}
		opID, err := uuid.Parse(operationID)
		if err != nil {
			return nil, err
		}
		env.EventID = id
		env.OperationID = opID
		env.EventType = events.Type(eventType)
		env.Payload = []byte(payload)
		env.OccurredAt = time.Unix(0, occurredNS).UTC()
		env.SyncStatus = events.SyncStatus(syncStatus)
		out = append(out, env)
	}
	return out, rows.Err()
}
