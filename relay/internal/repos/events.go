package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"incident-ops-planning-system/relay/internal/models"
	"incident-ops-planning-system/shared/events"
)

const (
	DispatchStatusPending   = "pending"
	DispatchStatusSending   = "sending"
	DispatchStatusDelivered = "delivered"
	DispatchStatusDead      = "dead"
)

// EventsRepo is the relay's durable event store. Each accepted envelope is
// kept forever; the dispatch columns track fan-out to the broadcast topic.
type EventsRepo struct {
	pool *pgxpool.Pool
}

func NewEventsRepo(pool *pgxpool.Pool) *EventsRepo {
	return &EventsRepo{pool: pool}
}

func (r *EventsRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS relay_events (
			event_id        UUID PRIMARY KEY,
			feed_seq        BIGSERIAL NOT NULL,
			event_type      TEXT NOT NULL,
			operation_id    UUID NOT NULL,
			actor_id        TEXT NOT NULL,
			payload         JSONB NOT NULL,
			occurred_at     TIMESTAMPTZ NOT NULL,
			schema_version  INT NOT NULL,
			device_id       TEXT NOT NULL,
			session_id      TEXT NOT NULL DEFAULT '',
			seq             BIGINT NOT NULL,
			received_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			dispatch_status TEXT NOT NULL DEFAULT 'pending',
			attempts        INT NOT NULL DEFAULT 0,
			next_retry_at   TIMESTAMPTZ,
			locked_at       TIMESTAMPTZ,
			locked_by       TEXT,
			last_error      TEXT
		);
		CREATE INDEX IF NOT EXISTS relay_events_feed_idx
			ON relay_events (operation_id, feed_seq);
		CREATE INDEX IF NOT EXISTS relay_events_dispatch_idx
			ON relay_events (dispatch_status, next_retry_at);
	`)
	return err
}

// Insert stores an envelope if it is new. Returns false when the event id was
// already present, which callers treat as an idempotent accept.
func (r *EventsRepo) Insert(ctx context.Context, db DBTX, env events.Envelope) (bool, error) {
	tag, err := db.Exec(ctx, `
		INSERT INTO relay_events (
			event_id, event_type, operation_id, actor_id, payload, occurred_at,
			schema_version, device_id, session_id, seq, received_at, dispatch_status
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), $11
		)
		ON CONFLICT (event_id) DO NOTHING
	`, env.EventID, string(env.EventType), env.OperationID, env.ActorID, []byte(env.Payload),
		env.OccurredAt.UTC(), env.SchemaVersion, env.DeviceID, env.SessionID, env.Sequence,
		DispatchStatusPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListAfter serves the change feed: events of one operation past the caller's
// cursor, in arrival order. feed_seq is assigned by the relay on insert, so
// an event pushed late lands past every already-consumed cursor no matter how
// old its occurred_at is. Returns the cursor for the next page alongside the
// rows.
func (r *EventsRepo) ListAfter(ctx context.Context, operationID uuid.UUID, after int64, limit int) ([]events.Envelope, int64, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT feed_seq, event_id, event_type, operation_id, actor_id, payload, occurred_at,
			schema_version, device_id, session_id, seq
		FROM relay_events
		WHERE operation_id = $1 AND feed_seq > $2
		ORDER BY feed_seq ASC
		LIMIT $3
	`, operationID, after, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	cursor := after
	feed := make([]events.Envelope, 0, limit)
	for rows.Next() {
		var env events.Envelope
		var feedSeq int64
		var eventType string
		var payload []byte
		if err := rows.Scan(
			&feedSeq, &env.EventID, &eventType, &env.OperationID, &env.ActorID, &payload,
			&env.OccurredAt, &env.SchemaVersion, &env.DeviceID, &env.SessionID, &env.Sequence,
		); err != nil {
			return nil, 0, err
		}
		env.EventType = events.Type(eventType)
		env.Payload = payload
		env.SyncStatus = events.SyncStatusSynced
		feed = append(feed, env)
		cursor = feedSeq
	}
	return feed, cursor, rows.Err()
}

// ClaimPending locks a batch of undispatched events for one worker. Rows
// already claimed by a competing worker are skipped, not waited on.
func (r *EventsRepo) ClaimPending(ctx context.Context, owner string, limit int) ([]models.StoredEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		WITH candidates AS (
			SELECT event_id
			FROM relay_events
			WHERE dispatch_status = $1 AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY received_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE relay_events e
		SET dispatch_status = $3, locked_at = now(), locked_by = $4
		FROM candidates c
		WHERE e.event_id = c.event_id
		RETURNING e.event_id, e.event_type, e.operation_id, e.actor_id, e.payload, e.occurred_at,
			e.schema_version, e.device_id, e.session_id, e.seq, e.received_at,
			e.dispatch_status, e.attempts, e.next_retry_at, e.locked_at, e.locked_by,
			COALESCE(e.last_error, '')
	`, DispatchStatusPending, limit, DispatchStatusSending, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	claimed := make([]models.StoredEvent, 0, limit)
	for rows.Next() {
		var ev models.StoredEvent
		var eventType string
		var payload []byte
		var lockedBy *string
		if err := rows.Scan(
			&ev.Envelope.EventID, &eventType, &ev.Envelope.OperationID, &ev.Envelope.ActorID,
			&payload, &ev.Envelope.OccurredAt, &ev.Envelope.SchemaVersion, &ev.Envelope.DeviceID,
			&ev.Envelope.SessionID, &ev.Envelope.Sequence, &ev.ReceivedAt,
			&ev.Status, &ev.Attempts, &ev.NextRetryAt, &ev.LockedAt, &lockedBy, &ev.LastError,
		); err != nil {
			return nil, err
		}
		ev.Envelope.EventType = events.Type(eventType)
		ev.Envelope.Payload = payload
		if lockedBy != nil {
			ev.LockedBy = *lockedBy
		}
		claimed = append(claimed, ev)
	}
	return claimed, rows.Err()
}

func (r *EventsRepo) GetByID(ctx context.Context, eventID uuid.UUID) (models.StoredEvent, error) {
	var ev models.StoredEvent
	var eventType string
	var payload []byte
	var lockedBy *string
	err := r.pool.QueryRow(ctx, `
		SELECT event_id, event_type, operation_id, actor_id, payload, occurred_at,
			schema_version, device_id, session_id, seq, received_at,
			dispatch_status, attempts, next_retry_at, locked_at, locked_by,
			COALESCE(last_error, '')
		FROM relay_events
		WHERE event_id = $1
	`, eventID).Scan(
		&ev.Envelope.EventID, &eventType, &ev.Envelope.OperationID, &ev.Envelope.ActorID,
		&payload, &ev.Envelope.OccurredAt, &ev.Envelope.SchemaVersion, &ev.Envelope.DeviceID,
		&ev.Envelope.SessionID, &ev.Envelope.Sequence, &ev.ReceivedAt,
		&ev.Status, &ev.Attempts, &ev.NextRetryAt, &ev.LockedAt, &lockedBy, &ev.LastError,
	)
	if err != nil {
		return models.StoredEvent{}, err
	}
	ev.Envelope.EventType = events.Type(eventType)
	ev.Envelope.Payload = payload
	if lockedBy != nil {
		ev.LockedBy = *lockedBy
	}
	return ev, nil
}

func (r *EventsRepo) MarkDelivered(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE relay_events
		SET dispatch_status = $2, locked_at = NULL, locked_by = NULL
		WHERE event_id = $1
	`, eventID, DispatchStatusDelivered)
	return err
}

func (r *EventsRepo) MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error {
	status := DispatchStatusPending
	if dead {
		status = DispatchStatusDead
		nextRetryAt = nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE relay_events
		SET dispatch_status = $2, attempts = $3, next_retry_at = $4, last_error = $5,
			locked_at = NULL, locked_by = NULL
		WHERE event_id = $1
	`, eventID, status, attempts, nextRetryAt, lastErr)
	return err
}

// EnsurePending releases a claim that was never dispatched, for example when
// enqueueing the dispatch task failed.
func (r *EventsRepo) EnsurePending(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE relay_events
		SET dispatch_status = $2, locked_at = NULL, locked_by = NULL
		WHERE event_id = $1 AND dispatch_status = $3
	`, eventID, DispatchStatusPending, DispatchStatusSending)
	return err
}

func (r *EventsRepo) CountPendingDispatch(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM relay_events WHERE dispatch_status = $1
	`, DispatchStatusPending).Scan(&n)
	return n, err
}
