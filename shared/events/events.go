package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const SchemaVersion = 1

type SyncStatus string

const (
	SyncStatusLocal   SyncStatus = "local"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

// Envelope is the wire and storage format of a domain event. Envelopes are
// immutable once appended; only the sync bookkeeping fields change afterwards.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	EventType     Type            `json:"event_type"`
	OperationID   uuid.UUID       `json:"operation_id"`
	ActorID       string          `json:"actor_id"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	SchemaVersion int             `json:"schema_version"`
	DeviceID      string          `json:"device_id"`
	SessionID     string          `json:"session_id"`
	Sequence      int64           `json:"sequence"`
	SyncStatus    SyncStatus      `json:"sync_status"`
	SyncAttempts  int             `json:"sync_attempts"`
}

// Less defines the total order of events within one operation: occurred-at
// first, then device id and per-device sequence to break ties
// deterministically. Cross-operation order is undefined.
func Less(a Envelope, b Envelope) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.Before(b.OccurredAt)
	}
	if a.DeviceID != b.DeviceID {
		return a.DeviceID < b.DeviceID
	}
	return a.Sequence < b.Sequence
}

const (
	TopicOperationEvents = "operation.events"
	TopicPresenceUpdates = "presence.updates"
	TopicChangeFeed      = "operation.changes"
)

// ChangeBroadcast is the message fanned out to peers after an event is
// accepted by the relay.
type ChangeBroadcast struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Change     json.RawMessage `json:"change"`
	UserID     string          `json:"user_id"`
	Timestamp  time.Time       `json:"timestamp"`
}
