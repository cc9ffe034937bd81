package models

import (
	"time"

	"github.com/google/uuid"

	"incident-ops-planning-system/shared/events"
)

// StoredEvent is an envelope as the relay keeps it: the immutable event fields
// plus the dispatch bookkeeping the worker uses to fan it out to Kafka.
type StoredEvent struct {
	Envelope    events.Envelope
	ReceivedAt  time.Time
	Status      string
	Attempts    int
	NextRetryAt *time.Time
	LockedAt    *time.Time
	LockedBy    string
	LastError   string
}

type AuditLog struct {
	AuditID      uuid.UUID
	OccurredAt   time.Time
	OperationID  uuid.UUID
	DeviceID     string
	ActorID      string
	Action       string
	ResourceType *string
	ResourceID   *string
	RequestID    string
	Method       string
	Path         string
	StatusCode   int
	DurationMS   int64
	ClientIP     string
	UserAgent    string
	Details      []byte
}
