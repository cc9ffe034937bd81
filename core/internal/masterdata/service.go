package masterdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"incident-ops-planning-system/core/internal/bus"
	"incident-ops-planning-system/core/internal/conflict"
	"incident-ops-planning-system/core/internal/eventlog"
	"incident-ops-planning-system/core/internal/projector"
	"incident-ops-planning-system/shared/events"
	"incident-ops-planning-system/shared/logx"
	"incident-ops-planning-system/shared/metricsx"
)

var (
	ErrNoOperation    = errors.New("no active operation")
	ErrNotFound       = errors.New("aggregate not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrWrongOperation = errors.New("event belongs to a different operation")
)

// Identity is the local actor writing events: who, on which device, in which
// session. Stamped onto every envelope this service produces.
type Identity struct {
	ActorID   string
	DeviceID  string
	SessionID string
}

// Service is the single source of truth the UI reads from and writes
// through. Reads go via getters and subscriptions, writes via the named
// mutation entry points; nothing else may touch aggregates.
//
// The write pipeline is fixed: build envelope -> append to the log ->
// fold into the projection -> notify subscribers -> publish on the bus ->
// queue for sync. Subscribers observe the post-mutation state before the
// mutation's caller is unblocked.
type Service struct {
	logger    logx.Logger
	identity  Identity
	store     *eventlog.Store
	proj      *projector.Projector
	dispatch  *bus.Dispatcher
	conflicts *conflict.Resolver

	opMu      sync.Mutex
	currentOp uuid.UUID

	subMu     sync.Mutex
	nextSubID int64
	subs      map[string]map[int64]*subscription
}

func New(logger logx.Logger, identity Identity, store *eventlog.Store, proj *projector.Projector, dispatch *bus.Dispatcher, conflicts *conflict.Resolver) *Service {
	return &Service{
		logger:    logger,
		identity:  identity,
		store:     store,
		proj:      proj,
		dispatch:  dispatch,
		conflicts: conflicts,
		subs:      make(map[string]map[int64]*subscription),
	}
}

// CurrentOperationID returns the operation all reads and writes are scoped
// to, uuid.Nil when none is active.
func (s *Service) CurrentOperationID() uuid.UUID {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.currentOp
}

// SetCurrentOperation switches the active operation: the projection is reset
// and rebuilt by replaying the operation's log from the beginning. Skipped
// events are logged and do not abort the replay.
func (s *Service) SetCurrentOperation(ctx context.Context, operationID uuid.UUID) error {
	if operationID == uuid.Nil {
		return fmt.Errorf("%w: operation id required", ErrInvalidInput)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	log, err := s.store.Replay(ctx, operationID, nil)
	if err != nil {
		return err
	}
	s.proj.Reset()
	var skipped int
	for _, env := range log {
		if err := s.proj.Apply(ctx, env); err != nil {
			var skip *projector.SkipError
			if errors.As(err, &skip) {
				skipped++
				continue
			}
			return err
		}
	}
	s.currentOp = operationID
	s.logger.Info(ctx, "operation_loaded", "projection rebuilt from log",
		slog.String("operation_id", operationID.String()),
		slog.Int("events", len(log)),
		slog.Int("skipped", skipped),
	)
	return nil
}

// GetAggregate returns a deep copy of one aggregate in the active operation.
func (s *Service) GetAggregate(table string, entityID string) (projector.Aggregate, bool) {
	agg, ok := s.proj.Get(table, entityID)
	if !ok || agg.Operation() != s.CurrentOperationID() {
		return nil, false
	}
	return agg, true
}

// ListTable returns deep copies of the active operation's aggregates in a
// table.
func (s *Service) ListTable(table string) []projector.Aggregate {
	return s.proj.List(table, s.CurrentOperationID())
}

// commit runs a local mutation through the full write pipeline and returns
// the appended envelope.
func (s *Service) commit(ctx context.Context, operationID uuid.UUID, payload events.Payload) (events.Envelope, error) {
	raw, err := events.Encode(payload)
	if err != nil {
		return events.Envelope{}, err
	}
	return s.commitRaw(ctx, operationID, payload.Type(), raw)
}

func (s *Service) commitRaw(ctx context.Context, operationID uuid.UUID, eventType events.Type, raw json.RawMessage) (events.Envelope, error) {
	seq, err := s.store.NextSequence(ctx, s.identity.DeviceID)
	if err != nil {
		return events.Envelope{}, err
	}
	env := events.Envelope{
		EventID:       uuid.New(),
		EventType:     eventType,
		OperationID:   operationID,
		ActorID:       s.identity.ActorID,
		Payload:       raw,
		OccurredAt:    time.Now().UTC(),
		SchemaVersion: events.SchemaVersion,
		DeviceID:      s.identity.DeviceID,
		SessionID:     s.identity.SessionID,
		Sequence:      seq,
		SyncStatus:    events.SyncStatusLocal,
	}

	inserted, err := s.store.Append(ctx, env)
	if err != nil {
		return events.Envelope{}, err
	}
	if !inserted {
		metricsx.IncEventDuplicate()
		return env, nil
	}
	metricsx.IncEventAppended(string(env.EventType))

	if err := s.proj.Apply(ctx, env); err != nil {
		// The event is in the log; replay will skip it the same way.
		return events.Envelope{}, err
	}

	payload, decodeErr := events.Decode(env.EventType, env.Payload)
	if decodeErr == nil {
		table, key := projector.Target(env, payload)
		agg, _ := s.proj.Get(table, key)
		s.notify(ctx, Change{Table: table, EntityID: key, Event: env, Aggregate: agg})
	}
	s.dispatch.Publish(env)

	if err := s.store.MarkQueued(ctx, env.EventID); err != nil {
		return events.Envelope{}, err
	}
	return env, nil
}

// ApplyRemote folds an event received from a peer into the local log and
// projection. Redelivery is a no-op. A remote update whose timestamp
// diverges from the last local write to the same entity beyond the conflict
// threshold is held back as a pending Conflict instead of being applied.
func (s *Service) ApplyRemote(ctx context.Context, env events.Envelope) error {
	opID := s.CurrentOperationID()
	if opID == uuid.Nil || env.OperationID != opID {
		return fmt.Errorf("%w: %s", ErrWrongOperation, env.OperationID)
	}

	if _, known, err := s.store.Get(ctx, env.EventID); err != nil {
		return err
	} else if known {
		metricsx.IncEventDuplicate()
		return nil
	}

	payload, err := events.Decode(env.EventType, env.Payload)
	if err == nil {
		table, key := projector.Target(env, payload)
		if c, held := s.checkConflict(ctx, table, key, env); held {
			s.notify(ctx, Change{Table: TableConflicts, EntityID: c.ID.String(), Event: env, Conflict: &c})
			return nil
		}
	}

	env.SyncStatus = events.SyncStatusSynced
	inserted, err := s.store.Append(ctx, env)
	if err != nil {
		return err
	}
	if !inserted {
		metricsx.IncEventDuplicate()
		return nil
	}
	metricsx.IncEventAppended(string(env.EventType))

	if payload != nil {
		table, key := projector.Target(env, payload)
		if agg, ok := s.proj.Get(table, key); ok && env.OccurredAt.Before(agg.LastUpdatedAt()) {
			// Last-writer-wins: the local state is newer. The out-of-order
			// arrival is already appended, so the aggregate is refolded from
			// the log to land it in its total-order position. Folding it on
			// top instead would let the stale write clobber newer fields and
			// drift from what a full replay produces.
			if err := s.rebuildAggregate(ctx, opID, table, key); err != nil {
				return err
			}
			rebuilt, _ := s.proj.Get(table, key)
			s.notify(ctx, Change{Table: table, EntityID: key, Event: env, Aggregate: rebuilt})
			s.dispatch.Publish(env)
			return nil
		}
	}

	if applyErr := s.proj.Apply(ctx, env); applyErr != nil {
		var skip *projector.SkipError
		if errors.As(applyErr, &skip) {
			// Logged by the projector; the event stays in the log for replay.
			return nil
		}
		return applyErr
	}

	if payload != nil {
		table, key := projector.Target(env, payload)
		agg, _ := s.proj.Get(table, key)
		s.notify(ctx, Change{Table: table, EntityID: key, Event: env, Aggregate: agg})
	}
	s.dispatch.Publish(env)
	return nil
}

// rebuildAggregate evicts one aggregate and refolds it from the operation's
// log in total order. Skips are tolerated the same way a full replay
// tolerates them.
func (s *Service) rebuildAggregate(ctx context.Context, operationID uuid.UUID, table, key string) error {
	log, err := s.store.Replay(ctx, operationID, nil)
	if err != nil {
		return err
	}
	s.proj.Evict(table, key)
	for _, env := range log {
		payload, err := events.Decode(env.EventType, env.Payload)
		if err != nil {
			continue
		}
		if t, k := projector.Target(env, payload); t != table || k != key {
			continue
		}
		if applyErr := s.proj.Apply(ctx, env); applyErr != nil {
			var skip *projector.SkipError
			if !errors.As(applyErr, &skip) {
				return applyErr
			}
		}
	}
	return nil
}

// checkConflict compares the incoming remote event against the last local
// write to the target entity.
func (s *Service) checkConflict(ctx context.Context, table, key string, remote events.Envelope) (conflict.Conflict, bool) {
	agg, ok := s.proj.Get(table, key)
	if !ok {
		return conflict.Conflict{}, false
	}
	lastEventID := agg.LastEvent()
	if lastEventID == uuid.Nil {
		return conflict.Conflict{}, false
	}
	local, found, err := s.store.Get(ctx, lastEventID)
	if err != nil || !found {
		return conflict.Conflict{}, false
	}
	if local.DeviceID == remote.DeviceID {
		return conflict.Conflict{}, false
	}
	return s.conflicts.Detect(ctx, table, key, local, remote)
}

// PendingConflicts lists unresolved conflicts, oldest first. They remain
// queued until explicitly resolved.
func (s *Service) PendingConflicts() []conflict.Conflict {
	return s.conflicts.Pending()
}

// ResolveConflict applies an operator decision: the chosen side (or the
// merged payload) is re-appended as a brand new event through the normal
// write pipeline. History is never mutated.
func (s *Service) ResolveConflict(ctx context.Context, conflictID uuid.UUID, decision conflict.Decision, mergedPayload json.RawMessage) error {
	res, err := s.conflicts.Resolve(ctx, conflictID, decision, mergedPayload)
	if err != nil {
		return err
	}
	if res.EventType == "" {
		return nil // manual: stays queued
	}
	opID := s.CurrentOperationID()
	if opID == uuid.Nil {
		return ErrNoOperation
	}
	_, err = s.commitRaw(ctx, opID, res.EventType, res.Payload)
	return err
}
