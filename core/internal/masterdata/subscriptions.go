package masterdata

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"incident-ops-planning-system/core/internal/conflict"
	"incident-ops-planning-system/core/internal/projector"
	"incident-ops-planning-system/shared/events"
	"incident-ops-planning-system/shared/metricsx"
)

// TableConflicts is the pseudo-table conflict notifications are delivered
// on, so the UI observes conflicts through the same subscription mechanism
// as any other state change.
const TableConflicts = "conflicts"

// Change is what subscribers receive after a mutation has been folded into
// the projection. Aggregate is a deep copy of the post-change state, nil when
// the entity reached a skip, and Conflict is set only on TableConflicts.
type Change struct {
	Table     string
	EntityID  string
	Event     events.Envelope
	Aggregate projector.Aggregate
	Conflict  *conflict.Conflict
}

type Callback func(Change)

type subscription struct {
	mu     sync.Mutex
	closed atomic.Bool
	owner  atomic.Uint64
	cb     Callback
}

// SubscribeToTable registers a callback for every change to a table. The
// returned release function blocks until any in-flight callback finishes;
// after it returns the callback is never invoked again. A callback may
// release its own subscription.
func (s *Service) SubscribeToTable(table string, cb Callback) func() {
	return s.subscribe(table, cb)
}

// SubscribeToRecord registers a callback for changes to one record.
func (s *Service) SubscribeToRecord(table string, entityID string, cb Callback) func() {
	return s.subscribe(table+"/"+entityID, cb)
}

func (s *Service) subscribe(key string, cb Callback) func() {
	sub := &subscription{cb: cb}

	s.subMu.Lock()
	s.nextSubID++
	id := s.nextSubID
	byID := s.subs[key]
	if byID == nil {
		byID = make(map[int64]*subscription)
		s.subs[key] = byID
	}
	byID[id] = sub
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.closed.Store(true)

			s.subMu.Lock()
			delete(s.subs[key], id)
			if len(s.subs[key]) == 0 {
				delete(s.subs, key)
			}
			s.subMu.Unlock()

			// Release from inside this subscription's own callback: the
			// running delivery is the last one and waiting on the lock
			// would deadlock.
			if sub.owner.Load() == subGID() {
				return
			}

			// Waits out an in-flight delivery on another goroutine.
			sub.mu.Lock()
			sub.mu.Unlock() //nolint:staticcheck
		})
	}
}

// notify delivers a change to table and record subscribers, synchronously and
// before the mutation's caller is unblocked.
func (s *Service) notify(ctx context.Context, change Change) {
	s.subMu.Lock()
	targets := make([]*subscription, 0, 8)
	for _, sub := range s.subs[change.Table] {
		targets = append(targets, sub)
	}
	if change.EntityID != "" {
		for _, sub := range s.subs[change.Table+"/"+change.EntityID] {
			targets = append(targets, sub)
		}
	}
	s.subMu.Unlock()

	for _, sub := range targets {
		s.deliver(ctx, sub, change)
	}
	metricsx.IncSubscriberNotification(change.Table)
}

func (s *Service) deliver(ctx context.Context, sub *subscription, change Change) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed.Load() {
		return
	}
	sub.owner.Store(subGID())
	defer sub.owner.Store(0)
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error(ctx, "subscriber_panic", "subscriber callback panicked",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("table", change.Table),
				slog.String("entity_id", change.EntityID),
				slog.Any("error", rec),
			)
		}
	}()
	sub.cb(change)
}

// subGID parses the current goroutine's id from its stack header
// ("goroutine 123 [running]:"). Deliveries stamp it on the subscription so a
// release can tell whether it is running inside the callback it is releasing.
func subGID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for _, c := range buf[len("goroutine "):n] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}
