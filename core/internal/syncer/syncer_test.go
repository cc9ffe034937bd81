package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"incident-ops-planning-system/core/internal/bus"
	"incident-ops-planning-system/core/internal/conflict"
	"incident-ops-planning-system/core/internal/eventlog"
	"incident-ops-planning-system/core/internal/masterdata"
	"incident-ops-planning-system/core/internal/projector"
	"incident-ops-planning-system/shared/events"
	"incident-ops-planning-system/shared/localdb"
	"incident-ops-planning-system/shared/logx"
)

type fakeRemote struct {
	mu      sync.Mutex
	pushes  int
	pushed  []events.Envelope
	pushErr error
	reject  map[uuid.UUID]string
	feed    []events.Envelope
}

func (f *fakeRemote) PushEvents(_ context.Context, batch []events.Envelope) (PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes++
	if f.pushErr != nil {
		return PushResult{}, f.pushErr
	}
	f.pushed = append(f.pushed, batch...)
	res := PushResult{Rejected: f.reject}
	for _, env := range batch {
		if _, bad := f.reject[env.EventID]; !bad {
			res.Accepted = append(res.Accepted, env.EventID)
		}
	}
	return res, nil
}

// PullEvents serves the feed the way the relay does: the cursor is the
// arrival-order position, rows past it come back together with the new
// cursor.
func (f *fakeRemote) PullEvents(_ context.Context, _ uuid.UUID, after int64, _ int) ([]events.Envelope, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if after > int64(len(f.feed)) {
		after = int64(len(f.feed))
	}
	return append([]events.Envelope(nil), f.feed[after:]...), int64(len(f.feed)), nil
}

func (f *fakeRemote) appendFeed(envs ...events.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feed = append(f.feed, envs...)
}

func newTestEngine(t *testing.T, remote RemoteChannel, opts Options) (*Engine, *masterdata.Service, *eventlog.Store) {
	t.Helper()
	logger := logx.New("syncer-test", "test", "", "error")
	db, err := localdb.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := eventlog.New(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	data := masterdata.New(
		logger,
		masterdata.Identity{ActorID: "actor-1", DeviceID: "dev-a", SessionID: "session-1"},
		store,
		projector.New(logger),
		bus.New(logger),
		conflict.New(logger, 5*time.Second),
	)
	if opts.DeviceID == "" {
		opts.DeviceID = "dev-a"
	}
	return New(logger, store, data, remote, opts), data, store
}

func TestPushMarksAcceptedEventsSynced(t *testing.T) {
	remote := &fakeRemote{}
	engine, data, store := newTestEngine(t, remote, Options{})
	ctx := context.Background()

	if _, err := data.CreateOperation(ctx, "Flood Response", ""); err != nil {
		t.Fatalf("create operation: %v", err)
	}
	if err := data.CreateFacility(ctx, events.FacilityCreated{FacilityID: "f1", Name: "Shelter A"}); err != nil {
		t.Fatalf("create facility: %v", err)
	}

	if err := engine.SyncOnce(ctx); err != nil {
		t.Fatalf("sync once: %v", err)
	}

	n, err := store.CountPending(ctx)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected drained outbox, got %d pending", n)
	}
	if len(remote.pushed) != 2 {
		t.Fatalf("expected both events pushed, got %d", len(remote.pushed))
	}
}

func TestPushFailureExhaustsRetryBudget(t *testing.T) {
	remote := &fakeRemote{pushErr: errors.New("relay unreachable")}
	engine, data, store := newTestEngine(t, remote, Options{MaxAttempts: 1})
	ctx := context.Background()

	if _, err := data.CreateOperation(ctx, "Flood Response", ""); err != nil {
		t.Fatalf("create operation: %v", err)
	}

	if err := engine.SyncOnce(ctx); err == nil {
		t.Fatalf("expected push error to surface")
	}

	pending, err := store.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("an exhausted event must leave the queue, got %d pending", len(pending))
	}
	log, err := store.Replay(ctx, data.CurrentOperationID(), nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(log) != 1 || log[0].SyncStatus != events.SyncStatusFailed {
		t.Fatalf("expected surfaced failed status, got %+v", log)
	}
}

func TestPushFailureBacksOff(t *testing.T) {
	remote := &fakeRemote{pushErr: errors.New("relay unreachable")}
	engine, data, _ := newTestEngine(t, remote, Options{MaxAttempts: 8})
	ctx := context.Background()

	if _, err := data.CreateOperation(ctx, "Flood Response", ""); err != nil {
		t.Fatalf("create operation: %v", err)
	}

	_ = engine.SyncOnce(ctx)
	first := remote.pushes
	_ = engine.SyncOnce(ctx)

	if remote.pushes != first {
		t.Fatalf("a failed event must back off before its next attempt")
	}
}

func TestRejectedEventsRecordFailure(t *testing.T) {
	remote := &fakeRemote{}
	engine, data, store := newTestEngine(t, remote, Options{MaxAttempts: 8})
	ctx := context.Background()

	if _, err := data.CreateOperation(ctx, "Flood Response", ""); err != nil {
		t.Fatalf("create operation: %v", err)
	}
	log, _ := store.Replay(ctx, data.CurrentOperationID(), nil)
	remote.reject = map[uuid.UUID]string{log[0].EventID: "schema rejected"}

	if err := engine.SyncOnce(ctx); err != nil {
		t.Fatalf("sync once: %v", err)
	}

	got, _, err := store.Get(ctx, log[0].EventID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SyncStatus != events.SyncStatusPending || got.SyncAttempts != 1 {
		t.Fatalf("expected one recorded attempt with the event still queued, got %s/%d", got.SyncStatus, got.SyncAttempts)
	}
}

func TestPullAppliesRemoteEvents(t *testing.T) {
	remote := &fakeRemote{}
	engine, data, _ := newTestEngine(t, remote, Options{})
	ctx := context.Background()

	opID, err := data.CreateOperation(ctx, "Flood Response", "")
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}

	raw, err := events.Encode(events.FacilityCreated{FacilityID: "f9", Name: "Remote Shelter"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	remote.feed = []events.Envelope{{
		EventID:       uuid.New(),
		EventType:     events.TypeFacilityCreated,
		OperationID:   opID,
		ActorID:       "actor-remote",
		Payload:       raw,
		OccurredAt:    time.Now().UTC(),
		SchemaVersion: events.SchemaVersion,
		DeviceID:      "dev-b",
		SessionID:     "session-remote",
		Sequence:      1,
	}}

	if err := engine.SyncOnce(ctx); err != nil {
		t.Fatalf("sync once: %v", err)
	}
	if _, ok := data.GetAggregate(projector.TableFacilities, "f9"); !ok {
		t.Fatalf("expected pulled remote event to be applied")
	}
}

func TestPullSkipsOwnEcho(t *testing.T) {
	remote := &fakeRemote{}
	engine, data, store := newTestEngine(t, remote, Options{})
	ctx := context.Background()

	opID, err := data.CreateOperation(ctx, "Flood Response", "")
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}
	log, _ := store.Replay(ctx, opID, nil)
	remote.feed = log // the relay echoes our own write back

	if err := engine.SyncOnce(ctx); err != nil {
		t.Fatalf("sync once: %v", err)
	}
	replayed, _ := store.Replay(ctx, opID, nil)
	if len(replayed) != 1 {
		t.Fatalf("an echoed own event must not duplicate the log, got %d", len(replayed))
	}
}

func TestPullDeliversLateArrivalWithOldTimestamp(t *testing.T) {
	remote := &fakeRemote{}
	engine, data, _ := newTestEngine(t, remote, Options{})
	ctx := context.Background()

	opID, err := data.CreateOperation(ctx, "Flood Response", "")
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}

	fresh, err := events.Encode(events.FacilityCreated{FacilityID: "f1", Name: "Shelter A"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	remote.appendFeed(events.Envelope{
		EventID:       uuid.New(),
		EventType:     events.TypeFacilityCreated,
		OperationID:   opID,
		ActorID:       "actor-remote",
		Payload:       fresh,
		OccurredAt:    time.Now().UTC(),
		SchemaVersion: events.SchemaVersion,
		DeviceID:      "dev-b",
		SessionID:     "session-remote",
		Sequence:      1,
	})
	if err := engine.SyncOnce(ctx); err != nil {
		t.Fatalf("first round: %v", err)
	}

	// A peer that was offline reconnects and pushes an event stamped an hour
	// in the past. It arrives after the cursor moved, so only arrival order
	// can deliver it.
	late, err := events.Encode(events.FacilityCreated{FacilityID: "f2", Name: "Shelter B"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	remote.appendFeed(events.Envelope{
		EventID:       uuid.New(),
		EventType:     events.TypeFacilityCreated,
		OperationID:   opID,
		ActorID:       "actor-late",
		Payload:       late,
		OccurredAt:    time.Now().UTC().Add(-time.Hour),
		SchemaVersion: events.SchemaVersion,
		DeviceID:      "dev-c",
		SessionID:     "session-late",
		Sequence:      1,
	})
	for i := 0; i < 5; i++ {
		if err := engine.SyncOnce(ctx); err != nil {
			t.Fatalf("round %d: %v", i+2, err)
		}
	}
	if _, ok := data.GetAggregate(projector.TableFacilities, "f2"); !ok {
		t.Fatalf("an event with an old timestamp must still be delivered once it arrives")
	}
}

func TestPullCursorAdvancesOverOwnEchoes(t *testing.T) {
	remote := &fakeRemote{}
	engine, data, store := newTestEngine(t, remote, Options{})
	ctx := context.Background()

	opID, err := data.CreateOperation(ctx, "Flood Response", "")
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}
	log, _ := store.Replay(ctx, opID, nil)
	remote.feed = log // the relay serves only our own writes back

	if err := engine.SyncOnce(ctx); err != nil {
		t.Fatalf("sync once: %v", err)
	}

	engine.mu.Lock()
	cursor := engine.cursor
	engine.mu.Unlock()
	if cursor != int64(len(log)) {
		t.Fatalf("the cursor must advance over echoed rows, got %d of %d", cursor, len(log))
	}
}

func TestRetryDelayQuadraticAndCapped(t *testing.T) {
	if got := retryDelay(1); got != 5*time.Second {
		t.Fatalf("attempt 1: got %v", got)
	}
	if got := retryDelay(3); got != 45*time.Second {
		t.Fatalf("attempt 3: got %v", got)
	}
	if got := retryDelay(20); got != 5*time.Minute {
		t.Fatalf("attempt 20 must cap at 5m, got %v", got)
	}
}
