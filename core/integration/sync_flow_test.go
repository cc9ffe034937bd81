package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"incident-ops-planning-system/core/internal/bus"
	"incident-ops-planning-system/core/internal/conflict"
	"incident-ops-planning-system/core/internal/eventlog"
	"incident-ops-planning-system/core/internal/masterdata"
	"incident-ops-planning-system/core/internal/projector"
	"incident-ops-planning-system/core/internal/syncer"
	"incident-ops-planning-system/shared/events"
	"incident-ops-planning-system/shared/localdb"
	"incident-ops-planning-system/shared/logx"
)

// hub is an in-memory stand-in for the relay: one shared arrival-ordered
// event store that every device pushes to and pulls from. The pull cursor is
// the position in arrival order, exactly like the relay's feed_seq.
type hub struct {
	mu     sync.Mutex
	stored []events.Envelope
	known  map[uuid.UUID]struct{}
}

func newHub() *hub {
	return &hub{known: map[uuid.UUID]struct{}{}}
}

func (h *hub) PushEvents(_ context.Context, batch []events.Envelope) (syncer.PushResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	res := syncer.PushResult{}
	for _, env := range batch {
		if _, dup := h.known[env.EventID]; !dup {
			h.known[env.EventID] = struct{}{}
			h.stored = append(h.stored, env)
		}
		res.Accepted = append(res.Accepted, env.EventID)
	}
	return res, nil
}

func (h *hub) PullEvents(_ context.Context, operationID uuid.UUID, after int64, limit int) ([]events.Envelope, int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if after > int64(len(h.stored)) {
		after = int64(len(h.stored))
	}
	cursor := after
	feed := make([]events.Envelope, 0, limit)
	for i := int(after); i < len(h.stored); i++ {
		cursor = int64(i + 1)
		if h.stored[i].OperationID != operationID {
			continue
		}
		feed = append(feed, h.stored[i])
		if len(feed) == limit {
			break
		}
	}
	return feed, cursor, nil
}

type device struct {
	data   *masterdata.Service
	engine *syncer.Engine
	store  *eventlog.Store
}

func newDevice(t *testing.T, h *hub, deviceID string, actorID string) device {
	t.Helper()
	logger := logx.New("integration-"+deviceID, "test", "", "error")
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
		masterdata.Identity{ActorID: actorID, DeviceID: deviceID, SessionID: "session-" + deviceID},
		store,
		projector.New(logger),
		bus.New(logger),
		conflict.New(logger, 5*time.Second),
	)
	engine := syncer.New(logger, store, data, h, syncer.Options{DeviceID: deviceID})
	return device{data: data, engine: engine, store: store}
}

func TestTwoDeviceSyncFlow(t *testing.T) {
	h := newHub()
	devA := newDevice(t, h, "dev-a", "actor-a")
	devB := newDevice(t, h, "dev-b", "actor-b")
	ctx := context.Background()

	opID, err := devA.data.CreateOperation(ctx, "Hurricane Response", "hurricane")
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}
	if err := devA.data.CreateFacility(ctx, events.FacilityCreated{
		FacilityID: "f1", Name: "Central High Shelter", Capacity: 120,
	}); err != nil {
		t.Fatalf("create facility: %v", err)
	}
	if err := devA.data.RegisterPersonnel(ctx, events.PersonnelRegistered{
		PersonnelID: "p1", Name: "Sam Ortiz", Role: "shelter manager",
	}); err != nil {
		t.Fatalf("register personnel: %v", err)
	}
	if err := devA.engine.SyncOnce(ctx); err != nil {
		t.Fatalf("device A sync: %v", err)
	}

	if err := devB.data.SetCurrentOperation(ctx, opID); err != nil {
		t.Fatalf("device B select operation: %v", err)
	}
	if err := devB.engine.SyncOnce(ctx); err != nil {
		t.Fatalf("device B sync: %v", err)
	}

	agg, ok := devB.data.GetAggregate(projector.TableFacilities, "f1")
	if !ok {
		t.Fatalf("device B must see the facility after one round trip")
	}
	facility := agg.(*projector.Facility)
	if facility.Name != "Central High Shelter" || facility.Capacity != 120 {
		t.Fatalf("unexpected facility on device B: %+v", facility)
	}
	if _, ok := devB.data.GetAggregate(projector.TablePersonnel, "p1"); !ok {
		t.Fatalf("device B must see the personnel record")
	}

	// An edit on B flows back to A the same way.
	occupancy := 85
	if err := devB.data.UpdateFacility(ctx, events.FacilityUpdated{FacilityID: "f1", Occupancy: &occupancy}); err != nil {
		t.Fatalf("device B update: %v", err)
	}
	if err := devB.engine.SyncOnce(ctx); err != nil {
		t.Fatalf("device B sync: %v", err)
	}
	if err := devA.engine.SyncOnce(ctx); err != nil {
		t.Fatalf("device A sync: %v", err)
	}
	agg, ok = devA.data.GetAggregate(projector.TableFacilities, "f1")
	if !ok {
		t.Fatalf("device A lost the facility")
	}
	if got := agg.(*projector.Facility).Occupancy; got != 85 {
		t.Fatalf("device A must see B's occupancy update, got %d", got)
	}
}

func TestLateArrivalReachesPeers(t *testing.T) {
	h := newHub()
	devA := newDevice(t, h, "dev-a", "actor-a")
	devB := newDevice(t, h, "dev-b", "actor-b")
	ctx := context.Background()

	opID, err := devA.data.CreateOperation(ctx, "Hurricane Response", "hurricane")
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}
	if err := devA.data.CreateFacility(ctx, events.FacilityCreated{FacilityID: "f1", Name: "Shelter A"}); err != nil {
		t.Fatalf("create facility: %v", err)
	}
	if err := devA.engine.SyncOnce(ctx); err != nil {
		t.Fatalf("device A sync: %v", err)
	}
	if err := devB.data.SetCurrentOperation(ctx, opID); err != nil {
		t.Fatalf("device B select operation: %v", err)
	}
	if err := devB.engine.SyncOnce(ctx); err != nil {
		t.Fatalf("device B sync: %v", err)
	}

	// A third device comes back online and pushes a facility it created an
	// hour ago while offline. B's cursor already moved past that wall-clock
	// instant; only arrival order can still deliver the event.
	raw, err := events.Encode(events.FacilityCreated{FacilityID: "f9", Name: "Field Hospital"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := h.PushEvents(ctx, []events.Envelope{{
		EventID:       uuid.New(),
		EventType:     events.TypeFacilityCreated,
		OperationID:   opID,
		ActorID:       "actor-c",
		Payload:       raw,
		OccurredAt:    time.Now().UTC().Add(-time.Hour),
		SchemaVersion: events.SchemaVersion,
		DeviceID:      "dev-c",
		SessionID:     "session-c",
		Sequence:      1,
	}}); err != nil {
		t.Fatalf("seed late event: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := devB.engine.SyncOnce(ctx); err != nil {
			t.Fatalf("device B sync round %d: %v", i+1, err)
		}
	}
	if _, ok := devB.data.GetAggregate(projector.TableFacilities, "f9"); !ok {
		t.Fatalf("an offline peer's backdated event must still reach other devices")
	}
}

func TestReplayMatchesLiveStateAfterSync(t *testing.T) {
	h := newHub()
	devA := newDevice(t, h, "dev-a", "actor-a")
	devB := newDevice(t, h, "dev-b", "actor-b")
	ctx := context.Background()

	opID, err := devA.data.CreateOperation(ctx, "Flood Response", "flood")
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}
	if err := devA.data.CreateFacility(ctx, events.FacilityCreated{FacilityID: "f1", Name: "Shelter A"}); err != nil {
		t.Fatalf("create facility: %v", err)
	}
	if err := devA.engine.SyncOnce(ctx); err != nil {
		t.Fatalf("device A sync: %v", err)
	}
	if err := devB.data.SetCurrentOperation(ctx, opID); err != nil {
		t.Fatalf("device B select operation: %v", err)
	}
	if err := devB.engine.SyncOnce(ctx); err != nil {
		t.Fatalf("device B sync: %v", err)
	}

	before, ok := devB.data.GetAggregate(projector.TableFacilities, "f1")
	if !ok {
		t.Fatalf("facility missing before replay")
	}

	// Re-selecting the operation rebuilds state purely from the local log.
	if err := devB.data.SetCurrentOperation(ctx, opID); err != nil {
		t.Fatalf("replay: %v", err)
	}
	after, ok := devB.data.GetAggregate(projector.TableFacilities, "f1")
	if !ok {
		t.Fatalf("facility missing after replay")
	}
	if before.(*projector.Facility).Name != after.(*projector.Facility).Name {
		t.Fatalf("replayed state diverged: %+v vs %+v", before, after)
	}
}

func TestConflictSurfacesAndResolvesAcrossDevices(t *testing.T) {
	h := newHub()
	devA := newDevice(t, h, "dev-a", "actor-a")
	ctx := context.Background()

	opID, err := devA.data.CreateOperation(ctx, "Wildfire Response", "wildfire")
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}
	if err := devA.data.CreateFacility(ctx, events.FacilityCreated{FacilityID: "f1", Name: "Shelter A"}); err != nil {
		t.Fatalf("create facility: %v", err)
	}
	open := "open"
	if err := devA.data.UpdateFacility(ctx, events.FacilityUpdated{FacilityID: "f1", Status: &open}); err != nil {
		t.Fatalf("local update: %v", err)
	}
	if err := devA.engine.SyncOnce(ctx); err != nil {
		t.Fatalf("device A sync: %v", err)
	}

	// A peer edited the same field while offline; its clock puts the write
	// well outside the last-writer-wins window.
	standby := "standby"
	raw, err := events.Encode(events.FacilityUpdated{FacilityID: "f1", Status: &standby})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := h.PushEvents(ctx, []events.Envelope{{
		EventID:       uuid.New(),
		EventType:     events.TypeFacilityUpdated,
		OperationID:   opID,
		ActorID:       "actor-b",
		Payload:       raw,
		OccurredAt:    time.Now().UTC().Add(10 * time.Second),
		SchemaVersion: events.SchemaVersion,
		DeviceID:      "dev-b",
		SessionID:     "session-b",
		Sequence:      1,
	}}); err != nil {
		t.Fatalf("seed remote event: %v", err)
	}

	if err := devA.engine.SyncOnce(ctx); err != nil {
		t.Fatalf("device A sync: %v", err)
	}

	pending := devA.data.PendingConflicts()
	if len(pending) != 1 {
		t.Fatalf("expected one surfaced conflict, got %d", len(pending))
	}
	agg, _ := devA.data.GetAggregate(projector.TableFacilities, "f1")
	if got := agg.(*projector.Facility).Status; got != "open" {
		t.Fatalf("state must stay untouched while the conflict is pending, got %s", got)
	}

	if err := devA.data.ResolveConflict(ctx, pending[0].ID, conflict.DecisionRemote, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	agg, _ = devA.data.GetAggregate(projector.TableFacilities, "f1")
	if got := agg.(*projector.Facility).Status; got != "standby" {
		t.Fatalf("remote resolution must apply the peer's write, got %s", got)
	}
	if got := len(devA.data.PendingConflicts()); got != 0 {
		t.Fatalf("conflict must clear after resolution, got %d pending", got)
	}
}
