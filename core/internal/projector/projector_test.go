package projector

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"incident-ops-planning-system/shared/events"
	"incident-ops-planning-system/shared/logx"
	"incident-ops-planning-system/shared/workflow"
)

func newTestProjector() *Projector {
	return New(logx.New("projector-test", "test", "", "error"))
}

var testClock = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

func mustEnvelope(t *testing.T, opID uuid.UUID, payload events.Payload, at time.Time) events.Envelope {
	t.Helper()
	raw, err := events.Encode(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return events.Envelope{
		EventID:       uuid.New(),
		EventType:     payload.Type(),
		OperationID:   opID,
		ActorID:       "actor-1",
		Payload:       raw,
		OccurredAt:    at,
		SchemaVersion: events.SchemaVersion,
		DeviceID:      "dev-a",
		SessionID:     "session-1",
		Sequence:      1,
	}
}

func apply(t *testing.T, p *Projector, env events.Envelope) {
	t.Helper()
	if err := p.Apply(context.Background(), env); err != nil {
		t.Fatalf("apply %s: %v", env.EventType, err)
	}
}

func strptr(s string) *string { return &s }
func intptr(n int) *int       { return &n }

func TestCreateThenUpdateFacility(t *testing.T) {
	p := newTestProjector()
	opID := uuid.New()

	apply(t, p, mustEnvelope(t, opID, events.FacilityCreated{FacilityID: "f1", Name: "Shelter A"}, testClock))
	apply(t, p, mustEnvelope(t, opID, events.FacilityUpdated{FacilityID: "f1", Status: strptr("closed")}, testClock.Add(time.Minute)))

	agg, ok := p.Get(TableFacilities, "f1")
	if !ok {
		t.Fatalf("expected facility f1")
	}
	f := agg.(*Facility)
	if f.Name != "Shelter A" || f.Status != workflow.FacilityStatusClosed {
		t.Fatalf("expected Shelter A/closed, got %s/%s", f.Name, f.Status)
	}
}

func TestUpdateWithoutCreateIsSkipped(t *testing.T) {
	p := newTestProjector()
	opID := uuid.New()

	err := p.Apply(context.Background(), mustEnvelope(t, opID,
		events.FacilityUpdated{FacilityID: "f1", Status: strptr("closed")}, testClock))

	var skip *SkipError
	if !errors.As(err, &skip) || skip.Reason != SkipMissingTarget {
		t.Fatalf("expected missing-target skip, got %v", err)
	}
	if _, ok := p.Get(TableFacilities, "f1"); ok {
		t.Fatalf("an out-of-order update must not create the aggregate")
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	p := newTestProjector()
	opID := uuid.New()

	apply(t, p, mustEnvelope(t, opID, events.FacilityCreated{FacilityID: "f1", Name: "Shelter A", Capacity: 100}, testClock))
	update := mustEnvelope(t, opID, events.FacilityUpdated{FacilityID: "f1", Occupancy: intptr(40)}, testClock.Add(time.Minute))
	apply(t, p, update)
	apply(t, p, update)

	agg, _ := p.Get(TableFacilities, "f1")
	if got := agg.(*Facility).Occupancy; got != 40 {
		t.Fatalf("expected occupancy 40 after duplicate apply, got %d", got)
	}
}

func TestUnknownEventTypeIsSkippedNotFatal(t *testing.T) {
	p := newTestProjector()
	env := events.Envelope{
		EventID:     uuid.New(),
		EventType:   events.Type("FACILITY_RENAMED_V2"),
		OperationID: uuid.New(),
		Payload:     json.RawMessage(`{"facility_id":"f1"}`),
		OccurredAt:  testClock,
	}

	err := p.Apply(context.Background(), env)
	var skip *SkipError
	if !errors.As(err, &skip) || skip.Reason != SkipUnknownType {
		t.Fatalf("expected unknown-type skip, got %v", err)
	}
}

func TestMalformedPayloadIsSkipped(t *testing.T) {
	p := newTestProjector()
	env := events.Envelope{
		EventID:     uuid.New(),
		EventType:   events.TypeFacilityCreated,
		OperationID: uuid.New(),
		Payload:     json.RawMessage(`{"facility_id":`),
		OccurredAt:  testClock,
	}

	err := p.Apply(context.Background(), env)
	var skip *SkipError
	if !errors.As(err, &skip) || skip.Reason != SkipBadPayload {
		t.Fatalf("expected bad-payload skip, got %v", err)
	}
}

func TestInvalidStatusTransitionIsSkipped(t *testing.T) {
	p := newTestProjector()
	opID := uuid.New()

	apply(t, p, mustEnvelope(t, opID, events.FacilityCreated{FacilityID: "f1", Name: "Shelter A"}, testClock))
	apply(t, p, mustEnvelope(t, opID, events.FacilityClosed{FacilityID: "f1"}, testClock.Add(time.Minute)))

	err := p.Apply(context.Background(), mustEnvelope(t, opID,
		events.FacilityUpdated{FacilityID: "f1", Status: strptr("open")}, testClock.Add(2*time.Minute)))

	var skip *SkipError
	if !errors.As(err, &skip) || skip.Reason != SkipBadTransition {
		t.Fatalf("expected bad-transition skip, got %v", err)
	}
	agg, _ := p.Get(TableFacilities, "f1")
	if got := agg.(*Facility).Status; got != workflow.FacilityStatusClosed {
		t.Fatalf("closed is terminal, got %s", got)
	}
}

func TestGetReturnsDeepCopy(t *testing.T) {
	p := newTestProjector()
	opID := uuid.New()
	apply(t, p, mustEnvelope(t, opID, events.FacilityCreated{FacilityID: "f1", Name: "Shelter A"}, testClock))

	agg, _ := p.Get(TableFacilities, "f1")
	agg.(*Facility).Name = "tampered"

	again, _ := p.Get(TableFacilities, "f1")
	if again.(*Facility).Name != "Shelter A" {
		t.Fatalf("mutating a returned aggregate must not touch projector state")
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	opID := uuid.New()
	build := func(t *testing.T) []events.Envelope {
		t.Helper()
		return []events.Envelope{
			mustEnvelope(t, opID, events.OperationCreated{Name: "Flood Response"}, testClock),
			mustEnvelope(t, opID, events.FacilityCreated{FacilityID: "f1", Name: "Shelter A", Capacity: 120}, testClock.Add(time.Minute)),
			mustEnvelope(t, opID, events.PersonnelRegistered{PersonnelID: "p1", Name: "Alex Chen", Role: "logistics"}, testClock.Add(2*time.Minute)),
			mustEnvelope(t, opID, events.PersonnelAssigned{PersonnelID: "p1", FacilityID: "f1", Section: "operations"}, testClock.Add(3*time.Minute)),
			mustEnvelope(t, opID, events.GapIdentified{GapID: "g1", FacilityID: "f1", Role: "nurse", Quantity: 2}, testClock.Add(4*time.Minute)),
			mustEnvelope(t, opID, events.GapResolved{GapID: "g1"}, testClock.Add(5*time.Minute)),
		}
	}
	log := build(t)

	fold := func() *Projector {
		p := newTestProjector()
		for _, env := range log {
			apply(t, p, env)
		}
		return p
	}
	first := fold()
	second := fold()

	for _, table := range AllTables() {
		a, _ := json.Marshal(first.List(table, opID))
		b, _ := json.Marshal(second.List(table, opID))
		if string(a) != string(b) {
			t.Fatalf("replay diverged for table %s:\n%s\n%s", table, a, b)
		}
	}
	gap, _ := second.Get(TableGaps, "g1")
	if gap.(*Gap).Status != GapStatusResolved {
		t.Fatalf("expected resolved gap after replay")
	}
}

func TestIAPDocumentCreatedByFirstSectionWrite(t *testing.T) {
	p := newTestProjector()
	opID := uuid.New()

	apply(t, p, mustEnvelope(t, opID, events.IAPSectionUpdated{
		DocumentID: "iap-1", Section: "objectives", Content: "Shelter 200 residents",
	}, testClock))

	agg, ok := p.Get(TableIAPDocuments, "iap-1")
	if !ok {
		t.Fatalf("expected document to exist after first section write")
	}
	doc := agg.(*IAPDocument)
	if doc.Sections["objectives"].Content != "Shelter 200 residents" {
		t.Fatalf("unexpected section content: %+v", doc.Sections)
	}
}

func TestSnapshotIsFrozen(t *testing.T) {
	p := newTestProjector()
	opID := uuid.New()

	apply(t, p, mustEnvelope(t, opID, events.IAPSectionUpdated{
		DocumentID: "iap-1", Section: "objectives", Content: "v1",
	}, testClock))
	apply(t, p, mustEnvelope(t, opID, events.IAPSnapshotCreated{
		DocumentID: "iap-1", SnapshotID: "snap-1", Version: 1,
	}, testClock.Add(time.Minute)))
	apply(t, p, mustEnvelope(t, opID, events.IAPSectionUpdated{
		DocumentID: "iap-1", Section: "objectives", Content: "v2",
	}, testClock.Add(2*time.Minute)))

	snap, ok := p.GetSnapshot("snap-1")
	if !ok {
		t.Fatalf("expected snapshot snap-1")
	}
	if got := snap.Document.Sections["objectives"].Content; got != "v1" {
		t.Fatalf("snapshot must be frozen at creation, got %q", got)
	}

	live, _ := p.Get(TableIAPDocuments, "iap-1")
	if got := live.(*IAPDocument).Sections["objectives"].Content; got != "v2" {
		t.Fatalf("live document must keep evolving, got %q", got)
	}
}

func TestSnapshotVersionsAreMonotonic(t *testing.T) {
	p := newTestProjector()
	opID := uuid.New()

	apply(t, p, mustEnvelope(t, opID, events.IAPSectionUpdated{
		DocumentID: "iap-1", Section: "objectives", Content: "v1",
	}, testClock))
	if v := p.NextSnapshotVersion("iap-1"); v != 1 {
		t.Fatalf("expected first version 1, got %d", v)
	}
	apply(t, p, mustEnvelope(t, opID, events.IAPSnapshotCreated{
		DocumentID: "iap-1", SnapshotID: "snap-1", Version: 1,
	}, testClock.Add(time.Minute)))
	if v := p.NextSnapshotVersion("iap-1"); v != 2 {
		t.Fatalf("expected next version 2, got %d", v)
	}
}

func TestListScopedToOperation(t *testing.T) {
	p := newTestProjector()
	opA := uuid.New()
	opB := uuid.New()

	apply(t, p, mustEnvelope(t, opA, events.FacilityCreated{FacilityID: "f1", Name: "Shelter A"}, testClock))
	apply(t, p, mustEnvelope(t, opB, events.FacilityCreated{FacilityID: "f2", Name: "Shelter B"}, testClock))

	got := p.List(TableFacilities, opA)
	if len(got) != 1 || got[0].(*Facility).ID != "f1" {
		t.Fatalf("expected only operation A facilities, got %d", len(got))
	}
}

func TestResetClearsState(t *testing.T) {
	p := newTestProjector()
	opID := uuid.New()
	apply(t, p, mustEnvelope(t, opID, events.FacilityCreated{FacilityID: "f1", Name: "Shelter A"}, testClock))

	p.Reset()

	if _, ok := p.Get(TableFacilities, "f1"); ok {
		t.Fatalf("expected empty state after reset")
	}
}
