package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"incident-ops-planning-system/shared/events"
	"incident-ops-planning-system/shared/logx"
)

func newTestResolver(threshold time.Duration) *Resolver {
	return New(logx.New("conflict-test", "test", "", "error"), threshold)
}

func updateEnvelope(t *testing.T, at time.Time, payload events.Payload) events.Envelope {
	t.Helper()
	raw, err := events.Encode(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return events.Envelope{
		EventID:     uuid.New(),
		EventType:   payload.Type(),
		OperationID: uuid.New(),
		ActorID:     "actor-1",
		Payload:     raw,
		OccurredAt:  at,
	}
}

func strptr(s string) *string { return &s }

func TestDetectBeyondThreshold(t *testing.T) {
	r := newTestResolver(5 * time.Second)
	base := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

	local := updateEnvelope(t, base, events.FacilityUpdated{FacilityID: "f1", Status: strptr("open")})
	remote := updateEnvelope(t, base.Add(10*time.Second), events.FacilityUpdated{FacilityID: "f1", Status: strptr("standby")})

	c, ok := r.Detect(context.Background(), "facilities", "f1", local, remote)
	if !ok {
		t.Fatalf("expected a conflict beyond the threshold")
	}
	if len(c.Fields) != 1 || c.Fields[0] != "status" {
		t.Fatalf("expected diverging field [status], got %v", c.Fields)
	}
	if c.Resolution != DecisionManual {
		t.Fatalf("new conflicts must be pending manual resolution, got %s", c.Resolution)
	}
	if got := r.Pending(); len(got) != 1 {
		t.Fatalf("expected one pending conflict, got %d", len(got))
	}
}

func TestDetectWithinThresholdIsLastWriterWins(t *testing.T) {
	r := newTestResolver(5 * time.Second)
	base := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

	local := updateEnvelope(t, base, events.FacilityUpdated{FacilityID: "f1", Status: strptr("open")})
	remote := updateEnvelope(t, base.Add(5*time.Second), events.FacilityUpdated{FacilityID: "f1", Status: strptr("standby")})

	if _, ok := r.Detect(context.Background(), "facilities", "f1", local, remote); ok {
		t.Fatalf("delta equal to the threshold must not raise a conflict")
	}
	if got := r.Pending(); len(got) != 0 {
		t.Fatalf("expected no pending conflicts, got %d", len(got))
	}
}

func TestDetectDisjointFieldsMergeCleanly(t *testing.T) {
	r := newTestResolver(5 * time.Second)
	base := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

	local := updateEnvelope(t, base, events.FacilityUpdated{FacilityID: "f1", Name: strptr("Shelter A1")})
	remote := updateEnvelope(t, base.Add(time.Minute), events.FacilityUpdated{FacilityID: "f1", Status: strptr("standby")})

	if _, ok := r.Detect(context.Background(), "facilities", "f1", local, remote); ok {
		t.Fatalf("writes to disjoint fields must not raise a conflict")
	}
}

func TestDetectIsDeduplicatedPerRemoteEvent(t *testing.T) {
	r := newTestResolver(5 * time.Second)
	base := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

	local := updateEnvelope(t, base, events.FacilityUpdated{FacilityID: "f1", Status: strptr("open")})
	remote := updateEnvelope(t, base.Add(time.Minute), events.FacilityUpdated{FacilityID: "f1", Status: strptr("standby")})

	if _, ok := r.Detect(context.Background(), "facilities", "f1", local, remote); !ok {
		t.Fatalf("expected a conflict")
	}
	if _, ok := r.Detect(context.Background(), "facilities", "f1", local, remote); ok {
		t.Fatalf("a redelivered remote event must produce exactly one conflict record")
	}
	if got := r.Pending(); len(got) != 1 {
		t.Fatalf("expected exactly one pending conflict, got %d", len(got))
	}
}

func TestResolveRemote(t *testing.T) {
	r := newTestResolver(5 * time.Second)
	base := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

	local := updateEnvelope(t, base, events.FacilityUpdated{FacilityID: "f1", Status: strptr("open")})
	remote := updateEnvelope(t, base.Add(time.Minute), events.FacilityUpdated{FacilityID: "f1", Status: strptr("standby")})
	c, _ := r.Detect(context.Background(), "facilities", "f1", local, remote)

	res, err := r.Resolve(context.Background(), c.ID, DecisionRemote, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.EventType != events.TypeFacilityUpdated || string(res.Payload) != string(remote.Payload) {
		t.Fatalf("expected the remote side re-applied, got %s %s", res.EventType, res.Payload)
	}
	if got := r.Pending(); len(got) != 0 {
		t.Fatalf("resolved conflicts must leave the queue, got %d", len(got))
	}
}

func TestResolveMergeRequiresPayload(t *testing.T) {
	r := newTestResolver(5 * time.Second)
	base := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

	local := updateEnvelope(t, base, events.FacilityUpdated{FacilityID: "f1", Status: strptr("open")})
	remote := updateEnvelope(t, base.Add(time.Minute), events.FacilityUpdated{FacilityID: "f1", Status: strptr("standby")})
	c, _ := r.Detect(context.Background(), "facilities", "f1", local, remote)

	if _, err := r.Resolve(context.Background(), c.ID, DecisionMerge, nil); !errors.Is(err, ErrMergeNoPayload) {
		t.Fatalf("expected merge without payload to be rejected, got %v", err)
	}

	merged := json.RawMessage(`{"facility_id":"f1","status":"standby","occupancy":40}`)
	res, err := r.Resolve(context.Background(), c.ID, DecisionMerge, merged)
	if err != nil {
		t.Fatalf("merge resolve: %v", err)
	}
	if string(res.Payload) != string(merged) {
		t.Fatalf("expected the merged payload, got %s", res.Payload)
	}
}

func TestResolveManualKeepsConflictPending(t *testing.T) {
	r := newTestResolver(5 * time.Second)
	base := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

	local := updateEnvelope(t, base, events.FacilityUpdated{FacilityID: "f1", Status: strptr("open")})
	remote := updateEnvelope(t, base.Add(time.Minute), events.FacilityUpdated{FacilityID: "f1", Status: strptr("standby")})
	c, _ := r.Detect(context.Background(), "facilities", "f1", local, remote)

	if _, err := r.Resolve(context.Background(), c.ID, DecisionManual, nil); err != nil {
		t.Fatalf("manual resolve: %v", err)
	}
	if _, ok := r.Get(c.ID); !ok {
		t.Fatalf("manual decision must keep the conflict queued")
	}
}

func TestResolveUnknownConflict(t *testing.T) {
	r := newTestResolver(5 * time.Second)
	if _, err := r.Resolve(context.Background(), uuid.New(), DecisionLocal, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestDivergingFieldsIgnoreHousekeeping(t *testing.T) {
	local := json.RawMessage(`{"facility_id":"f1","status":"open","updated_at":"2026-03-01T18:00:00Z"}`)
	remote := json.RawMessage(`{"facility_id":"f1","status":"standby","updated_at":"2026-03-01T18:05:00Z"}`)

	fields := DivergingFields(local, remote)
	if len(fields) != 1 || fields[0] != "status" {
		t.Fatalf("expected [status], got %v", fields)
	}
}
