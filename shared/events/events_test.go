package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeKnownType(t *testing.T) {
	raw := json.RawMessage(`{"facility_id":"f1","name":"Shelter A","capacity":120}`)
	p, err := Decode(TypeFacilityCreated, raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	fc, ok := p.(FacilityCreated)
	if !ok {
		t.Fatalf("expected FacilityCreated, got %T", p)
	}
	if fc.FacilityID != "f1" || fc.Name != "Shelter A" || fc.Capacity != 120 {
		t.Fatalf("unexpected payload: %#v", fc)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode(Type("FACILITY_RENAMED"), nil)
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeMalformedPayload(t *testing.T) {
	_, err := Decode(TypeFacilityUpdated, json.RawMessage(`{"facility_id":`))
	if err == nil {
		t.Fatalf("expected decode error for malformed payload")
	}
}

func TestEntityID(t *testing.T) {
	if got := EntityID(FacilityUpdated{FacilityID: "f1"}); got != "f1" {
		t.Fatalf("expected f1, got %q", got)
	}
	if got := EntityID(SetupCompleted{}); got != "" {
		t.Fatalf("expected empty entity id for operation-level event, got %q", got)
	}
}

func TestLessOrdering(t *testing.T) {
	base := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	a := Envelope{OccurredAt: base, DeviceID: "dev-a", Sequence: 1}
	b := Envelope{OccurredAt: base.Add(time.Second), DeviceID: "dev-a", Sequence: 0}
	if !Less(a, b) || Less(b, a) {
		t.Fatalf("timestamp must dominate ordering")
	}

	c := Envelope{OccurredAt: base, DeviceID: "dev-b", Sequence: 0}
	if !Less(a, c) {
		t.Fatalf("device id must break timestamp ties")
	}

	d := Envelope{OccurredAt: base, DeviceID: "dev-a", Sequence: 2}
	if !Less(a, d) {
		t.Fatalf("sequence must break device ties")
	}
}
