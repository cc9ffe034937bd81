package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"incident-ops-planning-system/shared/config"
	"incident-ops-planning-system/shared/events"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(config.Config{RelayURL: srv.URL, RelayTimeoutMS: 2000, DeviceID: "dev-a"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestPushEvents(t *testing.T) {
	var gotDevice string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/events/push" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req pushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		gotDevice = req.DeviceID
		resp := pushResponse{}
		for _, env := range req.Events {
			resp.Accepted = append(resp.Accepted, env.EventID)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	c := newTestClient(t, handler)
	batch := []events.Envelope{{EventID: uuid.New(), EventType: events.TypeFacilityCreated}}
	res, err := c.PushEvents(context.Background(), batch)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(res.Accepted) != 1 || res.Accepted[0] != batch[0].EventID {
		t.Fatalf("expected ack for the pushed event, got %+v", res)
	}
	if gotDevice != "dev-a" {
		t.Fatalf("expected device id on the request, got %q", gotDevice)
	}
}

func TestPullEvents(t *testing.T) {
	opID := uuid.New()
	feed := []events.Envelope{{EventID: uuid.New(), EventType: events.TypeGapIdentified, OperationID: opID}}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := "/api/v1/operations/" + opID.String() + "/events"
		if r.URL.Path != want {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("after") != "42" {
			t.Errorf("expected after cursor, got %q", r.URL.RawQuery)
		}
		if r.URL.Query().Get("limit") != "10" {
			t.Errorf("expected limit query, got %q", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(pullResponse{Events: feed, NextCursor: 43})
	})

	c := newTestClient(t, handler)
	got, next, err := c.PullEvents(context.Background(), opID, 42, 10)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(got) != 1 || got[0].EventID != feed[0].EventID {
		t.Fatalf("unexpected feed: %+v", got)
	}
	if next != 43 {
		t.Fatalf("expected the relay's cursor handed back, got %d", next)
	}
}

func TestCircuitOpensAfterRepeatedServerErrors(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c := newTestClient(t, handler)

	// Each push burns retryMax+1 attempts against the 5-failure threshold.
	for i := 0; i < 2; i++ {
		if _, err := c.PushEvents(context.Background(), nil); err == nil {
			t.Fatalf("expected push to fail")
		}
	}
	if _, err := c.PushEvents(context.Background(), nil); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
}
