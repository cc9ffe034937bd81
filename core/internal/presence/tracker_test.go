package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"incident-ops-planning-system/shared/logx"
	"incident-ops-planning-system/shared/workflow"
)

// fakeChannel is an in-memory Channel that records publishes and lets tests
// push updates at the tracker.
type fakeChannel struct {
	mu        sync.Mutex
	published []Update
	roster    []Message
	updates   chan Update
	released  bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{updates: make(chan Update, 16)}
}

func (f *fakeChannel) Publish(_ context.Context, _ string, update Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, update)
	return nil
}

func (f *fakeChannel) Subscribe(context.Context, string) (<-chan Update, func(), error) {
	return f.updates, func() {
		f.mu.Lock()
		f.released = true
		f.mu.Unlock()
	}, nil
}

func (f *fakeChannel) SetPresence(context.Context, string, Message, time.Duration) error {
	return nil
}

func (f *fakeChannel) ClearPresence(context.Context, string, string) error { return nil }

func (f *fakeChannel) Roster(context.Context, string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.roster...), nil
}

func (f *fakeChannel) lastKind() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		return ""
	}
	return f.published[len(f.published)-1].Kind
}

func newTestTracker(ch Channel) *Tracker {
	self := Message{UserID: "u1", Name: "Alex Chen", Role: "planner", Color: "#2266aa"}
	return NewTracker(logx.New("presence-test", "test", "", "error"), ch, self, time.Minute, 3)
}

func TestJoinAndLeaveLifecycle(t *testing.T) {
	ch := newFakeChannel()
	tr := newTestTracker(ch)
	ctx := context.Background()

	if got := tr.State(); got != workflow.ChannelStateDisconnected {
		t.Fatalf("expected disconnected before join, got %s", got)
	}
	if err := tr.Join(ctx, "op-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := tr.State(); got != workflow.ChannelStateSubscribed {
		t.Fatalf("expected subscribed after join, got %s", got)
	}
	if got := ch.lastKind(); got != KindJoin {
		t.Fatalf("expected join broadcast, got %q", got)
	}

	if err := tr.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if got := tr.State(); got != workflow.ChannelStateDisconnected {
		t.Fatalf("expected disconnected after leave, got %s", got)
	}
	if got := ch.lastKind(); got != KindLeave {
		t.Fatalf("expected leave broadcast, got %q", got)
	}
	ch.mu.Lock()
	released := ch.released
	ch.mu.Unlock()
	if !released {
		t.Fatalf("leave must release the subscription")
	}
}

func TestLeaveWithoutJoin(t *testing.T) {
	tr := newTestTracker(newFakeChannel())
	if err := tr.Leave(context.Background()); err != ErrNotJoined {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
}

func TestDoubleJoinRejected(t *testing.T) {
	ch := newFakeChannel()
	tr := newTestTracker(ch)
	ctx := context.Background()
	if err := tr.Join(ctx, "op-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer func() { _ = tr.Leave(ctx) }()
	if err := tr.Join(ctx, "op-1"); err == nil {
		t.Fatalf("a subscribed channel must not connect again")
	}
}

func TestSetLocationMovesBetweenTrackingAndIdle(t *testing.T) {
	ch := newFakeChannel()
	tr := newTestTracker(ch)
	ctx := context.Background()
	if err := tr.Join(ctx, "op-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer func() { _ = tr.Leave(ctx) }()

	if err := tr.SetLocation(ctx, "f1", "operations"); err != nil {
		t.Fatalf("set location: %v", err)
	}
	if got := tr.State(); got != workflow.ChannelStateTracking {
		t.Fatalf("expected tracking, got %s", got)
	}

	if err := tr.SetLocation(ctx, "", ""); err != nil {
		t.Fatalf("clear location: %v", err)
	}
	if got := tr.State(); got != workflow.ChannelStateIdle {
		t.Fatalf("expected idle, got %s", got)
	}
}

func TestPeersTrackJoinAndLeave(t *testing.T) {
	ch := newFakeChannel()
	tr := newTestTracker(ch)
	ctx := context.Background()
	if err := tr.Join(ctx, "op-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer func() { _ = tr.Leave(ctx) }()

	now := time.Now().UTC()
	ch.updates <- Update{Kind: KindJoin, Message: Message{UserID: "u2", Name: "Sam Ortiz", LastSeen: now}}
	waitFor(t, func() bool { return len(tr.Peers()) == 1 })

	ch.updates <- Update{Kind: KindLeave, Message: Message{UserID: "u2"}}
	waitFor(t, func() bool { return len(tr.Peers()) == 0 })
}

func TestOwnUpdatesIgnored(t *testing.T) {
	ch := newFakeChannel()
	tr := newTestTracker(ch)
	ctx := context.Background()
	if err := tr.Join(ctx, "op-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer func() { _ = tr.Leave(ctx) }()

	ch.updates <- Update{Kind: KindHeartbeat, Message: Message{UserID: "u1", LastSeen: time.Now().UTC()}}
	time.Sleep(20 * time.Millisecond)
	if got := len(tr.Peers()); got != 0 {
		t.Fatalf("a tracker must not list itself as a peer, got %d", got)
	}
}

func TestStalePeerDroppedAfterMissedHeartbeats(t *testing.T) {
	tr := newTestTracker(newFakeChannel())
	tr.peers["u2"] = Message{UserID: "u2", LastSeen: time.Now().UTC().Add(-4 * time.Minute)}
	tr.peers["u3"] = Message{UserID: "u3", LastSeen: time.Now().UTC().Add(-2 * time.Minute)}

	peers := tr.Peers()
	if len(peers) != 1 || peers[0].UserID != "u3" {
		t.Fatalf("expected only the peer within three heartbeats, got %+v", peers)
	}
}

func TestRosterSeedsPeersOnJoin(t *testing.T) {
	ch := newFakeChannel()
	ch.roster = []Message{
		{UserID: "u2", Name: "Sam Ortiz", LastSeen: time.Now().UTC()},
		{UserID: "u1", Name: "Alex Chen", LastSeen: time.Now().UTC()},
	}
	tr := newTestTracker(ch)
	ctx := context.Background()
	if err := tr.Join(ctx, "op-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer func() { _ = tr.Leave(ctx) }()

	peers := tr.Peers()
	if len(peers) != 1 || peers[0].UserID != "u2" {
		t.Fatalf("expected roster to seed peers without self, got %+v", peers)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}
