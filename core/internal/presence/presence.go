package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"incident-ops-planning-system/shared/logx"
	"incident-ops-planning-system/shared/metricsx"
	"incident-ops-planning-system/shared/workflow"
)

const (
	KindJoin      = "join"
	KindLeave     = "leave"
	KindHeartbeat = "heartbeat"
)

// Message is the per-actor presence broadcast: who is connected and what
// they are looking at. Ephemeral by design, never written to the event log.
type Message struct {
	UserID          string    `json:"userId"`
	Name            string    `json:"name"`
	Role            string    `json:"role"`
	Color           string    `json:"color"`
	LastSeen        time.Time `json:"lastSeen"`
	CurrentFacility string    `json:"currentFacility,omitempty"`
	CurrentSection  string    `json:"currentSection,omitempty"`
}

// Update is what actually travels on a presence channel.
type Update struct {
	Kind    string  `json:"kind"`
	Message Message `json:"message"`
}

// Channel is the transport presence rides on. The production implementation
// is redis pub/sub plus TTL keys; tests use an in-memory fake.
type Channel interface {
	Publish(ctx context.Context, channel string, update Update) error
	Subscribe(ctx context.Context, channel string) (<-chan Update, func(), error)
	SetPresence(ctx context.Context, channel string, msg Message, ttl time.Duration) error
	ClearPresence(ctx context.Context, channel string, userID string) error
	Roster(ctx context.Context, channel string) ([]Message, error)
}

var ErrNotJoined = errors.New("not joined to a presence channel")

// Tracker maintains this actor's presence on one named channel and a roster
// of connected peers. A peer that misses enough heartbeats is dropped.
type Tracker struct {
	logger      logx.Logger
	channel     Channel
	heartbeat   time.Duration
	missedBeats int

	mu          sync.Mutex
	self        Message
	state       string
	channelName string
	peers       map[string]Message
	stop        chan struct{}
	done        chan struct{}
	release     func()
}

func NewTracker(logger logx.Logger, channel Channel, self Message, heartbeat time.Duration, missedBeats int) *Tracker {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	if missedBeats <= 0 {
		missedBeats = 3
	}
	return &Tracker{
		logger:      logger,
		channel:     channel,
		heartbeat:   heartbeat,
		missedBeats: missedBeats,
		self:        self,
		state:       workflow.ChannelStateDisconnected,
		peers:       make(map[string]Message),
	}
}

func (t *Tracker) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Join connects to a named channel, announces this actor and starts the
// heartbeat loop.
func (t *Tracker) Join(ctx context.Context, channelName string) error {
	t.mu.Lock()
	if err := t.transitionLocked(workflow.ChannelStateConnecting); err != nil {
		t.mu.Unlock()
		return err
	}
	t.channelName = channelName
	t.mu.Unlock()

	updates, release, err := t.channel.Subscribe(ctx, channelName)
	if err != nil {
		t.mu.Lock()
		t.forceLocked(workflow.ChannelStateDisconnected)
		t.mu.Unlock()
		return err
	}

	t.mu.Lock()
	if err := t.transitionLocked(workflow.ChannelStateSubscribed); err != nil {
		t.mu.Unlock()
		release()
		return err
	}
	t.self.LastSeen = time.Now().UTC()
	self := t.self
	t.release = release
	stop := make(chan struct{})
	done := make(chan struct{})
	t.stop = stop
	t.done = done
	t.mu.Unlock()

	if err := t.channel.SetPresence(ctx, channelName, self, t.ttl()); err != nil {
		t.logger.Warn(ctx, "presence_announce_failed", "could not write presence key",
			slog.String("error_code", "FAILED_PRECONDITION"), slog.Any("error", err))
	}
	if err := t.channel.Publish(ctx, channelName, Update{Kind: KindJoin, Message: self}); err != nil {
		t.logger.Warn(ctx, "presence_announce_failed", "could not broadcast join",
			slog.String("error_code", "FAILED_PRECONDITION"), slog.Any("error", err))
	}
	t.syncRoster(ctx)

	go t.run(updates, stop, done)
	t.logger.Info(ctx, "presence_joined", "joined presence channel",
		slog.String("channel", channelName))
	return nil
}

// Leave announces departure and disconnects. Safe to call once per Join.
func (t *Tracker) Leave(ctx context.Context) error {
	t.mu.Lock()
	if t.state == workflow.ChannelStateDisconnected {
		t.mu.Unlock()
		return ErrNotJoined
	}
	channelName := t.channelName
	self := t.self
	stop := t.stop
	done := t.done
	release := t.release
	t.forceLocked(workflow.ChannelStateDisconnected)
	t.stop, t.done, t.release = nil, nil, nil
	t.peers = make(map[string]Message)
	t.mu.Unlock()

	close(stop)
	<-done
	release()

	_ = t.channel.Publish(ctx, channelName, Update{Kind: KindLeave, Message: self})
	_ = t.channel.ClearPresence(ctx, channelName, self.UserID)
	metricsx.SetPresencePeers(channelName, 0)
	t.logger.Info(ctx, "presence_left", "left presence channel",
		slog.String("channel", channelName))
	return nil
}

// SetLocation updates what this actor is editing. A facility or section
// moves the channel into tracking; clearing both parks it idle.
func (t *Tracker) SetLocation(ctx context.Context, facility string, section string) error {
	t.mu.Lock()
	next := workflow.ChannelStateIdle
	if facility != "" || section != "" {
		next = workflow.ChannelStateTracking
	}
	if err := t.transitionLocked(next); err != nil {
		t.mu.Unlock()
		return err
	}
	t.self.CurrentFacility = facility
	t.self.CurrentSection = section
	t.self.LastSeen = time.Now().UTC()
	self := t.self
	channelName := t.channelName
	t.mu.Unlock()

	if err := t.channel.SetPresence(ctx, channelName, self, t.ttl()); err != nil {
		return err
	}
	return t.channel.Publish(ctx, channelName, Update{Kind: KindHeartbeat, Message: self})
}

// Peers returns the connected peers, excluding this actor, with stale
// entries pruned.
func (t *Tracker) Peers() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(time.Now().UTC())
	out := make([]Message, 0, len(t.peers))
	for _, msg := range t.peers {
		out = append(out, msg)
	}
	return out
}

// run owns the heartbeat loop. The stop and done channels are passed in
// rather than read from the struct: Leave nils the struct fields before the
// loop winds down, and the loop must keep draining its own channels.
func (t *Tracker) run(updates <-chan Update, stop <-chan struct{}, done chan<- struct{}) {
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	defer close(done)

	ctx := context.Background()
	for {
		select {
		case <-stop:
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			t.observe(u)
		case <-ticker.C:
			t.beat(ctx)
		}
	}
}

func (t *Tracker) observe(u Update) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u.Message.UserID == "" || u.Message.UserID == t.self.UserID {
		return
	}
	switch u.Kind {
	case KindLeave:
		delete(t.peers, u.Message.UserID)
	default:
		t.peers[u.Message.UserID] = u.Message
	}
	metricsx.SetPresencePeers(t.channelName, len(t.peers))
}

func (t *Tracker) beat(ctx context.Context) {
	t.mu.Lock()
	t.self.LastSeen = time.Now().UTC()
	self := t.self
	channelName := t.channelName
	t.pruneLocked(self.LastSeen)
	peerCount := len(t.peers)
	t.mu.Unlock()

	if err := t.channel.SetPresence(ctx, channelName, self, t.ttl()); err != nil {
		t.logger.Warn(ctx, "heartbeat_failed", "could not refresh presence key",
			slog.String("error_code", "FAILED_PRECONDITION"), slog.Any("error", err))
	}
	if err := t.channel.Publish(ctx, channelName, Update{Kind: KindHeartbeat, Message: self}); err != nil {
		t.logger.Warn(ctx, "heartbeat_failed", "could not broadcast heartbeat",
			slog.String("error_code", "FAILED_PRECONDITION"), slog.Any("error", err))
	}
	metricsx.SetPresencePeers(channelName, peerCount)
}

// syncRoster seeds the peer map from whoever already announced themselves.
func (t *Tracker) syncRoster(ctx context.Context) {
	roster, err := t.channel.Roster(ctx, t.channelName)
	if err != nil {
		t.logger.Warn(ctx, "roster_sync_failed", "could not read presence roster",
			slog.String("error_code", "FAILED_PRECONDITION"), slog.Any("error", err))
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, msg := range roster {
		if msg.UserID != "" && msg.UserID != t.self.UserID {
			t.peers[msg.UserID] = msg
		}
	}
	metricsx.SetPresencePeers(t.channelName, len(t.peers))
}

// pruneLocked drops peers whose last heartbeat is older than the miss budget.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.ttl())
	for id, msg := range t.peers {
		if msg.LastSeen.Before(cutoff) {
			delete(t.peers, id)
		}
	}
}

func (t *Tracker) ttl() time.Duration {
	return time.Duration(t.missedBeats) * t.heartbeat
}

func (t *Tracker) transitionLocked(next string) error {
	if !workflow.CanChannelTransition(t.state, next) {
		return fmt.Errorf("presence channel cannot move %s -> %s", t.state, next)
	}
	t.state = next
	return nil
}

func (t *Tracker) forceLocked(state string) {
	t.state = state
}
