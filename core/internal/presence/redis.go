package presence

import (
	"context"
	"encoding/json"
	"time"

	"incident-ops-planning-system/shared/cachex"
	"incident-ops-planning-system/shared/events"
)

// RedisChannel carries presence over redis: pub/sub for live updates and
// per-peer TTL keys for the roster, so a crashed peer disappears once its
// key expires.
type RedisChannel struct {
	cache *cachex.Client
}

func NewRedisChannel(cache *cachex.Client) *RedisChannel {
	return &RedisChannel{cache: cache}
}

func pubsubName(channel string) string {
	return events.TopicPresenceUpdates + ":" + channel
}

func presenceKey(channel string, userID string) string {
	return "presence:" + channel + ":" + userID
}

func (r *RedisChannel) Publish(ctx context.Context, channel string, update Update) error {
	return r.cache.PublishJSON(ctx, pubsubName(channel), update)
}

func (r *RedisChannel) Subscribe(ctx context.Context, channel string) (<-chan Update, func(), error) {
	sub, err := r.cache.Subscribe(ctx, pubsubName(channel))
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Update, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var u Update
			if json.Unmarshal([]byte(msg.Payload), &u) != nil {
				continue
			}
			select {
			case out <- u:
			default:
				// A slow consumer drops updates rather than blocking redis
				// delivery; the roster scan repairs any missed state.
			}
		}
	}()
	release := func() { _ = sub.Close() }
	return out, release, nil
}

func (r *RedisChannel) SetPresence(ctx context.Context, channel string, msg Message, ttl time.Duration) error {
	return r.cache.SetJSON(ctx, presenceKey(channel, msg.UserID), msg, ttl)
}

func (r *RedisChannel) ClearPresence(ctx context.Context, channel string, userID string) error {
	return r.cache.Delete(ctx, presenceKey(channel, userID))
}

func (r *RedisChannel) Roster(ctx context.Context, channel string) ([]Message, error) {
	raws, err := r.cache.ScanJSON(ctx, presenceKey(channel, "*"))
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(raws))
	for _, raw := range raws {
		var msg Message
		if json.Unmarshal(raw, &msg) == nil {
			out = append(out, msg)
		}
	}
	return out, nil
}
