package bus

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"incident-ops-planning-system/shared/events"
	"incident-ops-planning-system/shared/logx"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

type Handler func(events.Envelope)

// Dispatcher is the in-process fan-out for committed events. It holds no
// state beyond its subscriber registry; durability is the event log's job.
// Delivery is at-least-once and synchronous in publish order per subscriber.
type Dispatcher struct {
	logger logx.Logger

	mu     sync.Mutex
	nextID int64
	subs   map[string]map[int64]*subscription
}

type subscription struct {
	mu      sync.Mutex
	closed  atomic.Bool
	owner   atomic.Uint64
	handler Handler
}

func New(logger logx.Logger) *Dispatcher {
	return &Dispatcher{
		logger: logger,
		subs:   make(map[string]map[int64]*subscription),
	}
}

// Subscribe registers a handler for an event type (or Wildcard) and returns
// its release function. After the release function returns, the handler is
// guaranteed not to be invoked again. A handler may release its own
// subscription from inside a delivery.
func (d *Dispatcher) Subscribe(eventType string, handler Handler) func() {
	sub := &subscription{handler: handler}

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	byID := d.subs[eventType]
	if byID == nil {
		byID = make(map[int64]*subscription)
		d.subs[eventType] = byID
	}
	byID[id] = sub
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.closed.Store(true)

			d.mu.Lock()
			delete(d.subs[eventType], id)
			if len(d.subs[eventType]) == 0 {
				delete(d.subs, eventType)
			}
			d.mu.Unlock()

			// Called from inside this subscription's own handler: the
			// delivery on this goroutine is the last one, closed stops any
			// later ones, and waiting on the lock would deadlock.
			if sub.owner.Load() == gid() {
				return
			}

			// Taking the subscription lock waits out any in-flight delivery
			// on another goroutine, so no callback can fire after this
			// returns.
			sub.mu.Lock()
			sub.mu.Unlock() //nolint:staticcheck
		})
	}
}

// Publish delivers the event to every subscriber of its type plus wildcard
// subscribers. A panicking handler is isolated and must not prevent delivery
// to the remaining handlers.
func (d *Dispatcher) Publish(env events.Envelope) {
	d.mu.Lock()
	targets := make([]*subscription, 0, 8)
	for _, sub := range d.subs[string(env.EventType)] {
		targets = append(targets, sub)
	}
	for _, sub := range d.subs[Wildcard] {
		targets = append(targets, sub)
	}
	d.mu.Unlock()

	for _, sub := range targets {
		d.deliver(sub, env)
	}
}

func (d *Dispatcher) deliver(sub *subscription, env events.Envelope) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed.Load() {
		return
	}
	sub.owner.Store(gid())
	defer sub.owner.Store(0)
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error(context.Background(), "handler_panic", "event handler panicked",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("event_type", string(env.EventType)),
				slog.String("event_id", env.EventID.String()),
				slog.Any("error", rec),
			)
		}
	}()
	sub.handler(env)
}

// gid parses the current goroutine's id from its stack header
// ("goroutine 123 [running]:"). Deliveries stamp it on the subscription so a
// release can tell whether it is running inside the handler it is releasing.
func gid() uint64 {
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
