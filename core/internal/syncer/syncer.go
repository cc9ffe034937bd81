package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"incident-ops-planning-system/core/internal/eventlog"
	"incident-ops-planning-system/core/internal/masterdata"
	"incident-ops-planning-system/shared/events"
	"incident-ops-planning-system/shared/influxx"
	"incident-ops-planning-system/shared/logx"
	"incident-ops-planning-system/shared/metricsx"
)

var tracer = otel.Tracer("core/syncer")

// PushResult is the relay's verdict on an outbound batch.
type PushResult struct {
	Accepted []uuid.UUID
	Rejected map[uuid.UUID]string
}

// RemoteChannel is the boundary to the relay service: accepts event batches
// and serves the operation's change feed. The feed is keyed by the relay's
// arrival-order cursor, not by event timestamps: a peer that reconnects after
// days offline pushes events with old occurred_at values, and those must
// still flow to everyone who already pulled past that wall-clock point.
type RemoteChannel interface {
	PushEvents(ctx context.Context, batch []events.Envelope) (PushResult, error)
	PullEvents(ctx context.Context, operationID uuid.UUID, after int64, limit int) ([]events.Envelope, int64, error)
}

// Engine drains the local outbox to the relay and folds the relay's change
// feed back in. Push failures back off quadratically per event and give up
// into a surfaced failed state once the retry budget is spent.
type Engine struct {
	logger      logx.Logger
	store       *eventlog.Store
	data        *masterdata.Service
	remote      RemoteChannel
	telemetry   *influxx.Client // optional
	deviceID    string
	scanEvery   time.Duration
	batchSize   int
	maxAttempts int

	mu      sync.Mutex
	nextTry map[uuid.UUID]time.Time
	cursor  int64
}

type Options struct {
	DeviceID    string
	ScanEvery   time.Duration
	BatchSize   int
	MaxAttempts int
	Telemetry   *influxx.Client
}

func New(logger logx.Logger, store *eventlog.Store, data *masterdata.Service, remote RemoteChannel, opts Options) *Engine {
	if opts.ScanEvery <= 0 {
		opts.ScanEvery = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	return &Engine{
		logger:      logger,
		store:       store,
		data:        data,
		remote:      remote,
		telemetry:   opts.Telemetry,
		deviceID:    opts.DeviceID,
		scanEvery:   opts.ScanEvery,
		batchSize:   opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
		nextTry:     make(map[uuid.UUID]time.Time),
	}
}

// Run loops until the context is canceled. Each tick is one full round trip:
// push the due outbox entries, then pull the remote change feed.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.scanEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.SyncOnce(ctx); err != nil {
				e.logger.Warn(ctx, "sync_round_failed", "sync round trip failed",
					slog.String("error_code", "FAILED_PRECONDITION"),
					slog.Any("error", err),
				)
			}
		}
	}
}

// SyncOnce performs one push+pull round trip.
func (e *Engine) SyncOnce(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "syncer.round_trip")
	defer span.End()

	started := time.Now()
	pushErr := e.push(ctx)
	pullErr := e.pull(ctx)

	if depth, err := e.store.CountPending(ctx); err == nil {
		metricsx.SetSyncQueueDepth(depth)
	}
	ok := pushErr == nil && pullErr == nil
	if e.telemetry != nil {
		opID := e.data.CurrentOperationID()
		_ = e.telemetry.WriteSyncRoundTrip(ctx, opID.String(), e.deviceID, e.batchSize, ok, time.Since(started))
	}
	span.SetAttributes(attribute.Bool("sync.ok", ok))
	return errors.Join(pushErr, pullErr)
}

func (e *Engine) push(ctx context.Context) error {
	pending, err := e.store.ListPending(ctx, e.batchSize)
	if err != nil {
		return err
	}
	batch := e.due(pending)
	if len(batch) == 0 {
		return nil
	}

	metricsx.IncSyncAttempt()
	result, err := e.remote.PushEvents(ctx, batch)
	if err != nil {
		metricsx.IncSyncFailure()
		for _, env := range batch {
			e.recordFailure(ctx, env, err.Error())
		}
		return err
	}

	if len(result.Accepted) > 0 {
		if err := e.store.MarkSynced(ctx, result.Accepted); err != nil {
			return err
		}
		e.mu.Lock()
		for _, id := range result.Accepted {
			delete(e.nextTry, id)
		}
		e.mu.Unlock()
	}
	for _, env := range batch {
		if reason, rejected := result.Rejected[env.EventID]; rejected {
			metricsx.IncSyncFailure()
			e.recordFailure(ctx, env, reason)
		}
	}
	return nil
}

func (e *Engine) pull(ctx context.Context) error {
	opID := e.data.CurrentOperationID()
	if opID == uuid.Nil {
		return nil
	}
	e.mu.Lock()
	after := e.cursor
	e.mu.Unlock()

	feed, next, err := e.remote.PullEvents(ctx, opID, after, e.batchSize)
	if err != nil {
		return err
	}
	for _, env := range feed {
		if env.DeviceID == e.deviceID {
			continue // our own write echoed back
		}
		if err := e.data.ApplyRemote(ctx, env); err != nil && !errors.Is(err, masterdata.ErrWrongOperation) {
			e.logger.Warn(ctx, "remote_event_rejected", "could not apply remote event",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("event_id", env.EventID.String()),
				slog.Any("error", err),
			)
		}
	}
	// The cursor advances over every row the relay served, own echoes
	// included, so a feed full of our own writes still makes progress.
	e.mu.Lock()
	if next > e.cursor {
		e.cursor = next
	}
	e.mu.Unlock()
	return nil
}

// due filters the pending batch down to events whose backoff has elapsed.
func (e *Engine) due(pending []events.Envelope) []events.Envelope {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]events.Envelope, 0, len(pending))
	for _, env := range pending {
		if at, waiting := e.nextTry[env.EventID]; waiting && now.Before(at) {
			continue
		}
		out = append(out, env)
	}
	return out
}

func (e *Engine) recordFailure(ctx context.Context, env events.Envelope, reason string) {
	attempts := env.SyncAttempts + 1
	exhausted := attempts >= e.maxAttempts
	if err := e.store.MarkFailed(ctx, env.EventID, attempts, reason, exhausted); err != nil {
		e.logger.Error(ctx, "outbox_update_failed", "could not record sync failure",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("event_id", env.EventID.String()),
			slog.Any("error", err),
		)
		return
	}
	if exhausted {
		e.logger.Error(ctx, "sync_exhausted", "event failed permanently after retry budget",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("event_id", env.EventID.String()),
			slog.Int("attempts", attempts),
			slog.String("reason", reason),
		)
		e.mu.Lock()
		delete(e.nextTry, env.EventID)
		e.mu.Unlock()
		return
	}
	e.mu.Lock()
	e.nextTry[env.EventID] = time.Now().Add(retryDelay(attempts))
	e.mu.Unlock()
}

// retryDelay grows quadratically with the attempt count, capped at five
// minutes. A gentler ramp than doubling for the first few attempts, and the
// cap is reached within a handful of retries either way.
func retryDelay(attempt int) time.Duration {
	d := time.Duration(attempt*attempt) * 5 * time.Second
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}
