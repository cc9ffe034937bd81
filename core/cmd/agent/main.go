package main

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"incident-ops-planning-system/core/internal/bus"
	"incident-ops-planning-system/core/internal/clients/relay"
	"incident-ops-planning-system/core/internal/conflict"
	"incident-ops-planning-system/core/internal/eventlog"
	"incident-ops-planning-system/core/internal/masterdata"
	"incident-ops-planning-system/core/internal/presence"
	"incident-ops-planning-system/core/internal/projector"
	"incident-ops-planning-system/core/internal/syncer"
	"incident-ops-planning-system/shared/cachex"
	"incident-ops-planning-system/shared/config"
	"incident-ops-planning-system/shared/httpx"
	"incident-ops-planning-system/shared/influxx"
	"incident-ops-planning-system/shared/localdb"
	"incident-ops-planning-system/shared/logx"
	"incident-ops-planning-system/shared/metricsx"
	"incident-ops-planning-system/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

// presenceColors is the palette assigned to collaborators, keyed off the
// actor id so a user keeps the same color across restarts.
var presenceColors = []string{
	"#2266aa", "#aa3322", "#228844", "#886622", "#662288", "#226688",
}

func main() {
	cfg, problems := config.Load("agent", 8081)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DeviceID == "" {
		problems = append(problems, config.Problem{Field: "DEVICE_ID", Message: "DEVICE_ID is required"})
	}
	if cfg.ActorID == "" {
		problems = append(problems, config.Problem{Field: "ACTOR_ID", Message: "ACTOR_ID is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	dbPath := cfg.LocalDBPath
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dbPath = localdb.DefaultPath(home)
	}
	db, err := localdb.Open(dbPath)
	if err != nil {
		logger.Error(context.Background(), "localdb_init_failed", "local database init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("path", dbPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	store := eventlog.New(db)
	if err := store.Migrate(context.Background()); err != nil {
		logger.Error(context.Background(), "localdb_migrate_failed", "event log migration failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	identity := masterdata.Identity{
		ActorID:   cfg.ActorID,
		DeviceID:  cfg.DeviceID,
		SessionID: cfg.SessionID,
	}
	data := masterdata.New(
		logger,
		identity,
		store,
		projector.New(logger),
		bus.New(logger),
		conflict.New(logger, time.Duration(cfg.ConflictThresholdMS)*time.Millisecond),
	)

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	var telemetry *influxx.Client
	if cfg.InfluxURL != "" {
		telemetry, err = influxx.New(cfg)
		if err != nil {
			logger.Warn(rootCtx, "influx_init_failed", "sync telemetry disabled",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		} else {
			defer telemetry.Close()
		}
	}

	// Sync runs only when a relay endpoint is configured; a fully offline
	// deployment still has the local log and projections.
	if cfg.RelayURL != "" {
		remote, err := relay.New(cfg)
		if err != nil {
			logger.Error(rootCtx, "relay_init_failed", "relay client init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		engine := syncer.New(logger, store, data, remote, syncer.Options{
			DeviceID:    cfg.DeviceID,
			ScanEvery:   time.Duration(cfg.SyncScanSec) * time.Second,
			BatchSize:   cfg.SyncBatchSize,
			MaxAttempts: cfg.SyncMaxAttempts,
			Telemetry:   telemetry,
		})
		go engine.Run(rootCtx)
	} else {
		logger.Info(rootCtx, "sync_disabled", "no relay configured, running offline only")
	}

	var tracker *presence.Tracker
	if cfg.RedisAddr != "" {
		cache, err := cachex.New(cfg)
		if err != nil {
			logger.Warn(rootCtx, "redis_init_failed", "presence disabled",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		} else {
			defer func() { _ = cache.Close() }()
			self := presence.Message{
				UserID: cfg.ActorID,
				Name:   cfg.ActorName,
				Role:   cfg.ActorRole,
				Color:  colorFor(cfg.ActorID),
			}
			tracker = presence.NewTracker(
				logger,
				presence.NewRedisChannel(cache),
				self,
				time.Duration(cfg.HeartbeatSec)*time.Second,
				cfg.PresenceMissedBeats,
			)
		}
	}

	// Presence follows the selected operation: join its channel on switch,
	// leave the old one first.
	if tracker != nil {
		release := data.SubscribeToTable(projector.TableOperations, func(change masterdata.Change) {
			opID := data.CurrentOperationID()
			if opID.String() != change.EntityID {
				return
			}
			ctx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
			defer cancel()
			_ = tracker.Leave(ctx)
			if err := tracker.Join(ctx, opID.String()); err != nil {
				logger.Warn(ctx, "presence_join_failed", "could not join presence channel",
					slog.String("error_code", "FAILED_PRECONDITION"),
					slog.String("operation_id", opID.String()),
					slog.String("error", err.Error()),
				)
			}
		})
		defer release()
	}

	metricsx.Register()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: local database unavailable", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	handler := httpx.WithRequestID(mux)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting agent",
			slog.String("addr", server.Addr),
			slog.String("device_id", cfg.DeviceID),
			slog.String("db_path", dbPath),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	stop()
	if tracker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = tracker.Leave(ctx)
		cancel()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	logger.Info(context.Background(), "service_stop", "agent stopped")
}

func colorFor(actorID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(actorID))
	return presenceColors[int(h.Sum32())%len(presenceColors)]
}
