package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"incident-ops-planning-system/relay/internal/middleware"
	"incident-ops-planning-system/relay/internal/repos"
	"incident-ops-planning-system/shared/cachex"
	"incident-ops-planning-system/shared/config"
	"incident-ops-planning-system/shared/dbx"
	"incident-ops-planning-system/shared/events"
	"incident-ops-planning-system/shared/httpx"
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

type pushRequest struct {
	DeviceID string            `json:"device_id"`
	Events   []events.Envelope `json:"events"`
}

type pushResponse struct {
	Accepted []uuid.UUID          `json:"accepted"`
	Rejected map[uuid.UUID]string `json:"rejected,omitempty"`
}

type pullResponse struct {
	Events     []events.Envelope `json:"events"`
	NextCursor int64             `json:"next_cursor"`
}

func main() {
	cfg, readyProblems := config.Load("relay", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
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

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		dbPool, err = dbx.NewPool(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	eventsRepo := repos.NewEventsRepo(dbPool)
	auditRepo := repos.NewAuditRepo(dbPool)
	if dbPool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := eventsRepo.EnsureSchema(ctx); err != nil {
			logger.Error(ctx, "schema_init_failed", "event store schema init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			cancel()
			os.Exit(1)
		}
		if err := auditRepo.EnsureSchema(ctx); err != nil {
			logger.Error(ctx, "schema_init_failed", "audit schema init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			cancel()
			os.Exit(1)
		}
		cancel()
	}

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		var err error
		cache, err = cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "redis_init_failed", "presence roster disabled",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		} else {
			defer func() { _ = cache.Close() }()
		}
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
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"},
			)
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

	mux.HandleFunc("POST /api/v1/events/push", func(w http.ResponseWriter, r *http.Request) {
		var req pushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid push body", nil)
			return
		}
		if strings.TrimSpace(req.DeviceID) == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing device_id", nil)
			return
		}

		resp := pushResponse{Rejected: map[uuid.UUID]string{}}
		for _, env := range req.Events {
			if reason := validateEnvelope(env); reason != "" {
				resp.Rejected[env.EventID] = reason
				continue
			}
			if _, err := eventsRepo.Insert(r.Context(), dbPool, env); err != nil {
				logger.Error(r.Context(), "event_store_failed", "could not store pushed event",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("event_id", env.EventID.String()),
					slog.String("error", err.Error()),
				)
				resp.Rejected[env.EventID] = "storage failure"
				continue
			}
			// A replayed duplicate is still an accept; the push is idempotent.
			resp.Accepted = append(resp.Accepted, env.EventID)
		}
		if len(resp.Rejected) == 0 {
			resp.Rejected = nil
		}
		logger.Info(r.Context(), "events_pushed", "event batch stored",
			slog.String("device_id", req.DeviceID),
			slog.Int("accepted", len(resp.Accepted)),
			slog.Int("rejected", len(resp.Rejected)),
		)
		httpx.WriteJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /api/v1/operations/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		operationID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid operation id", nil)
			return
		}
		var after int64
		if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
			after, err = strconv.ParseInt(raw, 10, 64)
			if err != nil || after < 0 {
				httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid after cursor", nil)
				return
			}
		}
		limit := 100
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid limit", nil)
				return
			}
		}
		feed, next, err := eventsRepo.ListAfter(r.Context(), operationID, after, limit)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read change feed", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, pullResponse{Events: feed, NextCursor: next})
	})

	mux.HandleFunc("GET /api/v1/operations/{id}/presence", func(w http.ResponseWriter, r *http.Request) {
		if cache == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "presence backend not configured", nil)
			return
		}
		operationID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid operation id", nil)
			return
		}
		raws, err := cache.ScanJSON(r.Context(), "presence:"+operationID.String()+":*")
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read roster", nil)
			return
		}
		roster := make([]any, 0, len(raws))
		for _, raw := range raws {
			roster = append(roster, (json.RawMessage)(raw))
		}
		metricsx.SetPresencePeers(operationID.String(), len(roster))
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"users": roster})
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	skipInfra := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.AuditMiddleware{
		Enabled: dbPool != nil,
		Repo:    auditRepo,
		Logger:  logger,
		Skip:    skipInfra,
	}.Wrap(handler)
	handler = middleware.OperationMiddleware{
		Skip: func(r *http.Request) bool {
			// Push batches carry the operation per event, not per request.
			return skipInfra(r) || r.URL.Path == "/api/v1/events/push"
		},
	}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 2*time.Minute),
		Skip:    skipInfra,
	}.Wrap(handler)
	handler = middleware.CORSMiddleware{Skip: skipInfra}.Wrap(handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

func validateEnvelope(env events.Envelope) string {
	if env.EventID == uuid.Nil {
		return "missing event_id"
	}
	if strings.TrimSpace(string(env.EventType)) == "" {
		return "missing event_type"
	}
	if env.OperationID == uuid.Nil {
		return "missing operation_id"
	}
	if env.OccurredAt.IsZero() {
		return "missing occurred_at"
	}
	if len(env.Payload) == 0 {
		return "empty payload"
	}
	if env.SchemaVersion > events.SchemaVersion {
		return "unsupported schema_version"
	}
	return ""
}
