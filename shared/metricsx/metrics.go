package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	eventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_appended_total",
			Help: "Domain events appended to the local log.",
		},
		[]string{"event_type"},
	)
	eventsDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "events_duplicate_total",
			Help: "Appends ignored because the event id already existed.",
		},
	)
	projectionSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projection_skips_total",
			Help: "Events accepted in the log but skipped by the projector.",
		},
		[]string{"reason"},
	)
	subscriberNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscriber_notifications_total",
			Help: "Table and record subscriber callbacks delivered.",
		},
		[]string{"table"},
	)
	syncAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_attempts_total",
			Help: "Outbound sync attempts.",
		},
	)
	syncFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_failures_total",
			Help: "Outbound sync attempts that failed.",
		},
	)
	syncQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_queue_depth",
			Help: "Events waiting in the outbound sync queue.",
		},
	)
	conflictsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conflicts_open",
			Help: "Detected conflicts awaiting operator resolution.",
		},
	)
	presencePeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "presence_connected_peers",
			Help: "Peers currently considered connected, by operation.",
		},
		[]string{"operation_id"},
	)
	dispatchLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_dispatch_backlog",
			Help: "Relay events stored but not yet fanned out to the broker.",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		eventsAppended, eventsDuplicate, projectionSkips,
		subscriberNotifications,
		syncAttempts, syncFailures, syncQueueDepth,
		conflictsOpen, presencePeers, dispatchLag,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncEventAppended(eventType string) {
	eventsAppended.WithLabelValues(eventType).Inc()
}

func IncEventDuplicate() {
	eventsDuplicate.Inc()
}

func IncProjectionSkip(reason string) {
	projectionSkips.WithLabelValues(reason).Inc()
}

func IncSubscriberNotification(table string) {
	subscriberNotifications.WithLabelValues(table).Inc()
}

func IncSyncAttempt() {
	syncAttempts.Inc()
}

func IncSyncFailure() {
	syncFailures.Inc()
}

func SetSyncQueueDepth(depth int) {
	syncQueueDepth.Set(float64(depth))
}

func SetConflictsOpen(count int) {
	conflictsOpen.Set(float64(count))
}

func SetPresencePeers(operationID string, count int) {
	presencePeers.WithLabelValues(operationID).Set(float64(count))
}

func SetDispatchBacklog(depth int) {
	dispatchLag.Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
