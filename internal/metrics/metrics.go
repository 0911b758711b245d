package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clinicbooking"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	bookingAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_attempts_total",
			Help:      "Booking attempts by outcome and failure reason.",
		},
		[]string{"outcome", "reason"},
	)

	reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_transitions_total",
			Help:      "Payment reconciliation calls by transition and result.",
		},
		[]string{"transition", "result"},
	)

	cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "availability_cache_requests_total",
			Help:      "Availability cache lookups by result (hit, miss, error).",
		},
		[]string{"result"},
	)

	reaperCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_cancelled_bookings_total",
			Help:      "Stale unpaid bookings cancelled by the reaper.",
		},
	)

	backupRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_runs_total",
			Help:      "Database snapshot attempts by outcome.",
		},
		[]string{"outcome"},
	)

	outboxDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_deliveries_total",
			Help:      "Outbox delivery attempts by outcome (delivered, retry, failed).",
		},
		[]string{"outcome"},
	)

	outboxBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_events",
			Help:      "Outbox rows by status after the last relay sweep.",
		},
		[]string{"status"},
	)

	gatewayLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Payment gateway call latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"op", "outcome"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			bookingAttempts,
			reconciliations,
			cacheRequests,
			reaperCancelled,
			backupRuns,
			outboxDeliveries,
			outboxBacklog,
			gatewayLatency,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// ObserveBooking records one booking attempt. reason is empty on success.
func ObserveBooking(reason string) {
	if reason == "" {
		bookingAttempts.WithLabelValues("success", "").Inc()
		return
	}
	bookingAttempts.WithLabelValues("failure", reason).Inc()
}

func ObserveReconciliation(transition, result string) {
	reconciliations.WithLabelValues(transition, result).Inc()
}

func IncCache(result string) {
	cacheRequests.WithLabelValues(result).Inc()
}

func AddReaperCancelled(n int) {
	reaperCancelled.Add(float64(n))
}

func ObserveGateway(op string, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	gatewayLatency.WithLabelValues(op, outcome).Observe(d.Seconds())
}

func ObserveBackup(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	backupRuns.WithLabelValues(outcome).Inc()
}

func ObserveOutboxDelivery(outcome string) {
	outboxDeliveries.WithLabelValues(outcome).Inc()
}

// SetOutboxBacklog replaces the per-status gauge; statuses missing from counts read zero.
func SetOutboxBacklog(counts map[string]int) {
	outboxBacklog.Reset()
	for status, n := range counts {
		outboxBacklog.WithLabelValues(status).Set(float64(n))
	}
}
