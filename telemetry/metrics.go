// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsReceived          *prometheus.CounterVec // by message type
	SubscriptionsCreated    prometheus.Counter
	SubscriptionRetries     prometheus.Counter
	SubscriptionsRevoked    prometheus.Counter
	Reconnects              prometheus.Counter
	HealthTimeouts          prometheus.Counter
	NotificationsSent       prometheus.Counter
	NotificationsSuppressed prometheus.Counter
	NotificationsFailed     prometheus.Counter
	CounterIncrements       prometheus.Counter

	// Histograms (seconds)
	ProvisionDuration prometheus.Observer
	NotifyDuration    prometheus.Observer

	// Gauges
	SessionsActive prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "eventsub_events_received_total", Help: "Inbound EventSub frames by message type"}, []string{"type"})
		SubscriptionsCreated = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_subscriptions_created_total", Help: "Upstream event subscriptions created"})
		SubscriptionRetries = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_subscription_retries_total", Help: "Subscription create attempts retried after rate limit"})
		SubscriptionsRevoked = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_subscriptions_revoked_total", Help: "Subscriptions revoked by the platform"})
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_reconnects_total", Help: "Automatic session reconnect cycles"})
		HealthTimeouts = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_health_timeouts_total", Help: "Health watchdog fires (silent connections)"})
		NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{Name: "notify_sent_total", Help: "Outbound stream-start notifications dispatched"})
		NotificationsSuppressed = promauto.NewCounter(prometheus.CounterOpts{Name: "notify_suppressed_total", Help: "Stream-start notifications suppressed by session dedup"})
		NotificationsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "notify_failed_total", Help: "Outbound notification delivery failures"})
		CounterIncrements = promauto.NewCounter(prometheus.CounterOpts{Name: "counter_increments_total", Help: "Counter increments from REST, chat, and events"})
		ProvisionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "eventsub_provision_duration_seconds", Help: "Time to provision all subscriptions for a tenant", Buckets: prometheus.DefBuckets})
		NotifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "notify_duration_seconds", Help: "Outbound notification delivery duration", Buckets: prometheus.DefBuckets})
		SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{Name: "eventsub_sessions_active", Help: "Currently active EventSub sessions"})
	})
}

// EventReceived increments the inbound frame counter for a message type.
func EventReceived(msgType string) {
	if EventsReceived != nil {
		EventsReceived.WithLabelValues(msgType).Inc()
	}
}

// SetSessionsActive records the current number of active sessions.
func SetSessionsActive(n int) {
	if SessionsActive != nil {
		SessionsActive.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
