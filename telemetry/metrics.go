// Package telemetry provides Prometheus metrics, error reporting and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/trace"
)

var (
	once sync.Once

	// Counters
	TriggersReceived       prometheus.Counter
	IdentificationsStarted prometheus.Counter
	IdentificationsFound   prometheus.Counter
	IdentificationsEmpty   prometheus.Counter
	IdentificationsFailed  prometheus.Counter
	CooldownNotices        prometheus.Counter
	RequestsSuppressed     *prometheus.CounterVec // reason=pending|notice_sent|offline
	SafetyResets           prometheus.Counter
	ChannelEvents          *prometheus.CounterVec // kind=added|updated|deleted
	Joins                  *prometheus.CounterVec // result=ok|error|banned
	Leaves                 prometheus.Counter
	RateLimited            prometheus.Counter
	Errors                 *prometheus.CounterVec // component

	// Histograms (seconds)
	IdentifyDuration prometheus.Observer

	// Gauges
	CachedChannels    prometheus.Gauge
	ConnectedChannels prometheus.Gauge
	PendingRequests   prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		TriggersReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "songid_triggers_total", Help: "Chat messages that matched a trigger keyword"})
		IdentificationsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "songid_identifications_started_total", Help: "Identification calls started"})
		IdentificationsFound = promauto.NewCounter(prometheus.CounterOpts{Name: "songid_identifications_found_total", Help: "Identification calls that returned at least one song"})
		IdentificationsEmpty = promauto.NewCounter(prometheus.CounterOpts{Name: "songid_identifications_empty_total", Help: "Identification calls that returned no songs"})
		IdentificationsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "songid_identifications_failed_total", Help: "Identification calls that errored"})
		CooldownNotices = promauto.NewCounter(prometheus.CounterOpts{Name: "songid_cooldown_notices_total", Help: "Cooldown notices sent"})
		RequestsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "songid_requests_suppressed_total", Help: "Triggers dropped without an identification call"}, []string{"reason"})
		SafetyResets = promauto.NewCounter(prometheus.CounterOpts{Name: "songid_safety_resets_total", Help: "Pending states cleared by the safety timer"})
		ChannelEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "songid_channel_events_total", Help: "Channel configuration events applied"}, []string{"kind"})
		Joins = promauto.NewCounterVec(prometheus.CounterOpts{Name: "songid_joins_total", Help: "Channel join attempts"}, []string{"result"})
		Leaves = promauto.NewCounter(prometheus.CounterOpts{Name: "songid_leaves_total", Help: "Channels left"})
		RateLimited = promauto.NewCounter(prometheus.CounterOpts{Name: "songid_rate_limited_total", Help: "Messages rejected by chat rate limits"})
		Errors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "songid_errors_total", Help: "Reported errors by component"}, []string{"component"})
		IdentifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "songid_identify_duration_seconds", Help: "Identification call duration seconds", Buckets: prometheus.DefBuckets})
		CachedChannels = promauto.NewGauge(prometheus.GaugeOpts{Name: "songid_cached_channels", Help: "Channel configurations held in memory"})
		ConnectedChannels = promauto.NewGauge(prometheus.GaugeOpts{Name: "songid_connected_channels", Help: "Channels the bot is joined to"})
		PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{Name: "songid_pending_requests", Help: "Identification requests in flight"})
	})
}

// Inc increments c if it has been initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// IncVec increments the labelled counter if it has been initialized.
func IncVec(v *prometheus.CounterVec, label string) {
	if v != nil {
		v.WithLabelValues(label).Inc()
	}
}

// SetGauge sets g to n if it has been initialized.
func SetGauge(g prometheus.Gauge, n int) {
	if g != nil {
		g.Set(float64(n))
	}
}

// AddGauge adds delta to g if it has been initialized.
func AddGauge(g prometheus.Gauge, delta float64) {
	if g != nil {
		g.Add(delta)
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

// Report is the fire-and-forget error sink: it logs, counts the error per component
// and records it on the span carried by ctx, if any.
func Report(ctx context.Context, component string, err error, attrs ...any) {
	if err == nil {
		return
	}
	IncVec(Errors, component)
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		RecordError(span, err)
	}
	args := append([]any{slog.String("component", component), slog.Any("err", err)}, attrs...)
	LoggerWithCorr(ctx).Error("error reported", args...)
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
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
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
