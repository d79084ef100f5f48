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
	EventsReceived   *prometheus.CounterVec // by kind
	DispatchOutcomes *prometheus.CounterVec // by outcome
	OutboundSent     prometheus.Counter
	OutboundFailed   prometheus.Counter
	OutboundDropped  *prometheus.CounterVec // by reason
	TimerFires       prometheus.Counter
	CooldownErrors   prometheus.Counter
	StateFlushErrors prometheus.Counter

	// Histograms (seconds)
	HandlerDuration  *prometheus.HistogramVec // by command
	DispatchDuration prometheus.Observer

	// Gauges
	ActiveLanes      prometheus.Gauge
	CircuitOpenGauge prometheus.Gauge // 1=open,0=closed
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatwarden_events_received_total", Help: "Normalized chat events received, by kind"}, []string{"kind"})
		DispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatwarden_dispatch_outcomes_total", Help: "Terminal dispatch state per event"}, []string{"outcome"})
		OutboundSent = promauto.NewCounter(prometheus.CounterOpts{Name: "chatwarden_outbound_sent_total", Help: "Replies handed to the chat transport"})
		OutboundFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "chatwarden_outbound_failed_total", Help: "Replies the chat transport rejected"})
		OutboundDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatwarden_outbound_dropped_total", Help: "Replies dropped before reaching the transport"}, []string{"reason"})
		TimerFires = promauto.NewCounter(prometheus.CounterOpts{Name: "chatwarden_timer_fires_total", Help: "Scheduled timer announcements submitted"})
		CooldownErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "chatwarden_cooldown_backend_errors_total", Help: "Cooldown backend failures (treated as on cooldown)"})
		StateFlushErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "chatwarden_state_flush_errors_total", Help: "Channel config persistence failures"})
		HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "chatwarden_handler_duration_seconds", Help: "Command handler duration seconds", Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5}}, []string{"command"})
		DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatwarden_dispatch_duration_seconds", Help: "Time from lane pickup to terminal state", Buckets: prometheus.DefBuckets})
		ActiveLanes = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatwarden_active_lanes", Help: "Channels with a running dispatch lane"})
		CircuitOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatwarden_outbound_circuit_open", Help: "Outbound circuit breaker open=1 closed=0"})
	})
}

// RecordEvent counts a normalized inbound event.
func RecordEvent(kind string) {
	if EventsReceived != nil {
		EventsReceived.WithLabelValues(kind).Inc()
	}
}

// RecordOutcome counts a terminal dispatch state.
func RecordOutcome(outcome string) {
	if DispatchOutcomes != nil {
		DispatchOutcomes.WithLabelValues(outcome).Inc()
	}
}

// RecordOutboundDrop counts a reply that never reached the transport.
func RecordOutboundDrop(reason string) {
	if OutboundDropped != nil {
		OutboundDropped.WithLabelValues(reason).Inc()
	}
}

// IncCounter increments c if it has been initialized.
func IncCounter(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// ObserveHandler records handler latency for a command.
func ObserveHandler(command string, d time.Duration) {
	if HandlerDuration != nil {
		HandlerDuration.WithLabelValues(command).Observe(d.Seconds())
	}
}

// AddLanes adjusts the active lane gauge.
func AddLanes(delta int) {
	if ActiveLanes != nil {
		ActiveLanes.Add(float64(delta))
	}
}

// UpdateCircuitGauge sets gauge to 1 if open else 0.
func UpdateCircuitGauge(open bool) {
	if CircuitOpenGauge == nil {
		return
	}
	if open {
		CircuitOpenGauge.Set(1)
	} else {
		CircuitOpenGauge.Set(0)
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
