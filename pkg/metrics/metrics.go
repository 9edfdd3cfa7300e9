// Package metrics exposes relay metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Collector holds the relay's instruments. Sessions share one Collector.
type Collector struct {
	registry *prometheus.Registry

	sessionsActive  *prometheus.GaugeVec
	sessionsTotal   *prometheus.CounterVec
	sessionsFailed  *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	turnsTotal      *prometheus.CounterVec
	bargeIns        *prometheus.CounterVec
	adapterFailures *prometheus.CounterVec
	firstAudio      *prometheus.HistogramVec
	carrierEvents   *prometheus.CounterVec
	malformedEvents *prometheus.CounterVec
	acceptsRejected prometheus.Counter
}

// New registers the relay instruments on a fresh registry together with
// the Go and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		sessionsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Calls currently bridged.",
		}, []string{"mode"}),
		sessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Calls ended, by mode and outcome.",
		}, []string{"mode", "outcome"}),
		sessionsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Calls that ended on an error, by reason.",
		}, []string{"reason"}),
		sessionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Call length from start event to teardown.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"mode"}),
		turnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Assistant turns, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		bargeIns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Assistant playback interrupted by the caller.",
		}, []string{"mode"}),
		adapterFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_failures_total",
			Help:      "Adapter failures, by pipeline stage.",
		}, []string{"stage"}),
		firstAudio: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_audio_seconds",
			Help:      "Latency from final transcript to first synthesized frame.",
			Buckets:   []float64{0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 8},
		}, []string{"mode"}),
		carrierEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "carrier_events_total",
			Help:      "Control events received from the carrier.",
		}, []string{"event"}),
		malformedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "carrier_malformed_events_total",
			Help:      "Carrier messages dropped as malformed, by reason.",
		}, []string{"reason"}),
		acceptsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepts_rejected_total",
			Help:      "Media connections refused by the accept limiter.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry, for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) SessionStarted(mode string) {
	c.sessionsActive.WithLabelValues(mode).Inc()
}

// SessionEnded records the end of a call that got past its start event.
// reason is empty for a normal hangup.
func (c *Collector) SessionEnded(mode, reason string, d time.Duration) {
	c.sessionsActive.WithLabelValues(mode).Dec()
	c.sessionDuration.WithLabelValues(mode).Observe(d.Seconds())
	outcome := "completed"
	if reason != "" {
		outcome = "failed"
	}
	c.sessionsTotal.WithLabelValues(mode, outcome).Inc()
}

// SessionFailed counts a failure reason. Failures before an orchestrator
// was built never reach SessionEnded.
func (c *Collector) SessionFailed(reason string) {
	c.sessionsFailed.WithLabelValues(reason).Inc()
}

func (c *Collector) TurnCompleted(kind string, interrupted bool) {
	outcome := "completed"
	if interrupted {
		outcome = "interrupted"
	}
	c.turnsTotal.WithLabelValues(kind, outcome).Inc()
}

func (c *Collector) BargeIn(mode string) {
	c.bargeIns.WithLabelValues(mode).Inc()
}

func (c *Collector) AdapterFailure(stage string) {
	c.adapterFailures.WithLabelValues(stage).Inc()
}

func (c *Collector) FirstAudio(mode string, latency time.Duration) {
	c.firstAudio.WithLabelValues(mode).Observe(latency.Seconds())
}

func (c *Collector) CarrierEvent(event string) {
	c.carrierEvents.WithLabelValues(event).Inc()
}

func (c *Collector) MalformedEvent(reason string) {
	c.malformedEvents.WithLabelValues(reason).Inc()
}

func (c *Collector) AcceptRejected() {
	c.acceptsRejected.Inc()
}
