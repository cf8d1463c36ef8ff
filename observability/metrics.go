package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type ledgerMetrics struct {
	calls     *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttled *prometheus.CounterVec
}

type trackerMetrics struct {
	transitions *prometheus.CounterVec
	busy        *prometheus.CounterVec
	inflight    *prometheus.GaugeVec
}

type resolverMetrics struct {
	resolutions *prometheus.CounterVec
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *ledgerMetrics

	trackerMetricsOnce sync.Once
	trackerRegistry    *trackerMetrics

	resolverMetricsOnce sync.Once
	resolverRegistry    *resolverMetrics
)

// Ledger returns the lazily-initialised registry for ledger facade primitives.
func Ledger() *ledgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &ledgerMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainid",
				Subsystem: "ledger",
				Name:      "calls_total",
				Help:      "Ledger facade primitive calls segmented by primitive and outcome.",
			}, []string{"primitive", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "chainid",
				Subsystem: "ledger",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution for ledger facade primitives.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"primitive"}),
			throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainid",
				Subsystem: "ledger",
				Name:      "throttled_total",
				Help:      "Submissions delayed by the client-side submit limiter.",
			}, []string{"primitive"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.calls,
			ledgerRegistry.latency,
			ledgerRegistry.throttled,
		)
	})
	return ledgerRegistry
}

// Observe records the outcome of a primitive call. Outcomes should be the
// stable labels produced by core/errors.Kind.
func (m *ledgerMetrics) Observe(primitive, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if primitive == "" {
		primitive = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.calls.WithLabelValues(primitive, outcome).Inc()
	m.latency.WithLabelValues(primitive).Observe(duration.Seconds())
}

// RecordThrottle counts a submission that had to wait for the limiter.
func (m *ledgerMetrics) RecordThrottle(primitive string) {
	if m == nil {
		return
	}
	m.throttled.WithLabelValues(primitive).Inc()
}

// Tracker returns the registry tracking operation state transitions.
func Tracker() *trackerMetrics {
	trackerMetricsOnce.Do(func() {
		trackerRegistry = &trackerMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainid",
				Subsystem: "tracker",
				Name:      "transitions_total",
				Help:      "Operation state transitions segmented by action and target state.",
			}, []string{"action", "state"}),
			busy: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainid",
				Subsystem: "tracker",
				Name:      "busy_total",
				Help:      "Admissions rejected because the action key was already in flight.",
			}, []string{"action"}),
			inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "chainid",
				Subsystem: "tracker",
				Name:      "inflight",
				Help:      "Action keys currently in flight.",
			}, []string{"action"}),
		}
		prometheus.MustRegister(
			trackerRegistry.transitions,
			trackerRegistry.busy,
			trackerRegistry.inflight,
		)
	})
	return trackerRegistry
}

// RecordTransition counts a move of key into state and keeps the in-flight
// gauge current.
func (m *trackerMetrics) RecordTransition(key, state string) {
	if m == nil {
		return
	}
	action := ActionLabel(key)
	m.transitions.WithLabelValues(action, state).Inc()
	switch state {
	case "in_flight":
		m.inflight.WithLabelValues(action).Inc()
	case "idle":
		m.inflight.WithLabelValues(action).Dec()
	}
}

// RecordBusy counts a rejected admission.
func (m *trackerMetrics) RecordBusy(key string) {
	if m == nil {
		return
	}
	m.busy.WithLabelValues(ActionLabel(key)).Inc()
}

// Resolver returns the registry tracking contract resolutions.
func Resolver() *resolverMetrics {
	resolverMetricsOnce.Do(func() {
		resolverRegistry = &resolverMetrics{
			resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainid",
				Subsystem: "resolver",
				Name:      "resolutions_total",
				Help:      "Contract resolutions segmented by contract, path and outcome.",
			}, []string{"contract", "path", "outcome"}),
		}
		prometheus.MustRegister(resolverRegistry.resolutions)
	})
	return resolverRegistry
}

// RecordResolution counts a resolution. Paths are "pinned", "cached",
// "created", "updated", "appended" or "replaced".
func (m *resolverMetrics) RecordResolution(contract, path, outcome string) {
	if m == nil {
		return
	}
	if contract == "" {
		contract = "unknown"
	}
	m.resolutions.WithLabelValues(contract, path, outcome).Inc()
}

// ActionLabel reduces an action key to a bounded metric label: "claim:NFT
// Marketplace" becomes "claim".
func ActionLabel(key string) string {
	key = strings.TrimSpace(key)
	if prefix, _, found := strings.Cut(key, ":"); found {
		key = prefix
	}
	if key == "" {
		return "unknown"
	}
	return strings.ToLower(key)
}
