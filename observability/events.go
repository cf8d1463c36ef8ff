package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type notificationMetrics struct {
	delivered *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

var (
	notificationMetricsOnce sync.Once
	notificationRegistry    *notificationMetrics
)

// Notifications returns the registry tracking user-facing notifications.
func Notifications() *notificationMetrics {
	notificationMetricsOnce.Do(func() {
		notificationRegistry = &notificationMetrics{
			delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainid",
				Subsystem: "notifications",
				Name:      "delivered_total",
				Help:      "Notifications handed to a sink segmented by sink and severity.",
			}, []string{"sink", "severity"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chainid",
				Subsystem: "notifications",
				Name:      "dropped_total",
				Help:      "Notifications a sink could not deliver to a subscriber.",
			}, []string{"sink"}),
		}
		prometheus.MustRegister(notificationRegistry.delivered, notificationRegistry.dropped)
	})
	return notificationRegistry
}

// RecordDelivered increments the delivery counter for the sink and severity.
func (m *notificationMetrics) RecordDelivered(sink, severity string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(severity))
	if normalized == "" {
		normalized = "info"
	}
	m.delivered.WithLabelValues(sink, normalized).Inc()
}

// RecordDropped counts a notification a slow subscriber missed.
func (m *notificationMetrics) RecordDropped(sink string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(sink).Inc()
}
