package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/clawback/clawback/pkg/events"
)

// initPublisherMetrics initializes event publishing metrics. Every metric
// carries a sink label because the history and status sinks degrade
// independently.
func (m *Manager) initPublisherMetrics() {
	m.eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_events_published_total",
			Help: "Total number of saga events delivered to a sink",
		},
		[]string{"sink"},
	)

	m.eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_events_dropped_total",
			Help: "Total number of saga events dropped after exhausting publish retries",
		},
		[]string{"sink"},
	)

	m.eventRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_event_publish_retries_total",
			Help: "Total number of event publish retries",
		},
		[]string{"sink"},
	)

	m.eventDegraded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "saga_event_sink_degraded",
			Help: "Whether a sink is currently in degraded mode (1=degraded)",
		},
		[]string{"sink"},
	)

	m.eventOutages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_event_sink_outages_total",
			Help: "Total number of sink outage transitions",
		},
		[]string{"sink"},
	)

	m.eventRecoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_event_sink_recoveries_total",
			Help: "Total number of sink recovery transitions",
		},
		[]string{"sink"},
	)

	m.registry.MustRegister(m.eventsPublished)
	m.registry.MustRegister(m.eventsDropped)
	m.registry.MustRegister(m.eventRetries)
	m.registry.MustRegister(m.eventDegraded)
	m.registry.MustRegister(m.eventOutages)
	m.registry.MustRegister(m.eventRecoveries)
}

// PublisherTelemetry returns a telemetry view of the manager scoped to one
// sink label, suitable for wiring into an event publisher.
func (m *Manager) PublisherTelemetry(sink string) events.Telemetry {
	return &publisherTelemetry{manager: m, sink: sink}
}

type publisherTelemetry struct {
	manager *Manager
	sink    string
}

var _ events.Telemetry = (*publisherTelemetry)(nil)

// RecordPublish records a publish outcome. A failed publish means the event
// was dropped from this sink after the publisher gave up on it.
func (t *publisherTelemetry) RecordPublish(status string) {
	if !t.manager.enabled {
		return
	}
	if status == "success" {
		t.manager.eventsPublished.WithLabelValues(t.sink).Inc()
		return
	}
	t.manager.eventsDropped.WithLabelValues(t.sink).Inc()
}

// RecordRetry records one publish retry against this sink.
func (t *publisherTelemetry) RecordRetry() {
	if !t.manager.enabled {
		return
	}
	t.manager.eventRetries.WithLabelValues(t.sink).Inc()
}

// SetDegradedMode sets the sink's degraded state gauge.
func (t *publisherTelemetry) SetDegradedMode(active bool) {
	if !t.manager.enabled {
		return
	}
	if active {
		t.manager.eventDegraded.WithLabelValues(t.sink).Set(1)
		return
	}
	t.manager.eventDegraded.WithLabelValues(t.sink).Set(0)
}

// RecordOutage records a transition of this sink into outage state.
func (t *publisherTelemetry) RecordOutage() {
	if !t.manager.enabled {
		return
	}
	t.manager.eventOutages.WithLabelValues(t.sink).Inc()
}

// RecordRecovery records a recovery transition of this sink.
func (t *publisherTelemetry) RecordRecovery() {
	if !t.manager.enabled {
		return
	}
	t.manager.eventRecoveries.WithLabelValues(t.sink).Inc()
}
