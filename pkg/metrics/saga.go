package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/clawback/clawback/pkg/saga"
)

// Manager satisfies the engine's metrics port.
var _ saga.MetricsRecorder = (*Manager)(nil)

// initSagaMetrics initializes saga lifecycle metrics.
func (m *Manager) initSagaMetrics(cfg Config) {
	m.sagaExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_executions_total",
			Help: "Total number of saga executions by terminal result",
		},
		[]string{"result"},
	)

	m.sagaDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_execution_duration_seconds",
			Help:    "Saga execution duration in seconds",
			Buckets: cfg.SagaDurationBuckets,
		},
		[]string{"result"},
	)

	m.sagaActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "saga_active_executions",
			Help: "Current number of sagas being executed",
		},
	)

	m.stepExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_steps_total",
			Help: "Total number of step executions by step and status",
		},
		[]string{"step", "status"},
	)

	m.stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_step_duration_seconds",
			Help:    "Step execution duration in seconds",
			Buckets: cfg.StepDurationBuckets,
		},
		[]string{"step"},
	)

	m.compensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Total number of compensation attempts by step and result",
		},
		[]string{"step", "result"},
	)

	m.compensationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "saga_compensation_duration_seconds",
			Help:    "Compensation pass duration in seconds",
			Buckets: cfg.CompensationDurationBuckets,
		},
	)

	m.compensationRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_compensation_retries_total",
			Help: "Total number of compensation retry attempts",
		},
	)

	m.retryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_retries_total",
			Help: "Total number of saga retry attempts by classification outcome",
		},
		[]string{"outcome"},
	)

	m.recoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_recovery_total",
			Help: "Total number of sagas recovered after restart by status",
		},
		[]string{"status"},
	)

	m.registry.MustRegister(m.sagaExecutions)
	m.registry.MustRegister(m.sagaDuration)
	m.registry.MustRegister(m.sagaActive)
	m.registry.MustRegister(m.stepExecutions)
	m.registry.MustRegister(m.stepDuration)
	m.registry.MustRegister(m.compensations)
	m.registry.MustRegister(m.compensationDuration)
	m.registry.MustRegister(m.compensationRetries)
	m.registry.MustRegister(m.retryAttempts)
	m.registry.MustRegister(m.recoveries)
}

// RecordSagaExecution records a finished saga by terminal result.
func (m *Manager) RecordSagaExecution(outcome string) {
	if !m.enabled {
		return
	}
	m.sagaExecutions.WithLabelValues(outcome).Inc()
}

// RecordSagaDuration records how long a saga ran before reaching its result.
func (m *Manager) RecordSagaDuration(outcome string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.sagaDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncActiveSagas increments the in-flight saga gauge.
func (m *Manager) IncActiveSagas() {
	if !m.enabled {
		return
	}
	m.sagaActive.Inc()
}

// DecActiveSagas decrements the in-flight saga gauge.
func (m *Manager) DecActiveSagas() {
	if !m.enabled {
		return
	}
	m.sagaActive.Dec()
}

// RecordStepExecution records a step attempt with its resulting status.
func (m *Manager) RecordStepExecution(stepName, status string) {
	if !m.enabled {
		return
	}
	m.stepExecutions.WithLabelValues(stepName, status).Inc()
}

// RecordStepDuration records how long a step attempt took.
func (m *Manager) RecordStepDuration(stepName string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.stepDuration.WithLabelValues(stepName).Observe(duration.Seconds())
}

// RecordCompensation records a compensation attempt for a step.
func (m *Manager) RecordCompensation(stepName, result string) {
	if !m.enabled {
		return
	}
	m.compensations.WithLabelValues(stepName, result).Inc()
}

// RecordCompensationDuration records the duration of a compensation pass.
func (m *Manager) RecordCompensationDuration(duration time.Duration) {
	if !m.enabled {
		return
	}
	m.compensationDuration.Observe(duration.Seconds())
}

// RecordCompensationRetry records one compensation retry attempt.
func (m *Manager) RecordCompensationRetry() {
	if !m.enabled {
		return
	}
	m.compensationRetries.Inc()
}

// RecordRetryAttempt records a saga retry request by classification outcome.
func (m *Manager) RecordRetryAttempt(outcome string) {
	if !m.enabled {
		return
	}
	m.retryAttempts.WithLabelValues(outcome).Inc()
}

// RecordSagaRecovery records a saga picked up by the restart recovery scan.
func (m *Manager) RecordSagaRecovery(status string) {
	if !m.enabled {
		return
	}
	m.recoveries.WithLabelValues(status).Inc()
}
