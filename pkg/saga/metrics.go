package saga

import "time"

// MetricsRecorder records saga runtime metrics. Saga outcomes use the
// SagaResultKind labels; step and compensation statuses use the persisted
// step status names in lowercase.
type MetricsRecorder interface {
	RecordSagaExecution(outcome string)
	RecordSagaDuration(outcome string, duration time.Duration)
	IncActiveSagas()
	DecActiveSagas()
	RecordStepExecution(stepName, status string)
	RecordStepDuration(stepName string, duration time.Duration)
	RecordCompensation(stepName, status string)
	RecordCompensationDuration(duration time.Duration)
	RecordCompensationRetry()
	RecordRetryAttempt(outcome string)
	RecordSagaRecovery(status string)
}

type nopMetricsRecorder struct{}

func (n *nopMetricsRecorder) RecordSagaExecution(string)               {}
func (n *nopMetricsRecorder) RecordSagaDuration(string, time.Duration) {}
func (n *nopMetricsRecorder) IncActiveSagas()                          {}
func (n *nopMetricsRecorder) DecActiveSagas()                          {}
func (n *nopMetricsRecorder) RecordStepExecution(string, string)       {}
func (n *nopMetricsRecorder) RecordStepDuration(string, time.Duration) {}
func (n *nopMetricsRecorder) RecordCompensation(string, string)        {}
func (n *nopMetricsRecorder) RecordCompensationDuration(time.Duration) {}
func (n *nopMetricsRecorder) RecordCompensationRetry()                 {}
func (n *nopMetricsRecorder) RecordRetryAttempt(string)                {}
func (n *nopMetricsRecorder) RecordSagaRecovery(string)                {}
