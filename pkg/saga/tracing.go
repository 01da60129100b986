package saga

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const sagaTracerName = "clawback.saga"

const (
	spanSagaExecute        = "saga.execute"
	spanSagaStepForward    = "saga.step.forward"
	spanSagaCompensate     = "saga.compensate"
	spanSagaStepCompensate = "saga.step.compensate"
	spanSagaRetry          = "saga.retry"
)

func sagaTracer() trace.Tracer {
	return otel.Tracer(sagaTracerName)
}
