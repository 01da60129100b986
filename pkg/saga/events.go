package saga

import (
	"context"
	"time"
)

// EventType identifies a saga lifecycle event on the wire.
type EventType string

const (
	EventSagaStarted   EventType = "saga_started"
	EventSagaCompleted EventType = "saga_completed"
	EventSagaFailed    EventType = "saga_failed"

	EventStepStarted            EventType = "step_started"
	EventStepCompleted          EventType = "step_completed"
	EventStepFailed             EventType = "step_failed"
	EventStepCompensated        EventType = "step_compensated"
	EventStepCompensationFailed EventType = "step_compensation_failed"
)

// Event is one saga lifecycle occurrence. Events are observational: they
// feed the journal, metrics, and downstream consumers, and are emitted
// after the corresponding state transition is durable.
type Event struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	OrderID     string            `json:"order_id"`
	ExecutionID string            `json:"execution_id"`
	StepName    string            `json:"step_name,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Payload     map[string]string `json:"payload,omitempty"`
}

// EventEmitter receives saga lifecycle events. Emission is fire-and-forget:
// implementations must not block saga progress, and a failed emit never
// fails the saga.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NopEmitter discards all events.
type NopEmitter struct{}

// Emit implements EventEmitter.
func (NopEmitter) Emit(context.Context, Event) {}

type multiEmitter struct {
	emitters []EventEmitter
}

// MultiEmitter fans every event out to all given emitters in order.
func MultiEmitter(emitters ...EventEmitter) EventEmitter {
	return &multiEmitter{emitters: emitters}
}

func (m *multiEmitter) Emit(ctx context.Context, event Event) {
	for _, e := range m.emitters {
		e.Emit(ctx, event)
	}
}

// StatusPhase is a coarse, human-facing view of where a saga currently is.
// Phases are transient UI state, not persisted status.
type StatusPhase string

const (
	StatusQueued      StatusPhase = "queued"
	StatusInProgress  StatusPhase = "in_progress"
	StatusCompleted   StatusPhase = "completed"
	StatusFailed      StatusPhase = "failed"
	StatusRollingBack StatusPhase = "rolling_back"
	StatusRolledBack  StatusPhase = "rolled_back"
)

// StatusUpdate announces a phase change for an order's saga.
type StatusUpdate struct {
	OrderID     string      `json:"order_id"`
	ExecutionID string      `json:"execution_id"`
	Phase       StatusPhase `json:"phase"`
	At          time.Time   `json:"at"`
}

// StatusNotifier pushes phase changes to live observers (websockets, SSE).
// Like emitters, notifiers must never block or fail the saga.
type StatusNotifier interface {
	Notify(ctx context.Context, update StatusUpdate)
}

// NopNotifier discards all status updates.
type NopNotifier struct{}

// Notify implements StatusNotifier.
func (NopNotifier) Notify(context.Context, StatusUpdate) {}
