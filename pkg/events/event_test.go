package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/clawback/clawback/pkg/saga"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	return data
}

func TestBuildEnvelopeWrapsEvent(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	event := saga.Event{
		ID:          "evt-1",
		Type:        saga.EventStepCompleted,
		OrderID:     "ord-1",
		ExecutionID: "exec-1",
		StepName:    "authorize_payment",
		Timestamp:   at,
		Payload:     map[string]string{"authorization_id": "auth-000001"},
	}

	env, err := BuildEnvelope(event, "node-1", 4)
	if err != nil {
		t.Fatalf("BuildEnvelope() error = %v", err)
	}
	if env.EventID != "evt-1" {
		t.Fatalf("EventID = %q, want evt-1", env.EventID)
	}
	if env.EventType != saga.EventStepCompleted {
		t.Fatalf("EventType = %q", env.EventType)
	}
	if !env.Timestamp.Equal(at) {
		t.Fatalf("Timestamp = %v, want %v", env.Timestamp, at)
	}
	if env.SchemaVersion != SchemaVersionV1 {
		t.Fatalf("SchemaVersion = %q, want %q", env.SchemaVersion, SchemaVersionV1)
	}
	if env.NodeID != "node-1" || env.OrderID != "ord-1" || env.ExecutionID != "exec-1" {
		t.Fatalf("identity fields = %q/%q/%q", env.NodeID, env.OrderID, env.ExecutionID)
	}
	if env.OrderingKey != "ord-1" {
		t.Fatalf("OrderingKey = %q, want the order id", env.OrderingKey)
	}
	if env.Sequence != 4 {
		t.Fatalf("Sequence = %d, want 4", env.Sequence)
	}
	if string(env.Payload) != `{"authorization_id":"auth-000001"}` {
		t.Fatalf("Payload = %s", env.Payload)
	}
}

func TestBuildEnvelopeGeneratesMissingIdentity(t *testing.T) {
	event := saga.Event{
		Type:    saga.EventSagaStarted,
		OrderID: "ord-1",
	}
	env, err := BuildEnvelope(event, "node-1", 1)
	if err != nil {
		t.Fatalf("BuildEnvelope() error = %v", err)
	}
	if env.EventID == "" {
		t.Fatal("EventID is empty, want a generated id")
	}
	if env.Timestamp.IsZero() {
		t.Fatal("Timestamp is zero, want a stamped time")
	}
	if len(env.Payload) != 0 {
		t.Fatalf("Payload = %s, want empty", env.Payload)
	}
}

func TestBuildEnvelopeRejectsIncompleteEvents(t *testing.T) {
	valid := saga.Event{Type: saga.EventSagaStarted, OrderID: "ord-1"}

	tests := []struct {
		name     string
		event    saga.Event
		nodeID   string
		sequence int64
	}{
		{"missing type", saga.Event{OrderID: "ord-1"}, "node-1", 1},
		{"missing order id", saga.Event{Type: saga.EventSagaStarted}, "node-1", 1},
		{"missing node id", valid, "", 1},
		{"zero sequence", valid, "node-1", 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := BuildEnvelope(tc.event, tc.nodeID, tc.sequence); err == nil {
				t.Fatal("BuildEnvelope() expected error")
			}
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := BuildEnvelope(saga.Event{
		ID:      "evt-9",
		Type:    saga.EventSagaCompleted,
		OrderID: "ord-9",
		Payload: map[string]string{"confirmation_number": "CNF-ABCDEF123456"},
	}, "node-1", 7)
	if err != nil {
		t.Fatalf("BuildEnvelope() error = %v", err)
	}

	raw, err := ParseEnvelope(mustJSON(t, env))
	if err != nil {
		t.Fatalf("ParseEnvelope() error = %v", err)
	}
	if raw.EventID != "evt-9" || raw.Sequence != 7 || raw.EventType != saga.EventSagaCompleted {
		t.Fatalf("round trip mismatch: %+v", raw)
	}
}

func TestSubjects(t *testing.T) {
	if got := EventSubject("ord-1", saga.EventSagaStarted); got != "clawback.v1.saga.ord-1.saga_started" {
		t.Fatalf("EventSubject() = %q", got)
	}
	if got := OrderSubject("ord-1"); got != "clawback.v1.saga.ord-1.>" {
		t.Fatalf("OrderSubject() = %q", got)
	}
	if got := AllSubject(); got != "clawback.v1.saga.>" {
		t.Fatalf("AllSubject() = %q", got)
	}
	if got := StatusSubject("ord-1"); got != "clawback.v1.status.ord-1" {
		t.Fatalf("StatusSubject() = %q", got)
	}
	if got := AllStatusSubject(); got != "clawback.v1.status.>" {
		t.Fatalf("AllStatusSubject() = %q", got)
	}
}

func TestSubjectSegmentsAreSanitized(t *testing.T) {
	if got := EventSubject("ord.web 1", saga.EventSagaStarted); got != "clawback.v1.saga.ord-web-1.saga_started" {
		t.Fatalf("EventSubject() = %q", got)
	}
	if got := StatusSubject(""); got != "clawback.v1.status.unknown" {
		t.Fatalf("StatusSubject() = %q", got)
	}
}
