// Package events carries saga lifecycle events beyond the engine: a local
// in-process bus for live fan-out (websockets, demo consumers) and durable
// sinks over NATS JetStream or Redis streams for downstream history
// consumers. Delivery is observational and never feeds back into saga
// decisions.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clawback/clawback/pkg/saga"
)

const (
	// SchemaVersionV1 is the initial saga event schema.
	SchemaVersionV1 = "v1"

	// SubjectPrefix is the canonical prefix for saga lifecycle subjects.
	SubjectPrefix = "clawback.v1.saga"

	// StatusSubjectPrefix is the canonical prefix for live status subjects.
	StatusSubjectPrefix = "clawback.v1.status"
)

// EventSubject returns the canonical subject for one order's lifecycle event.
func EventSubject(orderID string, eventType saga.EventType) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, segment(orderID), segment(string(eventType)))
}

// OrderSubject returns the wildcard subject covering every event for one order.
func OrderSubject(orderID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, segment(orderID))
}

// AllSubject returns the wildcard subject covering every saga event.
func AllSubject() string {
	return SubjectPrefix + ".>"
}

// StatusSubject returns the live status subject for one order.
func StatusSubject(orderID string) string {
	return fmt.Sprintf("%s.%s", StatusSubjectPrefix, segment(orderID))
}

// AllStatusSubject returns the wildcard subject covering every status update.
func AllStatusSubject() string {
	return StatusSubjectPrefix + ".>"
}

// Order ids are caller-supplied; tokens that would break subject parsing are
// folded into "-".
var segmentSanitizer = strings.NewReplacer(".", "-", " ", "-", "*", "-", ">", "-")

func segment(value string) string {
	if value == "" {
		return "unknown"
	}
	return segmentSanitizer.Replace(value)
}

// Envelope is the canonical wire form of a saga lifecycle event.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     saga.EventType  `json:"event_type"`
	Timestamp     time.Time       `json:"timestamp"`
	SchemaVersion string          `json:"schema_version"`
	NodeID        string          `json:"node_id"`
	OrderID       string          `json:"order_id"`
	ExecutionID   string          `json:"execution_id,omitempty"`
	StepName      string          `json:"step_name,omitempty"`
	OrderingKey   string          `json:"ordering_key"`
	Sequence      int64           `json:"sequence"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// BuildEnvelope wraps a saga event for the wire. The event's own identity is
// kept when present so local and downstream consumers agree on it; ordering
// is per order.
func BuildEnvelope(event saga.Event, nodeID string, sequence int64) (Envelope, error) {
	if event.Type == "" {
		return Envelope{}, fmt.Errorf("events: event type is required")
	}
	if event.OrderID == "" {
		return Envelope{}, fmt.Errorf("events: order id is required")
	}
	if nodeID == "" {
		return Envelope{}, fmt.Errorf("events: node id is required")
	}
	if sequence <= 0 {
		return Envelope{}, fmt.Errorf("events: sequence must be > 0")
	}

	id := event.ID
	if id == "" {
		id = uuid.NewString()
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var payload json.RawMessage
	if len(event.Payload) > 0 {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("events: marshal payload: %w", err)
		}
		payload = data
	}

	return Envelope{
		EventID:       id,
		EventType:     event.Type,
		Timestamp:     ts,
		SchemaVersion: SchemaVersionV1,
		NodeID:        nodeID,
		OrderID:       event.OrderID,
		ExecutionID:   event.ExecutionID,
		StepName:      event.StepName,
		OrderingKey:   event.OrderID,
		Sequence:      sequence,
		Payload:       payload,
	}, nil
}

// ParseEnvelope decodes an envelope from its wire form.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("events: decode envelope: %w", err)
	}
	return env, nil
}
