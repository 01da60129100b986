package metrics

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"
)

func TestTraceExemplarLabelsWithSpan(t *testing.T) {
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:     trace.SpanID{9, 8, 7, 6, 5, 4, 3, 2},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	labels, ok := traceExemplarLabels(ctx)
	if !ok {
		t.Fatal("expected exemplar labels from valid span context")
	}
	if labels["trace_id"] != spanCtx.TraceID().String() {
		t.Fatalf("expected trace_id %s, got %s", spanCtx.TraceID().String(), labels["trace_id"])
	}
	if labels["span_id"] != spanCtx.SpanID().String() {
		t.Fatalf("expected span_id %s, got %s", spanCtx.SpanID().String(), labels["span_id"])
	}
}

func TestTraceExemplarLabelsWithoutSpan(t *testing.T) {
	labels, ok := traceExemplarLabels(context.Background())
	if ok {
		t.Fatalf("expected no exemplar labels without span, got %v", labels)
	}
}

func TestRecordHTTPRequestByRoute(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	m := NewManager(cfg)

	m.RecordHTTPRequest(context.Background(), "GET", "/api/v1/sagas/{orderID}", "200", 12*time.Millisecond)
	m.IncActiveConnections()
	m.DecActiveConnections()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	body := w.Body.String()
	expected := []string{
		`http_requests_total{method="GET",route="/api/v1/sagas/{orderID}",status="200"} 1`,
		`http_request_duration_seconds_count{method="GET",route="/api/v1/sagas/{orderID}"} 1`,
		`http_active_connections 0`,
	}
	for _, series := range expected {
		if !contains(body, series) {
			t.Errorf("expected series %s not found in output", series)
		}
	}
}

func TestRecordHTTPRequestWithSampledTrace(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	m := NewManager(cfg)

	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0xaa, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	// Exemplar annotation must not change the recorded sample itself.
	m.RecordHTTPRequest(ctx, "POST", "/api/v1/orders/{orderID}/retry", "202", 3*time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	body := w.Body.String()
	expected := []string{
		`http_requests_total{method="POST",route="/api/v1/orders/{orderID}/retry",status="202"} 1`,
		`http_request_duration_seconds_count{method="POST",route="/api/v1/orders/{orderID}/retry"} 1`,
	}
	for _, series := range expected {
		if !contains(body, series) {
			t.Errorf("expected series %s not found in output", series)
		}
	}
}
