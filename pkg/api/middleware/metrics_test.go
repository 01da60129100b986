package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
)

type mockMetricsRecorder struct {
	requests    int
	activeConns int
	method      string
	route       string
	status      string
	traceID     string
	spanID      string
}

func (m *mockMetricsRecorder) RecordHTTPRequest(ctx context.Context, method, route, status string, duration time.Duration) {
	m.requests++
	m.method = method
	m.route = route
	m.status = status

	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		m.traceID = spanCtx.TraceID().String()
		m.spanID = spanCtx.SpanID().String()
	}
}

func (m *mockMetricsRecorder) IncActiveConnections() {
	m.activeConns++
}

func (m *mockMetricsRecorder) DecActiveConnections() {
	m.activeConns--
}

func TestMetricsSuccess(t *testing.T) {
	mock := &mockMetricsRecorder{}

	handler := Metrics(mock)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))

	req := httptest.NewRequest("GET", "/api/v1/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	if mock.requests != 1 {
		t.Errorf("Expected 1 request recorded, got %d", mock.requests)
	}

	if mock.activeConns != 0 {
		t.Errorf("Expected active connections to be 0 after request, got %d", mock.activeConns)
	}
}

func TestMetricsSkipMetricsEndpoint(t *testing.T) {
	mock := &mockMetricsRecorder{}

	handler := Metrics(mock)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if mock.requests != 0 {
		t.Errorf("Expected 0 requests recorded for /metrics endpoint, got %d", mock.requests)
	}
}

func TestMetricsCaptureStatusCode(t *testing.T) {
	mock := &mockMetricsRecorder{}

	handler := Metrics(mock)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/api/v1/notfound", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}

	if mock.requests != 1 {
		t.Errorf("Expected 1 request recorded, got %d", mock.requests)
	}

	if mock.status != "404" {
		t.Errorf("Expected recorded status \"404\", got %q", mock.status)
	}
}

func TestMetricsHandlePanic(t *testing.T) {
	mock := &mockMetricsRecorder{}

	handler := Metrics(mock)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	req := httptest.NewRequest("GET", "/api/v1/panic", nil)
	w := httptest.NewRecorder()

	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic to be propagated")
		}

		// Should record metrics even on panic
		if mock.requests != 1 {
			t.Errorf("Expected 1 request recorded after panic, got %d", mock.requests)
		}
		if mock.status != "500" {
			t.Errorf("Expected recorded status \"500\", got %q", mock.status)
		}
	}()

	handler.ServeHTTP(w, req)
}

func TestMetricsRouteLabelFromRouter(t *testing.T) {
	mock := &mockMetricsRecorder{}

	r := chi.NewRouter()
	r.Use(Metrics(mock))
	r.Get("/api/v1/sagas/{orderID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/api/v1/sagas/order-12345", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	if mock.requests != 1 {
		t.Fatalf("Expected 1 request recorded, got %d", mock.requests)
	}
	if mock.route != "/api/v1/sagas/{orderID}" {
		t.Errorf("Expected route label from matched pattern, got %q", mock.route)
	}
	if mock.method != "GET" {
		t.Errorf("Expected method GET, got %q", mock.method)
	}
}

func TestMetricsRouteLabelFallback(t *testing.T) {
	mock := &mockMetricsRecorder{}

	// No router in the chain, so the raw path is normalized instead
	handler := Metrics(mock)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/v1/sagas/550e8400-e29b-41d4-a716-446655440000", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if mock.route != "/api/v1/sagas/:id" {
		t.Errorf("Expected normalized fallback route, got %q", mock.route)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/api/v1/sagas/123", "/api/v1/sagas/:id"},
		{"/api/v1/sagas/550e8400-e29b-41d4-a716-446655440000", "/api/v1/sagas/:id"},
		{"/api/v1/orders/123/retries/456", "/api/v1/orders/:id/retries/:id"},
		{"/api/v1/sagas", "/api/v1/sagas"},
		{"/healthz", "/healthz"},
	}

	for _, tt := range tests {
		result := normalizePath(tt.input)
		if result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestMetricsResponseWriterWriteHeader(t *testing.T) {
	w := httptest.NewRecorder()
	mw := &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}

	mw.WriteHeader(http.StatusCreated)

	if mw.statusCode != http.StatusCreated {
		t.Errorf("Expected status code 201, got %d", mw.statusCode)
	}

	if !mw.written {
		t.Error("Expected written flag to be true")
	}

	// Second call should not change status
	mw.WriteHeader(http.StatusBadRequest)
	if mw.statusCode != http.StatusCreated {
		t.Errorf("Expected status code to remain 201, got %d", mw.statusCode)
	}
}

func TestMetricsResponseWriterWrite(t *testing.T) {
	w := httptest.NewRecorder()
	mw := &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}

	data := []byte("test data")
	n, err := mw.Write(data)

	if err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	if n != len(data) {
		t.Errorf("Expected %d bytes written, got %d", len(data), n)
	}

	if !mw.written {
		t.Error("Expected written flag to be true")
	}
}

func TestMetricsTraceContextVisible(t *testing.T) {
	mock := &mockMetricsRecorder{}
	handler := Metrics(mock)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1},
		SpanID:     trace.SpanID{2, 2, 2, 2, 2, 2, 2, 2},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)
	req := httptest.NewRequest("GET", "/api/v1/sagas/order-1", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if mock.requests != 1 {
		t.Fatalf("expected recorder to be called once, got %d", mock.requests)
	}
	if mock.traceID != spanCtx.TraceID().String() {
		t.Fatalf("expected trace_id %s, got %s", spanCtx.TraceID().String(), mock.traceID)
	}
	if mock.spanID != spanCtx.SpanID().String() {
		t.Fatalf("expected span_id %s, got %s", spanCtx.SpanID().String(), mock.spanID)
	}
}

func TestMetricsNoTraceContext(t *testing.T) {
	mock := &mockMetricsRecorder{}
	handler := Metrics(mock)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/v1/sagas/order-1", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if mock.requests != 1 {
		t.Fatalf("expected recorder to be called once, got %d", mock.requests)
	}
	if mock.traceID != "" || mock.spanID != "" {
		t.Fatalf("expected empty trace correlation without span, got trace_id=%q span_id=%q", mock.traceID, mock.spanID)
	}
}
