package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestConfig_SetDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	if cfg.Tracing.Endpoint != DefaultOTLPEndpoint {
		t.Errorf("Tracing.Endpoint = %q, want %q", cfg.Tracing.Endpoint, DefaultOTLPEndpoint)
	}
	if cfg.Tracing.ServiceName != DefaultServiceName {
		t.Errorf("Tracing.ServiceName = %q, want %q", cfg.Tracing.ServiceName, DefaultServiceName)
	}
	if cfg.Tracing.SamplingRate != 1.0 {
		t.Errorf("Tracing.SamplingRate = %v, want 1.0", cfg.Tracing.SamplingRate)
	}
	if !cfg.Tracing.IsInsecure() {
		t.Error("IsInsecure() = false, want true by default")
	}
	if cfg.Metrics.Endpoint != DefaultMetricsPath {
		t.Errorf("Metrics.Endpoint = %q, want %q", cfg.Metrics.Endpoint, DefaultMetricsPath)
	}
	if cfg.Metrics.Namespace != DefaultNamespace {
		t.Errorf("Metrics.Namespace = %q, want %q", cfg.Metrics.Namespace, DefaultNamespace)
	}
}

func TestConfig_OTLPEndpointEnvEnablesTracing(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OTEL_SERVICE_NAME", "council-staging")

	var cfg Config
	cfg.SetDefaults()

	if !cfg.Tracing.Enabled {
		t.Error("Tracing.Enabled = false, want true when OTLP endpoint env is set")
	}
	if cfg.Tracing.Endpoint != "collector:4317" {
		t.Errorf("Tracing.Endpoint = %q, want collector:4317", cfg.Tracing.Endpoint)
	}
	if cfg.Tracing.ServiceName != "council-staging" {
		t.Errorf("Tracing.ServiceName = %q, want council-staging", cfg.Tracing.ServiceName)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{
		Tracing: TracingConfig{Enabled: true, Endpoint: "localhost:4317", SamplingRate: 2.0},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for sampling_rate > 1")
	}

	cfg = Config{
		Tracing: TracingConfig{Enabled: true, SamplingRate: 0.5},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing endpoint")
	}

	var disabled Config
	disabled.SetDefaults()
	if err := disabled.Validate(); err != nil {
		t.Errorf("Validate() error = %v for defaults", err)
	}
}

func TestPrometheusMetrics_ZeroValueIsSafe(t *testing.T) {
	ctx := context.Background()
	metrics := &PrometheusMetrics{}

	metrics.RecordLLMCall(ctx, "openai/gpt-5.1", 500*time.Millisecond, 100, 50, nil)
	metrics.RecordDeliberation(ctx, "council", 20*time.Second, nil)
	metrics.RecordHTTPRequest(ctx, "GET", "/api/health", 200, time.Millisecond, 0, 20)
	metrics.RecordStreamOpened(ctx)
	metrics.RecordStreamClosed(ctx)

	recorder := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusServiceUnavailable {
		t.Errorf("disabled Handler() status = %d, want 503", recorder.Code)
	}
}

func TestInitMetrics_Disabled(t *testing.T) {
	metrics, err := InitMetrics(context.Background(), MetricsConfig{})
	if err != nil {
		t.Fatalf("InitMetrics() error = %v", err)
	}
	metrics.RecordLLMCall(context.Background(), "m", time.Second, 1, 1, nil)
}

func TestGlobalMetrics(t *testing.T) {
	defer SetGlobalMetrics(nil)

	SetGlobalMetrics(NoopMetrics{})
	if GetGlobalMetrics() == nil {
		t.Error("expected non-nil metrics after SetGlobalMetrics")
	}

	GetGlobalMetrics().RecordLLMCall(context.Background(), "m", time.Second, 1, 1, nil)
}

func TestInitGlobalTracer_DisabledReturnsNoop(t *testing.T) {
	tp, err := InitGlobalTracer(context.Background(), TracingConfig{})
	if err != nil {
		t.Fatalf("InitGlobalTracer() error = %v", err)
	}
	if tp == nil {
		t.Fatal("expected a provider")
	}

	_, span := tp.Tracer("test").Start(context.Background(), "span")
	span.End()
}

func TestManager_UninitializedFallbacks(t *testing.T) {
	mgr := NewManager(Config{})

	if mgr.GetMetrics() == nil {
		t.Error("GetMetrics() = nil, want noop fallback")
	}
	if mgr.GetTracer("test") == nil {
		t.Error("GetTracer() = nil, want global fallback")
	}
	if err := mgr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

// captureMetrics records the last HTTP observation for middleware tests.
type captureMetrics struct {
	NoopMetrics
	method string
	route  string
	status int
}

func (c *captureMetrics) RecordHTTPRequest(_ context.Context, method, route string, statusCode int, _ time.Duration, _, _ int64) {
	c.method = method
	c.route = route
	c.status = statusCode
}

func TestHTTPMiddleware_RecordsRequests(t *testing.T) {
	captured := &captureMetrics{}

	handler := HTTPMiddleware(GetTracer("test"), captured)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("done"))
	}))

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/conversations", nil))

	if recorder.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", recorder.Code)
	}
	if captured.method != "POST" || captured.route != "/api/conversations" || captured.status != http.StatusCreated {
		t.Errorf("recorded = %s %s %d, want POST /api/conversations 201", captured.method, captured.route, captured.status)
	}
}

func TestHTTPMiddleware_PreservesFlusher(t *testing.T) {
	var sawFlusher bool
	handler := HTTPMiddleware(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawFlusher = w.(http.Flusher)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/stream", nil))
	if !sawFlusher {
		t.Error("wrapped response writer lost http.Flusher")
	}
}
