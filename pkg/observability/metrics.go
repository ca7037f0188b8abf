// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// PrometheusMetrics implements Metrics on top of the OpenTelemetry
// Prometheus exporter. The zero value is a safe no-op whose Handler
// reports metrics as unavailable.
type PrometheusMetrics struct {
	enabled bool

	llmDuration     metric.Float64Histogram
	llmRequests     metric.Int64Counter
	llmErrors       metric.Int64Counter
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter

	deliberationDuration metric.Float64Histogram
	deliberations        metric.Int64Counter
	deliberationErrors   metric.Int64Counter

	httpDuration metric.Float64Histogram
	httpRequests metric.Int64Counter

	activeStreams metric.Int64UpDownCounter
}

// InitMetrics builds the metric instruments and registers the
// Prometheus exporter on the default registry.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter(cfg.Namespace)

	name := func(suffix string) string {
		return cfg.Namespace + "_" + suffix
	}

	m := &PrometheusMetrics{enabled: true}

	if m.llmDuration, err = meter.Float64Histogram(
		name("llm_request_duration_seconds"),
		metric.WithDescription("LLM gateway round trip duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}
	if m.llmRequests, err = meter.Int64Counter(
		name("llm_requests_total"),
		metric.WithDescription("Total LLM gateway calls"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm requests counter: %w", err)
	}
	if m.llmErrors, err = meter.Int64Counter(
		name("llm_errors_total"),
		metric.WithDescription("Total failed LLM gateway calls"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}
	if m.llmInputTokens, err = meter.Int64Counter(
		name("llm_tokens_input_total"),
		metric.WithDescription("Total input tokens sent to models"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}
	if m.llmOutputTokens, err = meter.Int64Counter(
		name("llm_tokens_output_total"),
		metric.WithDescription("Total output tokens from models"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	if m.deliberationDuration, err = meter.Float64Histogram(
		name("deliberation_duration_seconds"),
		metric.WithDescription("Full deliberation pipeline duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create deliberation duration histogram: %w", err)
	}
	if m.deliberations, err = meter.Int64Counter(
		name("deliberations_total"),
		metric.WithDescription("Total deliberation pipeline runs"),
	); err != nil {
		return nil, fmt.Errorf("failed to create deliberations counter: %w", err)
	}
	if m.deliberationErrors, err = meter.Int64Counter(
		name("deliberation_errors_total"),
		metric.WithDescription("Total failed deliberation pipeline runs"),
	); err != nil {
		return nil, fmt.Errorf("failed to create deliberation errors counter: %w", err)
	}

	if m.httpDuration, err = meter.Float64Histogram(
		name("http_request_duration_seconds"),
		metric.WithDescription("HTTP request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}
	if m.httpRequests, err = meter.Int64Counter(
		name("http_requests_total"),
		metric.WithDescription("Total HTTP requests"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	if m.activeStreams, err = meter.Int64UpDownCounter(
		name("active_sse_streams"),
		metric.WithDescription("Currently open SSE streams"),
	); err != nil {
		return nil, fmt.Errorf("failed to create active streams counter: %w", err)
	}

	return m, nil
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("model", model))

	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.llmRequests.Add(ctx, 1, attrs)
	if inputTokens > 0 {
		m.llmInputTokens.Add(ctx, int64(inputTokens), attrs)
	}
	if outputTokens > 0 {
		m.llmOutputTokens.Add(ctx, int64(outputTokens), attrs)
	}
	if err != nil {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordDeliberation(ctx context.Context, mode string, duration time.Duration, err error) {
	if m == nil || m.deliberationDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("mode", mode))

	m.deliberationDuration.Record(ctx, duration.Seconds(), attrs)
	m.deliberations.Add(ctx, 1, attrs)
	if err != nil {
		m.deliberationErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration, requestSize, responseSize int64) {
	if m == nil || m.httpDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", statusCode),
	)

	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
	m.httpRequests.Add(ctx, 1, attrs)
}

func (m *PrometheusMetrics) RecordStreamOpened(ctx context.Context) {
	if m == nil || m.activeStreams == nil {
		return
	}
	m.activeStreams.Add(ctx, 1)
}

func (m *PrometheusMetrics) RecordStreamClosed(ctx context.Context) {
	if m == nil || m.activeStreams == nil {
		return
	}
	m.activeStreams.Add(ctx, -1)
}

// Handler serves the Prometheus scrape endpoint.
func (m *PrometheusMetrics) Handler() http.Handler {
	if m == nil || !m.enabled {
		return NoopMetrics{}.Handler()
	}
	return promhttp.Handler()
}
