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
	"net/http"
	"sync"
	"time"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics records measurements for the council's hot paths. All
// implementations must be safe for concurrent use and tolerate being
// called before initialization.
type Metrics interface {
	// RecordLLMCall records one gateway round trip, including retries.
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)

	// RecordDeliberation records one full pipeline run per mode.
	RecordDeliberation(ctx context.Context, mode string, duration time.Duration, err error)

	// RecordHTTPRequest records one handled HTTP request.
	RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration, requestSize, responseSize int64)

	// RecordStreamOpened and RecordStreamClosed track active SSE streams.
	RecordStreamOpened(ctx context.Context)
	RecordStreamClosed(ctx context.Context)

	// Handler serves the scrape endpoint.
	Handler() http.Handler
}

// SetGlobalMetrics installs the process-wide metrics recorder.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide metrics recorder, or nil
// when none has been installed.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}

// NoopMetrics is a metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) RecordLLMCall(_ context.Context, _ string, _ time.Duration, _, _ int, _ error) {
}

func (NoopMetrics) RecordDeliberation(_ context.Context, _ string, _ time.Duration, _ error) {}

func (NoopMetrics) RecordHTTPRequest(_ context.Context, _, _ string, _ int, _ time.Duration, _, _ int64) {
}

func (NoopMetrics) RecordStreamOpened(_ context.Context) {}

func (NoopMetrics) RecordStreamClosed(_ context.Context) {}

// Handler returns a handler that reports metrics as unavailable.
func (NoopMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("metrics not enabled"))
	})
}

var (
	_ Metrics = (*PrometheusMetrics)(nil)
	_ Metrics = NoopMetrics{}
)
