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

// Package observability wires OpenTelemetry tracing and Prometheus
// metrics for the council server. Everything degrades to no-ops when
// disabled, so instrumented code never checks configuration itself.
package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// Manager owns the tracer provider and metrics recorder lifecycle.
type Manager struct {
	tracerProvider trace.TracerProvider
	metrics        Metrics
	config         Config
	mu             sync.RWMutex
}

// NewManager creates an uninitialized Manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		config: cfg,
	}
}

// Initialize builds the tracer provider and metric instruments and
// installs them globally.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tp, err := InitGlobalTracer(ctx, m.config.Tracing)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	metrics, err := InitMetrics(ctx, m.config.Metrics)
	if err != nil {
		return err
	}
	m.metrics = metrics

	SetGlobalMetrics(m.metrics)

	return nil
}

// GetTracer returns a named tracer from the manager's provider.
func (m *Manager) GetTracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tracerProvider == nil {
		return GetTracer(name)
	}
	return m.tracerProvider.Tracer(name)
}

// GetMetrics returns the manager's metrics recorder.
func (m *Manager) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.metrics == nil {
		return NoopMetrics{}
	}
	return m.metrics
}

// MetricsPath returns the configured scrape endpoint path.
func (m *Manager) MetricsPath() string {
	return m.config.Metrics.Endpoint
}

// MetricsEnabled reports whether metrics collection is on.
func (m *Manager) MetricsEnabled() bool {
	return m.config.Metrics.Enabled
}

// Shutdown flushes and stops the tracer provider.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if spt, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		return spt.Shutdown(ctx)
	}
	return nil
}
