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

// Package server exposes the deliberation service over HTTP. Plain
// endpoints speak JSON; the deliberation endpoints stream server-sent
// events. On shutdown every open stream receives a server_shutdown
// event before the listener drains.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/llmcouncil/pkg/arena"
	"github.com/kadirpekel/llmcouncil/pkg/attachments"
	"github.com/kadirpekel/llmcouncil/pkg/auth"
	"github.com/kadirpekel/llmcouncil/pkg/catalog"
	"github.com/kadirpekel/llmcouncil/pkg/config"
	"github.com/kadirpekel/llmcouncil/pkg/council"
	"github.com/kadirpekel/llmcouncil/pkg/gateway"
	"github.com/kadirpekel/llmcouncil/pkg/observability"
	"github.com/kadirpekel/llmcouncil/pkg/storage"
	"github.com/kadirpekel/llmcouncil/pkg/websearch"
)

// shutdownGrace bounds how long open SSE streams may drain after a
// termination signal.
const shutdownGrace = 10 * time.Second

// Server is the LLM Council HTTP server.
type Server struct {
	cfg         *config.Config
	store       *storage.Store
	userConfig  *config.UserConfigStore
	gw          *gateway.Client
	council     *council.Pipeline
	arena       *arena.Pipeline
	catalog     *catalog.Client
	search      *websearch.Client
	attachments *attachments.Manager
	authn       *auth.Authenticator
	obs         *observability.Manager

	httpServer *http.Server
	streams    *streamRegistry
}

// Option configures the server.
type Option func(*Server)

// WithObservability wires the tracing/metrics manager; when its
// metrics are enabled the scrape endpoint is mounted too.
func WithObservability(obs *observability.Manager) Option {
	return func(s *Server) { s.obs = obs }
}

// Deps carries the collaborators the server routes requests to.
type Deps struct {
	Store       *storage.Store
	UserConfig  *config.UserConfigStore
	Gateway     *gateway.Client
	Council     *council.Pipeline
	Arena       *arena.Pipeline
	Catalog     *catalog.Client
	Search      *websearch.Client
	Attachments *attachments.Manager
}

// New builds the server over its collaborators.
func New(cfg *config.Config, deps Deps, opts ...Option) *Server {
	s := &Server{
		cfg:         cfg,
		store:       deps.Store,
		userConfig:  deps.UserConfig,
		gw:          deps.Gateway,
		council:     deps.Council,
		arena:       deps.Arena,
		catalog:     deps.Catalog,
		search:      deps.Search,
		attachments: deps.Attachments,
		authn:       auth.New(cfg.Auth.Enabled, cfg.Auth.TrustedProxyIPs),
		streams:     newStreamRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// routes builds the chi router for the /api surface.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/version", s.handleVersion)
		r.Get("/user", s.handleUser)

		r.Get("/config", s.handleGetConfig)
		r.Post("/config", s.handleUpdateConfig)
		r.Post("/config/reload", s.handleReloadConfig)
		r.Get("/config/schema", s.handleConfigSchema)

		r.Get("/curated-models", s.handleGetCuratedModels)
		r.Post("/curated-models", s.handleUpdateCuratedModels)

		r.Get("/models", s.handleModels)
		r.Post("/models/refresh", s.handleModelsRefresh)

		r.Post("/attachments", s.handleUploadAttachment)

		r.Get("/conversations", s.handleListConversations)
		r.Post("/conversations", s.handleCreateConversation)

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetConversation)
			r.Patch("/", s.handleUpdateConversation)
			r.Delete("/", s.handleDeleteConversation)

			r.Get("/export/markdown", s.handleExportMarkdown)
			r.Get("/export/json", s.handleExportJSON)

			r.Get("/pending", s.handleGetPending)
			r.Delete("/pending", s.handleClearPending)

			r.Post("/message", s.handleSendMessage)
			r.Post("/message/stream", s.handleSendMessageStream)
			r.Post("/retry-synthesis/stream", s.handleRetrySynthesisStream)
			r.Post("/extend-debate/stream", s.handleExtendDebateStream)
		})
	})

	if s.obs != nil && s.obs.MetricsEnabled() {
		r.Handle(s.obs.MetricsPath(), s.obs.GetMetrics().Handler())
	}

	return r
}

// Handler returns the fully assembled handler: routes wrapped in the
// middleware chain (recover -> request-id -> access log -> CORS ->
// auth -> routes, with observability outermost when configured).
func (s *Server) Handler() http.Handler {
	handler := s.authn.Middleware(userLogMiddleware(s.routes()))
	handler = s.corsMiddleware(handler)
	handler = accessLogMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = recovererMiddleware(handler)
	if s.obs != nil {
		handler = observability.HTTPMiddleware(s.obs.GetTracer("llmcouncil.http"), s.obs.GetMetrics())(handler)
	}
	return handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: deliberations hold SSE streams open for
		// minutes.
		IdleTimeout: 120 * time.Second,
	}

	slog.Info("HTTP server starting", "address", addr, "auth_enabled", s.authn.Enabled())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown broadcasts server_shutdown to open streams, waits for them
// to drain within the grace period, then stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down", "active_streams", s.streams.count())
	s.streams.initiateShutdown()
	s.streams.waitDrained(shutdownGrace)

	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}
	return nil
}
