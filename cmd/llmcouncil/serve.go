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

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kadirpekel/llmcouncil/pkg/arena"
	"github.com/kadirpekel/llmcouncil/pkg/attachments"
	"github.com/kadirpekel/llmcouncil/pkg/catalog"
	"github.com/kadirpekel/llmcouncil/pkg/config"
	"github.com/kadirpekel/llmcouncil/pkg/council"
	"github.com/kadirpekel/llmcouncil/pkg/gateway"
	"github.com/kadirpekel/llmcouncil/pkg/observability"
	"github.com/kadirpekel/llmcouncil/pkg/server"
	"github.com/kadirpekel/llmcouncil/pkg/storage"
	"github.com/kadirpekel/llmcouncil/pkg/websearch"
)

// ServeCmd starts the deliberation server.
type ServeCmd struct {
	Host string `help:"Host to bind to (overrides config)."`
	Port int    `help:"Port to listen on (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	if err := config.LoadEnvFiles(); err != nil {
		slog.Warn("Env file load failed", "error", err)
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if c.Host != "" {
		cfg.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Port = c.Port
	}

	if err := setupLogging(cli, cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	obs := observability.NewManager(*cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		slog.Warn("Observability init failed, continuing without it", "error", err)
	}
	defer func() {
		if err := obs.Shutdown(context.Background()); err != nil {
			slog.Warn("Observability shutdown failed", "error", err)
		}
	}()

	userConfig := config.NewUserConfigStore(cfg.DataDir)
	store := storage.NewStore(cfg.DataDir, storage.WithDefaults(userConfig))
	gw := gateway.New(cfg.Gateway.APIURL, cfg.Gateway.APIKey)
	defer gw.Close()

	attachmentMgr := attachments.NewManager(cfg.DataDir)
	search := websearch.New(cfg.Search.TavilyAPIKey)
	modelCatalog := catalog.New(cfg.Gateway.APIKey)

	councilPipeline := council.NewPipeline(gw, store,
		council.WithSearcher(search),
		council.WithAttachmentProcessor(attachmentMgr),
	)
	arenaPipeline := arena.NewPipeline(gw, store,
		arena.WithSearcher(search),
		arena.WithAttachmentProcessor(attachmentMgr),
	)

	// Panel changes written through the API or edited on disk are
	// picked up without a restart.
	go func() {
		err := userConfig.Watch(ctx, func(updated config.UserConfig) {
			slog.Info("User config reloaded",
				"council_models", len(updated.CouncilModels),
				"chairman_model", updated.ChairmanModel)
		})
		if err != nil && ctx.Err() == nil {
			slog.Warn("User config watcher stopped", "error", err)
		}
	}()

	srv := server.New(cfg, server.Deps{
		Store:       store,
		UserConfig:  userConfig,
		Gateway:     gw,
		Council:     councilPipeline,
		Arena:       arenaPipeline,
		Catalog:     modelCatalog,
		Search:      search,
		Attachments: attachmentMgr,
	}, server.WithObservability(obs))

	return srv.Start(ctx)
}
