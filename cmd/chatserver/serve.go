// Copyright 2024 AI SA Assistant Project
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
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/homebuying-assistant/internal/app"
	"github.com/your-org/homebuying-assistant/internal/config"
)

func newServeCmd(configPath *string) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve POST /api/chat",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, *configPath, logger)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (overrides server.port)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, configPath string, logger *zap.Logger) error {
	masked := cfg.MaskSensitiveValues()
	logger.Info("Configuration loaded successfully",
		zap.String("service", "chatserver"),
		zap.String("llm_provider", masked.LLM.Provider),
		zap.String("llm_model", masked.LLM.Model),
		zap.String("openai_api_key", masked.OpenAI.APIKey),
		zap.String("gemini_api_key", masked.Gemini.APIKey),
		zap.String("server_mode", masked.Server.Mode),
		zap.Bool("rate_limit_enabled", masked.RateLimit.Enabled),
		zap.String("rate_limit_backend", masked.RateLimit.Backend),
		zap.Bool("audit_enabled", masked.Audit.Enabled),
		zap.String("audit_driver", masked.Audit.Driver),
	)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	deps, err := app.Initialize(ctx, cfg, logger, newCompleter)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Warn("Failed to close dependencies", zap.Error(err))
		}
	}()

	err = config.WatchConfig(configPath, logger, func(updated *config.Config) {
		deps.Pipeline.SetPolicy(updated.Scope.Policy())
		logger.Info("Scope policy reloaded",
			zap.Strings("allowed_topics", updated.Scope.AllowedTopics),
			zap.Int("forbidden_keywords", len(updated.Scope.ForbiddenKeywords)),
		)
	})
	if err != nil {
		logger.Info("Config hot reload disabled", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	if deps.MemoryLimiter != nil {
		g.Go(func() error {
			return deps.MemoryLimiter.Run(gctx)
		})
	}

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		return deps.Server().ListenAndServe(gctx, addr, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
	})

	return g.Wait()
}
