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

// Package main runs the chat endpoint as a single function behind a
// platform gateway. Requests are validated strictly and per-client limits
// are left to the gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/your-org/homebuying-assistant/internal/answer"
	"github.com/your-org/homebuying-assistant/internal/app"
	"github.com/your-org/homebuying-assistant/internal/config"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFunctionDefaults(cfg)

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Initialize(ctx, cfg, logger, nil)
	if err != nil {
		logger.Fatal("Failed to initialize dependencies", zap.Error(err))
	}
	defer func() { _ = deps.Close() }()

	logger.Info("Starting chat function",
		zap.Int("port", cfg.Server.Port),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("llm_model", cfg.LLM.Model),
	)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	if err := deps.Server().ListenAndServe(ctx, addr, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout); err != nil {
		logger.Error("Chat function stopped", zap.Error(err))
	}
}

// applyFunctionDefaults switches to strict validation and drops the
// process-local collaborators a function instance cannot keep.
func applyFunctionDefaults(cfg *config.Config) {
	cfg.Server.Mode = string(answer.ModeStrict)
	cfg.Server.RequireJSON = false
	cfg.RateLimit.Enabled = false
	cfg.Audit.Enabled = cfg.Audit.Enabled && cfg.Audit.Driver == "postgres"
}
