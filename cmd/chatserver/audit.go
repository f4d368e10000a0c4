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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/your-org/homebuying-assistant/internal/answer"
	"github.com/your-org/homebuying-assistant/internal/audit"
	"github.com/your-org/homebuying-assistant/internal/config"
)

// auditReport is printed by the audit command
type auditReport struct {
	Stats  map[answer.Outcome]int `json:"stats"`
	Recent []audit.Record         `json:"recent"`
}

func newAuditCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print outcome counts and the most recent audit records as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be at least 1, got %d", limit)
			}

			// Reading the trail needs no LLM credentials
			cfg, err := config.LoadWithOptions(config.LoadOptions{ConfigPath: *configPath})
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if !cfg.Audit.Enabled {
				return errors.New("audit trail is not enabled in configuration")
			}

			store, err := audit.Open(cmd.Context(), audit.Config{Driver: cfg.Audit.Driver, DSN: cfg.Audit.DSN}, nil)
			if err != nil {
				return fmt.Errorf("failed to open audit store: %w", err)
			}
			defer func() { _ = store.Close() }()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			recent, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if recent == nil {
				recent = []audit.Record{}
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(auditReport{Stats: stats, Recent: recent})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of recent records to print")
	return cmd
}
