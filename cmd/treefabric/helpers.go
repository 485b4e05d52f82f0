// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/treefabric/pkg/logging"
	"github.com/AleutianAI/treefabric/pkg/ux"
	"github.com/AleutianAI/treefabric/services/fabric/config"
	"github.com/AleutianAI/treefabric/services/fabric/transport"
)

// loadConfig reads the --config file. A missing file is only an error when
// the flag was given explicitly; otherwise the default layout is used.
//
// # Outputs
//
//   - *config.Config: The effective configuration.
//   - string: The file it came from, or "" for the built-in default.
//   - error: Unreadable or invalid file.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, configPath, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.Default(), "", nil
	}
	return nil, "", err
}

// newClient builds a transport client for CLI calls. CLI calls never trip a
// breaker for later calls, so the breaker stays at its defaults.
func newClient(cfg *config.Config) *transport.Client {
	return transport.New(transport.Config{
		Directory: cfg.Directory(),
		Timeouts:  cfg.Timeouts,
		Breaker:   cfg.Breaker,
		Logger:    logging.Discard(),
	})
}

func newPrinter(cmd *cobra.Command) *ux.Printer {
	return ux.NewPrinter(cmd.OutOrStdout(), ux.ParseMode(outputMode))
}

// cliLogger logs warnings and errors for client commands to stderr.
func cliLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelWarn, Service: "treefabric", Output: os.Stderr})
}

// shutdownTimeout bounds telemetry flushes on exit.
const shutdownTimeout = 5 * time.Second
