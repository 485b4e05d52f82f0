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
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/treefabric/pkg/logging"
	"github.com/AleutianAI/treefabric/services/fabric/config"
	"github.com/AleutianAI/treefabric/services/fabric/server"
	"github.com/AleutianAI/treefabric/services/fabric/telemetry"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	name := args[0]

	logger := logging.New(cfg.Logging.Build(name))
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := initTelemetry(ctx, cfg, name)
	if err != nil {
		return err
	}
	defer flush(shutdown, logger.Slog())

	node, err := server.Build(ctx, cfg, name, server.Options{ConfigPath: path, Logger: logger.Slog()})
	if err != nil {
		return err
	}
	defer node.Close()

	return node.Run(ctx)
}

func runLocal(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if noWatch {
		path = ""
	}

	logger := logging.New(cfg.Logging.Build("treefabric"))
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := initTelemetry(ctx, cfg, "treefabric-local")
	if err != nil {
		return err
	}
	defer flush(shutdown, logger.Slog())

	nodes, err := buildAll(ctx, cfg, path, logger.Slog())
	if err != nil {
		return err
	}
	defer func() {
		for _, n := range nodes {
			_ = n.Close()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		g.Go(func() error { return n.Run(gctx) })
	}
	logger.Info("local tree running", "nodes", len(nodes), "root", cfg.Tree.Root.Address)
	return g.Wait()
}

// buildAll builds every node in cfg. Only the root watches configPath.
func buildAll(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) ([]*server.Node, error) {
	var nodes []*server.Node
	for _, name := range cfg.Names() {
		opts := server.Options{Logger: logger.With("node", name)}
		if name == cfg.Tree.Root.Name {
			opts.ConfigPath = configPath
		}
		n, err := server.Build(ctx, cfg, name, opts)
		if err != nil {
			for _, built := range nodes {
				_ = built.Close()
			}
			return nil, fmt.Errorf("build %s: %w", name, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func initTelemetry(ctx context.Context, cfg *config.Config, service string) (func(context.Context) error, error) {
	tel := cfg.Telemetry
	tel.ServiceName = service
	shutdown, err := telemetry.Init(ctx, tel)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	return shutdown, nil
}

func flush(shutdown func(context.Context) error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown", "error", err)
	}
}
