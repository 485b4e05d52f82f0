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
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/treefabric/pkg/ux"
	"github.com/AleutianAI/treefabric/services/fabric/config"
	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
	"github.com/AleutianAI/treefabric/services/fabric/transport"
)

// errTasksFailed marks a submit run in which some tasks did not complete.
var errTasksFailed = errors.New("tasks failed")

// clientSetup loads the config and builds a client and printer.
func clientSetup(cmd *cobra.Command) (*config.Config, *transport.Client, *ux.Printer, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, newClient(cfg), newPrinter(cmd), nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, client, out, err := clientSetup(cmd)
	if err != nil {
		return err
	}

	ids := args
	if len(ids) == 0 {
		if taskCount < 1 {
			return fmt.Errorf("%w: --count must be at least 1", datatypes.ErrValidation)
		}
		ids = make([]string, taskCount)
		for i := range ids {
			ids[i] = uuid.NewString()
		}
	}

	var (
		mu     sync.Mutex
		failed int
		tokens int64
	)
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(max(taskParallel, 1))
	for _, id := range ids {
		g.Go(func() error {
			res, err := client.SubmitTask(ctx, cfg.Tree.Root.Name, datatypes.Task{ID: id, Description: taskDesc})
			if err != nil {
				return fmt.Errorf("submit %s: %w", id, err)
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Succeeded() {
				tokens += res.Tokens
			} else {
				failed++
			}
			return out.Result(res)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if failed > 0 {
		out.Status(ux.IconWarning, fmt.Sprintf("%d of %d tasks failed", failed, len(ids)))
		return fmt.Errorf("%w: %d of %d", errTasksFailed, failed, len(ids))
	}
	out.Status(ux.IconSuccess, fmt.Sprintf("%d tasks, %d tokens", len(ids), tokens))
	return nil
}

func runStats(cmd *cobra.Command, _ []string) error {
	cfg, client, out, err := clientSetup(cmd)
	if err != nil {
		return err
	}
	name := targetNode
	if name == "" {
		name = cfg.Tree.Root.Name
	}
	id, _, err := cfg.Node(name)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	switch id.Role {
	case datatypes.RoleRoot:
		stats, err := client.RootStats(ctx, name)
		if err != nil {
			return err
		}
		return out.RootStats(stats)
	case datatypes.RoleIntermediate:
		stats, err := client.IntermediateStats(ctx, name)
		if err != nil {
			return err
		}
		return out.IntermediateStats(stats)
	default:
		stats, err := client.LeafStats(ctx, name)
		if err != nil {
			return err
		}
		return out.LeafStats(stats)
	}
}

// nodeHealth is one row of the health command's JSON output.
type nodeHealth struct {
	Node   string            `json:"node"`
	Health *datatypes.Health `json:"health,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func runHealth(cmd *cobra.Command, _ []string) error {
	cfg, client, out, err := clientSetup(cmd)
	if err != nil {
		return err
	}
	names := cfg.Names()
	rows := checkHealth(cmd.Context(), client, names)

	down := 0
	for _, row := range rows {
		if row.Error != "" {
			down++
		}
	}
	if err := printHealth(out, rows); err != nil {
		return err
	}
	if down > 0 {
		return fmt.Errorf("%d of %d nodes unhealthy", down, len(names))
	}
	return nil
}

// checkHealth probes every node concurrently, preserving order.
func checkHealth(ctx context.Context, client *transport.Client, names []string) []nodeHealth {
	rows := make([]nodeHealth, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows[i].Node = name
			h, err := client.Health(ctx, name)
			if err != nil {
				rows[i].Error = err.Error()
				return
			}
			rows[i].Health = &h
		}()
	}
	wg.Wait()
	return rows
}

func runRebalance(cmd *cobra.Command, _ []string) error {
	cfg, client, out, err := clientSetup(cmd)
	if err != nil {
		return err
	}
	report, err := client.Rebalance(cmd.Context(), cfg.Tree.Root.Name)
	if err != nil {
		return err
	}
	return out.Rebalance(report)
}

func runThreshold(cmd *cobra.Command, args []string) error {
	v, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("%w: threshold %q is not a number", datatypes.ErrValidation, args[0])
	}
	cfg, client, out, err := clientSetup(cmd)
	if err != nil {
		return err
	}
	resp, err := client.SetThreshold(cmd.Context(), cfg.Tree.Root.Name, v)
	if err != nil {
		return err
	}
	if !out.Styled() {
		return out.JSON(resp)
	}
	out.Status(ux.IconSuccess, fmt.Sprintf("threshold %.2f %s %.2f", resp.Previous, ux.IconArrow, resp.Threshold))
	return nil
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	cfg, client, out, err := clientSetup(cmd)
	if err != nil {
		return err
	}
	report, err := client.Reconcile(cmd.Context(), cfg.Tree.Root.Name)
	if err != nil {
		return err
	}
	if err := out.Reconcile(report); err != nil {
		return err
	}
	if !report.Consistent {
		return datatypes.ErrInconsistentTopology
	}
	return nil
}

func printHealth(out *ux.Printer, rows []nodeHealth) error {
	if !out.Styled() {
		return out.JSON(rows)
	}
	for _, row := range rows {
		if row.Health != nil {
			if err := out.Health(*row.Health); err != nil {
				return fmt.Errorf("render health for %s: %w", row.Node, err)
			}
			continue
		}
		out.Status(ux.IconError, fmt.Sprintf("%s %s", row.Node, row.Error))
	}
	return nil
}
