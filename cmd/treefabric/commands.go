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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/treefabric/services/fabric/config"
)

// --- Global Command Variables ---
var (
	configPath   string
	outputMode   string
	targetNode   string
	forceInit    bool
	taskCount    int
	taskDesc     string
	taskParallel int
	noWatch      bool
	topInterval  time.Duration
	historyLimit int
	archiveTo    string

	rootCmd = &cobra.Command{
		Use:   "treefabric",
		Short: "Run and operate a three-level task routing tree",
		Long: `treefabric routes tasks from a root through intermediates to leaves,
tracks the token load under each intermediate and moves leaves between
intermediates when the load drifts apart.`,
		SilenceUsage: true,
	}

	// --- Nodes ---
	serveCmd = &cobra.Command{
		Use:   "serve [node_name]",
		Short: "Run one node of the tree",
		Args:  cobra.ExactArgs(1),
		RunE:  runServe, // Defined in cmd_serve.go
	}
	localCmd = &cobra.Command{
		Use:   "local",
		Short: "Run every node of the tree in this process",
		Args:  cobra.NoArgs,
		RunE:  runLocal, // Defined in cmd_serve.go
	}

	// --- Operations ---
	submitCmd = &cobra.Command{
		Use:   "submit [task_id...]",
		Short: "Submit tasks to the root",
		Long:  "Submits the named tasks, or --count generated ones when no ids are given.",
		RunE:  runSubmit, // Defined in cmd_client.go
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show a node's statistics (default: the root)",
		Args:  cobra.NoArgs,
		RunE:  runStats, // Defined in cmd_client.go
	}
	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Check every node's health",
		Args:  cobra.NoArgs,
		RunE:  runHealth, // Defined in cmd_client.go
	}
	rebalanceCmd = &cobra.Command{
		Use:   "rebalance",
		Short: "Ask the root to rebalance now",
		Args:  cobra.NoArgs,
		RunE:  runRebalance, // Defined in cmd_client.go
	}
	thresholdCmd = &cobra.Command{
		Use:   "threshold [value]",
		Short: "Set the rebalance threshold, a fraction in [0, 1]",
		Args:  cobra.ExactArgs(1),
		RunE:  runThreshold, // Defined in cmd_client.go
	}
	reconcileCmd = &cobra.Command{
		Use:   "reconcile",
		Short: "Re-read every intermediate and repair the topology",
		Args:  cobra.NoArgs,
		RunE:  runReconcile, // Defined in cmd_client.go
	}
	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Stream topology events from the root",
		Args:  cobra.NoArgs,
		RunE:  runWatch, // Defined in cmd_watch.go
	}
	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Show the root's persisted topology snapshots",
		Long:  "Lists persisted snapshots, newest first. With --archive the batch is uploaded to Cloud Storage.",
		Args:  cobra.NoArgs,
		RunE:  runHistory, // Defined in cmd_history.go
	}
	topCmd = &cobra.Command{
		Use:   "top",
		Short: "Live dashboard of the tree's topology and loads",
		Args:  cobra.NoArgs,
		RunE:  runTop, // Defined in cmd_top.go
	}

	// --- Configuration ---
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage the deployment file",
	}
	configInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Write the default seven-node deployment file",
		Args:  cobra.NoArgs,
		RunE:  runConfigInit, // Defined in cmd_config.go
	}
	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow, // Defined in cmd_config.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFileName, "deployment file")
	rootCmd.PersistentFlags().StringVarP(&outputMode, "output", "o", "auto", "output format: auto, styled or json")

	localCmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the threshold when the config file changes")

	submitCmd.Flags().IntVarP(&taskCount, "count", "n", 1, "number of generated tasks when no ids are given")
	submitCmd.Flags().IntVarP(&taskParallel, "parallel", "p", 1, "tasks in flight at once")
	submitCmd.Flags().StringVarP(&taskDesc, "description", "d", "", "task description")

	statsCmd.Flags().StringVar(&targetNode, "node", "", "node to query (default: the root)")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "snapshots to read, 0 for all")
	historyCmd.Flags().StringVar(&archiveTo, "archive", "", "upload to this bucket (overrides archive.bucket); \"config\" uses the configured bucket")

	topCmd.Flags().DurationVar(&topInterval, "interval", time.Second, "refresh interval")

	configInitCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(
		serveCmd, localCmd,
		submitCmd, statsCmd, healthCmd, rebalanceCmd, thresholdCmd, reconcileCmd, watchCmd, topCmd, historyCmd,
		configCmd,
	)
}
