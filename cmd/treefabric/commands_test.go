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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/treefabric/pkg/logging"
	"github.com/AleutianAI/treefabric/pkg/ux"
	"github.com/AleutianAI/treefabric/services/fabric/config"
	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
	"github.com/AleutianAI/treefabric/services/fabric/server"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// execute runs the CLI with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		targetNode, forceInit, taskCount, taskParallel = "", false, 1, 1
		historyLimit, archiveTo = 20, ""
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// startTree runs every node of the default layout on loopback listeners and
// writes the matching config file.
func startTree(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.Cost.Model = "hash"
	cfg.Cost.MinTokens, cfg.Cost.MaxTokens = 10, 10
	cfg.Cost.MinDelay, cfg.Cost.MaxDelay = 0, 0

	listeners := map[string]net.Listener{}
	assign := func(nc *config.NodeConfig) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		nc.Address = ln.Addr().String()
		listeners[nc.Name] = ln
	}
	assign(&cfg.Tree.Root)
	for i := range cfg.Tree.Intermediates {
		assign(&cfg.Tree.Intermediates[i].NodeConfig)
	}
	for i := range cfg.Tree.Leaves {
		assign(&cfg.Tree.Leaves[i])
	}

	path := filepath.Join(t.TempDir(), config.DefaultFileName)
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var nodes []*server.Node
	for _, name := range cfg.Names() {
		n, err := server.Build(ctx, cfg, name, server.Options{Listener: listeners[name], Logger: logging.Discard()})
		require.NoError(t, err)
		nodes = append(nodes, n)
	}
	go func() {
		defer close(done)
		errs := make(chan error, len(nodes))
		for _, n := range nodes {
			go func() { errs <- n.Run(ctx) }()
		}
		for range nodes {
			<-errs
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		for _, n := range nodes {
			_ = n.Close()
		}
	})

	client := newClient(cfg)
	for _, name := range cfg.Names() {
		require.Eventually(t, func() bool {
			_, err := client.Health(context.Background(), name)
			return err == nil
		}, 5*time.Second, 20*time.Millisecond)
	}
	return path
}

// =============================================================================
// Command tree
// =============================================================================

var errClosedPipe = errors.New("closed pipe")

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errClosedPipe }

func TestPrintHealth_ReturnsRenderError(t *testing.T) {
	out := ux.NewPrinter(brokenWriter{}, ux.ModeStyled)
	rows := []nodeHealth{{Node: "leaf_0", Health: &datatypes.Health{Node: "leaf_0", Role: datatypes.RoleLeaf}}}

	err := printHealth(out, rows)

	require.Error(t, err)
	assert.ErrorIs(t, err, errClosedPipe)
	assert.Contains(t, err.Error(), "leaf_0")
}

func TestRootCmd_RegistersCommands(t *testing.T) {
	want := []string{"serve", "local", "submit", "stats", "health", "rebalance", "threshold", "reconcile", "watch", "top", "history", "config"}
	var got []string
	for _, c := range rootCmd.Commands() {
		got = append(got, c.Name())
	}
	for _, name := range want {
		assert.Contains(t, got, name)
	}
}

func TestConfigInit_WritesLoadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree.yaml")

	_, err := execute(t, "config", "init", "--config", path, "--output", "json")
	require.NoError(t, err)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Names(), cfg.Names())

	_, err = execute(t, "config", "init", "--config", path)
	assert.Error(t, err)
	_, err = execute(t, "config", "init", "--config", path, "--force")
	assert.NoError(t, err)
}

func TestConfigShow_MissingExplicitFile(t *testing.T) {
	_, err := execute(t, "config", "show", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestThreshold_RejectsNonNumber(t *testing.T) {
	_, err := execute(t, "threshold", "high")
	assert.ErrorIs(t, err, datatypes.ErrValidation)
}

func TestWatchURL(t *testing.T) {
	got, err := watchURL("http://127.0.0.1:8000")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8000/v1/topology/watch", got)

	got, err = watchURL("https://fabric.example/")
	require.NoError(t, err)
	assert.Equal(t, "wss://fabric.example/v1/topology/watch", got)
}

func TestPrintWatchMessage(t *testing.T) {
	var buf bytes.Buffer
	out := ux.NewPrinter(&buf, ux.ModeJSON)

	require.NoError(t, printWatchMessage(out, []byte(`{"type":"snapshot","stats":{"node":"root","state":"BALANCED"}}`)))
	require.NoError(t, printWatchMessage(out, []byte(`{"type":"leaf_moved","leaf":"leaf_0","from":"a","to":"b"}`)))
	assert.Error(t, printWatchMessage(out, []byte(`{"type":"snapshot"}`)))
	assert.Contains(t, buf.String(), `"leaf": "leaf_0"`)
}

// =============================================================================
// Against a running tree
// =============================================================================

func TestClientCommands_AgainstTree(t *testing.T) {
	path := startTree(t)

	out, err := execute(t, "submit", "a", "b", "c", "d", "--config", path, "--output", "json")
	require.NoError(t, err)
	dec := json.NewDecoder(bytes.NewBufferString(out))
	for i := 0; i < 4; i++ {
		var res datatypes.AggregatedResult
		require.NoError(t, dec.Decode(&res))
		assert.True(t, res.Succeeded())
	}

	out, err = execute(t, "stats", "--config", path, "--output", "json")
	require.NoError(t, err)
	var stats datatypes.RootStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.EqualValues(t, 4, stats.TaskCount)
	assert.Equal(t, map[string]int64{"intermediate_left": 20, "intermediate_right": 20}, stats.Loads)

	out, err = execute(t, "stats", "--node", "leaf_0", "--config", path, "--output", "json")
	require.NoError(t, err)
	var leafStats datatypes.LeafStats
	require.NoError(t, json.Unmarshal([]byte(out), &leafStats))
	assert.EqualValues(t, 1, leafStats.TaskCount)

	out, err = execute(t, "rebalance", "--config", path, "--output", "json")
	require.NoError(t, err)
	var report datatypes.RebalanceReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.ActionTaken)

	out, err = execute(t, "threshold", "0.4", "--config", path, "--output", "json")
	require.NoError(t, err)
	var thr datatypes.ThresholdResponse
	require.NoError(t, json.Unmarshal([]byte(out), &thr))
	assert.InDelta(t, 0.4, thr.Threshold, 1e-9)

	_, err = execute(t, "reconcile", "--config", path, "--output", "json")
	require.NoError(t, err)

	out, err = execute(t, "history", "--config", path, "--output", "json")
	require.NoError(t, err)
	var snaps []datatypes.TopologySnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snaps))
	require.NotEmpty(t, snaps)
	assert.InDelta(t, 0.4, snaps[0].Threshold, 1e-9)

	out, err = execute(t, "health", "--config", path, "--output", "json")
	require.NoError(t, err)
	var rows []nodeHealth
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	assert.Len(t, rows, 7)

	_, err = execute(t, "submit", "--count", "6", "--parallel", "3", "--config", path, "--output", "styled")
	require.NoError(t, err)
}
