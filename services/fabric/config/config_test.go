// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/treefabric/pkg/logging"
	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
	"github.com/AleutianAI/treefabric/services/fabric/transport"
)

func TestDefault_IsValidSevenNodeTree(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Len(t, cfg.Names(), 7)
	assert.Equal(t, []string{"intermediate_left", "intermediate_right"}, cfg.IntermediateOrder())
	assert.Equal(t, []string{"leaf_0", "leaf_1", "leaf_2", "leaf_3"}, cfg.LeafNames())
	assert.Equal(t, datatypes.Topology{
		"intermediate_left":  {"leaf_0", "leaf_1"},
		"intermediate_right": {"leaf_2", "leaf_3"},
	}, cfg.InitialTopology())
	assert.Equal(t, "http://127.0.0.1:8000", cfg.Directory()["root"])
	assert.Equal(t, "http://127.0.0.1:8006", cfg.Directory()["leaf_3"])
}

func TestNode_RolesAndParents(t *testing.T) {
	cfg := Default()

	tests := []struct {
		name   string
		role   datatypes.Role
		parent string
	}{
		{"root", datatypes.RoleRoot, ""},
		{"intermediate_right", datatypes.RoleIntermediate, "root"},
		{"leaf_1", datatypes.RoleLeaf, "intermediate_left"},
		{"leaf_2", datatypes.RoleLeaf, "intermediate_right"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, parent, err := cfg.Node(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.role, id.Role)
			assert.Equal(t, tt.parent, parent)
		})
	}

	_, _, err := cfg.Node("leaf_9")
	assert.ErrorIs(t, err, datatypes.ErrUnknownNode)
}

func TestParse_OverridesAndKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
rebalance:
  threshold: 0.5
  interval: 30s
timeouts:
  leaf: 1s
`))
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.Rebalance.Threshold)
	assert.Equal(t, 30*time.Second, cfg.Rebalance.Interval)
	assert.Equal(t, time.Second, cfg.Timeouts.Leaf)
	assert.Equal(t, transport.DefaultTimeouts().Control, cfg.Timeouts.Control)
	assert.Len(t, cfg.Tree.Leaves, 4)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"threshold above one", "rebalance: {threshold: 1.5}"},
		{"negative threshold", "rebalance: {threshold: -0.1}"},
		{"bad log level", "logging: {level: loud}"},
		{"intermediate timeout below two leaf attempts", "timeouts: {leaf: 3s, intermediate: 5s}"},
		{"leaf timeout outgrows default intermediate", "timeouts: {leaf: 3s}"},
		{"orphan leaf", `
tree:
  root: {name: root, address: 127.0.0.1:9000}
  intermediates:
    - {name: a, address: 127.0.0.1:9001, children: [l0]}
  leaves:
    - {name: l0, address: 127.0.0.1:9002}
    - {name: l1, address: 127.0.0.1:9003}
`},
		{"duplicate leaf", `
tree:
  root: {name: root, address: 127.0.0.1:9000}
  intermediates:
    - {name: a, address: 127.0.0.1:9001, children: [l0]}
    - {name: b, address: 127.0.0.1:9002, children: [l0]}
  leaves:
    - {name: l0, address: 127.0.0.1:9003}
`},
		{"duplicate name", `
tree:
  root: {name: a, address: 127.0.0.1:9000}
  intermediates:
    - {name: a, address: 127.0.0.1:9001, children: [l0]}
  leaves:
    - {name: l0, address: 127.0.0.1:9003}
`},
		{"shared address", `
tree:
  root: {name: root, address: 127.0.0.1:9000}
  intermediates:
    - {name: a, address: 127.0.0.1:9000, children: [l0]}
  leaves:
    - {name: l0, address: 127.0.0.1:9003}
`},
		{"bad address", `
tree:
  root: {name: root, address: nowhere}
  intermediates:
    - {name: a, address: 127.0.0.1:9001, children: [l0]}
  leaves:
    - {name: l0, address: 127.0.0.1:9003}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	_, err := Parse([]byte("tree: ["))
	assert.Error(t, err)
}

func TestWriteDefault_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultFileName)
	require.NoError(t, WriteDefault(path, false))
	assert.Error(t, WriteDefault(path, false), "refuses to overwrite")
	require.NoError(t, WriteDefault(path, true))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoggingConfig_Build(t *testing.T) {
	lc := LoggingConfig{Level: "warn", Dir: "/tmp/logs", JSON: true}.Build("root")
	assert.Equal(t, logging.LevelWarn, lc.Level)
	assert.Equal(t, "root", lc.Service)
	assert.True(t, lc.JSON)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, WriteDefault(path, false))
	cfg, err := Load(path)
	require.NoError(t, err)

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, cfg, func(c *Config) { reloaded <- c }, logging.Discard())
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	next := Default()
	next.Rebalance.Threshold = 0.6
	writeConfig(t, path, next)

	select {
	case got := <-reloaded:
		assert.Equal(t, 0.6, got.Rebalance.Threshold)
		assert.Equal(t, 0.6, w.Current().Rebalance.Threshold)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatcher_KeepsPreviousOnInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, WriteDefault(path, false))
	cfg, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, cfg, nil, logging.Discard())
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("rebalance: {threshold: 7}"), 0644))
	w.reload()
	assert.Same(t, cfg, w.Current())
}

func writeConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	tmp := path + ".tmp"
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tmp, data, 0644))
	require.NoError(t, os.Rename(tmp, path))
}
