// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/treefabric/pkg/logging"
	"github.com/AleutianAI/treefabric/services/fabric/config"
	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
	"github.com/AleutianAI/treefabric/services/fabric/transport"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func build(t *testing.T, cfg *config.Config, name string, opts Options) *Node {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	n, err := Build(context.Background(), cfg, name, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestBuild_UnknownNode(t *testing.T) {
	_, err := Build(context.Background(), config.Default(), "leaf_9", Options{Logger: logging.Discard()})
	assert.ErrorIs(t, err, datatypes.ErrUnknownNode)
}

func TestBuild_RejectsBadCostModel(t *testing.T) {
	cfg := config.Default()
	cfg.Cost.Model = "quadratic"
	_, err := Build(context.Background(), cfg, "leaf_0", Options{Logger: logging.Discard()})
	assert.Error(t, err)
}

func TestBuild_RegistersRoleRoutes(t *testing.T) {
	tests := []struct {
		name string
		role datatypes.Role
		want string
	}{
		{"leaf_0", datatypes.RoleLeaf, "POST " + transport.PathTask},
		{"intermediate_left", datatypes.RoleIntermediate, "POST " + transport.PathChildren},
		{"root", datatypes.RoleRoot, "POST " + transport.PathRebalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := build(t, config.Default(), tt.name, Options{})
			assert.Equal(t, tt.role, n.Identity().Role)
			assert.Equal(t, tt.role == datatypes.RoleRoot, n.Root() != nil)

			var registered []string
			for _, r := range n.Router().Routes() {
				registered = append(registered, r.Method+" "+r.Path)
			}
			assert.Contains(t, registered, tt.want)
			assert.Contains(t, registered, "GET "+transport.PathHealth)
			assert.Contains(t, registered, "GET "+transport.PathMetrics)
		})
	}
}

func TestBuild_ServesHealthAndMetrics(t *testing.T) {
	n := build(t, config.Default(), "leaf_1", Options{})

	w := httptest.NewRecorder()
	n.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, transport.PathHealth, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"leaf_1"`)

	w = httptest.NewRecorder()
	n.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, transport.PathMetrics, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestBuild_RootRestoresPersistedThreshold(t *testing.T) {
	cfg := config.Default()
	cfg.StateDir = t.TempDir()

	first, err := Build(context.Background(), cfg, "root", Options{Logger: logging.Discard()})
	require.NoError(t, err)
	_, err = first.Root().SetThreshold(context.Background(), 0.55)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := build(t, cfg, "root", Options{})
	assert.InDelta(t, 0.55, second.Root().Threshold(), 1e-9)

	_, err = os.Stat(filepath.Join(cfg.StateDir, "root"))
	assert.NoError(t, err)
}

func TestBuild_ReloadUpdatesThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.DefaultFileName)
	require.NoError(t, config.WriteDefault(path, false))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	n := build(t, cfg, "root", Options{ConfigPath: path})

	reloaded := *cfg
	reloaded.Rebalance.Threshold = 0.8
	n.applyReload(&reloaded)
	assert.InDelta(t, 0.8, n.Root().Threshold(), 1e-9)

	reloaded.Rebalance.Threshold = 1.5
	n.applyReload(&reloaded)
	assert.InDelta(t, 0.8, n.Root().Threshold(), 1e-9)
}

func TestRun_StopsOnCancel(t *testing.T) {
	n := build(t, config.Default(), "leaf_2", Options{Listener: listen(t)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(ShutdownTimeout + time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestBuild_RootWithHistoryRecorder(t *testing.T) {
	cfg := config.Default()
	cfg.History.URL = "http://127.0.0.1:1"
	cfg.History.Org = "fabric"
	cfg.History.Bucket = "loads"

	n := build(t, cfg, "root", Options{})
	assert.NotNil(t, n.recorder)

	leafNode := build(t, cfg, "leaf_0", Options{})
	assert.Nil(t, leafNode.recorder)
}

func TestBuild_RootServesHistory(t *testing.T) {
	n := build(t, config.Default(), "root", Options{})
	_, err := n.Root().SetThreshold(context.Background(), 0.45)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	n.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, transport.PathHistory+"?limit=5", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"threshold":0.45`)
}
