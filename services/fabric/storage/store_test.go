// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/treefabric/pkg/logging"
	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
)

func snapshot(at time.Time, leftChildren ...string) datatypes.TopologySnapshot {
	return datatypes.TopologySnapshot{
		Views: map[string]datatypes.ChildSetView{
			"intermediate_left":  {Owner: "intermediate_left", Children: leftChildren, Version: 2, Epoch: "e1"},
			"intermediate_right": {Owner: "intermediate_right", Children: []string{"leaf_2", "leaf_3"}, Version: 1, Epoch: "e2"},
		},
		Threshold: 0.3,
		Loads:     map[string]int64{"intermediate_left": 0, "intermediate_right": 0},
		UpdatedAt: at,
	}
}

func TestLoadSnapshot_Empty(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveAndLoadSnapshot(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveSnapshot(context.Background(), snapshot(at, "leaf_0", "leaf_1")))
	require.NoError(t, s.SaveSnapshot(context.Background(), snapshot(at.Add(time.Second), "leaf_1")))

	got, ok, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"leaf_1"}, got.Views["intermediate_left"].Children)
	assert.Equal(t, datatypes.Topology{
		"intermediate_left":  {"leaf_1"},
		"intermediate_right": {"leaf_2", "leaf_3"},
	}, got.Topology())
	assert.True(t, got.UpdatedAt.Equal(at.Add(time.Second)))
}

func TestHistory_NewestFirstAndTrimmed(t *testing.T) {
	s, err := Open(Config{InMemory: true, HistoryLimit: 2, Logger: logging.Discard()})
	require.NoError(t, err)
	defer s.Close()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, children := range [][]string{{"leaf_0"}, {"leaf_1"}, {"leaf_0", "leaf_1"}} {
		require.NoError(t, s.SaveSnapshot(context.Background(), snapshot(base.Add(time.Duration(i)*time.Minute), children...)))
	}

	all, err := s.History(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, []string{"leaf_0", "leaf_1"}, all[0].Views["intermediate_left"].Children)
	assert.Equal(t, []string{"leaf_1"}, all[1].Views["intermediate_left"].Children)

	one, err := s.History(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0
	cfg.Logger = logging.Discard()

	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.SaveSnapshot(context.Background(), snapshot(time.Now().UTC(), "leaf_1", "leaf_0")))
	require.NoError(t, s.Close())

	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Close()

	got, ok, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"leaf_1", "leaf_0"}, got.Views["intermediate_left"].Children)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestSaveSnapshot_CancelledContext(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.SaveSnapshot(ctx, snapshot(time.Now(), "leaf_0")), context.Canceled)
}

func TestClosedStore(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, _, err = s.LoadSnapshot(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
