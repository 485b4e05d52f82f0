// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package intermediate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/treefabric/pkg/logging"
	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
	"github.com/AleutianAI/treefabric/services/fabric/transport"
)

// leafServer answers task forwards after delay, or earlier if the caller
// gives up.
func leafServer(t *testing.T, name string, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var task datatypes.Task
		require.NoError(t, json.NewDecoder(r.Body).Decode(&task))
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
		_ = json.NewEncoder(w).Encode(datatypes.TaskResult{
			TaskID: task.ID,
			Node:   name,
			Status: datatypes.StatusSuccess,
			Tokens: 40,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHandleTask_SlowLeafTimesOutAndRetries(t *testing.T) {
	slow := leafServer(t, "leaf_0", 2*time.Second)
	fast := leafServer(t, "leaf_1", 0)

	client := transport.New(transport.Config{
		Directory: transport.Directory{"leaf_0": slow.URL, "leaf_1": fast.URL},
		Timeouts:  transport.Timeouts{Leaf: 100 * time.Millisecond, Intermediate: time.Second},
		Logger:    logging.Discard(),
	})
	n := newNode(t, []string{"leaf_0", "leaf_1"}, client)

	start := time.Now()
	res := n.HandleTask(context.Background(), datatypes.Task{ID: "slow-1"})
	elapsed := time.Since(start)

	require.True(t, res.Succeeded(), "%+v", res.Error)
	assert.Equal(t, "leaf_1", res.Leaf())
	assert.Equal(t, []string{"leaf_0"}, res.Unreachable)
	assert.Equal(t, int64(40), res.Tokens)
	assert.Less(t, elapsed, time.Second, "the leaf timeout must cut the slow attempt short")

	stats := n.Stats()
	assert.Equal(t, int64(40), stats.ChildTokens["leaf_1"])
	assert.Equal(t, int64(0), stats.ChildTokens["leaf_0"])
}
