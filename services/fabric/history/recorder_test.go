// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/treefabric/pkg/logging"
	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
)

// influxStub records the line protocol bodies posted to /api/v2/write.
type influxStub struct {
	mu     sync.Mutex
	bodies []string
	query  []string
	auth   []string
	status int
}

func (s *influxStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/v2/write" {
		http.NotFound(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.bodies = append(s.bodies, string(body))
	s.query = append(s.query, r.URL.RawQuery)
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	status := s.status
	s.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
}

func (s *influxStub) all() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.bodies, "\n")
}

func newRecorder(t *testing.T, stub *influxStub, interval time.Duration) *Recorder {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	r, err := New(Config{URL: srv.URL, Org: "fabric", Bucket: "loads", Token: "secret", SampleInterval: interval}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)

	_, err = New(Config{URL: "http://localhost:8086"}, nil)
	assert.ErrorIs(t, err, datatypes.ErrValidation)
}

func TestConfig_TokenFromEnv(t *testing.T) {
	t.Setenv("FABRIC_INFLUX", "from-env")
	assert.Equal(t, "from-env", Config{TokenEnv: "FABRIC_INFLUX"}.token())
	assert.Equal(t, "inline", Config{Token: "inline", TokenEnv: "FABRIC_INFLUX"}.token())
}

func TestRecordStats_WritesLoadAndState(t *testing.T) {
	stub := &influxStub{}
	r := newRecorder(t, stub, 0)

	stats := datatypes.RootStats{
		Node:       "root",
		Topology:   datatypes.Topology{"intermediate_left": {"leaf_0", "leaf_1"}, "intermediate_right": {"leaf_2"}},
		Loads:      map[string]int64{"intermediate_left": 100, "intermediate_right": 50},
		Threshold:  0.3,
		TaskCount:  2,
		State:      datatypes.StateBalanced,
		Consistent: true,
	}
	require.NoError(t, r.RecordStats(context.Background(), stats, time.Unix(1700000000, 0)))

	body := stub.all()
	assert.Contains(t, body, "branch_load,intermediate=intermediate_left,root=root leaves=2i,load=100i 1700000000000000000")
	assert.Contains(t, body, "branch_load,intermediate=intermediate_right,root=root leaves=1i,load=50i")
	assert.Contains(t, body, "root_state,root=root,state=BALANCED")
	assert.Contains(t, body, "tasks=2i")
	assert.Contains(t, stub.query[0], "bucket=loads")
	assert.Contains(t, stub.query[0], "org=fabric")
	assert.Equal(t, "Token secret", stub.auth[0])
}

func TestRecordEvent(t *testing.T) {
	stub := &influxStub{}
	r := newRecorder(t, stub, 0)

	ev := datatypes.TopologyEvent{
		Type: datatypes.EventLeafMoved,
		Time: time.Unix(1700000000, 0),
		Leaf: "leaf_0",
		From: "intermediate_left",
		To:   "intermediate_right",
	}
	require.NoError(t, r.RecordEvent(context.Background(), "root", ev))

	body := stub.all()
	assert.Contains(t, body, "topology_event,root=root,type=leaf_moved")
	assert.Contains(t, body, `leaf="leaf_0"`)
	assert.Contains(t, body, `to="intermediate_right"`)
}

func TestRecordStats_ServerError(t *testing.T) {
	stub := &influxStub{status: http.StatusUnauthorized}
	r := newRecorder(t, stub, 0)

	err := r.RecordStats(context.Background(), datatypes.RootStats{Node: "root"}, time.Now())
	assert.Error(t, err)
}

// fakeSource is a root with a hand-fed event channel.
type fakeSource struct {
	events chan datatypes.TopologyEvent
}

func (f *fakeSource) Name() string { return "root" }

func (f *fakeSource) Stats() datatypes.RootStats {
	return datatypes.RootStats{
		Node:     "root",
		Topology: datatypes.Topology{"intermediate_left": {"leaf_0"}},
		Loads:    map[string]int64{"intermediate_left": 7},
		State:    datatypes.StateBalanced,
	}
}

func (f *fakeSource) Subscribe() (<-chan datatypes.TopologyEvent, func()) {
	return f.events, func() {}
}

func TestRun_SamplesAndRecordsEvents(t *testing.T) {
	stub := &influxStub{}
	r := newRecorder(t, stub, 20*time.Millisecond)
	src := &fakeSource{events: make(chan datatypes.TopologyEvent, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx, src)
	}()

	src.events <- datatypes.TopologyEvent{Type: datatypes.EventThresholdChanged, Details: "0.3 -> 0.5"}
	require.Eventually(t, func() bool {
		body := stub.all()
		return strings.Contains(body, "type=threshold_changed") && strings.Contains(body, "load=7i")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
