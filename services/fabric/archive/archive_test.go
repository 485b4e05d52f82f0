// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

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

	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
)

// gcsStub accepts every upload and echoes an object resource.
type gcsStub struct {
	mu    sync.Mutex
	paths []string
	body  string
}

func (s *gcsStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.paths = append(s.paths, r.URL.Path)
	s.body += string(body)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"bucket":"fabric-archive","name":"topology.ndjson","size":"1"}`)
}

func newArchiver(t *testing.T, stub *gcsStub) *Archiver {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	a, err := New(context.Background(), Config{
		Bucket:    "fabric-archive",
		Prefix:    "trees/prod",
		Endpoint:  srv.URL + "/storage/v1/",
		Anonymous: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	a.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }
	return a
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{Anonymous: true})
	assert.ErrorIs(t, err, datatypes.ErrValidation)
}

func TestObjectName(t *testing.T) {
	a := &Archiver{prefix: "trees/prod"}
	assert.Equal(t, "trees/prod/topology-20250304T050607Z.ndjson", a.ObjectName(time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)))

	a.prefix = ""
	assert.Equal(t, "topology-20250304T050607Z.ndjson", a.ObjectName(time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)))
}

func TestUpload_WritesOneLinePerSnapshot(t *testing.T) {
	stub := &gcsStub{}
	a := newArchiver(t, stub)

	snaps := []datatypes.TopologySnapshot{
		{Threshold: 0.3, Loads: map[string]int64{"intermediate_left": 0}},
		{Threshold: 0.5, Loads: map[string]int64{"intermediate_left": 10}},
	}
	url, err := a.Upload(context.Background(), snaps)

	require.NoError(t, err)
	assert.Equal(t, "gs://fabric-archive/trees/prod/topology-20250304T050607Z.ndjson", url)
	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.NotEmpty(t, stub.paths)
	assert.Contains(t, stub.paths[0], "fabric-archive")
	assert.Contains(t, stub.body, `"threshold":0.3`)
	assert.Contains(t, stub.body, `"threshold":0.5`)
	assert.True(t, strings.Contains(stub.body, ContentType))
}

func TestUpload_Empty(t *testing.T) {
	a := newArchiver(t, &gcsStub{})
	_, err := a.Upload(context.Background(), nil)
	assert.Error(t, err)
}
