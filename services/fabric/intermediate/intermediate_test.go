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
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/treefabric/pkg/logging"
	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
)

// fakeLeaves answers for every leaf unless it is marked down.
type fakeLeaves struct {
	mu     sync.Mutex
	down   map[string]bool
	tokens int64
	calls  map[string]int
	parent map[string]string
}

func newFakeLeaves() *fakeLeaves {
	return &fakeLeaves{down: map[string]bool{}, tokens: 100, calls: map[string]int{}, parent: map[string]string{}}
}

func (f *fakeLeaves) LeafTask(_ context.Context, leaf, parent string, task datatypes.Task) (datatypes.TaskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[leaf]++
	f.parent[leaf] = parent
	if f.down[leaf] {
		return datatypes.TaskResult{}, fmt.Errorf("%w: %s refused connection", datatypes.ErrUnreachable, leaf)
	}
	return datatypes.TaskResult{TaskID: task.ID, Node: leaf, Status: datatypes.StatusSuccess, Tokens: f.tokens}, nil
}

func (f *fakeLeaves) setDown(leaf string, down bool) {
	f.mu.Lock()
	f.down[leaf] = down
	f.mu.Unlock()
}

var leafSet = []string{"leaf_0", "leaf_1", "leaf_2", "leaf_3"}

func newNode(t *testing.T, children []string, client LeafClient) *Node {
	t.Helper()
	n, err := New("intermediate_left", children, client,
		WithParent("root"),
		WithLeafSet(leafSet),
		WithEpoch("epoch-1"),
		WithLogger(logging.Discard()),
	)
	require.NoError(t, err)
	return n
}

func TestHandleTask_RoundRobinFairness(t *testing.T) {
	leaves := newFakeLeaves()
	n := newNode(t, []string{"leaf_0", "leaf_1"}, leaves)

	for i := 0; i < 10; i++ {
		res := n.HandleTask(context.Background(), datatypes.Task{ID: fmt.Sprintf("t-%d", i)})
		require.True(t, res.Succeeded())
	}

	assert.Equal(t, 5, leaves.calls["leaf_0"])
	assert.Equal(t, 5, leaves.calls["leaf_1"])
	assert.Equal(t, "intermediate_left", leaves.parent["leaf_0"])

	stats := n.Stats()
	assert.Equal(t, int64(1000), stats.TokenTotal)
	assert.Equal(t, int64(500), stats.ChildTokens["leaf_0"])
	assert.Equal(t, int64(10), stats.TaskCount)
}

func TestHandleTask_ResultCarriesPathAndView(t *testing.T) {
	n := newNode(t, []string{"leaf_0", "leaf_1"}, newFakeLeaves())

	res := n.HandleTask(context.Background(), datatypes.Task{ID: "t-1"})

	require.True(t, res.Succeeded())
	assert.Equal(t, []string{"intermediate_left", "leaf_0"}, res.Path)
	assert.Equal(t, int64(100), res.Tokens)
	require.NotNil(t, res.Topology)
	assert.Equal(t, "epoch-1", res.Topology.Epoch)
	assert.Equal(t, uint64(1), res.Topology.Version)
	assert.Equal(t, []string{"leaf_0", "leaf_1"}, res.Topology.Children)
}

func TestHandleTask_RetriesOnAlternateChild(t *testing.T) {
	leaves := newFakeLeaves()
	leaves.setDown("leaf_0", true)
	n := newNode(t, []string{"leaf_0", "leaf_1"}, leaves)

	res := n.HandleTask(context.Background(), datatypes.Task{ID: "t-1"})

	require.True(t, res.Succeeded(), "retry must rescue the task")
	assert.Equal(t, "leaf_1", res.Leaf())
	assert.Equal(t, []string{"leaf_0"}, res.Unreachable)
	assert.Equal(t, int64(100), n.Stats().ChildTokens["leaf_1"])
	assert.Equal(t, int64(0), n.Stats().ChildTokens["leaf_0"])
}

func TestHandleTask_RetryOnlyOnce(t *testing.T) {
	leaves := newFakeLeaves()
	leaves.setDown("leaf_0", true)
	leaves.setDown("leaf_1", true)
	n := newNode(t, []string{"leaf_0", "leaf_1", "leaf_2"}, leaves)

	res := n.HandleTask(context.Background(), datatypes.Task{ID: "t-1"})

	assert.False(t, res.Succeeded())
	assert.Equal(t, datatypes.FailureUnreachableChild, res.Error.Kind)
	assert.Equal(t, []string{"leaf_0", "leaf_1"}, res.Unreachable)
	assert.Equal(t, 0, leaves.calls["leaf_2"], "no third attempt")
	assert.Equal(t, int64(1), n.Stats().FailedCount)
}

func TestHandleTask_SingleChildNoRetry(t *testing.T) {
	leaves := newFakeLeaves()
	leaves.setDown("leaf_0", true)
	n := newNode(t, []string{"leaf_0"}, leaves)

	res := n.HandleTask(context.Background(), datatypes.Task{ID: "t-1"})

	assert.False(t, res.Succeeded())
	assert.Equal(t, 1, leaves.calls["leaf_0"])
}

func TestHandleTask_Validation(t *testing.T) {
	leaves := newFakeLeaves()
	n := newNode(t, []string{"leaf_0"}, leaves)

	res := n.HandleTask(context.Background(), datatypes.Task{})

	assert.Equal(t, datatypes.FailureValidation, res.Error.Kind)
	assert.Empty(t, leaves.calls, "invalid tasks are never forwarded")
}

func TestHandleTask_EmptyChildSet(t *testing.T) {
	n := newNode(t, nil, newFakeLeaves())
	res := n.HandleTask(context.Background(), datatypes.Task{ID: "t"})
	assert.Equal(t, datatypes.FailureNoChildren, res.Error.Kind)
}

func TestHandleTask_FailureResultTriggersRetry(t *testing.T) {
	client := leafFunc(func(leaf string, task datatypes.Task) (datatypes.TaskResult, error) {
		if leaf == "leaf_0" {
			return datatypes.TaskResult{TaskID: task.ID, Node: leaf, Status: datatypes.StatusFailure,
				Error: &datatypes.Failure{Kind: datatypes.FailureCancelled, Message: "busy", Node: leaf}}, nil
		}
		return datatypes.TaskResult{TaskID: task.ID, Node: leaf, Status: datatypes.StatusSuccess, Tokens: 7}, nil
	})
	n := newNode(t, []string{"leaf_0", "leaf_1"}, client)

	res := n.HandleTask(context.Background(), datatypes.Task{ID: "t"})
	require.True(t, res.Succeeded())
	assert.Equal(t, "leaf_1", res.Leaf())
}

type leafFunc func(leaf string, task datatypes.Task) (datatypes.TaskResult, error)

func (f leafFunc) LeafTask(_ context.Context, leaf, _ string, task datatypes.Task) (datatypes.TaskResult, error) {
	return f(leaf, task)
}

// =============================================================================
// UpdateChildren Tests
// =============================================================================

func TestUpdateChildren(t *testing.T) {
	n := newNode(t, []string{"leaf_0", "leaf_1"}, newFakeLeaves())

	view, err := n.UpdateChildren([]string{"leaf_1", "leaf_2"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), view.Version)
	assert.Equal(t, []string{"leaf_1", "leaf_2"}, n.Health().Children)

	view, err = n.UpdateChildren([]string{})
	require.NoError(t, err)
	assert.Empty(t, view.Children)
	assert.Equal(t, uint64(3), view.Version)
}

func TestUpdateChildren_Rejects(t *testing.T) {
	n := newNode(t, []string{"leaf_0"}, newFakeLeaves())

	tests := map[string][]string{
		"duplicate": {"leaf_1", "leaf_1"},
		"unknown":   {"leaf_9"},
		"empty":     {""},
	}
	for name, children := range tests {
		t.Run(name, func(t *testing.T) {
			view, err := n.UpdateChildren(children)
			assert.True(t, errors.Is(err, datatypes.ErrValidation))
			assert.Equal(t, []string{"leaf_0"}, view.Children, "set unchanged")
			assert.Equal(t, uint64(1), view.Version)
		})
	}
}

func TestUpdateChildren_ConcurrentWithTasks(t *testing.T) {
	n := newNode(t, []string{"leaf_0", "leaf_1"}, newFakeLeaves())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			res := n.HandleTask(context.Background(), datatypes.Task{ID: fmt.Sprintf("t-%d", i)})
			assert.True(t, res.Succeeded())
		}(i)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = n.UpdateChildren([]string{"leaf_2", "leaf_3"})
			} else {
				_, _ = n.UpdateChildren([]string{"leaf_0", "leaf_1"})
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(21), n.View().Version)
	assert.Len(t, n.View().Children, 2)
}

func TestNew_RejectsInvalidInitialSet(t *testing.T) {
	_, err := New("i", []string{"leaf_0", "leaf_0"}, newFakeLeaves(), WithLogger(logging.Discard()))
	assert.ErrorIs(t, err, datatypes.ErrValidation)
}

func TestStats_Idempotent(t *testing.T) {
	n := newNode(t, []string{"leaf_0", "leaf_1"}, newFakeLeaves())
	n.HandleTask(context.Background(), datatypes.Task{ID: "a"})
	assert.Equal(t, n.Stats(), n.Stats())
}
