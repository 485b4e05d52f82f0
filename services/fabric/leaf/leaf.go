// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package leaf implements the terminal worker of the tree.
//
// A leaf prices each task with a CostModel, simulates the work by waiting
// out the cost's delay, and reports the token cost back to its parent. It
// keeps a running token total and remembers which intermediate forwarded
// its most recent task.
package leaf

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
	"github.com/AleutianAI/treefabric/services/fabric/observability"
)

// Node is a leaf worker.
//
// # Thread Safety
//
// HandleTask may run concurrently. Counters are guarded by one mutex that
// is never held while the simulated work runs.
type Node struct {
	name    string
	cost    CostModel
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	parent string
	tokens int64
	tasks  int64
	failed int64
}

// Option configures a Node.
type Option func(*Node)

// WithCostModel replaces the default random cost model.
func WithCostModel(m CostModel) Option {
	return func(n *Node) { n.cost = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// New creates a leaf named name.
func New(name string, opts ...Option) *Node {
	n := &Node{name: name}
	for _, opt := range opts {
		opt(n)
	}
	if n.cost == nil {
		n.cost = NewRandomCost(DefaultCostConfig())
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	n.logger = n.logger.With("node", name, "role", datatypes.RoleLeaf)
	return n
}

// Name returns the leaf's name.
func (n *Node) Name() string { return n.name }

// HandleTask processes one task forwarded by parent.
//
// # Description
//
// Invalid tasks produce a validation failure result. Otherwise the task is
// priced, the delay is waited out, and the tokens are added to the leaf's
// total. If ctx ends first the result is a "cancelled" failure and nothing
// is counted. parent may be empty for direct calls.
//
// # Outputs
//
//   - datatypes.TaskResult: Always returned, never an error.
func (n *Node) HandleTask(ctx context.Context, task datatypes.Task, parent string) datatypes.TaskResult {
	start := time.Now()
	if parent != "" {
		n.mu.Lock()
		n.parent = parent
		n.mu.Unlock()
	}

	if err := task.Validate(); err != nil {
		return n.fail(task.ID, datatypes.FailureValidation, err.Error(), start)
	}

	cost := n.cost.Cost(task)
	timer := time.NewTimer(cost.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return n.fail(task.ID, datatypes.FailureCancelled, ctx.Err().Error(), start)
	}

	n.mu.Lock()
	n.tokens += cost.Tokens
	n.tasks++
	n.mu.Unlock()

	elapsed := time.Since(start)
	n.metrics.AddTokens(n.name, n.name, cost.Tokens)
	n.metrics.ObserveTask(n.name, string(datatypes.StatusSuccess), elapsed.Seconds())
	n.logger.Debug("task processed", "task_id", task.ID, "tokens", cost.Tokens, "parent", parent)

	return datatypes.TaskResult{
		TaskID:     task.ID,
		Node:       n.name,
		Status:     datatypes.StatusSuccess,
		Payload:    map[string]any{"processed_by": n.name, "description": task.Description},
		Tokens:     cost.Tokens,
		DurationMS: elapsed.Milliseconds(),
	}
}

func (n *Node) fail(taskID string, kind datatypes.FailureKind, msg string, start time.Time) datatypes.TaskResult {
	n.mu.Lock()
	n.failed++
	n.mu.Unlock()

	n.metrics.ObserveTask(n.name, string(datatypes.StatusFailure), time.Since(start).Seconds())
	n.logger.Warn("task failed", "task_id", taskID, "kind", kind, "error", msg)
	return datatypes.TaskResult{
		TaskID:     taskID,
		Node:       n.name,
		Status:     datatypes.StatusFailure,
		DurationMS: time.Since(start).Milliseconds(),
		Error:      &datatypes.Failure{Kind: kind, Message: msg, Node: n.name},
	}
}

// Health reports the leaf's identity, current parent and token total.
func (n *Node) Health() datatypes.Health {
	n.mu.Lock()
	defer n.mu.Unlock()
	return datatypes.Health{
		Status:     "healthy",
		Node:       n.name,
		Role:       datatypes.RoleLeaf,
		Parent:     n.parent,
		TokenTotal: n.tokens,
	}
}

// Stats reports the leaf's counters.
func (n *Node) Stats() datatypes.LeafStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return datatypes.LeafStats{
		Node:        n.name,
		Role:        datatypes.RoleLeaf,
		Parent:      n.parent,
		TokenTotal:  n.tokens,
		TaskCount:   n.tasks,
		FailedCount: n.failed,
	}
}
