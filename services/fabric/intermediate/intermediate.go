// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intermediate implements the middle tier of the tree: a mutable
// set of leaves served round-robin, with a single retry on a different leaf.
//
// Every task response and every update acknowledgement carries the
// intermediate's ChildSetView. The root folds those views into its mirror of
// the topology, which is how it learns about changes it did not make itself.
package intermediate

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/treefabric/services/fabric/balance"
	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
	"github.com/AleutianAI/treefabric/services/fabric/observability"
)

// =============================================================================
// Interfaces
// =============================================================================

// LeafClient forwards a task to a leaf by name. transport.Client satisfies
// it; tests use in-memory fakes.
type LeafClient interface {
	LeafTask(ctx context.Context, leaf, parent string, task datatypes.Task) (datatypes.TaskResult, error)
}

// =============================================================================
// Node
// =============================================================================

// Node is an intermediate router.
//
// # Description
//
// Node owns a balance.ChildSet and a balance.LoadCounter keyed by child.
// Picks and counter updates take short in-memory locks; the forward to a
// leaf runs with no lock held. UpdateChildren calls are serialized so they
// apply in arrival order.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
type Node struct {
	name    string
	parent  string
	leafSet []string
	epoch   string

	children *balance.ChildSet
	loads    *balance.LoadCounter
	client   LeafClient
	logger   *slog.Logger
	metrics  *observability.Metrics

	updateMu sync.Mutex
}

// Option configures a Node.
type Option func(*Node)

// WithParent records the root's name for health reports.
func WithParent(parent string) Option {
	return func(n *Node) { n.parent = parent }
}

// WithLeafSet restricts UpdateChildren to the fixed leaf set. Without it
// any well-formed name is accepted.
func WithLeafSet(leaves []string) Option {
	return func(n *Node) { n.leafSet = slices.Clone(leaves) }
}

// WithEpoch overrides the random process epoch.
func WithEpoch(epoch string) Option {
	return func(n *Node) { n.epoch = epoch }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// New creates an intermediate with its initial children.
//
// # Outputs
//
//   - *Node: The intermediate, with ChildSet version 1.
//   - error: Wraps datatypes.ErrValidation if initial is not a valid set.
func New(name string, initial []string, client LeafClient, opts ...Option) (*Node, error) {
	n := &Node{name: name, client: client}
	for _, opt := range opts {
		opt(n)
	}
	if n.epoch == "" {
		n.epoch = uuid.NewString()
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	n.logger = n.logger.With("node", name, "role", datatypes.RoleIntermediate)

	if err := n.validateChildren(initial); err != nil {
		return nil, err
	}
	n.children = balance.NewChildSet(name, n.epoch, initial)
	n.loads = balance.NewLoadCounter(initial...)
	n.metrics.ChildSet(name, len(initial), 1)
	return n, nil
}

// Name returns the intermediate's name.
func (n *Node) Name() string { return n.name }

// View returns the current ChildSet.
func (n *Node) View() datatypes.ChildSetView { return n.children.View() }

// HandleTask routes one task to a child.
//
// # Description
//
// The child is picked round-robin. If the forward fails (transport error,
// timeout, open breaker, or a failure result) and the observed snapshot has
// another child, the task is retried once on the next child of that same
// snapshot. Tokens of a successful forward are charged to the child that
// answered.
//
// # Outputs
//
//   - datatypes.AggregatedResult: Always returned. Failures carry a kind
//     and the children that failed in Unreachable.
func (n *Node) HandleTask(ctx context.Context, task datatypes.Task) datatypes.AggregatedResult {
	start := time.Now()

	if err := task.Validate(); err != nil {
		return n.failed(start, datatypes.FailedResult(task.ID, n.name, datatypes.FailureValidation, err.Error()))
	}

	pick, ok := n.children.Pick()
	if !ok {
		return n.failed(start, datatypes.FailedResult(task.ID, n.name, datatypes.FailureNoChildren, "child set is empty"))
	}

	child := pick.Child
	res, err := n.forward(ctx, child, task)
	var unreachable, reasons []string

	if err != nil {
		unreachable = append(unreachable, child)
		reasons = append(reasons, fmt.Sprintf("%s: %v", child, err))

		if alt, ok := pick.Alternate(); ok && ctx.Err() == nil {
			n.metrics.Retry(n.name, child)
			n.logger.Warn("retrying on alternate child", "task_id", task.ID, "failed", child, "alternate", alt, "error", err)
			child = alt
			res, err = n.forward(ctx, child, task)
			if err != nil {
				unreachable = append(unreachable, child)
				reasons = append(reasons, fmt.Sprintf("%s: %v", child, err))
			}
		}
	}

	view := n.children.View()
	if err != nil {
		kind := datatypes.FailureUnreachableChild
		if ctx.Err() != nil {
			kind = datatypes.FailureCancelled
		}
		out := datatypes.FailedResult(task.ID, n.name, kind, strings.Join(reasons, "; "))
		out.Unreachable = unreachable
		out.Topology = &view
		return n.failed(start, out)
	}

	n.loads.Add(child, res.Tokens)
	n.metrics.AddTokens(n.name, child, res.Tokens)
	n.metrics.ObserveTask(n.name, string(datatypes.StatusSuccess), time.Since(start).Seconds())

	return datatypes.AggregatedResult{
		TaskID:      task.ID,
		Status:      datatypes.StatusSuccess,
		Path:        []string{n.name, child},
		Result:      &res,
		Tokens:      res.Tokens,
		Unreachable: unreachable,
		Topology:    &view,
	}
}

// forward sends task to child and folds a failure result into the error.
func (n *Node) forward(ctx context.Context, child string, task datatypes.Task) (datatypes.TaskResult, error) {
	res, err := n.client.LeafTask(ctx, child, n.name, task)
	if err != nil {
		return res, err
	}
	if !res.Succeeded() {
		if res.Error != nil {
			return res, res.Error
		}
		return res, fmt.Errorf("%w: %s answered status %q", datatypes.ErrUnreachable, child, res.Status)
	}
	return res, nil
}

func (n *Node) failed(start time.Time, res datatypes.AggregatedResult) datatypes.AggregatedResult {
	n.loads.Fail()
	n.metrics.ObserveTask(n.name, string(datatypes.StatusFailure), time.Since(start).Seconds())
	n.logger.Warn("task failed", "task_id", res.TaskID, "kind", res.Error.Kind, "error", res.Error.Message)
	return res
}

// UpdateChildren atomically replaces the ChildSet.
//
// # Description
//
// Names must be well formed, unique, and (when a leaf set is configured)
// members of the fixed leaf set. An empty list is accepted and leaves the
// intermediate with no children. Concurrent calls are applied one at a time
// in the order they acquire the update lock.
//
// # Outputs
//
//   - datatypes.ChildSetView: The set as installed, with its new version.
//   - error: Wraps datatypes.ErrValidation; the set is unchanged.
func (n *Node) UpdateChildren(children []string) (datatypes.ChildSetView, error) {
	if err := n.validateChildren(children); err != nil {
		return n.children.View(), err
	}

	n.updateMu.Lock()
	defer n.updateMu.Unlock()

	before := n.children.View()
	view := n.children.Replace(children)
	n.metrics.ChildSet(n.name, len(view.Children), view.Version)
	n.logger.Info("children updated",
		"previous", before.Children,
		"children", view.Children,
		"version", view.Version,
	)
	return view, nil
}

func (n *Node) validateChildren(children []string) error {
	seen := make(map[string]bool, len(children))
	for _, c := range children {
		if !datatypes.ValidNodeName(c) {
			return fmt.Errorf("%w: invalid child name %q", datatypes.ErrValidation, c)
		}
		if seen[c] {
			return fmt.Errorf("%w: duplicate child %q", datatypes.ErrValidation, c)
		}
		if len(n.leafSet) > 0 && !slices.Contains(n.leafSet, c) {
			return fmt.Errorf("%w: %q is not a known leaf", datatypes.ErrValidation, c)
		}
		seen[c] = true
	}
	return nil
}

// Stats reports counters and the current set without side effects.
func (n *Node) Stats() datatypes.IntermediateStats {
	view := n.children.View()
	snap := n.loads.Snapshot()
	return datatypes.IntermediateStats{
		Node:        n.name,
		Role:        datatypes.RoleIntermediate,
		Parent:      n.parent,
		Children:    view.Children,
		TokenTotal:  snap.Total,
		TaskCount:   snap.Tasks,
		FailedCount: snap.Failed,
		ChildTokens: snap.Loads,
		Topology:    view,
	}
}

// Health reports identity, parent and children.
func (n *Node) Health() datatypes.Health {
	view := n.children.View()
	return datatypes.Health{
		Status:     "healthy",
		Node:       n.name,
		Role:       datatypes.RoleIntermediate,
		Parent:     n.parent,
		Children:   view.Children,
		TokenTotal: n.loads.Snapshot().Total,
	}
}
