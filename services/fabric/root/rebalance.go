// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package root

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/AleutianAI/treefabric/pkg/saga"
	"github.com/AleutianAI/treefabric/services/fabric/balance"
	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
)

// Rebalance outcomes recorded on the rebalances metric.
const (
	outcomeNoop         = "noop"
	outcomeMoved        = "moved"
	outcomeRolledBack   = "rolled_back"
	outcomeInconsistent = "inconsistent"
	outcomeRefused      = "refused"
)

// =============================================================================
// Rebalance
// =============================================================================

// TriggerRebalance runs one pass of the rebalancer synchronously.
//
// # Description
//
// Concurrent callers share a single pass and receive the same report. The
// pass runs to completion even if ctx is cancelled once it has started,
// because abandoning a move between its two updates would leave the leaf
// attached to neither intermediate.
//
// # Outputs
//
//   - datatypes.RebalanceReport: Always populated. ActionTaken is true only
//     when a leaf moved.
//   - error: nil for a no-op or a completed move. Wraps
//     datatypes.ErrTopologyMove when a move failed and was rolled back, and
//     datatypes.ErrInconsistentTopology when the rollback failed too or the
//     mirror is already inconsistent.
func (n *Node) TriggerRebalance(ctx context.Context) (datatypes.RebalanceReport, error) {
	v, err, shared := n.group.Do("rebalance", func() (any, error) {
		return n.rebalance(context.WithoutCancel(ctx))
	})
	if shared {
		n.logger.Debug("rebalance coalesced with a concurrent trigger")
	}
	report, _ := v.(datatypes.RebalanceReport)
	return report, err
}

func (n *Node) rebalance(ctx context.Context) (datatypes.RebalanceReport, error) {
	n.opsMu.Lock()
	defer n.opsMu.Unlock()

	n.mu.Lock()
	threshold := n.threshold
	topo := n.topologyLocked()
	blocked := n.inconsistent || len(n.restarted) > 0
	n.mu.Unlock()

	report := datatypes.RebalanceReport{Threshold: threshold}

	if pr := balance.CheckPartition(n.leaves, n.order, topo); blocked || !pr.OK() {
		report.Inconsistent = true
		report.Details = "topology mirror is inconsistent; reconcile before rebalancing"
		n.metrics.Rebalance(outcomeRefused)
		return n.finish(report, datatypes.StateImbalanced),
			fmt.Errorf("%w: %s", datatypes.ErrInconsistentTopology, report.Details)
	}

	snap := n.loads.Snapshot()
	branches := make([]balance.Branch, 0, len(n.order))
	for _, inter := range n.order {
		branches = append(branches, balance.Branch{
			Name:     inter,
			Load:     snap.Loads[inter],
			Children: topo[inter],
		})
	}

	d := balance.Plan(branches, threshold)
	report.Heavy, report.Light = d.Heavy, d.Light
	report.HeavyLoad, report.LightLoad = d.HeavyLoad, d.LightLoad
	report.Ratio = d.Ratio

	if d.Action != balance.ActionMove {
		report.Details = d.Reason
		n.metrics.Rebalance(outcomeNoop)
		n.logger.Debug("rebalance: no action", "reason", d.Reason, "ratio", d.Ratio, "threshold", threshold)
		return n.finish(report, datatypes.StateBalanced), nil
	}

	n.setState(datatypes.StateMoving)
	report.Leaf = d.Leaf
	n.logger.Info("rebalance: moving leaf",
		"leaf", d.Leaf, "from", d.Heavy, "to", d.Light,
		"heavy_load", d.HeavyLoad, "light_load", d.LightLoad, "ratio", d.Ratio)

	result := n.move(ctx, d.Heavy, d.Light, d.Leaf, topo)

	switch {
	case result.Success:
		n.loads.Reset(d.Heavy, d.Light)
		n.metrics.Loads(n.loads.Snapshot().Loads)
		n.metrics.Rebalance(outcomeMoved)
		report.ActionTaken = true
		report.Details = fmt.Sprintf("moved %s from %s to %s (%s)", d.Leaf, d.Heavy, d.Light, d.Reason)
		n.persist(ctx)
		n.publish(datatypes.TopologyEvent{Type: datatypes.EventLeafMoved, Leaf: d.Leaf, From: d.Heavy, To: d.Light, Details: report.Details})
		return n.finish(report, datatypes.StateBalanced), nil

	case result.Inconsistent():
		n.mu.Lock()
		n.inconsistent = true
		n.mu.Unlock()
		n.metrics.Rebalance(outcomeInconsistent)
		n.metrics.Consistent(false)
		report.Inconsistent = true
		report.Details = fmt.Sprintf("move of %s from %s to %s failed and could not be rolled back: %v",
			d.Leaf, d.Heavy, d.Light, result.Error())
		n.logger.Error("rebalance left topology inconsistent", "leaf", d.Leaf, "from", d.Heavy, "to", d.Light, "error", result.Error())
		n.publish(datatypes.TopologyEvent{Type: datatypes.EventInconsistent, Leaf: d.Leaf, From: d.Heavy, To: d.Light, Details: report.Details})
		return n.finish(report, datatypes.StateImbalanced),
			fmt.Errorf("%w: %s", datatypes.ErrInconsistentTopology, report.Details)

	default:
		n.metrics.Rebalance(outcomeRolledBack)
		report.RolledBack = true
		report.Details = fmt.Sprintf("move of %s from %s to %s failed at %s; topology restored: %v",
			d.Leaf, d.Heavy, d.Light, result.FailedStep, result.Err)
		n.logger.Warn("rebalance rolled back", "leaf", d.Leaf, "from", d.Heavy, "to", d.Light, "error", result.Err)
		n.publish(datatypes.TopologyEvent{Type: datatypes.EventMoveRolledBack, Leaf: d.Leaf, From: d.Heavy, To: d.Light, Details: report.Details})
		return n.finish(report, datatypes.StateImbalanced),
			fmt.Errorf("%w: %s", datatypes.ErrTopologyMove, report.Details)
	}
}

// move detaches leaf from heavy and attaches it to light. A failed attach
// restores heavy's original children. Every acknowledged update is adopted
// into the mirror as it happens.
func (n *Node) move(ctx context.Context, heavy, light, leaf string, topo datatypes.Topology) saga.Result {
	original := slices.Clone(topo[heavy])
	detached := slices.DeleteFunc(slices.Clone(original), func(c string) bool { return c == leaf })
	attached := append(slices.Clone(topo[light]), leaf)

	push := func(inter string, children []string) func(context.Context) error {
		return func(ctx context.Context) error {
			view, err := n.client.UpdateChildren(ctx, inter, children)
			if err != nil {
				return err
			}
			n.adopt(view)
			return nil
		}
	}

	s := saga.New(saga.Config{
		StepTimeout:         n.stepTimeout,
		CompensationTimeout: n.stepTimeout,
		Logger:              n.logger,
	})
	s.AddStep(saga.Step{
		Name:       "detach " + leaf + " from " + heavy,
		Execute:    push(heavy, detached),
		Compensate: push(heavy, original),
	})
	s.AddStep(saga.Step{
		Name:    "attach " + leaf + " to " + light,
		Execute: push(light, attached),
	})
	return s.Execute(ctx)
}

func (n *Node) finish(report datatypes.RebalanceReport, state datatypes.RebalanceState) datatypes.RebalanceReport {
	report.State = state
	report.At = time.Now().UTC()

	n.mu.Lock()
	n.state = state
	report.Topology = n.topologyLocked()
	last := report
	last.Topology = report.Topology.Clone()
	n.last = &last
	n.mu.Unlock()
	return report
}

func (n *Node) setState(state datatypes.RebalanceState) {
	n.mu.Lock()
	n.state = state
	n.mu.Unlock()
}

// =============================================================================
// Periodic loop
// =============================================================================

// Run triggers a rebalance every interval until ctx is done. When the mirror
// needs attention the tick reconciles first. A non-positive interval
// disables the loop.
func (n *Node) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n.needsReconcile() {
				if _, err := n.Reconcile(ctx); err != nil {
					n.logger.Warn("periodic reconcile incomplete", "error", err)
					continue
				}
			}
			if _, err := n.TriggerRebalance(ctx); err != nil {
				n.logger.Warn("periodic rebalance failed", "error", err)
			}
		}
	}
}

func (n *Node) needsReconcile() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.inconsistent || len(n.restarted) > 0 {
		return true
	}
	return !balance.CheckPartition(n.leaves, n.order, n.topologyLocked()).OK()
}
