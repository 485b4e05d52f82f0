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
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/treefabric/services/fabric/balance"
	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
)

// Reconcile reads every intermediate's ChildSet and restores the partition.
//
// # Description
//
//  1. Read the stats of every intermediate concurrently.
//  2. Adopt each reported view, except from an intermediate that restarted
//     since the root last saw it. A restarted intermediate came back with its
//     startup children, so the mirror's entry is kept and re-pushed.
//  3. If the merged topology breaks the partition, repair it: unknown names
//     are dropped, a duplicated leaf stays with its first owner in fixed
//     order, and an orphan joins the least loaded intermediate.
//  4. Push every ChildSet that differs from what its owner reported.
//
// Reconcile is serialized with rebalancing.
//
// # Outputs
//
//   - datatypes.ReconcileReport: What was adopted, re-pushed and repaired.
//   - error: Wraps datatypes.ErrInconsistentTopology when some intermediate
//     could not be read or updated and the partition is still not restored.
func (n *Node) Reconcile(ctx context.Context) (datatypes.ReconcileReport, error) {
	n.opsMu.Lock()
	defer n.opsMu.Unlock()

	reads := make([]datatypes.IntermediateStats, len(n.order))
	errs := make([]error, len(n.order))

	var g errgroup.Group
	for i, inter := range n.order {
		g.Go(func() error {
			reads[i], errs[i] = n.client.IntermediateStats(ctx, inter)
			return nil
		})
	}
	_ = g.Wait()

	var report datatypes.ReconcileReport
	reported := make(map[string][]string, len(n.order))
	repush := make(map[string]bool)

	n.mu.Lock()
	for i, inter := range n.order {
		if errs[i] != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("read %s: %v", inter, errs[i]))
			continue
		}
		view := reads[i].Topology.Clone()
		view.Owner = inter
		reported[inter] = view.Children

		cur := n.mirror[inter]
		if n.restarted[inter] || (cur.Epoch != "" && view.Epoch != cur.Epoch) {
			repush[inter] = true
			report.Repushed = append(report.Repushed, inter)
			continue
		}
		n.mirror[inter] = view
		report.Adopted = append(report.Adopted, inter)
	}
	topo := n.topologyLocked()
	n.mu.Unlock()

	pr := balance.CheckPartition(n.leaves, n.order, topo)
	report.Orphans = pr.Orphans
	report.Duplicates = pr.DuplicateLeaves(n.leaves)

	target := topo
	if !pr.OK() {
		target = balance.Repair(n.leaves, n.order, topo, n.loads.Snapshot().Loads)
		report.Repaired = true
		n.logger.Warn("reconcile: repairing partition",
			"orphans", pr.Orphans, "duplicates", pr.Duplicates, "unknown", pr.Unknown, "target", target)
	}

	for _, inter := range n.order {
		current, read := reported[inter]
		if !repush[inter] && read && slices.Equal(current, target[inter]) {
			continue
		}
		if !read && slices.Equal(topo[inter], target[inter]) {
			continue
		}
		view, err := n.client.UpdateChildren(ctx, inter, target[inter])
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("push %s: %v", inter, err))
			continue
		}
		n.adopt(view)
		n.logger.Info("reconcile: pushed children", "intermediate", inter, "children", view.Children)
	}

	report.Topology = n.Topology()
	final := balance.CheckPartition(n.leaves, n.order, report.Topology)

	n.mu.Lock()
	report.Consistent = final.OK() && len(report.Errors) == 0
	if report.Consistent {
		n.inconsistent = false
		clear(n.restarted)
	}
	n.mu.Unlock()

	n.metrics.Consistent(report.Consistent)
	n.persist(ctx)
	n.publish(datatypes.TopologyEvent{
		Type:    datatypes.EventReconciled,
		Details: fmt.Sprintf("adopted=%v repushed=%v repaired=%t consistent=%t", report.Adopted, report.Repushed, report.Repaired, report.Consistent),
	})
	n.logger.Info("reconcile finished",
		"adopted", report.Adopted, "repushed", report.Repushed, "repaired", report.Repaired, "consistent", report.Consistent)

	if !report.Consistent {
		return report, fmt.Errorf("%w: reconcile incomplete: %s",
			datatypes.ErrInconsistentTopology, strings.Join(report.Errors, "; "))
	}
	return report, nil
}
