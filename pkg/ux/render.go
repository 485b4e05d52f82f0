// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"slices"
	"strings"

	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
)

// Result prints one task outcome.
func (p *Printer) Result(res datatypes.AggregatedResult) error {
	if !p.Styled() {
		return p.JSON(res)
	}
	path := strings.Join(res.Path, " "+string(IconArrow)+" ")
	if res.Succeeded() {
		p.Status(IconSuccess, fmt.Sprintf("%s %s  %s",
			Styles.Bold.Render(res.TaskID), path, Styles.Highlight.Render(fmt.Sprintf("%d tokens", res.Tokens))))
	} else {
		msg := "failed"
		if res.Error != nil {
			msg = fmt.Sprintf("%s: %s", res.Error.Kind, res.Error.Message)
		}
		p.Status(IconError, fmt.Sprintf("%s %s", Styles.Bold.Render(res.TaskID), Styles.Error.Render(msg)))
	}
	if len(res.Unreachable) > 0 {
		p.Line("  %s", Styles.Warning.Render("retried past "+strings.Join(res.Unreachable, ", ")))
	}
	return nil
}

// RootStats prints the root's view of the tree.
func (p *Printer) RootStats(stats datatypes.RootStats) error {
	if !p.Styled() {
		return p.JSON(stats)
	}
	consistent := Styles.Success.Render("consistent")
	if !stats.Consistent {
		consistent = Styles.Error.Render("inconsistent")
	}
	lines := []string{
		fmt.Sprintf("state      %s  %s", stateStyle(stats.State), consistent),
		fmt.Sprintf("threshold  %.2f", stats.Threshold),
		fmt.Sprintf("tasks      %d (%d failed)", stats.TaskCount, stats.FailedCount),
		fmt.Sprintf("tokens     %d", stats.TotalTokens),
		"",
	}
	lines = append(lines, topologyLines(stats.Topology, stats.Loads)...)
	if len(stats.Restarted) > 0 {
		lines = append(lines, "", Styles.Warning.Render("restarted: "+strings.Join(stats.Restarted, ", ")))
	}
	if last := stats.LastRebalance; last != nil {
		lines = append(lines, "", Styles.Muted.Render("last rebalance: "+last.Details))
	}
	p.Box(stats.Node, lines)
	return nil
}

// IntermediateStats prints one intermediate's counters and children.
func (p *Printer) IntermediateStats(stats datatypes.IntermediateStats) error {
	if !p.Styled() {
		return p.JSON(stats)
	}
	lines := []string{
		fmt.Sprintf("parent     %s", stats.Parent),
		fmt.Sprintf("tasks      %d (%d failed)", stats.TaskCount, stats.FailedCount),
		fmt.Sprintf("tokens     %d", stats.TokenTotal),
		fmt.Sprintf("version    %d", stats.Topology.Version),
	}
	for _, child := range stats.Children {
		lines = append(lines, fmt.Sprintf("  %s %-12s %d", IconBullet.Render(), child, stats.ChildTokens[child]))
	}
	p.Box(stats.Node, lines)
	return nil
}

// LeafStats prints one leaf's counters.
func (p *Printer) LeafStats(stats datatypes.LeafStats) error {
	if !p.Styled() {
		return p.JSON(stats)
	}
	p.Box(stats.Node, []string{
		fmt.Sprintf("parent     %s", stats.Parent),
		fmt.Sprintf("tasks      %d (%d failed)", stats.TaskCount, stats.FailedCount),
		fmt.Sprintf("tokens     %d", stats.TokenTotal),
	})
	return nil
}

// Health prints one node's liveness.
func (p *Printer) Health(h datatypes.Health) error {
	if !p.Styled() {
		return p.JSON(h)
	}
	detail := string(h.Role)
	if h.Parent != "" {
		detail += ", parent " + h.Parent
	}
	if len(h.Children) > 0 {
		detail += ", children " + strings.Join(h.Children, " ")
	}
	return p.status(IconSuccess, fmt.Sprintf("%s %s", Styles.Bold.Render(h.Node), Styles.Muted.Render(detail)))
}

// Rebalance prints a rebalance report.
func (p *Printer) Rebalance(r datatypes.RebalanceReport) error {
	if !p.Styled() {
		return p.JSON(r)
	}
	switch {
	case r.ActionTaken:
		p.Status(IconSuccess, fmt.Sprintf("moved %s from %s to %s (ratio %.2f)",
			Styles.Highlight.Render(r.Leaf), r.Heavy, r.Light, r.Ratio))
	case r.Inconsistent:
		p.Status(IconError, Styles.Error.Render(r.Details))
	case r.RolledBack:
		p.Status(IconWarning, Styles.Warning.Render(r.Details))
	default:
		p.Status(IconSuccess, r.Details)
	}
	p.Line("%s", strings.Join(topologyLines(r.Topology, nil), "\n"))
	return nil
}

// Reconcile prints a reconcile report.
func (p *Printer) Reconcile(r datatypes.ReconcileReport) error {
	if !p.Styled() {
		return p.JSON(r)
	}
	if r.Consistent {
		p.Status(IconSuccess, "topology consistent")
	} else {
		p.Status(IconError, Styles.Error.Render("topology still inconsistent"))
	}
	for _, label := range []struct {
		name  string
		items []string
	}{
		{"adopted", r.Adopted},
		{"repushed", r.Repushed},
		{"orphans", r.Orphans},
		{"duplicates", r.Duplicates},
		{"errors", r.Errors},
	} {
		if len(label.items) > 0 {
			p.Line("  %-10s %s", label.name, strings.Join(label.items, ", "))
		}
	}
	p.Line("%s", strings.Join(topologyLines(r.Topology, nil), "\n"))
	return nil
}

// Event prints one topology event.
func (p *Printer) Event(ev datatypes.TopologyEvent) error {
	if !p.Styled() {
		return p.JSON(ev)
	}
	detail := ev.Details
	if ev.Leaf != "" {
		detail = fmt.Sprintf("%s %s %s %s", ev.Leaf, ev.From, IconArrow, ev.To)
	}
	p.Line("%s %s %s", Styles.Muted.Render(ev.Time.Format("15:04:05")), Styles.Subtitle.Render(string(ev.Type)), detail)
	return nil
}

func topologyLines(topo datatypes.Topology, loads map[string]int64) []string {
	names := make([]string, 0, len(topo))
	for name := range topo {
		names = append(names, name)
	}
	slices.Sort(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		line := fmt.Sprintf("%s %-20s %s", IconBullet.Render(), name, strings.Join(topo[name], " "))
		if loads != nil {
			line += Styles.Muted.Render(fmt.Sprintf("  load %d", loads[name]))
		}
		lines = append(lines, line)
	}
	return lines
}

func stateStyle(s datatypes.RebalanceState) string {
	switch s {
	case datatypes.StateBalanced:
		return Styles.Success.Render(string(s))
	case datatypes.StateMoving:
		return Styles.Warning.Render(string(s))
	default:
		return Styles.Error.Render(string(s))
	}
}

// History prints persisted snapshots, newest first.
func (p *Printer) History(snaps []datatypes.TopologySnapshot) error {
	if !p.Styled() {
		return p.JSON(snaps)
	}
	if len(snaps) == 0 {
		p.Status(IconWarning, "no snapshots recorded yet")
		return nil
	}
	for _, snap := range snaps {
		p.Line("%s  threshold %.2f", Styles.Subtitle.Render(snap.UpdatedAt.Format("2006-01-02 15:04:05")), snap.Threshold)
		for _, line := range topologyLines(snap.Topology(), snap.Loads) {
			p.Line("  %s", line)
		}
	}
	return nil
}
