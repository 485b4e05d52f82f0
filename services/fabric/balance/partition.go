// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package balance

import (
	"slices"

	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
)

// PartitionReport lists every way a topology violates the partition
// invariant: each fixed leaf in exactly one ChildSet.
type PartitionReport struct {
	// Orphans are fixed leaves held by no intermediate.
	Orphans []string
	// Duplicates maps a leaf to every intermediate holding it, in order.
	Duplicates map[string][]string
	// Unknown are names held by some intermediate but not in the leaf set.
	Unknown []string
}

// OK reports whether the partition invariant holds.
func (r PartitionReport) OK() bool {
	return len(r.Orphans) == 0 && len(r.Duplicates) == 0 && len(r.Unknown) == 0
}

// DuplicateLeaves returns the duplicated leaves in leaf-set order.
func (r PartitionReport) DuplicateLeaves(leaves []string) []string {
	var out []string
	for _, l := range leaves {
		if _, ok := r.Duplicates[l]; ok {
			out = append(out, l)
		}
	}
	return out
}

// CheckPartition evaluates topo against the fixed leaf set. order is the
// fixed intermediate order used to report duplicate owners deterministically.
func CheckPartition(leaves, order []string, topo datatypes.Topology) PartitionReport {
	owners := make(map[string][]string, len(leaves))
	var unknown []string
	for _, inter := range order {
		for _, child := range topo[inter] {
			if !slices.Contains(leaves, child) {
				if !slices.Contains(unknown, child) {
					unknown = append(unknown, child)
				}
				continue
			}
			owners[child] = append(owners[child], inter)
		}
	}

	report := PartitionReport{Duplicates: map[string][]string{}, Unknown: unknown}
	for _, leaf := range leaves {
		switch n := len(owners[leaf]); {
		case n == 0:
			report.Orphans = append(report.Orphans, leaf)
		case n > 1:
			report.Duplicates[leaf] = owners[leaf]
		}
	}
	return report
}

// Repair returns a copy of topo that satisfies the partition invariant.
//
// Unknown names are dropped, a duplicated leaf stays only with its first
// owner in order, and each orphan is appended to the intermediate with the
// lowest load. Ties go to the intermediate with fewer children, then to the
// first in order.
func Repair(leaves, order []string, topo datatypes.Topology, loads map[string]int64) datatypes.Topology {
	out := make(datatypes.Topology, len(order))
	seen := make(map[string]bool, len(leaves))
	for _, inter := range order {
		kept := []string{}
		for _, child := range topo[inter] {
			if !slices.Contains(leaves, child) || seen[child] {
				continue
			}
			seen[child] = true
			kept = append(kept, child)
		}
		out[inter] = kept
	}

	for _, leaf := range leaves {
		if seen[leaf] || len(order) == 0 {
			continue
		}
		target := order[0]
		for _, inter := range order[1:] {
			if lighter(inter, target, loads, out) {
				target = inter
			}
		}
		out[target] = append(out[target], leaf)
		seen[leaf] = true
	}
	return out
}

func lighter(a, b string, loads map[string]int64, topo datatypes.Topology) bool {
	if loads[a] != loads[b] {
		return loads[a] < loads[b]
	}
	return len(topo[a]) < len(topo[b])
}
