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
	"maps"
	"sync"
)

// LoadCounter accumulates token cost per branch.
//
// Branch loads are what the rebalancer compares and are reset after a move.
// Total, task and failure counts are cumulative for the process lifetime.
// Branches keep the order in which they were registered, which is the order
// Ordered reports them in and the tie-break order for Plan.
type LoadCounter struct {
	mu     sync.Mutex
	order  []string
	loads  map[string]int64
	total  int64
	tasks  int64
	failed int64
}

// NewLoadCounter registers branches in the given order with zero load.
func NewLoadCounter(branches ...string) *LoadCounter {
	lc := &LoadCounter{loads: make(map[string]int64, len(branches))}
	for _, b := range branches {
		lc.registerLocked(b)
	}
	return lc
}

// Add charges tokens to branch and counts one completed task. Unknown
// branches are registered on first use.
func (lc *LoadCounter) Add(branch string, tokens int64) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.registerLocked(branch)
	lc.loads[branch] += tokens
	lc.total += tokens
	lc.tasks++
}

// Fail counts one task that ended in failure.
func (lc *LoadCounter) Fail() {
	lc.mu.Lock()
	lc.failed++
	lc.mu.Unlock()
}

// Reset zeroes the load of each named branch.
func (lc *LoadCounter) Reset(branches ...string) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	for _, b := range branches {
		if _, ok := lc.loads[b]; ok {
			lc.loads[b] = 0
		}
	}
}

// Load returns the current load of branch.
func (lc *LoadCounter) Load(branch string) int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.loads[branch]
}

// LoadSnapshot is a consistent copy of a LoadCounter.
type LoadSnapshot struct {
	Loads  map[string]int64
	Order  []string
	Total  int64
	Tasks  int64
	Failed int64
}

// Snapshot copies every counter under one lock.
func (lc *LoadCounter) Snapshot() LoadSnapshot {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return LoadSnapshot{
		Loads:  maps.Clone(lc.loads),
		Order:  append([]string(nil), lc.order...),
		Total:  lc.total,
		Tasks:  lc.tasks,
		Failed: lc.failed,
	}
}

// Restore overwrites branch loads, used when the root restarts from a
// persisted snapshot. Branches not in loads keep their value.
func (lc *LoadCounter) Restore(loads map[string]int64) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	for b, v := range loads {
		lc.registerLocked(b)
		lc.loads[b] = v
	}
}

func (lc *LoadCounter) registerLocked(branch string) {
	if _, ok := lc.loads[branch]; ok {
		return
	}
	lc.loads[branch] = 0
	lc.order = append(lc.order, branch)
}
