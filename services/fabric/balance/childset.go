// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package balance holds the node-local primitives behind routing and
// rebalancing: the round-robin ChildSet, per-branch LoadCounters, the pure
// rebalancing decision, and the partition invariant check.
//
// Nothing in this package performs I/O. Every mutex is held only for the
// duration of an in-memory update so callers never block behind a remote
// call.
package balance

import (
	"slices"
	"sync"

	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
)

// ChildSet is an ordered, versioned list of children with a round-robin
// cursor.
//
// # Description
//
// Children are kept in insertion order, so index 0 is always the
// least-recently-added child. Replace swaps the whole list atomically and
// bumps the version; Pick reads the list and advances the cursor under the
// same lock so a pick never observes a half-applied replace.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type ChildSet struct {
	mu       sync.Mutex
	owner    string
	epoch    string
	children []string
	version  uint64
	cursor   uint64
}

// NewChildSet creates a ChildSet at version 1.
func NewChildSet(owner, epoch string, children []string) *ChildSet {
	return &ChildSet{
		owner:    owner,
		epoch:    epoch,
		children: cloneNonNil(children),
		version:  1,
	}
}

// Pick is one round-robin selection together with the snapshot it came from.
type Pick struct {
	Child    string
	Index    int
	Snapshot []string
}

// Alternate returns the next child after Child in the same snapshot, used
// for the single retry. It reports false when the snapshot has one child.
func (p Pick) Alternate() (string, bool) {
	if len(p.Snapshot) < 2 {
		return "", false
	}
	return p.Snapshot[(p.Index+1)%len(p.Snapshot)], true
}

// Pick selects the next child round-robin. It reports false when the set is
// empty.
func (c *ChildSet) Pick() (Pick, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.children)
	if n == 0 {
		return Pick{}, false
	}
	idx := int(c.cursor % uint64(n))
	c.cursor++
	return Pick{
		Child:    c.children[idx],
		Index:    idx,
		Snapshot: slices.Clone(c.children),
	}, true
}

// Replace installs children as the new set and returns the resulting view.
// The cursor restarts so the first pick after a replace is children[0].
func (c *ChildSet) Replace(children []string) datatypes.ChildSetView {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.children = cloneNonNil(children)
	c.version++
	c.cursor = 0
	return c.viewLocked()
}

// View returns a copy of the current set.
func (c *ChildSet) View() datatypes.ChildSetView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// Len returns the number of children.
func (c *ChildSet) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.children)
}

func (c *ChildSet) viewLocked() datatypes.ChildSetView {
	return datatypes.ChildSetView{
		Owner:    c.owner,
		Children: slices.Clone(c.children),
		Version:  c.version,
		Epoch:    c.epoch,
	}
}

func cloneNonNil(s []string) []string {
	out := slices.Clone(s)
	if out == nil {
		out = []string{}
	}
	return out
}
