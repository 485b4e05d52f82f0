// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"slices"
	"sort"
)

// Role identifies a node's position in the tree.
type Role string

const (
	RoleRoot         Role = "root"
	RoleIntermediate Role = "intermediate"
	RoleLeaf         Role = "leaf"
)

// NodeIdentity names a node and where it listens.
type NodeIdentity struct {
	Name    string `json:"name"`
	Role    Role   `json:"role"`
	Address string `json:"address"`
}

// ChildSetView is a point-in-time copy of an intermediate's ChildSet.
//
// Children are ordered least-recently-added first. Version increases by one
// on every replace; Epoch changes when the intermediate process restarts, so
// (Epoch, Version) totally orders views from one process lifetime.
type ChildSetView struct {
	Owner    string   `json:"owner"`
	Children []string `json:"children"`
	Version  uint64   `json:"version"`
	Epoch    string   `json:"epoch"`
}

// Clone returns a deep copy.
func (v ChildSetView) Clone() ChildSetView {
	v.Children = slices.Clone(v.Children)
	if v.Children == nil {
		v.Children = []string{}
	}
	return v
}

// NewerThan reports whether v supersedes other within the same epoch.
func (v ChildSetView) NewerThan(other ChildSetView) bool {
	return v.Epoch == other.Epoch && v.Version > other.Version
}

// UpdateChildrenRequest replaces an intermediate's ChildSet. An empty list
// is valid; a missing field is not.
type UpdateChildrenRequest struct {
	NewChildren []string `json:"new_children" validate:"required,dive,nodename"`
}

// Validate checks the field is present and every entry is a node name.
func (r *UpdateChildrenRequest) Validate() error {
	return Validate(r)
}

// UpdateChildrenResponse acknowledges an applied update.
type UpdateChildrenResponse struct {
	Status   string       `json:"status"`
	Topology ChildSetView `json:"topology"`
}

// Topology maps each intermediate to its ordered children.
type Topology map[string][]string

// Clone returns a deep copy.
func (t Topology) Clone() Topology {
	out := make(Topology, len(t))
	for k, v := range t {
		out[k] = slices.Clone(v)
		if out[k] == nil {
			out[k] = []string{}
		}
	}
	return out
}

// Owner returns the first intermediate (in sorted name order) holding leaf.
func (t Topology) Owner(leaf string) (string, bool) {
	names := make([]string, 0, len(t))
	for k := range t {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		if slices.Contains(t[name], leaf) {
			return name, true
		}
	}
	return "", false
}
