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

import "time"

// RebalanceState is the root's rebalancer state.
type RebalanceState string

const (
	StateBalanced   RebalanceState = "BALANCED"
	StateImbalanced RebalanceState = "IMBALANCED"
	StateMoving     RebalanceState = "MOVING"
)

// Health is the body of GET /health for every role.
type Health struct {
	Status     string   `json:"status"`
	Node       string   `json:"node"`
	Role       Role     `json:"role"`
	Parent     string   `json:"parent,omitempty"`
	Children   []string `json:"children,omitempty"`
	TokenTotal int64    `json:"token_total"`
}

// LeafStats is the body of GET /v1/stats on a leaf.
type LeafStats struct {
	Node        string `json:"node"`
	Role        Role   `json:"role"`
	Parent      string `json:"parent,omitempty"`
	TokenTotal  int64  `json:"token_total"`
	TaskCount   int64  `json:"task_count"`
	FailedCount int64  `json:"failed_count"`
}

// IntermediateStats is the body of GET /v1/stats on an intermediate.
type IntermediateStats struct {
	Node        string           `json:"node"`
	Role        Role             `json:"role"`
	Parent      string           `json:"parent,omitempty"`
	Children    []string         `json:"children"`
	TokenTotal  int64            `json:"token_total"`
	TaskCount   int64            `json:"task_count"`
	FailedCount int64            `json:"failed_count"`
	ChildTokens map[string]int64 `json:"child_tokens"`
	Topology    ChildSetView     `json:"topology"`
}

// RootStats is the body of GET /v1/stats on the root. Every field comes from
// the root's local state; no child is contacted.
type RootStats struct {
	Node          string           `json:"node"`
	Role          Role             `json:"role"`
	Topology      Topology         `json:"topology"`
	Loads         map[string]int64 `json:"loads"`
	TotalTokens   int64            `json:"total_tokens"`
	TaskCount     int64            `json:"task_count"`
	FailedCount   int64            `json:"failed_count"`
	Threshold     float64          `json:"threshold"`
	State         RebalanceState   `json:"state"`
	Consistent    bool             `json:"consistent"`
	Restarted     []string         `json:"restarted,omitempty"`
	LastRebalance *RebalanceReport `json:"last_rebalance,omitempty"`
}

// RebalanceReport describes one rebalancing decision and its outcome.
type RebalanceReport struct {
	ActionTaken  bool           `json:"action_taken"`
	Details      string         `json:"details"`
	State        RebalanceState `json:"state"`
	Heavy        string         `json:"heavy,omitempty"`
	Light        string         `json:"light,omitempty"`
	Leaf         string         `json:"leaf,omitempty"`
	Ratio        float64        `json:"ratio"`
	Threshold    float64        `json:"threshold"`
	HeavyLoad    int64          `json:"heavy_load"`
	LightLoad    int64          `json:"light_load"`
	RolledBack   bool           `json:"rolled_back,omitempty"`
	Inconsistent bool           `json:"inconsistent,omitempty"`
	Topology     Topology       `json:"topology"`
	At           time.Time      `json:"at"`
}

// ReconcileReport describes one reconciliation pass.
type ReconcileReport struct {
	Adopted    []string `json:"adopted,omitempty"`
	Repushed   []string `json:"repushed,omitempty"`
	Orphans    []string `json:"orphans,omitempty"`
	Duplicates []string `json:"duplicates,omitempty"`
	Repaired   bool     `json:"repaired"`
	Consistent bool     `json:"consistent"`
	Errors     []string `json:"errors,omitempty"`
	Topology   Topology `json:"topology"`
}

// ThresholdRequest is the body of PUT /v1/threshold.
type ThresholdRequest struct {
	Threshold *float64 `json:"threshold" validate:"required"`
}

// ThresholdResponse acknowledges a threshold change.
type ThresholdResponse struct {
	Threshold float64 `json:"threshold"`
	Previous  float64 `json:"previous"`
}

// EventType names a topology event.
type EventType string

const (
	EventLeafMoved        EventType = "leaf_moved"
	EventMoveRolledBack   EventType = "move_rolled_back"
	EventInconsistent     EventType = "inconsistent_topology"
	EventThresholdChanged EventType = "threshold_changed"
	EventReconciled       EventType = "reconciled"
	EventRestartDetected  EventType = "intermediate_restarted"
)

// TopologyEvent is streamed to watchers of the root.
type TopologyEvent struct {
	Type     EventType `json:"type"`
	Time     time.Time `json:"time"`
	Leaf     string    `json:"leaf,omitempty"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to,omitempty"`
	Details  string    `json:"details,omitempty"`
	Topology Topology  `json:"topology,omitempty"`
}

// TopologySnapshot is the root's persisted state: its mirror of every
// intermediate's ChildSet, the threshold, and the branch loads.
type TopologySnapshot struct {
	Views     map[string]ChildSetView `json:"views"`
	Threshold float64                 `json:"threshold"`
	Loads     map[string]int64        `json:"loads"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Topology flattens the snapshot's views.
func (s TopologySnapshot) Topology() Topology {
	out := make(Topology, len(s.Views))
	for name, v := range s.Views {
		out[name] = v.Clone().Children
	}
	return out
}
