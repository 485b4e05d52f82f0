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

import "fmt"

// Action is the outcome of Plan.
type Action string

const (
	ActionNone Action = "none"
	ActionMove Action = "move"
)

// Branch is one intermediate's load and current children, as seen by the
// root.
type Branch struct {
	Name     string
	Load     int64
	Children []string
}

// Decision is the pure result of evaluating branch loads against a
// threshold.
type Decision struct {
	Action    Action
	Heavy     string
	Light     string
	Leaf      string
	HeavyLoad int64
	LightLoad int64
	Ratio     float64
	Reason    string
}

// Plan decides whether one leaf should move from the heaviest branch to the
// lightest.
//
// # Description
//
// heavy is the branch with the maximum load and light the one with the
// minimum, both taking the first branch in slice order on ties. The
// imbalance ratio is (heavy-light)/max(heavy,1). No move is planned when the
// loads are equal, when the ratio is below threshold, or when heavy has
// fewer than two children (moving its last leaf would strand it). Otherwise
// the move takes heavy's least-recently-added child, Children[0].
//
// # Inputs
//
//   - branches: Branch loads in the root's fixed intermediate order.
//   - threshold: Minimum ratio that triggers a move, in [0, 1].
//
// # Outputs
//
//   - Decision: ActionMove with Heavy, Light and Leaf set, or ActionNone
//     with Reason set.
func Plan(branches []Branch, threshold float64) Decision {
	if len(branches) < 2 {
		return Decision{Action: ActionNone, Reason: "fewer than two branches"}
	}

	hi, lo := 0, 0
	for i, b := range branches {
		if b.Load > branches[hi].Load {
			hi = i
		}
		if b.Load < branches[lo].Load {
			lo = i
		}
	}
	heavy, light := branches[hi], branches[lo]

	d := Decision{
		Action:    ActionNone,
		Heavy:     heavy.Name,
		Light:     light.Name,
		HeavyLoad: heavy.Load,
		LightLoad: light.Load,
		Ratio:     ImbalanceRatio(heavy.Load, light.Load),
	}

	switch {
	case heavy.Load == light.Load:
		d.Reason = "loads are equal"
	case d.Ratio < threshold:
		d.Reason = fmt.Sprintf("imbalance %.3f below threshold %.3f", d.Ratio, threshold)
	case len(heavy.Children) < 2:
		d.Reason = fmt.Sprintf("%s has %d children; refusing to strand it", heavy.Name, len(heavy.Children))
	default:
		d.Action = ActionMove
		d.Leaf = heavy.Children[0]
		d.Reason = fmt.Sprintf("imbalance %.3f reached threshold %.3f", d.Ratio, threshold)
	}
	return d
}

// ImbalanceRatio returns (heavy-light)/max(heavy,1).
func ImbalanceRatio(heavy, light int64) float64 {
	denom := heavy
	if denom < 1 {
		denom = 1
	}
	return float64(heavy-light) / float64(denom)
}
