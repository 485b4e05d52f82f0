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

import "errors"

// Sentinel errors shared by every node role. Callers wrap them with %w and
// classify with errors.Is.
var (
	// ErrValidation marks malformed tasks, child lists, or thresholds.
	ErrValidation = errors.New("validation failed")

	// ErrUnreachable marks a child that could not be reached or answered
	// with a failure after the retry budget was spent.
	ErrUnreachable = errors.New("child unreachable")

	// ErrNoChildren marks an intermediate with an empty ChildSet.
	ErrNoChildren = errors.New("no children available")

	// ErrTopologyMove marks a leaf move that failed and was rolled back.
	ErrTopologyMove = errors.New("topology move failed")

	// ErrInconsistentTopology marks a move whose rollback also failed. The
	// partition invariant may be violated until reconcile repairs it.
	ErrInconsistentTopology = errors.New("inconsistent topology")

	// ErrUnknownNode marks a name that is not part of the configured tree.
	ErrUnknownNode = errors.New("unknown node")
)
