// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the wire types exchanged between treefabric
// nodes and the sentinel errors shared by every role.
//
// All types are JSON encoded over HTTP. Request types carry validator tags
// and a Validate method backed by one shared go-playground validator.
package datatypes

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// MaxTaskIDLength bounds task identifiers so they stay usable as log keys.
const MaxTaskIDLength = 128

// MaxDescriptionLength bounds the free-text task description.
const MaxDescriptionLength = 4096

// fabricValidate is shared by every request type in this package.
var fabricValidate *validator.Validate

var nodeNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,63}$`)

func init() {
	fabricValidate = validator.New()
	_ = fabricValidate.RegisterValidation("nodename", validateNodeName)
}

// validateNodeName accepts names of 1-64 characters made of letters, digits,
// '_', '.' and '-', starting with a letter or digit.
func validateNodeName(fl validator.FieldLevel) bool {
	return ValidNodeName(fl.Field().String())
}

// ValidNodeName reports whether name is an acceptable node name.
func ValidNodeName(name string) bool {
	return nodeNamePattern.MatchString(name)
}

// Validate runs the shared validator against any tagged struct and wraps
// failures with ErrValidation.
func Validate(v any) error {
	if err := fabricValidate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	return nil
}

// =============================================================================
// Task Types
// =============================================================================

// Task is a unit of work routed from the root to exactly one leaf.
//
// # Fields
//
//   - ID: Required. Caller-chosen identifier, echoed in every result.
//   - Description: Optional free text.
//   - Data: Optional opaque payload passed through to the leaf untouched.
type Task struct {
	ID          string         `json:"task_id" validate:"required,max=128"`
	Description string         `json:"description,omitempty" validate:"max=4096"`
	Data        map[string]any `json:"data,omitempty"`
}

// Validate checks the task's required fields and size limits.
func (t *Task) Validate() error {
	return Validate(t)
}

// Status is the terminal outcome of a task at one level of the tree.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// FailureKind classifies why a task did not succeed.
type FailureKind string

const (
	FailureValidation       FailureKind = "validation"
	FailureUnreachableChild FailureKind = "unreachable_child"
	FailureNoChildren       FailureKind = "no_children"
	FailureCancelled        FailureKind = "cancelled"
	FailureAdmission        FailureKind = "admission"
)

// Failure attributes a task failure to a kind and the node that reported it.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	Node    string      `json:"node,omitempty"`
}

func (f *Failure) Error() string {
	if f.Node == "" {
		return fmt.Sprintf("%s: %s", f.Kind, f.Message)
	}
	return fmt.Sprintf("%s at %s: %s", f.Kind, f.Node, f.Message)
}

// TaskResult is produced by a leaf.
type TaskResult struct {
	TaskID     string         `json:"task_id"`
	Node       string         `json:"node"`
	Status     Status         `json:"status"`
	Payload    map[string]any `json:"payload,omitempty"`
	Tokens     int64          `json:"tokens"`
	DurationMS int64          `json:"duration_ms"`
	Error      *Failure       `json:"error,omitempty"`
}

// Succeeded reports whether the leaf completed the task.
func (r *TaskResult) Succeeded() bool {
	return r != nil && r.Status == StatusSuccess
}

// AggregatedResult is produced by intermediates and the root.
//
// # Fields
//
//   - Path: Nodes the task traversed, root-most first.
//   - Result: The leaf's result on success.
//   - Tokens: Cost charged to the branch, equal to Result.Tokens.
//   - Unreachable: Children that failed during this call, including ones
//     a successful retry routed around.
//   - Topology: The answering intermediate's ChildSet at response time.
type AggregatedResult struct {
	TaskID      string        `json:"task_id"`
	Status      Status        `json:"status"`
	Path        []string      `json:"path"`
	Result      *TaskResult   `json:"result,omitempty"`
	Tokens      int64         `json:"tokens"`
	Error       *Failure      `json:"error,omitempty"`
	Unreachable []string      `json:"unreachable,omitempty"`
	Topology    *ChildSetView `json:"topology,omitempty"`
}

// Succeeded reports whether the task reached a leaf and completed.
func (r *AggregatedResult) Succeeded() bool {
	return r != nil && r.Status == StatusSuccess
}

// Leaf returns the last node on the path, or "" if the path is empty.
func (r *AggregatedResult) Leaf() string {
	if r == nil || len(r.Path) == 0 {
		return ""
	}
	return r.Path[len(r.Path)-1]
}

// FailedResult builds an AggregatedResult for a failure at node.
func FailedResult(taskID, node string, kind FailureKind, msg string) AggregatedResult {
	return AggregatedResult{
		TaskID: taskID,
		Status: StatusFailure,
		Path:   []string{node},
		Error:  &Failure{Kind: kind, Message: msg, Node: node},
	}
}
