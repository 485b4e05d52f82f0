// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package saga runs a short sequence of remote mutations with compensating
// actions.
//
// A topology move is two remote writes that cannot share a transaction.
// The saga executes them in order; when a step fails, every step that
// already completed is compensated in reverse order. Compensation failures
// are collected rather than aborting compensation, so the caller can tell a
// clean rollback from a half-applied state.
//
// # Example
//
//	s := saga.New(saga.Config{Logger: logger})
//	s.AddStep(saga.Step{Name: "detach", Execute: detach, Compensate: restore})
//	s.AddStep(saga.Step{Name: "attach", Execute: attach})
//	res := s.Execute(ctx)
//	if res.Inconsistent() {
//	    // manual reconciliation required
//	}
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default timeouts applied when a Step or Config leaves them unset.
const (
	DefaultStepTimeout         = 10 * time.Second
	DefaultCompensationTimeout = 10 * time.Second
)

// Step is a single unit of work with an optional compensating action.
type Step struct {
	// Name identifies the step in logs and results.
	Name string

	// Execute performs the forward action.
	Execute func(ctx context.Context) error

	// Compensate undoes Execute. Nil means the step needs no undo.
	Compensate func(ctx context.Context) error

	// Timeout overrides Config.StepTimeout for this step.
	Timeout time.Duration
}

// Config configures a Saga.
type Config struct {
	StepTimeout         time.Duration
	CompensationTimeout time.Duration
	Logger              *slog.Logger
}

// CompensationError records a compensation that did not succeed.
type CompensationError struct {
	StepName string
	Err      error
}

func (e CompensationError) Error() string {
	return fmt.Sprintf("compensate %s: %v", e.StepName, e.Err)
}

func (e CompensationError) Unwrap() error { return e.Err }

// Result describes the outcome of Execute.
type Result struct {
	Success            bool
	CompletedSteps     []string
	FailedStep         string
	Err                error
	CompensationErrors []CompensationError
	Duration           time.Duration
}

// RolledBack reports a failed saga whose compensations all succeeded.
func (r Result) RolledBack() bool {
	return !r.Success && len(r.CompensationErrors) == 0
}

// Inconsistent reports a failed saga with at least one failed compensation.
func (r Result) Inconsistent() bool {
	return !r.Success && len(r.CompensationErrors) > 0
}

// Error joins the step error with every compensation error.
func (r Result) Error() error {
	if r.Success {
		return nil
	}
	errs := []error{r.Err}
	for _, ce := range r.CompensationErrors {
		errs = append(errs, ce)
	}
	return errors.Join(errs...)
}

// Saga executes steps in order and compensates completed steps on failure.
//
// # Thread Safety
//
// Execute holds the saga's mutex for its whole duration, so one Saga value
// runs at most one execution at a time. Build a new Saga per operation.
type Saga struct {
	config Config
	steps  []Step
	mu     sync.Mutex
}

// New creates a Saga, filling unset timeouts and the logger with defaults.
func New(config Config) *Saga {
	if config.StepTimeout <= 0 {
		config.StepTimeout = DefaultStepTimeout
	}
	if config.CompensationTimeout <= 0 {
		config.CompensationTimeout = DefaultCompensationTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Saga{config: config}
}

// AddStep appends a step.
func (s *Saga) AddStep(step Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

// StepCount returns the number of registered steps.
func (s *Saga) StepCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Execute runs every step in order.
//
// # Description
//
// Each step runs under its own timeout derived from ctx. On the first
// failure (or when ctx is done before a step starts) the completed steps
// are compensated in reverse order. Compensation runs on a context detached
// from ctx's cancellation so a caller that gave up still gets a rollback.
//
// # Outputs
//
//   - Result: Never has Success with a non-nil Err.
func (s *Saga) Execute(ctx context.Context) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	var completed []Step
	res := Result{}

	for _, step := range s.steps {
		if err := ctx.Err(); err != nil {
			res.FailedStep = step.Name
			res.Err = fmt.Errorf("saga cancelled before %q: %w", step.Name, err)
			res.CompensationErrors = s.compensate(ctx, completed)
			res.CompletedSteps = names(completed)
			res.Duration = time.Since(start)
			return res
		}

		if err := s.run(ctx, step); err != nil {
			s.config.Logger.Warn("saga step failed", "step", step.Name, "error", err)
			res.FailedStep = step.Name
			res.Err = fmt.Errorf("saga failed at step %q: %w", step.Name, err)
			res.CompensationErrors = s.compensate(ctx, completed)
			res.CompletedSteps = names(completed)
			res.Duration = time.Since(start)
			return res
		}
		completed = append(completed, step)
	}

	res.Success = true
	res.CompletedSteps = names(completed)
	res.Duration = time.Since(start)
	return res
}

func (s *Saga) run(ctx context.Context, step Step) error {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = s.config.StepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	began := time.Now()
	err := step.Execute(stepCtx)
	s.config.Logger.Debug("saga step finished", "step", step.Name, "duration", time.Since(began), "ok", err == nil)
	return err
}

func (s *Saga) compensate(ctx context.Context, completed []Step) []CompensationError {
	if len(completed) == 0 {
		return nil
	}
	base := context.WithoutCancel(ctx)

	var failures []CompensationError
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		stepCtx, cancel := context.WithTimeout(base, s.config.CompensationTimeout)
		err := step.Compensate(stepCtx)
		cancel()
		if err != nil {
			s.config.Logger.Error("compensation failed", "step", step.Name, "error", err)
			failures = append(failures, CompensationError{StepName: step.Name, Err: err})
			continue
		}
		s.config.Logger.Info("compensated step", "step", step.Name)
	}
	return failures
}

func names(steps []Step) []string {
	out := make([]string, len(steps))
	for i, st := range steps {
		out[i] = st.Name
	}
	return out
}
