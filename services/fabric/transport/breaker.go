// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState is the state of one target's circuit breaker.
type BreakerState int

const (
	// BreakerClosed passes every call through.
	BreakerClosed BreakerState = iota
	// BreakerOpen fails calls immediately until OpenTimeout elapses.
	BreakerOpen
	// BreakerHalfOpen lets probe calls through to test recovery.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// ErrCircuitOpen is returned without contacting the target while its
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig tunes every breaker in a registry.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the breaker. Default 5.
	FailureThreshold int `yaml:"failure_threshold" validate:"gte=0"`
	// SuccessThreshold half-open successes close it again. Default 2.
	SuccessThreshold int `yaml:"success_threshold" validate:"gte=0"`
	// OpenTimeout is how long an open breaker rejects calls. Default 10s.
	OpenTimeout time.Duration `yaml:"open_timeout" validate:"gte=0"`
	// Disabled turns every breaker into a pass-through.
	Disabled bool `yaml:"disabled"`
}

// DefaultBreakerConfig returns the defaults listed on BreakerConfig.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      10 * time.Second,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	return c
}

// Breaker tracks consecutive failures for one target.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Breaker struct {
	target      string
	config      BreakerConfig
	onChange    func(target string, to BreakerState)
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	now         func() time.Time
	mu          sync.Mutex
}

// Allow reports whether a call may proceed, moving an expired open breaker
// to half-open. It returns ErrCircuitOpen otherwise.
func (b *Breaker) Allow() error {
	if b.config.Disabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if b.now().Sub(b.lastFailure) < b.config.OpenTimeout {
			return fmt.Errorf("%w: %s", ErrCircuitOpen, b.target)
		}
		b.transitionLocked(BreakerHalfOpen)
	}
	return nil
}

// Record feeds the outcome of an allowed call back into the breaker.
func (b *Breaker) Record(failed bool) {
	if b.config.Disabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if failed {
		b.failures++
		b.successes = 0
		b.lastFailure = b.now()
		if b.state == BreakerHalfOpen || b.failures >= b.config.FailureThreshold {
			b.transitionLocked(BreakerOpen)
		}
		return
	}

	b.successes++
	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		if b.successes >= b.config.SuccessThreshold {
			b.failures = 0
			b.transitionLocked(BreakerClosed)
		}
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transitionLocked(to BreakerState) {
	if b.state == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(b.target, to)
	}
}

// BreakerRegistry lazily creates one Breaker per target name.
type BreakerRegistry struct {
	config   BreakerConfig
	onChange func(target string, to BreakerState)
	breakers map[string]*Breaker
	mu       sync.RWMutex
}

// NewBreakerRegistry creates an empty registry. onChange, if set, is called
// under the breaker's lock on every state transition and must not block.
func NewBreakerRegistry(config BreakerConfig, onChange func(target string, to BreakerState)) *BreakerRegistry {
	return &BreakerRegistry{
		config:   config.withDefaults(),
		onChange: onChange,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for target, creating it on first use.
func (r *BreakerRegistry) Get(target string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[target]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[target]; ok {
		return b
	}
	b = &Breaker{target: target, config: r.config, onChange: r.onChange, now: time.Now}
	r.breakers[target] = b
	return b
}

// States snapshots every known breaker.
func (r *BreakerRegistry) States() map[string]BreakerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]BreakerState, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
