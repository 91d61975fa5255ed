/*
Copyright 2025 Herald Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// Jitter is a function which applies random jitter to a
// duration. Used to randomize backoff values. Must be
// safe for concurrent usage.
type Jitter func(time.Duration) time.Duration

// NewHalfJitter returns a new jitter on the range [n/2,n). This is
// a large range and most suitable for jittering things like backoff
// operations where breaking cycles quickly is a priority.
func NewHalfJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		// values less than 1 cause rng to panic, and some logic
		// relies on treating zero duration as non-blocking case.
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (d / 2) + time.Duration(rng.Int63n(int64(d))/2)
	}
}

// BackoffConfig drives the exponential backoff applied between redelivery
// attempts of a failed message.
type BackoffConfig struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max clamps the delay.
	Max time.Duration
	// Jitter randomizes each computed delay. Jitter must be randomized
	// independently per attempt so that concurrent consumers retrying the
	// same burst of failures do not wake in lockstep.
	Jitter Jitter
}

// CheckAndSetDefaults checks and sets default values.
func (c *BackoffConfig) CheckAndSetDefaults() error {
	if c.Base <= 0 {
		return trace.BadParameter("missing parameter Base")
	}
	if c.Max <= 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Jitter == nil {
		c.Jitter = NewHalfJitter()
	}
	return nil
}

// Backoff computes delays of the form base * 2^attempt, jittered and
// clamped to the configured maximum.
type Backoff struct {
	BackoffConfig
}

// NewBackoff returns a new exponential backoff calculator.
func NewBackoff(cfg BackoffConfig) (*Backoff, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Backoff{BackoffConfig: cfg}, nil
}

// Duration returns the jittered delay for the given zero-based attempt.
func (b *Backoff) Duration(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	return b.Jitter(d)
}
