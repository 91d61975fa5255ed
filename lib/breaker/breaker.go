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

// Package breaker implements the shared circuit breaker fabric. Breaker
// state lives in the cache so every replica observes the same circuit:
// conflicting updates settle to the more-open state within a tick.
//
// The cache itself is never gated by a breaker, so a cache outage cannot
// recurse; if breaker state is unreadable the circuit fails open and the
// protected call proceeds.
package breaker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/lib/cache"
	"github.com/heraldhq/herald/lib/defaults"
)

// State represents an operating state of a circuit.
type State int

const (
	// StateClosed is the operating state of a healthy circuit: all
	// requests pass through.
	StateClosed State = iota
	// StateOpen is a tripped circuit: all requests are rejected until the
	// timeout elapses.
	StateOpen
	// StateHalfOpen probes recovery: requests pass through and their
	// outcomes decide whether the circuit closes or reopens.
	StateHalfOpen
)

// String returns the lower-case state name persisted in the cache.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func stateFromString(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half_open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

var executions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: herald.MetricNamespace,
	Subsystem: "breaker",
	Name:      "executions_total",
	Help:      "Calls that went through the breaker by resource, state and outcome.",
}, []string{"resource", "state", "success"})

var rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: herald.MetricNamespace,
	Subsystem: "breaker",
	Name:      "rejections_total",
	Help:      "Calls short-circuited by an open breaker, by resource.",
}, []string{"resource"})

var registerOnce sync.Once

func ensureRegistered() {
	registerOnce.Do(func() {
		prometheus.MustRegister(executions, rejections)
	})
}

// Config contains configuration of the circuit breaker fabric.
type Config struct {
	// Cache holds the shared breaker state.
	Cache *cache.Client
	// FailureThreshold is the consecutive failure count that trips a
	// closed circuit.
	FailureThreshold int
	// SuccessThreshold is the consecutive success count that closes a
	// half-open circuit.
	SuccessThreshold int
	// Timeout is how long an open circuit rejects calls before permitting
	// a recovery probe.
	Timeout time.Duration
	// Clock is used to control time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Cache == nil {
		return trace.BadParameter("missing parameter Cache")
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaults.BreakerFailureThreshold
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = defaults.BreakerSuccessThreshold
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.BreakerTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Status describes the observed state of one circuit.
type Status struct {
	// State is the current operating state.
	State State `json:"state"`
	// Failures is the consecutive failure count.
	Failures int `json:"failures"`
	// NextAttempt is when an open circuit will permit a probe. Zero
	// unless the circuit is open.
	NextAttempt time.Time `json:"next_attempt,omitempty"`
}

// CircuitBreaker coordinates per-resource circuits through the cache.
type CircuitBreaker struct {
	Config
	keyTTL time.Duration
	log    *log.Entry
}

// New returns a circuit breaker fabric.
func New(cfg Config) (*CircuitBreaker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ensureRegistered()
	return &CircuitBreaker{
		Config: cfg,
		keyTTL: cfg.Timeout + defaults.BreakerKeySlack,
		log:    log.WithField(herald.Component, herald.ComponentBreaker),
	}, nil
}

func stateKey(resource string) string    { return "circuit:" + resource + ":state" }
func failuresKey(resource string) string { return "circuit:" + resource + ":failures" }
func successKey(resource string) string  { return "circuit:" + resource + ":successes" }
func openedKey(resource string) string   { return "circuit:" + resource + ":opened_at" }

// Allow reports whether a call to the resource may proceed. When an open
// circuit's timeout has elapsed the circuit lazily transitions to half-open
// and the call is admitted as a recovery probe. A false return is not an
// error: the caller substitutes its fallback (stale cache, DLQ, 503).
func (b *CircuitBreaker) Allow(ctx context.Context, resource string) bool {
	state := b.state(ctx, resource)
	if state != StateOpen {
		return true
	}
	openedAt, ok := b.openedAt(ctx, resource)
	if ok && b.Clock.Now().Sub(openedAt) >= b.Timeout {
		b.log.WithField("resource", resource).Info("Circuit breaker attempting reset.")
		b.setState(ctx, resource, StateHalfOpen)
		return true
	}
	rejections.WithLabelValues(resource).Inc()
	return false
}

// RecordSuccess records the outcome of a successful call.
func (b *CircuitBreaker) RecordSuccess(ctx context.Context, resource string) {
	state := b.state(ctx, resource)
	executions.WithLabelValues(resource, state.String(), "true").Inc()
	switch state {
	case StateHalfOpen:
		successes := b.incr(ctx, successKey(resource))
		if successes >= int64(b.SuccessThreshold) {
			b.reset(ctx, resource)
			b.log.WithField("resource", resource).Info("Circuit breaker closed after successful recovery.")
		}
	case StateClosed:
		if err := b.Cache.Delete(ctx, failuresKey(resource)); err != nil {
			b.logCacheError(resource, err)
		}
	}
}

// RecordFailure records the outcome of a failed call. Failures observed
// while the circuit is already open do not accumulate.
func (b *CircuitBreaker) RecordFailure(ctx context.Context, resource string) {
	state := b.state(ctx, resource)
	executions.WithLabelValues(resource, state.String(), "false").Inc()
	switch state {
	case StateHalfOpen:
		b.trip(ctx, resource)
		b.log.WithField("resource", resource).Warn("Circuit breaker reopened after failed recovery attempt.")
	case StateClosed:
		failures := b.incr(ctx, failuresKey(resource))
		if failures >= int64(b.FailureThreshold) {
			b.trip(ctx, resource)
			b.log.WithFields(log.Fields{
				"resource": resource,
				"failures": failures,
			}).Warn("Circuit breaker opened due to consecutive failures.")
		}
	}
}

// Status returns the observed state of the circuit for the resource.
func (b *CircuitBreaker) Status(ctx context.Context, resource string) Status {
	status := Status{State: b.state(ctx, resource)}
	if v, err := b.Cache.Get(ctx, failuresKey(resource)); err == nil {
		if n, err := strconv.Atoi(string(v)); err == nil {
			status.Failures = n
		}
	}
	if status.State == StateOpen {
		if openedAt, ok := b.openedAt(ctx, resource); ok {
			status.NextAttempt = openedAt.Add(b.Timeout)
		}
	}
	return status
}

// Execute runs fn gated on the resource's circuit, recording the outcome.
// A rejected call fails with trace.ConnectionProblem without invoking fn.
func (b *CircuitBreaker) Execute(ctx context.Context, resource string, fn func() error) error {
	if !b.Allow(ctx, resource) {
		return trace.ConnectionProblem(nil, "circuit breaker is open for %v", resource)
	}
	if err := fn(); err != nil {
		b.RecordFailure(ctx, resource)
		return trace.Wrap(err)
	}
	b.RecordSuccess(ctx, resource)
	return nil
}

func (b *CircuitBreaker) state(ctx context.Context, resource string) State {
	v, err := b.Cache.Get(ctx, stateKey(resource))
	if err != nil {
		if !trace.IsNotFound(err) {
			b.logCacheError(resource, err)
		}
		return StateClosed
	}
	return stateFromString(string(v))
}

func (b *CircuitBreaker) setState(ctx context.Context, resource string, state State) {
	if err := b.Cache.Set(ctx, stateKey(resource), []byte(state.String()), b.keyTTL); err != nil {
		b.logCacheError(resource, err)
	}
}

func (b *CircuitBreaker) trip(ctx context.Context, resource string) {
	b.setState(ctx, resource, StateOpen)
	now := strconv.FormatInt(b.Clock.Now().Unix(), 10)
	if err := b.Cache.Set(ctx, openedKey(resource), []byte(now), b.keyTTL); err != nil {
		b.logCacheError(resource, err)
	}
	if err := b.Cache.Delete(ctx, successKey(resource)); err != nil {
		b.logCacheError(resource, err)
	}
}

// reset returns the circuit to closed with zero counters. Closed is
// represented by key absence so expiry converges to the same state.
func (b *CircuitBreaker) reset(ctx context.Context, resource string) {
	err := b.Cache.Delete(ctx,
		stateKey(resource),
		failuresKey(resource),
		successKey(resource),
		openedKey(resource),
	)
	if err != nil {
		b.logCacheError(resource, err)
	}
}

func (b *CircuitBreaker) openedAt(ctx context.Context, resource string) (time.Time, bool) {
	v, err := b.Cache.Get(ctx, openedKey(resource))
	if err != nil {
		if !trace.IsNotFound(err) {
			b.logCacheError(resource, err)
		}
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}

func (b *CircuitBreaker) incr(ctx context.Context, key string) int64 {
	n, err := b.Cache.Incr(ctx, key)
	if err != nil {
		b.logCacheError(key, err)
		return 0
	}
	if err := b.Cache.Expire(ctx, key, b.keyTTL); err != nil {
		b.logCacheError(key, err)
	}
	return n
}

func (b *CircuitBreaker) logCacheError(resource string, err error) {
	b.log.WithError(err).WithField("resource", resource).Warn("Breaker state operation failed, failing open.")
}
