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

// Package health aggregates liveness probes of the platform's
// collaborators into a per-dependency and roll-up status report.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/lib/breaker"
	"github.com/heraldhq/herald/lib/cache"
)

// Status grades one dependency.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Check reports the result of one dependency probe.
type Check struct {
	Status  Status `json:"status"`
	Latency string `json:"latency,omitempty"`
	Breaker string `json:"breaker,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Report is the aggregated health of the process.
type Report struct {
	Status   Status           `json:"status"`
	Services map[string]Check `json:"services"`
}

// Pinger is any collaborator with a liveness probe. Probes are raw calls:
// they bypass the breaker so a probe can never trip or be blocked by it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the aggregator's collaborators.
type Config struct {
	// Cache is round-tripped on every probe.
	Cache *cache.Client
	// Breaker reports per-resource circuit state.
	Breaker *breaker.CircuitBreaker
	// Probes maps a dependency name to its liveness probe.
	Probes map[string]Pinger
	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration
	// Clock overrides time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Cache == nil {
		return trace.BadParameter("missing parameter Cache")
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Aggregator probes the cache and every registered dependency.
type Aggregator struct {
	Config
	log *log.Entry
}

// New returns a health aggregator.
func New(cfg Config) (*Aggregator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Aggregator{
		Config: cfg,
		log:    log.WithField(herald.Component, herald.ComponentHealth),
	}, nil
}

// Report probes every dependency concurrently and rolls the results up.
// Any down dependency makes the whole report down; any degraded one makes
// it degraded.
func (a *Aggregator) Report(ctx context.Context) *Report {
	report := &Report{
		Status:   StatusHealthy,
		Services: make(map[string]Check),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	record := func(name string, check Check) {
		mu.Lock()
		defer mu.Unlock()
		report.Services[name] = check
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		record("cache", a.probeCache(ctx))
	}()
	for name, pinger := range a.Probes {
		wg.Add(1)
		go func(name string, pinger Pinger) {
			defer wg.Done()
			record(name, a.probe(ctx, name, pinger))
		}(name, pinger)
	}
	wg.Wait()

	for _, check := range report.Services {
		switch check.Status {
		case StatusDown:
			report.Status = StatusDown
		case StatusDegraded:
			if report.Status != StatusDown {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

// probeCache round-trips a sentinel value through the cache.
func (a *Aggregator) probeCache(ctx context.Context) Check {
	key := "health:probe:" + uuid.NewString()
	value := []byte(uuid.NewString())
	started := a.Clock.Now()

	if err := a.Cache.Set(ctx, key, value, time.Minute); err != nil {
		return Check{Status: StatusDown, Error: err.Error()}
	}
	got, err := a.Cache.Get(ctx, key)
	if err != nil {
		return Check{Status: StatusDown, Error: err.Error()}
	}
	a.Cache.Delete(ctx, key)
	if string(got) != string(value) {
		return Check{Status: StatusDegraded, Error: "cache round-trip mismatch"}
	}
	return Check{
		Status:  StatusHealthy,
		Latency: a.Clock.Now().Sub(started).String(),
	}
}

func (a *Aggregator) probe(ctx context.Context, name string, pinger Pinger) Check {
	ctx, cancel := context.WithTimeout(ctx, a.ProbeTimeout)
	defer cancel()
	started := a.Clock.Now()

	check := Check{Status: StatusHealthy}
	if err := pinger.Ping(ctx); err != nil {
		a.log.WithError(err).WithField("dependency", name).Warn("Health probe failed.")
		check = Check{Status: StatusDown, Error: err.Error()}
	} else {
		check.Latency = a.Clock.Now().Sub(started).String()
	}

	// an open circuit downgrades an otherwise reachable dependency
	if a.Breaker != nil {
		state := a.Breaker.Status(ctx, name).State
		check.Breaker = state.String()
		if state != breaker.StateClosed && check.Status == StatusHealthy {
			check.Status = StatusDegraded
		}
	}
	return check
}
