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

// Package status persists short-lived notification status records in the
// cache. The gateway writes them on enqueue, workers move them to a
// terminal state, and the status endpoint reads them until they expire.
package status

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/heraldhq/herald/lib/cache"
	"github.com/heraldhq/herald/lib/defaults"
	"github.com/heraldhq/herald/lib/types"
)

// Config holds the status store's collaborators.
type Config struct {
	// Cache is the shared cache.
	Cache *cache.Client
	// TTL bounds a record's lifetime.
	TTL time.Duration
	// Clock overrides time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Cache == nil {
		return trace.BadParameter("missing parameter Cache")
	}
	if c.TTL == 0 {
		c.TTL = defaults.StatusRecordTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store reads and writes notification status records.
type Store struct {
	Config
}

// New returns a status store.
func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{Config: cfg}, nil
}

func key(id string) string {
	return "notification:" + id
}

// Put writes a fresh record, stamping its timestamps.
func (s *Store) Put(ctx context.Context, record *types.NotificationStatus) error {
	now := s.Clock.Now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now
	return trace.Wrap(s.write(ctx, record))
}

// Get returns the record for the given notification id.
func (s *Store) Get(ctx context.Context, id string) (*types.NotificationStatus, error) {
	v, err := s.Cache.Get(ctx, key(id))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var record types.NotificationStatus
	if err := json.Unmarshal(v, &record); err != nil {
		return nil, trace.Wrap(err)
	}
	return &record, nil
}

// SetState moves an existing record to the given state. Absent records
// fail with trace.NotFound; the TTL is refreshed on every transition.
func (s *Store) SetState(ctx context.Context, id string, state types.NotificationState, errorMessage string) error {
	record, err := s.Get(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	record.Status = state
	record.Error = errorMessage
	record.UpdatedAt = s.Clock.Now().UTC()
	return trace.Wrap(s.write(ctx, record))
}

func (s *Store) write(ctx context.Context, record *types.NotificationStatus) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.Cache.Set(ctx, key(record.ID), encoded, s.TTL))
}
