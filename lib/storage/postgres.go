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

// Package storage implements the relational store behind the user catalog,
// the template catalog and the delivery audit log.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/heraldhq/herald/lib/defaults"
)

// Config holds connection parameters for the store.
type Config struct {
	// ConnString is a postgres connection string or URL.
	ConnString string
	// OpTimeout bounds every query issued through the store.
	OpTimeout time.Duration
	// Clock is used to control time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.ConnString == "" {
		return trace.BadParameter("missing parameter ConnString")
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = defaults.StoreOpTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store provides access to the relational collaborator.
type Store struct {
	Config
	pool *pgxpool.Pool
	log  *log.Entry
}

// New connects to the store and ensures the schema exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to connect to the store")
	}
	s := &Store{
		Config: cfg,
		pool:   pool,
		log:    log.WithField("component", "storage"),
	}
	if err := s.setupSchema(ctx); err != nil {
		pool.Close()
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies store connectivity with a round trip.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return trace.ConnectionProblem(err, "store ping failed")
	}
	return nil
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.OpTimeout)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL UNIQUE,
		password_hash BYTEA NOT NULL,
		push_token TEXT,
		preferences JSONB NOT NULL DEFAULT '{"email": true, "push": true}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS templates (
		id UUID PRIMARY KEY,
		code TEXT NOT NULL,
		type TEXT NOT NULL,
		language TEXT NOT NULL,
		version INTEGER NOT NULL,
		content JSONB NOT NULL,
		variables JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (code, language, version)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		trace_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		notification_type TEXT NOT NULL,
		template_code TEXT NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_trace_id_idx ON audit_logs (trace_id)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_user_id_idx ON audit_logs (user_id)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_status_idx ON audit_logs (status)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_created_at_idx ON audit_logs (created_at DESC)`,
}

func (s *Store) setupSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return trace.Wrap(err, "failed to set up schema")
		}
	}
	return nil
}

// convertError maps driver errors to the platform error taxonomy.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return trace.NotFound("record is not found")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 23505 is unique_violation
		if pgErr.Code == "23505" {
			return trace.AlreadyExists("record already exists")
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return trace.Wrap(err)
	}
	return trace.ConnectionProblem(err, "store query failed")
}
