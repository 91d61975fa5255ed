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

package config

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DATABASE_URL", "postgres://localhost/herald")
	t.Setenv("RABBITMQ_URL", "amqp://localhost")
}

func TestFromEnvDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	require.Equal(t, "localhost:6379", cfg.RedisAddr)
	require.Equal(t, int64(100), cfg.RateLimitMax)
	require.Equal(t, time.Minute, cfg.RateLimitWindow)
	require.Equal(t, 5, cfg.BreakerFailureThreshold)
	require.Equal(t, 60*time.Second, cfg.BreakerTimeout)
}

func TestFromEnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9000")
	t.Setenv("JWT_EXPIRATION", "900")
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("RATE_LIMIT_MAX", "10")
	t.Setenv("CIRCUIT_BREAKER_TIMEOUT", "30s")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Port)
	require.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	require.Equal(t, "cache.internal:6380", cfg.RedisAddr)
	require.Equal(t, int64(10), cfg.RateLimitMax)
	require.Equal(t, 30*time.Second, cfg.BreakerTimeout)
}

func TestFromEnvRequiresSecrets(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/herald")
	t.Setenv("RABBITMQ_URL", "amqp://localhost")

	_, err := FromEnv()
	require.True(t, trace.IsBadParameter(err))
}
