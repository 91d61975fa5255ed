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

// Package config reads process configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"

	"github.com/heraldhq/herald/lib/defaults"
)

// Config is the process configuration shared by every herald role.
type Config struct {
	// Port is the HTTP listen port.
	Port int

	// JWTSecret signs access and refresh tokens.
	JWTSecret string
	// AccessTokenTTL is the access token lifetime.
	AccessTokenTTL time.Duration

	// DatabaseURL is the Postgres connection string.
	DatabaseURL string

	// RedisAddr is the cache host:port.
	RedisAddr string
	// RedisPassword authenticates against the cache.
	RedisPassword string
	// RedisDB selects the cache database.
	RedisDB int

	// RabbitMQURL is the AMQP connection string.
	RabbitMQURL string

	// SMTPHost, SMTPPort, SMTPUser, SMTPPassword and SMTPFrom configure
	// the email transport.
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string

	// FCMServerKey authenticates against the push transport.
	FCMServerKey string

	// RateLimitMax requests are admitted per client per RateLimitWindow.
	RateLimitMax    int64
	RateLimitWindow time.Duration

	// BreakerFailureThreshold consecutive failures open a circuit;
	// BreakerSuccessThreshold half-open successes close it again after
	// BreakerTimeout.
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	// Debug enables verbose logging.
	Debug bool
}

// FromEnv builds the configuration from environment variables, falling
// back to defaults for everything optional.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:                    intEnv("PORT", defaults.HTTPListenPort),
		JWTSecret:               os.Getenv("JWT_SECRET"),
		AccessTokenTTL:          durationEnv("JWT_EXPIRATION", defaults.AccessTokenTTL),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 intEnv("REDIS_DB", 0),
		RabbitMQURL:             os.Getenv("RABBITMQ_URL"),
		SMTPHost:                os.Getenv("SMTP_HOST"),
		SMTPPort:                intEnv("SMTP_PORT", 587),
		SMTPUser:                os.Getenv("SMTP_USER"),
		SMTPPassword:            os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:                os.Getenv("SMTP_FROM"),
		FCMServerKey:            os.Getenv("FCM_SERVER_KEY"),
		RateLimitMax:            int64(intEnv("RATE_LIMIT_MAX", int(defaults.RateLimitMax))),
		RateLimitWindow:         durationEnv("RATE_LIMIT_TTL", defaults.RateLimitWindow),
		BreakerFailureThreshold: intEnv("CIRCUIT_BREAKER_THRESHOLD", defaults.BreakerFailureThreshold),
		BreakerSuccessThreshold: intEnv("CIRCUIT_BREAKER_SUCCESS_THRESHOLD", defaults.BreakerSuccessThreshold),
		BreakerTimeout:          durationEnv("CIRCUIT_BREAKER_TIMEOUT", defaults.BreakerTimeout),
		Debug:                   boolEnv("HERALD_DEBUG", false),
	}
	if cfg.RedisAddr == "" {
		host := envOr("REDIS_HOST", "localhost")
		port := envOr("REDIS_PORT", "6379")
		cfg.RedisAddr = host + ":" + port
	}
	if err := cfg.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.JWTSecret == "" {
		return trace.BadParameter("JWT_SECRET is required")
	}
	if c.DatabaseURL == "" {
		return trace.BadParameter("DATABASE_URL is required")
	}
	if c.RabbitMQURL == "" {
		return trace.BadParameter("RABBITMQ_URL is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return trace.BadParameter("invalid PORT %v", c.Port)
	}
	return nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func boolEnv(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

// durationEnv accepts either a Go duration string ("15m") or a number of
// seconds.
func durationEnv(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
