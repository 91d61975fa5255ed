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

// Package defaults enumerates every tunable the platform recognizes along
// with its default value. Services read these through their Config structs,
// which may override them from the environment.
package defaults

import "time"

const (
	// HTTPListenPort is the port services bind to when PORT is not set.
	HTTPListenPort = 8080

	// AccessTokenTTL is the lifetime of an access token.
	AccessTokenTTL = 15 * time.Minute

	// RefreshTokenTTL is the lifetime of a refresh token.
	RefreshTokenTTL = 7 * 24 * time.Hour

	// BCryptCost is the work factor for password hashes.
	BCryptCost = 10

	// PreferencesCacheTTL bounds staleness of cached user preferences.
	PreferencesCacheTTL = time.Hour

	// TemplateCacheTTL bounds staleness of cached templates.
	TemplateCacheTTL = time.Hour

	// IdempotencyTTL is the lifetime of an idempotency marker. Duplicate
	// requests arriving after expiry are treated as new requests.
	IdempotencyTTL = 24 * time.Hour

	// StatusRecordTTL is the lifetime of a notification status record.
	StatusRecordTTL = time.Hour

	// CacheOpTimeout bounds any single cache operation.
	CacheOpTimeout = 200 * time.Millisecond

	// StoreOpTimeout bounds any single database query.
	StoreOpTimeout = 5 * time.Second

	// TransportTimeout bounds a single SMTP or FCM delivery attempt.
	TransportTimeout = 5 * time.Second

	// TemplateFetchTimeout bounds a template resolution.
	TemplateFetchTimeout = 5 * time.Second
)

const (
	// BreakerFailureThreshold is the consecutive failure count that trips
	// a circuit from closed to open.
	BreakerFailureThreshold = 5

	// BreakerSuccessThreshold is the consecutive success count that closes
	// a half-open circuit.
	BreakerSuccessThreshold = 2

	// BreakerTimeout is how long an open circuit waits before permitting
	// a recovery probe.
	BreakerTimeout = 60 * time.Second

	// BreakerKeySlack extends breaker key expiry past the timeout so that
	// replicas never observe a half-expired triple.
	BreakerKeySlack = 60 * time.Second
)

const (
	// Exchange is the direct exchange all notification traffic flows
	// through.
	Exchange = "notifications.direct"

	// DLXExchange receives messages that exhausted their retries.
	DLXExchange = "dlx.exchange"

	// DLXRoutingKey routes dead letters to the failed queue.
	DLXRoutingKey = "failed"

	// EmailQueue carries email notifications.
	EmailQueue = "email.queue"

	// PushQueue carries push notifications.
	PushQueue = "push.queue"

	// FailedQueue collects dead-lettered messages. It is never retried.
	FailedQueue = "failed.queue"

	// TemplateUpdatedKey is the routing key for template change events.
	TemplateUpdatedKey = "template.updated"

	// PrefetchCount is how many unacknowledged deliveries the broker hands
	// a single consumer.
	PrefetchCount = 10

	// MaxDeliveryAttempts caps redeliveries of a retryable failure before
	// the message is dead-lettered.
	MaxDeliveryAttempts = 3

	// QueueMessageTTL is the per-message TTL on notification queues, in
	// milliseconds (the unit the broker expects).
	QueueMessageTTL = 3600000
)

const (
	// RetryBaseDelay is the first delay of the exponential backoff applied
	// between redelivery attempts.
	RetryBaseDelay = time.Second

	// RetryMaxDelay clamps the exponential backoff.
	RetryMaxDelay = 60 * time.Second
)

const (
	// RateLimitWindow is the fixed window for per-client throttling.
	RateLimitWindow = time.Minute

	// RateLimitMax is the number of requests a client may make per window.
	RateLimitMax = 100
)

const (
	// TemplateListLimit is the default page size for template listings.
	TemplateListLimit = 10

	// TemplateListLimitMax caps the requested page size.
	TemplateListLimitMax = 100
)

// Breaker resource names. Every call to an external collaborator is gated
// on the breaker registered under one of these names.
const (
	ResourceDatabase  = "database"
	ResourceCache     = "cache"
	ResourceSMTP      = "smtp"
	ResourceFCM       = "fcm"
	ResourceBroker    = "broker"
	ResourceTemplates = "template-service"
)
