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

// Package gateway implements the notification dispatcher: the
// authenticated entry point that deduplicates requests, routes them into
// typed broker queues and tracks their status.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/lib/auth"
	"github.com/heraldhq/herald/lib/broker"
	"github.com/heraldhq/herald/lib/cache"
	"github.com/heraldhq/herald/lib/defaults"
	"github.com/heraldhq/herald/lib/status"
	"github.com/heraldhq/herald/lib/types"
)

var (
	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: herald.MetricNamespace,
			Name:      "gateway_notifications_total",
			Help:      "Notification submissions by type and outcome.",
		},
		[]string{"type", "result"},
	)

	registerOnce sync.Once
)

func ensureRegistered() {
	registerOnce.Do(func() {
		prometheus.MustRegister(submissions)
	})
}

// Authenticator validates bearer tokens.
type Authenticator interface {
	Validate(ctx context.Context, token string) (*auth.Identity, error)
}

// Users is the slice of the relational store the gateway consumes.
type Users interface {
	GetUserByID(ctx context.Context, id string) (*types.User, error)
}

// SendRequest is the body of POST /notifications/send.
type SendRequest struct {
	Type         types.NotificationType `json:"notification_type"`
	TemplateCode string                 `json:"template_code"`
	Language     string                 `json:"language,omitempty"`
	Variables    map[string]interface{} `json:"variables,omitempty"`
	RequestID    string                 `json:"request_id"`
	Priority     int                    `json:"priority"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Check validates the request.
func (r *SendRequest) Check() error {
	if err := r.Type.Check(); err != nil {
		return trace.Wrap(err)
	}
	if r.TemplateCode == "" {
		return trace.BadParameter("missing parameter template_code")
	}
	if r.RequestID == "" {
		return trace.BadParameter("missing parameter request_id")
	}
	return nil
}

// SendResponse acknowledges an accepted notification.
type SendResponse struct {
	NotificationID string   `json:"notification_id"`
	Status         string   `json:"status"`
	Queues         []string `json:"queues"`
}

// Config holds the dispatcher's collaborators.
type Config struct {
	// Auth validates access tokens.
	Auth Authenticator
	// Users resolves recipients.
	Users Users
	// Cache backs rate limiting, idempotency and the preferences cache.
	Cache *cache.Client
	// Status is the notification status store.
	Status *status.Store
	// Broker publishes notification envelopes.
	Broker broker.Publisher
	// RateLimitMax requests are admitted per client per window.
	RateLimitMax int64
	// RateLimitWindow is the fixed rate limit window.
	RateLimitWindow time.Duration
	// IdempotencyTTL bounds the dedupe marker lifetime.
	IdempotencyTTL time.Duration
	// PreferencesTTL bounds the cached preferences lifetime.
	PreferencesTTL time.Duration
	// Clock overrides time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Auth == nil {
		return trace.BadParameter("missing parameter Auth")
	}
	if c.Users == nil {
		return trace.BadParameter("missing parameter Users")
	}
	if c.Cache == nil {
		return trace.BadParameter("missing parameter Cache")
	}
	if c.Status == nil {
		return trace.BadParameter("missing parameter Status")
	}
	if c.Broker == nil {
		return trace.BadParameter("missing parameter Broker")
	}
	if c.RateLimitMax == 0 {
		c.RateLimitMax = defaults.RateLimitMax
	}
	if c.RateLimitWindow == 0 {
		c.RateLimitWindow = defaults.RateLimitWindow
	}
	if c.IdempotencyTTL == 0 {
		c.IdempotencyTTL = defaults.IdempotencyTTL
	}
	if c.PreferencesTTL == 0 {
		c.PreferencesTTL = defaults.PreferencesCacheTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Gateway dispatches notifications into the broker.
type Gateway struct {
	Config
	log *log.Entry
}

// New returns a notification gateway.
func New(cfg Config) (*Gateway, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ensureRegistered()
	return &Gateway{
		Config: cfg,
		log:    log.WithField(herald.Component, herald.ComponentGateway),
	}, nil
}

func idempotencyKey(key string) string {
	return "idempotency:" + key
}

func preferencesKey(userID string) string {
	return "user:preferences:" + userID
}

// Dispatch admits one notification request: rate limit, idempotency
// reservation, recipient resolution, then a persistent publish per target
// queue. The idempotency key is never released on failure; callers must
// retry with a fresh key.
func (g *Gateway) Dispatch(ctx context.Context, identity *auth.Identity, idemKey string, req SendRequest) (*SendResponse, error) {
	if idemKey == "" {
		return nil, trace.BadParameter("missing X-Idempotency-Key header")
	}
	if err := req.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := g.checkRateLimit(ctx, identity.UserID); err != nil {
		return nil, trace.Wrap(err)
	}

	user, prefs, err := g.resolveUser(ctx, identity.UserID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	recipient, err := recipientFor(req.Type, user, prefs)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	reserved, err := g.Cache.SetNX(ctx, idempotencyKey(idemKey), []byte("processing"), g.IdempotencyTTL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !reserved {
		submissions.WithLabelValues(string(req.Type), "duplicate").Inc()
		return nil, trace.AlreadyExists("duplicate request for idempotency key %q", idemKey)
	}

	record := &types.NotificationStatus{
		ID:           req.RequestID,
		Type:         req.Type,
		UserID:       identity.UserID,
		TemplateCode: req.TemplateCode,
		Recipient:    recipient,
		Status:       types.NotificationPending,
	}
	if err := g.Status.Put(ctx, record); err != nil {
		g.log.WithError(err).WithField("id", req.RequestID).Warn("Failed to persist status record.")
	}

	envelope := broker.Envelope{
		NotificationID: req.RequestID,
		IdempotencyKey: idemKey,
		UserID:         identity.UserID,
		Type:           req.Type,
		TemplateCode:   req.TemplateCode,
		Language:       req.Language,
		Variables:      req.Variables,
		Recipient:      recipient,
		PushToken:      user.PushToken,
		Priority:       req.Priority,
		CreatedBy:      identity.UserID,
		Metadata:       req.Metadata,
		Timestamp:      g.Clock.Now().UTC(),
	}
	queues := queuesFor(req.Type)
	for _, queue := range queues {
		if err := g.Broker.Publish(ctx, queue, envelope, nil); err != nil {
			submissions.WithLabelValues(string(req.Type), "error").Inc()
			g.failStatus(ctx, req.RequestID, err)
			return nil, trace.ConnectionProblem(err, "failed to enqueue notification")
		}
	}
	if err := g.Status.SetState(ctx, req.RequestID, types.NotificationQueued, ""); err != nil {
		g.log.WithError(err).WithField("id", req.RequestID).Warn("Failed to update status record.")
	}

	submissions.WithLabelValues(string(req.Type), "queued").Inc()
	g.log.WithFields(log.Fields{
		"id":     req.RequestID,
		"type":   req.Type,
		"queues": queues,
	}).Info("Notification queued.")
	return &SendResponse{
		NotificationID: req.RequestID,
		Status:         "queued",
		Queues:         queues,
	}, nil
}

// GetStatus returns the status record for a notification id.
func (g *Gateway) GetStatus(ctx context.Context, id string) (*types.NotificationStatus, error) {
	record, err := g.Status.Get(ctx, id)
	return record, trace.Wrap(err)
}

func queuesFor(t types.NotificationType) []string {
	switch t {
	case types.NotificationEmail:
		return []string{defaults.EmailQueue}
	case types.NotificationPush:
		return []string{defaults.PushQueue}
	}
	return nil
}

func recipientFor(t types.NotificationType, user *types.User, prefs types.Preferences) (string, error) {
	switch t {
	case types.NotificationEmail:
		if !prefs.Email {
			return "", trace.BadParameter("user has disabled email notifications")
		}
		return user.Email, nil
	case types.NotificationPush:
		if !prefs.Push {
			return "", trace.BadParameter("user has disabled push notifications")
		}
		if user.PushToken == "" {
			return "", trace.BadParameter("user has no registered push token")
		}
		return user.PushToken, nil
	}
	return "", trace.BadParameter("unknown notification type %q", string(t))
}

// checkRateLimit admits up to RateLimitMax requests per client per fixed
// window. The counter key carries the window index so it resets naturally.
func (g *Gateway) checkRateLimit(ctx context.Context, clientID string) error {
	window := g.Clock.Now().Unix() / int64(g.RateLimitWindow.Seconds())
	key := fmt.Sprintf("ratelimit:%s:%d", clientID, window)
	count, err := g.Cache.Incr(ctx, key)
	if err != nil {
		// rate limiting degrades open when the cache is unreachable
		g.log.WithError(err).Warn("Rate limit check failed.")
		return nil
	}
	if count == 1 {
		if err := g.Cache.Expire(ctx, key, g.RateLimitWindow); err != nil {
			g.log.WithError(err).Warn("Failed to expire rate limit window.")
		}
	}
	if count > g.RateLimitMax {
		return trace.LimitExceeded("rate limit of %v requests per %v exceeded", g.RateLimitMax, g.RateLimitWindow)
	}
	return nil
}

// resolveUser loads the user row and its preferences, reading preferences
// through the cache.
func (g *Gateway) resolveUser(ctx context.Context, userID string) (*types.User, types.Preferences, error) {
	user, err := g.Users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, types.Preferences{}, trace.Wrap(err)
	}
	if v, err := g.Cache.Get(ctx, preferencesKey(userID)); err == nil {
		var prefs types.Preferences
		if err := json.Unmarshal(v, &prefs); err == nil {
			return user, prefs, nil
		}
	}
	encoded, err := json.Marshal(user.Preferences)
	if err == nil {
		if err := g.Cache.Set(ctx, preferencesKey(userID), encoded, g.PreferencesTTL); err != nil {
			g.log.WithError(err).Warn("Failed to cache user preferences.")
		}
	}
	return user, user.Preferences, nil
}

func (g *Gateway) failStatus(ctx context.Context, id string, cause error) {
	if err := g.Status.SetState(ctx, id, types.NotificationFailed, cause.Error()); err != nil {
		g.log.WithError(err).WithField("id", id).Warn("Failed to mark status record failed.")
	}
}
