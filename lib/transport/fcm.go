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

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gravitational/trace"

	"github.com/heraldhq/herald/lib/breaker"
	"github.com/heraldhq/herald/lib/defaults"
)

// DefaultFCMEndpoint is the legacy FCM HTTP API.
const DefaultFCMEndpoint = "https://fcm.googleapis.com/fcm/send"

// FCMConfig holds FCM parameters.
type FCMConfig struct {
	// ServerKey authenticates against the legacy FCM API.
	ServerKey string
	// Endpoint overrides the FCM URL in tests.
	Endpoint string
	// Breaker records call outcomes on the FCM circuit. When set, the
	// default client's transport is wrapped with the breaker round
	// tripper: transport errors and 5xx answers count against the
	// circuit, any answer below 500 counts as the service being up.
	Breaker *breaker.CircuitBreaker
	// Client is the HTTP client. Overriding it bypasses the breaker
	// round tripper; tests do that to drive raw responses.
	Client *http.Client
	// Timeout bounds each send.
	Timeout time.Duration
}

// CheckAndSetDefaults checks and sets default values.
func (c *FCMConfig) CheckAndSetDefaults() error {
	if c.ServerKey == "" {
		return trace.BadParameter("missing parameter ServerKey")
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultFCMEndpoint
	}
	if c.Client == nil {
		c.Client = &http.Client{}
		if c.Breaker != nil {
			c.Client.Transport = breaker.NewRoundTripper(c.Breaker, defaults.ResourceFCM, nil)
		}
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.TransportTimeout
	}
	return nil
}

// FCM delivers push notifications through Firebase Cloud Messaging.
type FCM struct {
	FCMConfig
}

// NewFCM returns an FCM transport.
func NewFCM(cfg FCMConfig) (*FCM, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &FCM{FCMConfig: cfg}, nil
}

// Name implements Transport.
func (f *FCM) Name() string { return defaults.ResourceFCM }

type fcmRequest struct {
	To           string            `json:"to"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		Error string `json:"error"`
	} `json:"results"`
}

// Send implements Transport.
func (f *FCM) Send(ctx context.Context, msg *Message) error {
	if msg.Recipient == "" {
		return trace.BadParameter("missing push token")
	}
	body, err := json.Marshal(fcmRequest{
		To: msg.Recipient,
		Notification: fcmNotification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: msg.Data,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(body))
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+f.ServerKey)

	resp, err := f.Client.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "failed to reach FCM")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return trace.AccessDenied("FCM rejected the server key")
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return trace.BadParameter("FCM rejected the request: %v", resp.Status)
	default:
		return trace.ConnectionProblem(nil, "FCM answered %v", resp.Status)
	}

	var parsed fcmResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&parsed); err != nil {
		return trace.ConnectionProblem(err, "failed to decode FCM response")
	}
	if parsed.Failure > 0 {
		reason := "unknown"
		if len(parsed.Results) > 0 && parsed.Results[0].Error != "" {
			reason = parsed.Results[0].Error
		}
		// a dead registration token never becomes deliverable
		if reason == "NotRegistered" || reason == "InvalidRegistration" {
			return trace.BadParameter("FCM rejected the token: %v", reason)
		}
		return trace.ConnectionProblem(nil, "FCM delivery failed: %v", reason)
	}
	return nil
}
