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

package broker

import (
	"context"
	"time"

	"github.com/streadway/amqp"

	"github.com/heraldhq/herald/lib/types"
)

// Envelope is the message the gateway publishes for each notification and
// workers consume.
type Envelope struct {
	NotificationID string                 `json:"notification_id"`
	IdempotencyKey string                 `json:"idempotency_key"`
	UserID         string                 `json:"user_id"`
	Type           types.NotificationType `json:"notification_type"`
	TemplateCode   string                 `json:"template_code"`
	Language       string                 `json:"language,omitempty"`
	Variables      map[string]interface{} `json:"variables,omitempty"`
	Recipient      string                 `json:"recipient,omitempty"`
	PushToken      string                 `json:"push_token,omitempty"`
	Priority       int                    `json:"priority"`
	CreatedBy      string                 `json:"created_by"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// DLQMessage wraps an envelope that exhausted its retries.
type DLQMessage struct {
	Original      Envelope  `json:"original_message"`
	FailureReason string    `json:"failure_reason"`
	FailedAt      time.Time `json:"failed_at"`
}

// Publisher is the slice of the broker client the gateway and the workers
// consume; tests substitute a recording fake.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, v interface{}, headers amqp.Table) error
	PublishDLQ(ctx context.Context, v interface{}) error
}
