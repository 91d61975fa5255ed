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

// Package types defines the domain records shared across herald services.
package types

import (
	"time"

	"github.com/gravitational/trace"
)

// NotificationType selects the delivery channel of a notification.
type NotificationType string

const (
	// NotificationEmail is delivered over SMTP.
	NotificationEmail NotificationType = "email"
	// NotificationPush is delivered over FCM.
	NotificationPush NotificationType = "push"
)

// Check validates the notification type.
func (t NotificationType) Check() error {
	switch t {
	case NotificationEmail, NotificationPush:
		return nil
	}
	return trace.BadParameter("unknown notification type %q", string(t))
}

// Preferences are a user's per-channel opt-in flags.
type Preferences struct {
	Email bool `json:"email"`
	Push  bool `json:"push"`
}

// User is an account record. The identity is immutable; email is unique.
type User struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Email        string      `json:"email"`
	PasswordHash []byte      `json:"-"`
	PushToken    string      `json:"push_token,omitempty"`
	Preferences  Preferences `json:"preferences"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Template is one immutable version of a notification template. Versions
// are scoped to (code, language) and form a contiguous sequence from 1; a
// published version is never mutated.
type Template struct {
	ID       string           `json:"id"`
	Code     string           `json:"code"`
	Type     NotificationType `json:"type"`
	Language string           `json:"language"`
	Version  int              `json:"version"`
	// Content maps field names (subject, body, title...) to template
	// strings containing {{ident}} placeholders.
	Content map[string]string `json:"content"`
	// Variables declares the identifiers the content may reference.
	Variables []string  `json:"variables"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditStatus is a state recorded in the audit log.
type AuditStatus string

const (
	AuditQueued     AuditStatus = "queued"
	AuditProcessing AuditStatus = "processing"
	AuditSent       AuditStatus = "sent"
	AuditFailed     AuditStatus = "failed"
	AuditDLQ        AuditStatus = "dlq"
)

// AuditEntry is an append-only delivery audit record. Entries are written
// as side effects of worker state transitions and never updated.
type AuditEntry struct {
	TraceID          string                 `json:"trace_id"`
	UserID           string                 `json:"user_id"`
	NotificationType NotificationType       `json:"notification_type"`
	TemplateCode     string                 `json:"template_code"`
	Status           AuditStatus            `json:"status"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// NotificationState is a lifecycle state of a notification status record.
type NotificationState string

const (
	NotificationPending   NotificationState = "pending"
	NotificationQueued    NotificationState = "queued"
	NotificationDelivered NotificationState = "delivered"
	NotificationFailed    NotificationState = "failed"
)

// NotificationStatus is the short-lived status record the gateway persists
// on enqueue and the status endpoint serves. It expires after an hour.
type NotificationStatus struct {
	ID           string            `json:"id"`
	Type         NotificationType  `json:"type"`
	UserID       string            `json:"user_id"`
	TemplateCode string            `json:"template_code"`
	Recipient    string            `json:"recipient,omitempty"`
	Status       NotificationState `json:"status"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}
