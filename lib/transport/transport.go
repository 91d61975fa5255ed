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

// Package transport delivers rendered notifications to external services.
// SMTP and FCM are opaque collaborators: a transport either delivers or
// classifies its failure as retryable or terminal.
package transport

import (
	"context"
	"errors"

	"github.com/gravitational/trace"
)

// Message is a rendered notification ready for delivery. Content fields
// come from the template renderer; the transport picks the ones it needs.
type Message struct {
	// Recipient is an email address or a device push token.
	Recipient string
	// Subject is the message subject, email only.
	Subject string
	// Body is the rendered message body.
	Body string
	// Title is the push notification title.
	Title string
	// Data is additional key/value payload for push.
	Data map[string]string
}

// Transport sends a message to an external delivery service. Send blocks
// until the service answers or the context deadline fires.
type Transport interface {
	// Name is the breaker resource name for this transport.
	Name() string
	// Send delivers the message.
	Send(ctx context.Context, msg *Message) error
}

// IsRetryable classifies a transport failure. Rejections of the request
// itself (4xx, malformed recipient) are terminal; connectivity failures,
// timeouts and 5xx answers are worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if trace.IsBadParameter(err) || trace.IsNotFound(err) || trace.IsAccessDenied(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	// unclassified failures are transient until proven otherwise
	return true
}
