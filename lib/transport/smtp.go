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
	"context"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/mail.v2"

	"github.com/heraldhq/herald/lib/breaker"
	"github.com/heraldhq/herald/lib/defaults"
)

// SMTPConfig holds SMTP relay parameters.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// From is the sender address on outgoing mail.
	From string
	// Breaker records relay outcomes on the SMTP circuit. Optional.
	Breaker *breaker.CircuitBreaker
	// Timeout bounds dial and send.
	Timeout time.Duration
}

// CheckAndSetDefaults checks and sets default values.
func (c *SMTPConfig) CheckAndSetDefaults() error {
	if c.Host == "" {
		return trace.BadParameter("missing parameter Host")
	}
	if c.Port == 0 {
		c.Port = 587
	}
	if c.From == "" {
		return trace.BadParameter("missing parameter From")
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.TransportTimeout
	}
	return nil
}

// SMTP delivers email notifications through an SMTP relay.
type SMTP struct {
	SMTPConfig
	dialer *mail.Dialer
}

// NewSMTP returns an SMTP transport.
func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	dialer := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	dialer.Timeout = cfg.Timeout
	return &SMTP{SMTPConfig: cfg, dialer: dialer}, nil
}

// Name implements Transport.
func (s *SMTP) Name() string { return defaults.ResourceSMTP }

// Send implements Transport. The dialer enforces its own timeout; the
// context deadline is honored by failing fast before dialing.
func (s *SMTP) Send(ctx context.Context, msg *Message) error {
	if msg.Recipient == "" || !strings.Contains(msg.Recipient, "@") {
		return trace.BadParameter("invalid email recipient %q", msg.Recipient)
	}
	if err := ctx.Err(); err != nil {
		return trace.Wrap(err)
	}

	m := mail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", msg.Recipient)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)

	if err := s.dialer.DialAndSend(m); err != nil {
		if s.Breaker != nil {
			s.Breaker.RecordFailure(ctx, s.Name())
		}
		return trace.ConnectionProblem(err, "failed to send email via %v", s.Host)
	}
	if s.Breaker != nil {
		s.Breaker.RecordSuccess(ctx, s.Name())
	}
	return nil
}
