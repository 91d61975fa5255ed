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

// Package broker wraps the AMQP connection and owns the queue topology:
// a direct exchange fanning out to per-type durable queues, each
// dead-lettering into a shared DLX.
package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/lib/defaults"
)

// AttemptsHeader carries the delivery attempt count across republishes.
const AttemptsHeader = "x-herald-attempts"

// Config holds broker connection parameters.
type Config struct {
	// URL is the AMQP connection string.
	URL string
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("missing parameter URL")
	}
	return nil
}

// Client is a publishing and consuming AMQP client. A single connection
// backs one publishing channel; consumers get dedicated channels so a
// consumer error cannot poison publishes.
type Client struct {
	Config
	log *log.Entry

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// New connects to the broker and declares the topology.
func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to connect to broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, trace.ConnectionProblem(err, "failed to open channel")
	}
	c := &Client{
		Config: cfg,
		log:    log.WithField(herald.Component, herald.ComponentBroker),
		conn:   conn,
		ch:     ch,
	}
	if err := c.declareTopology(ch); err != nil {
		c.Close()
		return nil, trace.Wrap(err)
	}
	return c, nil
}

// queueArgs dead-letters expired and rejected messages into the DLX.
func queueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    defaults.DLXExchange,
		"x-dead-letter-routing-key": defaults.DLXRoutingKey,
		"x-message-ttl":             int32(defaults.QueueMessageTTL),
	}
}

func (c *Client) declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(defaults.Exchange, "direct", true, false, false, false, nil); err != nil {
		return trace.ConnectionProblem(err, "failed to declare exchange %v", defaults.Exchange)
	}
	if err := ch.ExchangeDeclare(defaults.DLXExchange, "direct", true, false, false, false, nil); err != nil {
		return trace.ConnectionProblem(err, "failed to declare exchange %v", defaults.DLXExchange)
	}
	for _, queue := range []string{defaults.EmailQueue, defaults.PushQueue} {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, queueArgs()); err != nil {
			return trace.ConnectionProblem(err, "failed to declare queue %v", queue)
		}
		if err := ch.QueueBind(queue, queue, defaults.Exchange, false, nil); err != nil {
			return trace.ConnectionProblem(err, "failed to bind queue %v", queue)
		}
	}
	if _, err := ch.QueueDeclare(defaults.FailedQueue, true, false, false, false, nil); err != nil {
		return trace.ConnectionProblem(err, "failed to declare queue %v", defaults.FailedQueue)
	}
	if err := ch.QueueBind(defaults.FailedQueue, defaults.DLXRoutingKey, defaults.DLXExchange, false, nil); err != nil {
		return trace.ConnectionProblem(err, "failed to bind queue %v", defaults.FailedQueue)
	}
	return nil
}

// Publish sends a persistent JSON message to the main exchange.
func (c *Client) Publish(ctx context.Context, routingKey string, v interface{}, headers amqp.Table) error {
	return c.publish(ctx, defaults.Exchange, routingKey, v, headers)
}

// PublishDLQ sends a persistent JSON message straight to the dead-letter
// exchange.
func (c *Client) PublishDLQ(ctx context.Context, v interface{}) error {
	return c.publish(ctx, defaults.DLXExchange, defaults.DLXRoutingKey, v, nil)
}

func (c *Client) publish(ctx context.Context, exchange, routingKey string, v interface{}, headers amqp.Table) error {
	if err := ctx.Err(); err != nil {
		return trace.Wrap(err)
	}
	body, err := json.Marshal(v)
	if err != nil {
		return trace.Wrap(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.ch.Publish(exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return trace.ConnectionProblem(err, "failed to publish to %v/%v", exchange, routingKey)
	}
	return nil
}

// PublishTemplateUpdated emits a template.updated event.
func (c *Client) PublishTemplateUpdated(ctx context.Context, code string, version int) error {
	return trace.Wrap(c.Publish(ctx, defaults.TemplateUpdatedKey, map[string]interface{}{
		"code":      code,
		"version":   version,
		"timestamp": time.Now().UTC(),
	}, nil))
}

// Consume opens a dedicated channel on the queue with the given prefetch
// and manual acknowledgement.
func (c *Client) Consume(queue string, prefetch int) (<-chan amqp.Delivery, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to open consumer channel")
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, trace.ConnectionProblem(err, "failed to set prefetch")
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, trace.ConnectionProblem(err, "failed to consume from %v", queue)
	}
	return deliveries, nil
}

// Ping reports broker connectivity.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return trace.ConnectionProblem(nil, "broker connection is closed")
	}
	return nil
}

// Close tears down the channel and connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	if c.ch != nil {
		if err := c.ch.Close(); err != nil {
			errs = append(errs, err)
		}
		c.ch = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, err)
		}
		c.conn = nil
	}
	return trace.NewAggregate(errs...)
}

// Attempts reads the delivery attempt count from a message's headers. A
// first delivery has zero attempts.
func Attempts(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers[AttemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
