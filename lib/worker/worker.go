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

// Package worker implements the queue consumer runtime: idempotent
// processing, template rendering, breaker-gated delivery, bounded retries
// and dead-lettering.
package worker

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
	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/lib/breaker"
	"github.com/heraldhq/herald/lib/broker"
	"github.com/heraldhq/herald/lib/cache"
	"github.com/heraldhq/herald/lib/defaults"
	"github.com/heraldhq/herald/lib/status"
	"github.com/heraldhq/herald/lib/template"
	"github.com/heraldhq/herald/lib/transport"
	"github.com/heraldhq/herald/lib/types"
	"github.com/heraldhq/herald/lib/utils"
)

var (
	processed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: herald.MetricNamespace,
			Name:      "worker_processed_total",
			Help:      "Messages pulled off the queue.",
		},
		[]string{"queue"},
	)
	delivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: herald.MetricNamespace,
			Name:      "worker_delivered_total",
			Help:      "Notifications delivered to the transport.",
		},
		[]string{"queue"},
	)
	retried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: herald.MetricNamespace,
			Name:      "worker_retries_total",
			Help:      "Messages republished for another attempt.",
		},
		[]string{"queue"},
	)
	deadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: herald.MetricNamespace,
			Name:      "worker_dlq_total",
			Help:      "Messages pushed to the dead letter queue.",
		},
		[]string{"queue"},
	)

	registerOnce sync.Once
)

func ensureRegistered() {
	registerOnce.Do(func() {
		prometheus.MustRegister(processed, delivered, retried, deadLettered)
	})
}

// Broker is the slice of the broker client the worker consumes.
type Broker interface {
	broker.Publisher
	Consume(queue string, prefetch int) (<-chan amqp.Delivery, error)
}

// Templates resolves templates for rendering.
type Templates interface {
	Resolve(ctx context.Context, code, language string, version int) (*types.Template, error)
}

// Audit appends delivery audit rows.
type Audit interface {
	EmitAudit(ctx context.Context, entry *types.AuditEntry) error
}

// Config holds the worker's collaborators.
type Config struct {
	// Queue is the queue this worker services.
	Queue string
	// Broker consumes deliveries and republishes retries.
	Broker Broker
	// Cache holds idempotency markers.
	Cache *cache.Client
	// Templates resolves notification templates.
	Templates Templates
	// Transport delivers rendered notifications.
	Transport transport.Transport
	// Breaker gates transport calls.
	Breaker *breaker.CircuitBreaker
	// Audit appends delivery audit rows. Optional.
	Audit Audit
	// Status is the notification status store. Optional.
	Status *status.Store
	// Prefetch bounds in-flight messages; one goroutine per slot.
	Prefetch int
	// MaxAttempts caps retries per message: a failed delivery is
	// republished while its carried attempt count is below this, and
	// dead-lettered once the count reaches it.
	MaxAttempts int
	// Backoff spaces retry attempts.
	Backoff utils.BackoffConfig
	// IdempotencyTTL bounds the dedupe marker lifetime.
	IdempotencyTTL time.Duration
	// Clock overrides time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Queue == "" {
		return trace.BadParameter("missing parameter Queue")
	}
	if c.Broker == nil {
		return trace.BadParameter("missing parameter Broker")
	}
	if c.Cache == nil {
		return trace.BadParameter("missing parameter Cache")
	}
	if c.Templates == nil {
		return trace.BadParameter("missing parameter Templates")
	}
	if c.Transport == nil {
		return trace.BadParameter("missing parameter Transport")
	}
	if c.Breaker == nil {
		return trace.BadParameter("missing parameter Breaker")
	}
	if c.Prefetch == 0 {
		c.Prefetch = defaults.PrefetchCount
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaults.MaxDeliveryAttempts
	}
	if c.Backoff.Base == 0 {
		c.Backoff.Base = defaults.RetryBaseDelay
	}
	if c.Backoff.Max == 0 {
		c.Backoff.Max = defaults.RetryMaxDelay
	}
	if err := c.Backoff.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.IdempotencyTTL == 0 {
		c.IdempotencyTTL = defaults.IdempotencyTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Worker consumes one queue and drives each message to a terminal state.
type Worker struct {
	Config
	log     *log.Entry
	backoff *utils.Backoff
}

// New returns a queue worker.
func New(cfg Config) (*Worker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ensureRegistered()
	backoff, err := utils.NewBackoff(cfg.Backoff)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Worker{
		Config: cfg,
		log: log.WithFields(log.Fields{
			herald.Component: herald.ComponentWorker,
			"queue":          cfg.Queue,
		}),
		backoff: backoff,
	}, nil
}

// Run consumes the queue until the context is canceled or the delivery
// channel closes. In-flight messages finish before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.Broker.Consume(w.Queue, w.Prefetch)
	if err != nil {
		return trace.Wrap(err)
	}
	w.log.Info("Worker started.")

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(w.Prefetch)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case d, ok := <-deliveries:
			if !ok {
				break loop
			}
			group.Go(func() error {
				w.process(ctx, d)
				return nil
			})
		}
	}
	err = group.Wait()
	w.log.Info("Worker stopped.")
	return trace.Wrap(err)
}

func idempotencyKey(requestID string) string {
	return "idempotency:" + requestID
}

// process drives one delivery to ack or nack. Panics are contained so a
// poisoned message cannot take the consumer down; the message is
// requeued and retried like any transient failure.
func (w *Worker) process(ctx context.Context, d amqp.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("panic", r).Error("Recovered from panic while processing message.")
			w.nack(d, true)
		}
	}()

	processed.WithLabelValues(w.Queue).Inc()

	var envelope broker.Envelope
	if err := json.Unmarshal(d.Body, &envelope); err != nil {
		// a malformed body can never succeed; dead-letter it directly
		w.log.WithError(err).Warn("Discarding malformed message.")
		w.publishDLQ(ctx, broker.Envelope{}, fmt.Sprintf("malformed message body: %v", err))
		w.ack(d)
		return
	}
	logger := w.log.WithField("id", envelope.NotificationID)

	proceed, err := w.claim(ctx, d, &envelope)
	if err != nil {
		logger.WithError(err).Warn("Idempotency check failed, requeueing.")
		w.nack(d, true)
		return
	}
	if !proceed {
		return
	}

	w.setStatus(ctx, envelope.NotificationID, types.NotificationPending, "")

	if err := w.deliver(ctx, &envelope); err != nil {
		w.handleFailure(ctx, d, &envelope, err)
		return
	}

	if err := w.Cache.Set(ctx, idempotencyKey(envelope.NotificationID), []byte("sent"), w.IdempotencyTTL); err != nil {
		logger.WithError(err).Warn("Failed to mark idempotency marker sent.")
	}
	w.audit(ctx, &envelope, types.AuditSent, "")
	w.setStatus(ctx, envelope.NotificationID, types.NotificationDelivered, "")
	delivered.WithLabelValues(w.Queue).Inc()
	logger.Info("Notification delivered.")
	w.ack(d)
}

// claim reserves the idempotency marker. The bool reports whether this
// worker owns the message; when false the delivery has already been
// settled.
func (w *Worker) claim(ctx context.Context, d amqp.Delivery, envelope *broker.Envelope) (bool, error) {
	reserved, err := w.Cache.SetNX(ctx, idempotencyKey(envelope.NotificationID), []byte("processing"), w.IdempotencyTTL)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if reserved {
		return true, nil
	}
	value, err := w.Cache.Get(ctx, idempotencyKey(envelope.NotificationID))
	if err != nil {
		if trace.IsNotFound(err) {
			// marker expired between SetNX and Get; requeue and try again
			w.nack(d, true)
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	switch string(value) {
	case "sent", "failed":
		// terminal; this delivery is a duplicate
		w.ack(d)
	default:
		// another worker is processing it
		w.nack(d, true)
	}
	return false, nil
}

// deliver resolves the template, renders it and calls the transport
// behind the breaker. The breaker is only consulted for admission here;
// outcome recording is owned by the transports, which can tell a dead
// collaborator from a message the collaborator rejected.
func (w *Worker) deliver(ctx context.Context, envelope *broker.Envelope) error {
	tpl, err := w.Templates.Resolve(ctx, envelope.TemplateCode, envelope.Language, 0)
	if err != nil {
		return trace.Wrap(err)
	}
	rendered := template.Render(tpl, envelope.Variables)
	msg := &transport.Message{
		Recipient: envelope.Recipient,
		Subject:   rendered["subject"],
		Body:      rendered["body"],
		Title:     rendered["title"],
	}

	resource := w.Transport.Name()
	if !w.Breaker.Allow(ctx, resource) {
		return trace.ConnectionProblem(nil, "%v circuit is open", resource)
	}
	sendCtx, cancel := context.WithTimeout(ctx, defaults.TransportTimeout)
	defer cancel()
	return trace.Wrap(w.Transport.Send(sendCtx, msg))
}

// handleFailure routes a failed delivery to a retry or the DLQ.
func (w *Worker) handleFailure(ctx context.Context, d amqp.Delivery, envelope *broker.Envelope, cause error) {
	logger := w.log.WithField("id", envelope.NotificationID).WithError(cause)
	attempts := broker.Attempts(d.Headers)

	if transport.IsRetryable(cause) && attempts < w.MaxAttempts {
		delay := w.backoff.Duration(attempts)
		logger.WithFields(log.Fields{
			"attempt": attempts + 1,
			"delay":   delay,
		}).Warn("Delivery failed, retrying.")
		select {
		case <-w.Clock.After(delay):
		case <-ctx.Done():
			w.releaseMarker(context.Background(), envelope.NotificationID)
			w.nack(d, true)
			return
		}
		// release only now, just before the republish, so a concurrent
		// duplicate delivery cannot claim the marker during the backoff
		w.releaseMarker(ctx, envelope.NotificationID)
		headers := amqp.Table{broker.AttemptsHeader: int32(attempts + 1)}
		if err := w.Broker.Publish(ctx, w.Queue, envelope, headers); err != nil {
			logger.WithError(err).Error("Failed to republish, requeueing original.")
			w.nack(d, true)
			return
		}
		retried.WithLabelValues(w.Queue).Inc()
		w.ack(d)
		return
	}

	// terminal: exhausted retries or a non-retryable failure
	if err := w.Cache.Set(ctx, idempotencyKey(envelope.NotificationID), []byte("failed"), w.IdempotencyTTL); err != nil {
		logger.WithError(err).Warn("Failed to mark idempotency marker failed.")
	}
	w.audit(ctx, envelope, types.AuditFailed, cause.Error())
	w.setStatus(ctx, envelope.NotificationID, types.NotificationFailed, cause.Error())
	w.publishDLQ(ctx, *envelope, cause.Error())
	logger.WithField("attempts", attempts+1).Error("Delivery failed terminally.")
	w.ack(d)
}

// releaseMarker drops the idempotency marker so the next delivery of the
// request can claim it.
func (w *Worker) releaseMarker(ctx context.Context, id string) {
	if err := w.Cache.Delete(ctx, idempotencyKey(id)); err != nil {
		w.log.WithError(err).WithField("id", id).Warn("Failed to release idempotency marker.")
	}
}

func (w *Worker) publishDLQ(ctx context.Context, envelope broker.Envelope, reason string) {
	msg := broker.DLQMessage{
		Original:      envelope,
		FailureReason: reason,
		FailedAt:      w.Clock.Now().UTC(),
	}
	if err := w.Broker.PublishDLQ(ctx, msg); err != nil {
		w.log.WithError(err).Error("Failed to publish to the dead letter queue.")
		return
	}
	deadLettered.WithLabelValues(w.Queue).Inc()
	w.audit(ctx, &envelope, types.AuditDLQ, reason)
}

func (w *Worker) audit(ctx context.Context, envelope *broker.Envelope, s types.AuditStatus, errorMessage string) {
	if w.Audit == nil {
		return
	}
	entry := &types.AuditEntry{
		TraceID:          envelope.NotificationID,
		UserID:           envelope.UserID,
		NotificationType: envelope.Type,
		TemplateCode:     envelope.TemplateCode,
		Status:           s,
		ErrorMessage:     errorMessage,
	}
	if err := w.Audit.EmitAudit(ctx, entry); err != nil {
		w.log.WithError(err).Warn("Failed to append audit row.")
	}
}

// setStatus is a best-effort status record update; records may already
// have expired.
func (w *Worker) setStatus(ctx context.Context, id string, state types.NotificationState, errorMessage string) {
	if w.Status == nil {
		return
	}
	if err := w.Status.SetState(ctx, id, state, errorMessage); err != nil && !trace.IsNotFound(err) {
		w.log.WithError(err).WithField("id", id).Warn("Failed to update status record.")
	}
}

func (w *Worker) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		w.log.WithError(err).Warn("Failed to ack delivery.")
	}
}

func (w *Worker) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		w.log.WithError(err).Warn("Failed to nack delivery.")
	}
}
