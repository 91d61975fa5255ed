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
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/lib/defaults"
	"github.com/heraldhq/herald/lib/utils"
)

// testURLEnvVar gates the live broker suite.
const testURLEnvVar = "HERALD_TEST_RABBITMQ_URL"

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv(testURLEnvVar)
	if url == "" {
		t.Skipf("%v is not set", testURLEnvVar)
	}
	client, err := New(Config{URL: url})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, client.Close()) })
	return client
}

func TestAttempts(t *testing.T) {
	require.Equal(t, 0, Attempts(nil))
	require.Equal(t, 0, Attempts(amqp.Table{}))
	require.Equal(t, 2, Attempts(amqp.Table{AttemptsHeader: int32(2)}))
	require.Equal(t, 3, Attempts(amqp.Table{AttemptsHeader: int64(3)}))
	require.Equal(t, 0, Attempts(amqp.Table{AttemptsHeader: "junk"}))
}

func TestPublishConsume(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	envelope := Envelope{
		NotificationID: "r1",
		IdempotencyKey: "k1",
		UserID:         "u1",
		Type:           "email",
		TemplateCode:   "welcome",
		Recipient:      "a@b.c",
		Timestamp:      time.Now().UTC(),
	}
	require.NoError(t, client.Publish(ctx, defaults.EmailQueue, envelope, nil))

	deliveries, err := client.Consume(defaults.EmailQueue, defaults.PrefetchCount)
	require.NoError(t, err)

	select {
	case d := <-deliveries:
		var got Envelope
		require.NoError(t, json.Unmarshal(d.Body, &got))
		require.Equal(t, "r1", got.NotificationID)
		require.EqualValues(t, amqp.Persistent, d.DeliveryMode)
		require.NoError(t, d.Ack(false))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestDLQRouting(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	msg := DLQMessage{
		Original:      Envelope{NotificationID: "r2"},
		FailureReason: "smtp unreachable",
		FailedAt:      time.Now().UTC(),
	}
	require.NoError(t, client.PublishDLQ(ctx, msg))

	deliveries, err := client.Consume(defaults.FailedQueue, 1)
	require.NoError(t, err)

	select {
	case d := <-deliveries:
		var got DLQMessage
		require.NoError(t, json.Unmarshal(d.Body, &got))
		require.Equal(t, "r2", got.Original.NotificationID)
		require.Equal(t, "smtp unreachable", got.FailureReason)
		require.NoError(t, d.Ack(false))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dead-lettered delivery")
	}
}
