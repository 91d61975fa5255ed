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
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/lib/breaker"
	"github.com/heraldhq/herald/lib/cache"
	"github.com/heraldhq/herald/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func TestIsRetryable(t *testing.T) {
	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(trace.BadParameter("bad recipient")))
	require.False(t, IsRetryable(trace.AccessDenied("bad key")))
	require.True(t, IsRetryable(trace.ConnectionProblem(nil, "refused")))
	require.True(t, IsRetryable(trace.LimitExceeded("slow down")))
	require.True(t, IsRetryable(context.DeadlineExceeded))
}

func TestSMTPRejectsBadRecipient(t *testing.T) {
	smtp, err := NewSMTP(SMTPConfig{Host: "relay.local", From: "noreply@herald.dev"})
	require.NoError(t, err)

	err = smtp.Send(context.Background(), &Message{Recipient: "not-an-address"})
	require.True(t, trace.IsBadParameter(err))
	require.False(t, IsRetryable(err))
}

func newFCM(t *testing.T, handler http.HandlerFunc) *FCM {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	fcm, err := NewFCM(FCMConfig{
		ServerKey: "test-key",
		Endpoint:  srv.URL,
		Client:    srv.Client(),
	})
	require.NoError(t, err)
	return fcm
}

func TestFCMSend(t *testing.T) {
	var got fcmRequest
	fcm := newFCM(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "key=test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]interface{}{"success": 1})
	})

	err := fcm.Send(context.Background(), &Message{
		Recipient: "device-token",
		Title:     "hello",
		Body:      "world",
	})
	require.NoError(t, err)
	require.Equal(t, "device-token", got.To)
	require.Equal(t, "hello", got.Notification.Title)
}

func TestFCMDeadTokenIsTerminal(t *testing.T) {
	fcm := newFCM(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": 0,
			"failure": 1,
			"results": []map[string]string{{"error": "NotRegistered"}},
		})
	})

	err := fcm.Send(context.Background(), &Message{Recipient: "stale-token"})
	require.True(t, trace.IsBadParameter(err))
	require.False(t, IsRetryable(err))
}

func TestFCMServerErrorIsRetryable(t *testing.T) {
	fcm := newFCM(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})

	err := fcm.Send(context.Background(), &Message{Recipient: "device-token"})
	require.True(t, trace.IsConnectionProblem(err))
	require.True(t, IsRetryable(err))
}

func TestFCMBadKeyIsTerminal(t *testing.T) {
	fcm := newFCM(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})

	err := fcm.Send(context.Background(), &Message{Recipient: "device-token"})
	require.True(t, trace.IsAccessDenied(err))
	require.False(t, IsRetryable(err))
}

func newTestBreaker(t *testing.T) *breaker.CircuitBreaker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { require.NoError(t, rdb.Close()) })
	cb, err := breaker.New(breaker.Config{Cache: cache.NewFromRedis(rdb)})
	require.NoError(t, err)
	return cb
}

func TestFCMBreakerOpensOnServerErrors(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(t)

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	fcm, err := NewFCM(FCMConfig{
		ServerKey: "test-key",
		Endpoint:  srv.URL,
		Breaker:   cb,
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		err := fcm.Send(ctx, &Message{Recipient: "device-token"})
		require.True(t, trace.IsConnectionProblem(err))
	}
	require.Equal(t, breaker.StateOpen, cb.Status(ctx, fcm.Name()).State)

	// the open circuit rejects before the request leaves the process
	err = fcm.Send(ctx, &Message{Recipient: "device-token"})
	require.True(t, trace.IsConnectionProblem(err))
	require.Equal(t, 5, calls)
}

func TestSMTPRecordsBreakerFailure(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(t)

	// a freshly closed port makes the dial fail immediately
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	smtp, err := NewSMTP(SMTPConfig{
		Host:    "127.0.0.1",
		Port:    port,
		From:    "noreply@herald.dev",
		Breaker: cb,
		Timeout: time.Second,
	})
	require.NoError(t, err)

	err = smtp.Send(ctx, &Message{Recipient: "a@b.c", Subject: "s", Body: "b"})
	require.True(t, trace.IsConnectionProblem(err))
	require.Equal(t, 1, cb.Status(ctx, smtp.Name()).Failures)
}
