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

package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/lib/breaker"
	"github.com/heraldhq/herald/lib/cache"
	"github.com/heraldhq/herald/lib/defaults"
	"github.com/heraldhq/herald/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	return f.err
}

func newTestAggregator(t *testing.T, probes map[string]Pinger) (*Aggregator, *breaker.CircuitBreaker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { require.NoError(t, rdb.Close()) })
	cacheClient := cache.NewFromRedis(rdb)

	cb, err := breaker.New(breaker.Config{Cache: cacheClient})
	require.NoError(t, err)

	agg, err := New(Config{
		Cache:   cacheClient,
		Breaker: cb,
		Probes:  probes,
	})
	require.NoError(t, err)
	return agg, cb
}

func TestReportHealthy(t *testing.T) {
	agg, _ := newTestAggregator(t, map[string]Pinger{
		defaults.ResourceDatabase: &fakePinger{},
		defaults.ResourceBroker:   &fakePinger{},
	})

	report := agg.Report(context.Background())
	require.Equal(t, StatusHealthy, report.Status)
	require.Len(t, report.Services, 3)
	require.Equal(t, StatusHealthy, report.Services["cache"].Status)
	require.Equal(t, StatusHealthy, report.Services[defaults.ResourceDatabase].Status)
	require.Equal(t, "closed", report.Services[defaults.ResourceDatabase].Breaker)
}

func TestReportDown(t *testing.T) {
	agg, _ := newTestAggregator(t, map[string]Pinger{
		defaults.ResourceDatabase: &fakePinger{err: trace.ConnectionProblem(nil, "connection refused")},
		defaults.ResourceBroker:   &fakePinger{},
	})

	report := agg.Report(context.Background())
	require.Equal(t, StatusDown, report.Status)
	require.Equal(t, StatusDown, report.Services[defaults.ResourceDatabase].Status)
	require.Equal(t, StatusHealthy, report.Services[defaults.ResourceBroker].Status)
}

func TestOpenBreakerDegrades(t *testing.T) {
	ctx := context.Background()
	agg, cb := newTestAggregator(t, map[string]Pinger{
		defaults.ResourceDatabase: &fakePinger{},
	})
	for i := 0; i < 5; i++ {
		cb.RecordFailure(ctx, defaults.ResourceDatabase)
	}

	report := agg.Report(ctx)
	require.Equal(t, StatusDegraded, report.Status)
	require.Equal(t, StatusDegraded, report.Services[defaults.ResourceDatabase].Status)
	require.Equal(t, "open", report.Services[defaults.ResourceDatabase].Breaker)
}

func TestServerStatusCodes(t *testing.T) {
	db := &fakePinger{}
	agg, _ := newTestAggregator(t, map[string]Pinger{defaults.ResourceDatabase: db})
	srv, err := NewServer(ServerConfig{Aggregator: agg})
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	db.err = trace.ConnectionProblem(nil, "connection refused")
	resp, err = http.Get(ts.URL + "/health/services")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
