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

package status

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/lib/cache"
	"github.com/heraldhq/herald/lib/types"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { require.NoError(t, rdb.Close()) })
	store, err := New(Config{Cache: cache.NewFromRedis(rdb)})
	require.NoError(t, err)
	return store, mr
}

func TestStatusLifecycle(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	record := &types.NotificationStatus{
		ID:           "r1",
		Type:         types.NotificationEmail,
		UserID:       "u1",
		TemplateCode: "welcome",
		Status:       types.NotificationPending,
	}
	require.NoError(t, store.Put(ctx, record))

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, types.NotificationPending, got.Status)
	require.False(t, got.CreatedAt.IsZero())

	require.NoError(t, store.SetState(ctx, "r1", types.NotificationFailed, "relay refused"))
	got, err = store.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, types.NotificationFailed, got.Status)
	require.Equal(t, "relay refused", got.Error)
}

func TestStatusExpires(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	require.NoError(t, store.Put(ctx, &types.NotificationStatus{ID: "r1", Status: types.NotificationPending}))
	mr.FastForward(2 * time.Hour)

	_, err := store.Get(ctx, "r1")
	require.True(t, trace.IsNotFound(err))

	require.True(t, trace.IsNotFound(store.SetState(ctx, "r1", types.NotificationDelivered, "")))
}

func TestStatusMissing(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	require.True(t, trace.IsNotFound(err))
}
