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

package storage

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/lib/types"
	"github.com/heraldhq/herald/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

const urlEnvVar = "HERALD_TEST_POSTGRES_URL"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	connString, ok := os.LookupEnv(urlEnvVar)
	if !ok {
		t.Skipf("Missing %v environment variable.", urlEnvVar)
	}
	ctx := context.Background()
	store, err := New(ctx, Config{ConnString: connString})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	// the tests expect a blank slate each time
	for _, table := range []string{"users", "templates", "audit_logs"} {
		_, err := store.pool.Exec(ctx, "TRUNCATE "+table)
		require.NoError(t, err)
	}
	return store
}

func TestUsersCRUD(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	user := &types.User{
		ID:           uuid.NewString(),
		Name:         "Alice",
		Email:        "alice@example.com",
		PasswordHash: []byte("$2a$10$fake"),
		Preferences:  types.Preferences{Email: true, Push: true},
	}
	require.NoError(t, store.CreateUser(ctx, user))

	// unique email
	dup := *user
	dup.ID = uuid.NewString()
	err := store.CreateUser(ctx, &dup)
	require.True(t, trace.IsAlreadyExists(err))

	got, err := store.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, user.ID, got.ID)
	require.Empty(t, got.PushToken)

	require.NoError(t, store.UpdatePushToken(ctx, user.ID, "device-token"))
	got, err = store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, "device-token", got.PushToken)

	_, err = store.GetUserByEmail(ctx, "nobody@example.com")
	require.True(t, trace.IsNotFound(err))
}

func TestTemplateVersioning(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	v1 := &types.Template{
		ID:       uuid.NewString(),
		Code:     "welcome",
		Type:     types.NotificationEmail,
		Language: "en",
		Version:  1,
		Content:  map[string]string{"body": "hi {{name}}"},
		Variables: []string{"name"},
	}
	require.NoError(t, store.InsertTemplate(ctx, v1))

	// same (code, language, version) loses
	clash := *v1
	clash.ID = uuid.NewString()
	err := store.InsertTemplate(ctx, &clash)
	require.True(t, trace.IsAlreadyExists(err))

	v2 := *v1
	v2.ID = uuid.NewString()
	v2.Version = 2
	v2.Content = map[string]string{"body": "hello {{name}}"}
	require.NoError(t, store.InsertTemplate(ctx, &v2))

	latest, err := store.GetLatestTemplate(ctx, "welcome", "en")
	require.NoError(t, err)
	require.Equal(t, 2, latest.Version)

	// prior versions remain untouched
	prior, err := store.GetTemplate(ctx, "welcome", "en", 1)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"body": "hi {{name}}"}, prior.Content)

	max, err := store.MaxTemplateVersion(ctx, "welcome", "en")
	require.NoError(t, err)
	require.Equal(t, 2, max)

	max, err = store.MaxTemplateVersion(ctx, "missing", "en")
	require.NoError(t, err)
	require.Equal(t, 0, max)

	require.NoError(t, store.DeleteTemplate(ctx, "welcome", "en"))
	_, err = store.GetLatestTemplate(ctx, "welcome", "en")
	require.True(t, trace.IsNotFound(err))
}

func TestAuditAppend(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	entry := &types.AuditEntry{
		TraceID:          "r1",
		UserID:           "u1",
		NotificationType: types.NotificationEmail,
		TemplateCode:     "welcome",
		Status:           types.AuditSent,
		Metadata:         map[string]interface{}{"queue": "email.queue"},
	}
	require.NoError(t, store.EmitAudit(ctx, entry))

	entries, err := store.SearchAudit(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, types.AuditSent, entries[0].Status)
	require.Equal(t, "email.queue", entries[0].Metadata["queue"])
}
