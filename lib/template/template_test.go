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

package template

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/lib/breaker"
	"github.com/heraldhq/herald/lib/cache"
	"github.com/heraldhq/herald/lib/types"
	"github.com/heraldhq/herald/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

// fakeStore is an in-memory template store. Setting down makes every call
// fail, simulating a store outage.
type fakeStore struct {
	mu        sync.Mutex
	templates []types.Template
	down      bool
}

func (f *fakeStore) fail() error {
	if f.down {
		return trace.ConnectionProblem(nil, "store is down")
	}
	return nil
}

func (f *fakeStore) InsertTemplate(ctx context.Context, tpl *types.Template) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	for _, existing := range f.templates {
		if existing.Code == tpl.Code && existing.Language == tpl.Language && existing.Version == tpl.Version {
			return trace.AlreadyExists("record already exists")
		}
	}
	f.templates = append(f.templates, *tpl)
	return nil
}

func (f *fakeStore) GetTemplate(ctx context.Context, code, language string, version int) (*types.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return nil, err
	}
	for _, tpl := range f.templates {
		if tpl.Code == code && tpl.Language == language && tpl.Version == version {
			out := tpl
			return &out, nil
		}
	}
	return nil, trace.NotFound("record is not found")
}

func (f *fakeStore) GetLatestTemplate(ctx context.Context, code, language string) (*types.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return nil, err
	}
	var newest *types.Template
	for i := range f.templates {
		tpl := f.templates[i]
		if tpl.Code != code || tpl.Language != language {
			continue
		}
		if newest == nil || tpl.Version > newest.Version {
			newest = &tpl
		}
	}
	if newest == nil {
		return nil, trace.NotFound("record is not found")
	}
	out := *newest
	return &out, nil
}

func (f *fakeStore) MaxTemplateVersion(ctx context.Context, code, language string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return 0, err
	}
	max := 0
	for _, tpl := range f.templates {
		if tpl.Code == code && tpl.Language == language && tpl.Version > max {
			max = tpl.Version
		}
	}
	return max, nil
}

func (f *fakeStore) ListTemplates(ctx context.Context, page, limit int) ([]types.Template, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return nil, 0, err
	}
	latest := make(map[string]types.Template)
	for _, tpl := range f.templates {
		key := tpl.Code + ":" + tpl.Language
		if existing, ok := latest[key]; !ok || tpl.Version > existing.Version {
			latest[key] = tpl
		}
	}
	var out []types.Template
	for _, tpl := range latest {
		out = append(out, tpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, len(out), nil
}

func (f *fakeStore) DeleteTemplate(ctx context.Context, code, language string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	var kept []types.Template
	for _, tpl := range f.templates {
		if tpl.Code != code || tpl.Language != language {
			kept = append(kept, tpl)
		}
	}
	if len(kept) == len(f.templates) {
		return trace.NotFound("record is not found")
	}
	f.templates = kept
	return nil
}

type recordedEvent struct {
	code    string
	version int
}

type fakeEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeEvents) PublishTemplateUpdated(ctx context.Context, code string, version int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{code: code, version: version})
	return nil
}

type testPack struct {
	store    *fakeStore
	cache    *cache.Client
	breaker  *breaker.CircuitBreaker
	resolver *Resolver
	writer   *Writer
	events   *fakeEvents
	clock    *clockwork.FakeClock
}

func newTestPack(t *testing.T) *testPack {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { require.NoError(t, rdb.Close()) })

	clock := clockwork.NewFakeClock()
	cacheClient := cache.NewFromRedis(rdb)
	cb, err := breaker.New(breaker.Config{
		Cache:   cacheClient,
		Timeout: 30 * time.Second,
		Clock:   clock,
	})
	require.NoError(t, err)

	store := &fakeStore{}
	resolver, err := NewResolver(ResolverConfig{
		Store:   store,
		Cache:   cacheClient,
		Breaker: cb,
	})
	require.NoError(t, err)

	events := &fakeEvents{}
	writer, err := NewWriter(WriterConfig{
		Store:  store,
		Cache:  cacheClient,
		Events: events,
	})
	require.NoError(t, err)

	return &testPack{
		store:    store,
		cache:    cacheClient,
		breaker:  cb,
		resolver: resolver,
		writer:   writer,
		events:   events,
		clock:    clock,
	}
}

func TestPlaceholders(t *testing.T) {
	content := map[string]string{
		"subject": "Hello {{ name }}",
		"body":    "Visit {{link}} or {{user.profile}} — bye {{name}}",
	}
	require.Equal(t, []string{"link", "name", "user.profile"}, Placeholders(content))
}

func TestValidateContent(t *testing.T) {
	content := map[string]string{"body": "hi {{name}}, click {{link}}"}

	unused, err := ValidateContent(content, []string{"name", "link", "subject"})
	require.NoError(t, err)
	require.Equal(t, []string{"subject"}, unused)

	_, err = ValidateContent(content, []string{"name"})
	require.True(t, trace.IsBadParameter(err))
}

func TestRender(t *testing.T) {
	tpl := &types.Template{
		Content: map[string]string{
			"subject": "{{ subject }}",
			"body":    "hi {{name}}, n={{count}}, ok={{flag}}, gone={{missing}}",
		},
	}
	rendered := Render(tpl, map[string]interface{}{
		"subject": "hey",
		"name":    "X",
		"count":   float64(3),
		"flag":    true,
		"extra":   "ignored",
	})
	require.Equal(t, map[string]string{
		"subject": "hey",
		"body":    "hi X, n=3, ok=true, gone=",
	}, rendered)
}

func seedTemplate(t *testing.T, pack *testPack, version int, body string) *types.Template {
	t.Helper()
	tpl := &types.Template{
		ID:        uuid.NewString(),
		Code:      "welcome",
		Type:      types.NotificationEmail,
		Language:  "en",
		Version:   version,
		Content:   map[string]string{"body": body},
		Variables: []string{"name"},
	}
	require.NoError(t, pack.store.InsertTemplate(context.Background(), tpl))
	return tpl
}

func TestResolveCacheThrough(t *testing.T) {
	ctx := context.Background()
	pack := newTestPack(t)
	seedTemplate(t, pack, 1, "hi {{name}}")

	tpl, err := pack.resolver.Resolve(ctx, "welcome", "en", 0)
	require.NoError(t, err)
	require.Equal(t, 1, tpl.Version)

	// second resolve is served from the cache even if the store is down
	pack.store.down = true
	tpl, err = pack.resolver.Resolve(ctx, "welcome", "en", 0)
	require.NoError(t, err)
	require.Equal(t, 1, tpl.Version)

	// versioned entry was written alongside latest
	tpl, err = pack.resolver.Resolve(ctx, "welcome", "en", 1)
	require.NoError(t, err)
	require.Equal(t, 1, tpl.Version)
}

func TestResolveNotFound(t *testing.T) {
	ctx := context.Background()
	pack := newTestPack(t)

	_, err := pack.resolver.Resolve(ctx, "missing", "en", 0)
	require.True(t, trace.IsNotFound(err))
}

func TestResolveStaleOnBreak(t *testing.T) {
	ctx := context.Background()
	pack := newTestPack(t)
	seedTemplate(t, pack, 1, "hi {{name}}")

	// populate the cache, then break the store and trip the circuit
	_, err := pack.resolver.Resolve(ctx, "welcome", "en", 1)
	require.NoError(t, err)

	pack.store.down = true
	for i := 0; i < 5; i++ {
		pack.breaker.RecordFailure(ctx, "database")
	}

	// drop the latest entry so the resolver has to fall back to the
	// newest cached version
	require.NoError(t, pack.cache.Delete(ctx, "template:welcome:en:latest"))
	tpl, err := pack.resolver.Resolve(ctx, "welcome", "en", 0)
	require.NoError(t, err)
	require.Equal(t, 1, tpl.Version)

	// nothing cached for an unknown code while the circuit is open
	_, err = pack.resolver.Resolve(ctx, "unknown", "en", 0)
	require.True(t, trace.IsConnectionProblem(err))
}

func TestResolveFailureRecordsBreaker(t *testing.T) {
	ctx := context.Background()
	pack := newTestPack(t)
	pack.store.down = true

	for i := 0; i < 5; i++ {
		_, err := pack.resolver.Resolve(ctx, fmt.Sprintf("code-%d", i), "en", 0)
		require.True(t, trace.IsConnectionProblem(err))
	}
	require.Equal(t, breaker.StateOpen, pack.breaker.Status(ctx, "database").State)
}

func TestWriterCreate(t *testing.T) {
	ctx := context.Background()
	pack := newTestPack(t)

	tpl, err := pack.writer.Create(ctx, CreateRequest{
		Code:      "welcome",
		Type:      types.NotificationEmail,
		Content:   map[string]string{"body": "hi {{name}}"},
		Variables: []string{"name"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, tpl.Version)
	require.Equal(t, "en", tpl.Language)
	require.Equal(t, []recordedEvent{{code: "welcome", version: 1}}, pack.events.events)

	// duplicate (code, language) conflicts
	_, err = pack.writer.Create(ctx, CreateRequest{
		Code:      "welcome",
		Type:      types.NotificationEmail,
		Content:   map[string]string{"body": "again"},
	})
	require.True(t, trace.IsAlreadyExists(err))
}

func TestWriterCreateValidation(t *testing.T) {
	ctx := context.Background()
	pack := newTestPack(t)

	_, err := pack.writer.Create(ctx, CreateRequest{
		Code:      "welcome",
		Type:      types.NotificationEmail,
		Content:   map[string]string{"body": "hi {{name}} from {{company}}"},
		Variables: []string{"name"},
	})
	require.True(t, trace.IsBadParameter(err))
}

func TestWriterUpdateVersioning(t *testing.T) {
	ctx := context.Background()
	pack := newTestPack(t)

	_, err := pack.writer.Create(ctx, CreateRequest{
		Code:      "welcome",
		Type:      types.NotificationEmail,
		Content:   map[string]string{"body": "hi {{name}}"},
		Variables: []string{"name"},
	})
	require.NoError(t, err)

	next, err := pack.writer.Update(ctx, "welcome", UpdateRequest{
		Content: map[string]string{"body": "hello {{name}}"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, next.Version)
	// merge keeps type and variables from the latest version
	require.Equal(t, types.NotificationEmail, next.Type)
	require.Equal(t, []string{"name"}, next.Variables)

	// prior version is untouched
	prior, err := pack.store.GetTemplate(ctx, "welcome", "en", 1)
	require.NoError(t, err)
	require.Equal(t, "hi {{name}}", prior.Content["body"])

	// resolve sees the new latest immediately, not a stale cache entry
	tpl, err := pack.resolver.Resolve(ctx, "welcome", "en", 0)
	require.NoError(t, err)
	require.Equal(t, 2, tpl.Version)

	_, err = pack.writer.Update(ctx, "missing", UpdateRequest{})
	require.True(t, trace.IsNotFound(err))
}

func TestWriterDelete(t *testing.T) {
	ctx := context.Background()
	pack := newTestPack(t)

	_, err := pack.writer.Create(ctx, CreateRequest{
		Code:      "welcome",
		Type:      types.NotificationEmail,
		Content:   map[string]string{"body": "hi {{name}}"},
		Variables: []string{"name"},
	})
	require.NoError(t, err)

	require.NoError(t, pack.writer.Delete(ctx, "welcome", "en"))

	_, err = pack.resolver.Resolve(context.Background(), "welcome", "en", 0)
	require.True(t, trace.IsNotFound(err))
}
