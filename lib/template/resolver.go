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
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/lib/breaker"
	"github.com/heraldhq/herald/lib/cache"
	"github.com/heraldhq/herald/lib/defaults"
	"github.com/heraldhq/herald/lib/types"
)

// ResolverConfig holds the resolver's collaborators.
type ResolverConfig struct {
	// Store is the template catalog's relational store.
	Store Store
	// Cache is the shared cache.
	Cache *cache.Client
	// Breaker gates store access.
	Breaker *breaker.CircuitBreaker
	// CacheTTL bounds staleness of cached templates.
	CacheTTL time.Duration
}

// CheckAndSetDefaults checks and sets default values.
func (c *ResolverConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Cache == nil {
		return trace.BadParameter("missing parameter Cache")
	}
	if c.Breaker == nil {
		return trace.BadParameter("missing parameter Breaker")
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = defaults.TemplateCacheTTL
	}
	return nil
}

// Resolver fetches versioned templates, reading through the cache and
// serving stale entries while the store's circuit is open.
type Resolver struct {
	ResolverConfig
	log *log.Entry
}

// NewResolver returns a template resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Resolver{
		ResolverConfig: cfg,
		log:            log.WithField(herald.Component, herald.ComponentTemplates),
	}, nil
}

// Resolve returns the template for (code, language, version). A zero
// version requests the latest. Fails with trace.NotFound when the template
// does not exist and trace.ConnectionProblem when the store is unreachable
// and no cached copy can stand in.
func (r *Resolver) Resolve(ctx context.Context, code, language string, version int) (*types.Template, error) {
	if language == "" {
		language = DefaultLanguage
	}
	key := cacheKey(code, language, version)

	if tpl := r.fromCache(ctx, key); tpl != nil {
		return tpl, nil
	}

	if !r.Breaker.Allow(ctx, defaults.ResourceDatabase) {
		if tpl := r.newestCached(ctx, code, language); tpl != nil {
			r.log.WithFields(log.Fields{
				"code":    code,
				"version": tpl.Version,
			}).Warn("Store circuit is open, serving stale template.")
			return tpl, nil
		}
		return nil, trace.ConnectionProblem(nil, "template store is unavailable")
	}

	tpl, err := r.query(ctx, code, language, version)
	if err != nil {
		if trace.IsNotFound(err) {
			// the store answered; a missing row is not a store failure
			r.Breaker.RecordSuccess(ctx, defaults.ResourceDatabase)
			return nil, trace.Wrap(err)
		}
		r.Breaker.RecordFailure(ctx, defaults.ResourceDatabase)
		return nil, trace.ConnectionProblem(err, "template store is unavailable")
	}
	r.Breaker.RecordSuccess(ctx, defaults.ResourceDatabase)

	r.fill(ctx, tpl)
	return tpl, nil
}

func (r *Resolver) query(ctx context.Context, code, language string, version int) (*types.Template, error) {
	ctx, cancel := context.WithTimeout(ctx, defaults.TemplateFetchTimeout)
	defer cancel()
	if version == 0 {
		tpl, err := r.Store.GetLatestTemplate(ctx, code, language)
		return tpl, trace.Wrap(err)
	}
	tpl, err := r.Store.GetTemplate(ctx, code, language, version)
	return tpl, trace.Wrap(err)
}

// fill writes both the versioned and the latest cache entries. Cache
// failures downgrade to a miss.
func (r *Resolver) fill(ctx context.Context, tpl *types.Template) {
	encoded, err := json.Marshal(tpl)
	if err != nil {
		return
	}
	for _, key := range []string{
		cacheKey(tpl.Code, tpl.Language, tpl.Version),
		cacheKey(tpl.Code, tpl.Language, 0),
	} {
		if err := r.Cache.Set(ctx, key, encoded, r.CacheTTL); err != nil {
			r.log.WithError(err).WithField("key", key).Warn("Failed to cache template.")
		}
	}
}

func (r *Resolver) fromCache(ctx context.Context, key string) *types.Template {
	v, err := r.Cache.Get(ctx, key)
	if err != nil {
		if !trace.IsNotFound(err) {
			r.log.WithError(err).Warn("Template cache lookup failed.")
		}
		return nil
	}
	var tpl types.Template
	if err := json.Unmarshal(v, &tpl); err != nil {
		r.log.WithError(err).WithField("key", key).Warn("Discarding malformed cache entry.")
		return nil
	}
	return &tpl
}

// newestCached scans the cached entries for (code, language) and returns
// the highest version found.
func (r *Resolver) newestCached(ctx context.Context, code, language string) *types.Template {
	keys, err := r.Cache.Keys(ctx, cachePattern(code, language))
	if err != nil {
		return nil
	}
	var newest *types.Template
	for _, key := range keys {
		tpl := r.fromCache(ctx, key)
		if tpl == nil {
			continue
		}
		if newest == nil || tpl.Version > newest.Version {
			newest = tpl
		}
	}
	return newest
}
