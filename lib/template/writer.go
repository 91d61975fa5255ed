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

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/lib/cache"
	"github.com/heraldhq/herald/lib/defaults"
	"github.com/heraldhq/herald/lib/types"
)

// CreateRequest is the payload for creating a template.
type CreateRequest struct {
	Code      string                 `json:"code"`
	Type      types.NotificationType `json:"type"`
	Language  string                 `json:"language"`
	Content   map[string]string      `json:"content"`
	Variables []string               `json:"variables"`
}

// Check validates the request.
func (r *CreateRequest) Check() error {
	if r.Code == "" {
		return trace.BadParameter("missing parameter code")
	}
	if err := r.Type.Check(); err != nil {
		return trace.Wrap(err)
	}
	if len(r.Content) == 0 {
		return trace.BadParameter("missing parameter content")
	}
	if r.Language == "" {
		r.Language = DefaultLanguage
	}
	return nil
}

// UpdateRequest carries the fields to merge into a new template version.
// Absent fields keep the latest version's values.
type UpdateRequest struct {
	Type      types.NotificationType `json:"type,omitempty"`
	Language  string                 `json:"language,omitempty"`
	Content   map[string]string      `json:"content,omitempty"`
	Variables []string               `json:"variables,omitempty"`
}

// WriterConfig holds the catalog writer's collaborators.
type WriterConfig struct {
	// Store is the template catalog's relational store.
	Store Store
	// Cache is the shared cache.
	Cache *cache.Client
	// Events publishes template.updated notifications. Optional.
	Events Events
	// CacheTTL bounds staleness of cached templates.
	CacheTTL time.Duration
}

// CheckAndSetDefaults checks and sets default values.
func (c *WriterConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Cache == nil {
		return trace.BadParameter("missing parameter Cache")
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = defaults.TemplateCacheTTL
	}
	return nil
}

// Writer creates and updates catalog templates, enforcing monotonic
// versioning and keeping the cache and the broker in step with the store.
type Writer struct {
	WriterConfig
	log *log.Entry
}

// NewWriter returns a catalog writer.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Writer{
		WriterConfig: cfg,
		log:          log.WithField(herald.Component, herald.ComponentTemplates),
	}, nil
}

// Create inserts version 1 of a new template. Fails with
// trace.AlreadyExists when any version exists for (code, language).
func (w *Writer) Create(ctx context.Context, req CreateRequest) (*types.Template, error) {
	if err := req.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	unused, err := ValidateContent(req.Content, req.Variables)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(unused) > 0 {
		w.log.WithFields(log.Fields{
			"code":   req.Code,
			"unused": unused,
		}).Warn("Template declares variables its content never references.")
	}

	max, err := w.Store.MaxTemplateVersion(ctx, req.Code, req.Language)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if max > 0 {
		return nil, trace.AlreadyExists("template %q (%v) already exists", req.Code, req.Language)
	}

	tpl := &types.Template{
		ID:        uuid.NewString(),
		Code:      req.Code,
		Type:      req.Type,
		Language:  req.Language,
		Version:   1,
		Content:   req.Content,
		Variables: req.Variables,
	}
	if err := w.Store.InsertTemplate(ctx, tpl); err != nil {
		return nil, trace.Wrap(err)
	}
	w.fill(ctx, tpl)
	w.publish(ctx, tpl)
	return tpl, nil
}

// Update merges the provided fields over the latest version and inserts the
// result as version latest+1. Prior versions are never touched.
func (w *Writer) Update(ctx context.Context, code string, req UpdateRequest) (*types.Template, error) {
	language := req.Language
	if language == "" {
		language = DefaultLanguage
	}
	latest, err := w.Store.GetLatestTemplate(ctx, code, language)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	next := &types.Template{
		ID:        uuid.NewString(),
		Code:      latest.Code,
		Type:      latest.Type,
		Language:  latest.Language,
		Version:   latest.Version + 1,
		Content:   latest.Content,
		Variables: latest.Variables,
	}
	if req.Type != "" {
		if err := req.Type.Check(); err != nil {
			return nil, trace.Wrap(err)
		}
		next.Type = req.Type
	}
	if req.Content != nil {
		next.Content = req.Content
	}
	if req.Variables != nil {
		next.Variables = req.Variables
	}

	unused, err := ValidateContent(next.Content, next.Variables)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(unused) > 0 {
		w.log.WithFields(log.Fields{
			"code":   code,
			"unused": unused,
		}).Warn("Template declares variables its content never references.")
	}

	if err := w.Store.InsertTemplate(ctx, next); err != nil {
		return nil, trace.Wrap(err)
	}
	w.invalidate(ctx, code, language)
	w.fill(ctx, next)
	w.publish(ctx, next)
	return next, nil
}

// Delete removes every version of (code, language) and drops the cached
// entries; a subsequent resolve returns NotFound.
func (w *Writer) Delete(ctx context.Context, code, language string) error {
	if language == "" {
		language = DefaultLanguage
	}
	if err := w.Store.DeleteTemplate(ctx, code, language); err != nil {
		return trace.Wrap(err)
	}
	w.invalidate(ctx, code, language)
	return nil
}

// List returns one page of latest template versions.
func (w *Writer) List(ctx context.Context, page, limit int) ([]types.Template, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaults.TemplateListLimit
	}
	if limit > defaults.TemplateListLimitMax {
		limit = defaults.TemplateListLimitMax
	}
	templates, total, err := w.Store.ListTemplates(ctx, page, limit)
	return templates, total, trace.Wrap(err)
}

func (w *Writer) fill(ctx context.Context, tpl *types.Template) {
	encoded, err := json.Marshal(tpl)
	if err != nil {
		return
	}
	for _, key := range []string{
		cacheKey(tpl.Code, tpl.Language, tpl.Version),
		cacheKey(tpl.Code, tpl.Language, 0),
	} {
		if err := w.Cache.Set(ctx, key, encoded, w.CacheTTL); err != nil {
			w.log.WithError(err).WithField("key", key).Warn("Failed to cache template.")
		}
	}
}

func (w *Writer) invalidate(ctx context.Context, code, language string) {
	keys, err := w.Cache.Keys(ctx, cachePattern(code, language))
	if err != nil {
		w.log.WithError(err).Warn("Failed to scan template cache entries.")
		return
	}
	if err := w.Cache.Delete(ctx, keys...); err != nil {
		w.log.WithError(err).Warn("Failed to invalidate template cache entries.")
	}
}

func (w *Writer) publish(ctx context.Context, tpl *types.Template) {
	if w.Events == nil {
		return
	}
	if err := w.Events.PublishTemplateUpdated(ctx, tpl.Code, tpl.Version); err != nil {
		w.log.WithError(err).WithField("code", tpl.Code).Warn("Failed to publish template.updated event.")
	}
}
