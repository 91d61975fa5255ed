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

// Package template implements the template catalog: versioned writes,
// cache-through resolution with stale-on-break fallback, and rendering.
package template

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/gravitational/trace"

	"github.com/heraldhq/herald/lib/types"
)

// DefaultLanguage is assumed when a request does not carry a language tag.
const DefaultLanguage = "en"

// Store is the slice of the relational store the catalog consumes.
type Store interface {
	InsertTemplate(ctx context.Context, tpl *types.Template) error
	GetTemplate(ctx context.Context, code, language string, version int) (*types.Template, error)
	GetLatestTemplate(ctx context.Context, code, language string) (*types.Template, error)
	MaxTemplateVersion(ctx context.Context, code, language string) (int, error)
	ListTemplates(ctx context.Context, page, limit int) ([]types.Template, int, error)
	DeleteTemplate(ctx context.Context, code, language string) error
}

// Events publishes template change notifications to the broker.
type Events interface {
	PublishTemplateUpdated(ctx context.Context, code string, version int) error
}

// placeholderRE matches {{ident}} with optional surrounding whitespace;
// dotted paths are accepted.
var placeholderRE = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\s*\}\}`)

// Placeholders returns the sorted set of identifiers referenced by the
// template content.
func Placeholders(content map[string]string) []string {
	seen := make(map[string]struct{})
	for _, text := range content {
		for _, match := range placeholderRE.FindAllStringSubmatch(text, -1) {
			seen[match[1]] = struct{}{}
		}
	}
	idents := make([]string, 0, len(seen))
	for ident := range seen {
		idents = append(idents, ident)
	}
	sort.Strings(idents)
	return idents
}

// ValidateContent verifies that every placeholder in content is declared in
// variables. It returns the declared-but-unused variables; callers surface
// those as a warning, not an error.
func ValidateContent(content map[string]string, variables []string) (unused []string, err error) {
	declared := make(map[string]struct{}, len(variables))
	for _, v := range variables {
		declared[v] = struct{}{}
	}
	var missing []string
	used := make(map[string]struct{})
	for _, ident := range Placeholders(content) {
		if _, ok := declared[ident]; !ok {
			missing = append(missing, ident)
		}
		used[ident] = struct{}{}
	}
	if len(missing) > 0 {
		return nil, trace.BadParameter("template references undeclared variables: %v", missing)
	}
	for _, v := range variables {
		if _, ok := used[v]; !ok {
			unused = append(unused, v)
		}
	}
	return unused, nil
}

// Render substitutes placeholders in every content field with values from
// variables. Missing variables render as the empty string; declared but
// unused variables are ignored. Render is a pure function of its inputs.
func Render(tpl *types.Template, variables map[string]interface{}) map[string]string {
	rendered := make(map[string]string, len(tpl.Content))
	for field, text := range tpl.Content {
		rendered[field] = placeholderRE.ReplaceAllStringFunc(text, func(m string) string {
			ident := placeholderRE.FindStringSubmatch(m)[1]
			return stringify(variables[ident])
		})
	}
	return rendered
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// cacheKey builds the cache key for a template lookup. A zero version means
// the latest entry.
func cacheKey(code, language string, version int) string {
	if version == 0 {
		return fmt.Sprintf("template:%s:%s:latest", code, language)
	}
	return fmt.Sprintf("template:%s:%s:%d", code, language, version)
}

// cachePattern matches every cached entry for (code, language).
func cachePattern(code, language string) string {
	return fmt.Sprintf("template:%s:%s:*", code, language)
}
