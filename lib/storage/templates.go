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
	"encoding/json"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"

	"github.com/heraldhq/herald/lib/types"
)

const templateColumns = `id, code, type, language, version, content, variables, created_at`

// InsertTemplate appends a new template version. The caller assigns the
// version; the unique index on (code, language, version) turns concurrent
// writers into exactly one winner, surfaced as trace.AlreadyExists.
func (s *Store) InsertTemplate(ctx context.Context, tpl *types.Template) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	content, err := json.Marshal(tpl.Content)
	if err != nil {
		return trace.Wrap(err)
	}
	variables, err := json.Marshal(tpl.Variables)
	if err != nil {
		return trace.Wrap(err)
	}
	now := s.Clock.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO templates (id, code, type, language, version, content, variables, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tpl.ID, tpl.Code, string(tpl.Type), tpl.Language, tpl.Version, content, variables, now,
	)
	if err != nil {
		return convertError(err)
	}
	tpl.CreatedAt = now
	return nil
}

// GetTemplate returns the exact version of a template.
func (s *Store) GetTemplate(ctx context.Context, code, language string, version int) (*types.Template, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM templates
		 WHERE code = $1 AND language = $2 AND version = $3`,
		code, language, version,
	)
	return scanTemplate(row)
}

// GetLatestTemplate returns the newest version for (code, language).
func (s *Store) GetLatestTemplate(ctx context.Context, code, language string) (*types.Template, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM templates
		 WHERE code = $1 AND language = $2
		 ORDER BY version DESC LIMIT 1`,
		code, language,
	)
	return scanTemplate(row)
}

// MaxTemplateVersion returns the highest version for (code, language), or
// zero when no versions exist.
func (s *Store) MaxTemplateVersion(ctx context.Context, code, language string) (int, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var version int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM templates WHERE code = $1 AND language = $2`,
		code, language,
	).Scan(&version)
	if err != nil {
		return 0, convertError(err)
	}
	return version, nil
}

// ListTemplates returns one page of latest template versions together with
// the total count of (code, language) groups.
func (s *Store) ListTemplates(ctx context.Context, page, limit int) ([]types.Template, int, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM (SELECT DISTINCT code, language FROM templates) AS groups`,
	).Scan(&total)
	if err != nil {
		return nil, 0, convertError(err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (code, language) `+templateColumns+`
		 FROM templates
		 ORDER BY code, language, version DESC
		 OFFSET $1 LIMIT $2`,
		(page-1)*limit, limit,
	)
	if err != nil {
		return nil, 0, convertError(err)
	}
	defer rows.Close()

	var templates []types.Template
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, 0, trace.Wrap(err)
		}
		templates = append(templates, *tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, convertError(err)
	}
	return templates, total, nil
}

// DeleteTemplate removes every version for (code, language).
func (s *Store) DeleteTemplate(ctx context.Context, code, language string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM templates WHERE code = $1 AND language = $2`,
		code, language,
	)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("template %q (%v) is not found", code, language)
	}
	return nil
}

func scanTemplate(row pgx.Row) (*types.Template, error) {
	var tpl types.Template
	var content, variables []byte
	err := row.Scan(&tpl.ID, &tpl.Code, (*string)(&tpl.Type), &tpl.Language, &tpl.Version, &content, &variables, &tpl.CreatedAt)
	if err != nil {
		return nil, convertError(err)
	}
	if err := json.Unmarshal(content, &tpl.Content); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := json.Unmarshal(variables, &tpl.Variables); err != nil {
		return nil, trace.Wrap(err)
	}
	return &tpl, nil
}
