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

	"github.com/heraldhq/herald/lib/types"
)

// EmitAudit appends one row to the delivery audit log. Rows are written
// only on worker state transitions and are never updated.
func (s *Store) EmitAudit(ctx context.Context, entry *types.AuditEntry) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var metadata []byte
	if entry.Metadata != nil {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_logs (trace_id, user_id, notification_type, template_code, status, error_message, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)`,
		entry.TraceID, entry.UserID, string(entry.NotificationType), entry.TemplateCode,
		string(entry.Status), entry.ErrorMessage, metadata, s.Clock.Now().UTC(),
	)
	return convertError(err)
}

// SearchAudit returns the audit rows for one trace id, newest first.
func (s *Store) SearchAudit(ctx context.Context, traceID string) ([]types.AuditEntry, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT trace_id, user_id, notification_type, template_code, status, error_message, metadata, created_at
		 FROM audit_logs WHERE trace_id = $1 ORDER BY created_at DESC`,
		traceID,
	)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var entries []types.AuditEntry
	for rows.Next() {
		var entry types.AuditEntry
		var errorMessage *string
		var metadata []byte
		err := rows.Scan(&entry.TraceID, &entry.UserID, (*string)(&entry.NotificationType),
			&entry.TemplateCode, (*string)(&entry.Status), &errorMessage, &metadata, &entry.CreatedAt)
		if err != nil {
			return nil, convertError(err)
		}
		if errorMessage != nil {
			entry.ErrorMessage = *errorMessage
		}
		if metadata != nil {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, trace.Wrap(err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, convertError(err)
	}
	return entries, nil
}
