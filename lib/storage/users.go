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

// CreateUser inserts a new user row. The caller supplies the password hash;
// plaintext never reaches this layer. Fails with trace.AlreadyExists if the
// email is taken.
func (s *Store) CreateUser(ctx context.Context, user *types.User) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	prefs, err := json.Marshal(user.Preferences)
	if err != nil {
		return trace.Wrap(err)
	}
	now := s.Clock.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO users (id, name, email, password_hash, push_token, preferences, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $7)`,
		user.ID, user.Name, user.Email, user.PasswordHash, user.PushToken, prefs, now,
	)
	if err != nil {
		return convertError(err)
	}
	user.CreatedAt, user.UpdatedAt = now, now
	return nil
}

// GetUserByEmail returns the user with the given email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	return s.getUser(ctx, "email = $1", email)
}

// GetUserByID returns the user with the given id.
func (s *Store) GetUserByID(ctx context.Context, id string) (*types.User, error) {
	return s.getUser(ctx, "id = $1", id)
}

func (s *Store) getUser(ctx context.Context, where string, arg interface{}) (*types.User, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var user types.User
	var pushToken *string
	var prefs []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, email, password_hash, push_token, preferences, created_at, updated_at
		 FROM users WHERE `+where, arg,
	).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &pushToken, &prefs, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, convertError(err)
	}
	if pushToken != nil {
		user.PushToken = *pushToken
	}
	if err := json.Unmarshal(prefs, &user.Preferences); err != nil {
		return nil, trace.Wrap(err)
	}
	return &user, nil
}

// UpdatePushToken replaces the user's device token.
func (s *Store) UpdatePushToken(ctx context.Context, userID, token string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET push_token = NULLIF($2, ''), updated_at = $3 WHERE id = $1`,
		userID, token, s.Clock.Now().UTC(),
	)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("user %q is not found", userID)
	}
	return nil
}

// UpdatePreferences replaces the user's channel opt-in flags. Cached
// preferences are invalidated by the caller.
func (s *Store) UpdatePreferences(ctx context.Context, userID string, prefs types.Preferences) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	encoded, err := json.Marshal(prefs)
	if err != nil {
		return trace.Wrap(err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET preferences = $2, updated_at = $3 WHERE id = $1`,
		userID, encoded, s.Clock.Now().UTC(),
	)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("user %q is not found", userID)
	}
	return nil
}
