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

// Package auth implements stateless JWT authentication with a cache-backed
// refresh token store and revocation blacklist shared by every replica.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/lib/cache"
	"github.com/heraldhq/herald/lib/defaults"
	"github.com/heraldhq/herald/lib/types"
)

// Users is the slice of the relational store the auth core consumes.
type Users interface {
	CreateUser(ctx context.Context, user *types.User) error
	GetUserByEmail(ctx context.Context, email string) (*types.User, error)
	GetUserByID(ctx context.Context, id string) (*types.User, error)
}

// Claims is the JWT payload carried by both access and refresh tokens.
// Whether a token acts as a refresh token is decided by the presence of
// its refresh_token:{sub}:{jti} cache entry, not by a claim.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Identity is the payload a validated access token resolves to.
type Identity struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	TokenID   string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenPair is the result of login and refresh.
type TokenPair struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    int         `json:"expires_in"`
	User         *types.User `json:"user,omitempty"`
}

// Config holds the auth core's collaborators and token parameters.
type Config struct {
	// Users is the user store.
	Users Users
	// Cache holds refresh token entries and the revocation blacklist.
	Cache *cache.Client
	// Secret signs tokens (HS256).
	Secret []byte
	// AccessTTL is the access token lifetime.
	AccessTTL time.Duration
	// RefreshTTL is the refresh token lifetime.
	RefreshTTL time.Duration
	// BCryptCost is the password hashing work factor.
	BCryptCost int
	// Clock overrides time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Users == nil {
		return trace.BadParameter("missing parameter Users")
	}
	if c.Cache == nil {
		return trace.BadParameter("missing parameter Cache")
	}
	if len(c.Secret) == 0 {
		return trace.BadParameter("missing parameter Secret")
	}
	if c.AccessTTL == 0 {
		c.AccessTTL = defaults.AccessTokenTTL
	}
	if c.RefreshTTL == 0 {
		c.RefreshTTL = defaults.RefreshTokenTTL
	}
	if c.BCryptCost == 0 {
		c.BCryptCost = defaults.BCryptCost
	}
	if c.BCryptCost < defaults.BCryptCost {
		return trace.BadParameter("bcrypt cost %v is below the minimum %v", c.BCryptCost, defaults.BCryptCost)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Auth issues, rotates and validates token pairs.
type Auth struct {
	Config
	log *log.Entry
	// dummyHash absorbs a bcrypt compare for unknown emails so login
	// latency does not reveal whether an account exists.
	dummyHash []byte
}

// New returns an auth core.
func New(cfg Config) (*Auth, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), cfg.BCryptCost)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Auth{
		Config:    cfg,
		log:       log.WithField(herald.Component, herald.ComponentAuth),
		dummyHash: dummy,
	}, nil
}

func refreshKey(userID, tokenID string) string {
	return fmt.Sprintf("refresh_token:%s:%s", userID, tokenID)
}

func refreshPattern(userID string) string {
	return fmt.Sprintf("refresh_token:%s:*", userID)
}

func blacklistKey(tokenID string) string {
	return "blacklist:" + tokenID
}

// RegisterRequest is the payload for creating an account.
type RegisterRequest struct {
	Name      string             `json:"name"`
	Email     string             `json:"email"`
	Password  string             `json:"password"`
	PushToken string             `json:"push_token,omitempty"`
	Prefs     *types.Preferences `json:"preferences,omitempty"`
}

// Check validates the request.
func (r *RegisterRequest) Check() error {
	if r.Email == "" {
		return trace.BadParameter("missing parameter email")
	}
	if len(r.Password) < 8 {
		return trace.BadParameter("password must be at least 8 characters")
	}
	return nil
}

// Register creates a user with a hashed password.
func (a *Auth) Register(ctx context.Context, req RegisterRequest) (*types.User, error) {
	if err := req.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), a.BCryptCost)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	prefs := types.Preferences{Email: true, Push: true}
	if req.Prefs != nil {
		prefs = *req.Prefs
	}
	user := &types.User{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: hash,
		PushToken:    req.PushToken,
		Preferences:  prefs,
	}
	if err := a.Users.CreateUser(ctx, user); err != nil {
		return nil, trace.Wrap(err)
	}
	user.PasswordHash = nil
	return user, nil
}

// Login verifies the password and issues a token pair. Unknown emails and
// wrong passwords fail identically.
func (a *Auth) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	user, err := a.Users.GetUserByEmail(ctx, email)
	if err != nil {
		if trace.IsNotFound(err) {
			bcrypt.CompareHashAndPassword(a.dummyHash, []byte(password))
			return nil, trace.AccessDenied("invalid credentials")
		}
		return nil, trace.Wrap(err)
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return nil, trace.AccessDenied("invalid credentials")
	}
	pair, err := a.issuePair(ctx, user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	a.log.WithField("user", user.ID).Info("User logged in.")
	return pair, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a
// fresh pair is issued. A refresh token is valid iff its store entry exists
// and its jti is not blacklisted.
func (a *Auth) Refresh(ctx context.Context, token string) (*TokenPair, error) {
	claims, err := a.parse(token)
	if err != nil {
		return nil, trace.AccessDenied("invalid refresh token")
	}
	key := refreshKey(claims.Subject, claims.ID)
	if _, err := a.Cache.Get(ctx, key); err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("refresh token is revoked")
		}
		return nil, trace.Wrap(err)
	}
	blacklisted, err := a.Cache.Exists(ctx, blacklistKey(claims.ID))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if blacklisted {
		return nil, trace.AccessDenied("refresh token is revoked")
	}
	user, err := a.Users.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("refresh token is revoked")
		}
		return nil, trace.Wrap(err)
	}

	pair, err := a.issuePair(ctx, user)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// rotation: the consumed token must never refresh again
	if err := a.Cache.Delete(ctx, key); err != nil {
		a.log.WithError(err).Warn("Failed to delete rotated refresh token.")
	}
	remaining := claims.ExpiresAt.Time.Sub(a.Clock.Now())
	if err := a.Cache.Set(ctx, blacklistKey(claims.ID), []byte("revoked"), remaining); err != nil {
		a.log.WithError(err).Warn("Failed to blacklist rotated refresh token.")
	}
	return pair, nil
}

// Logout revokes the presented access token and every refresh token issued
// to its user.
func (a *Auth) Logout(ctx context.Context, identity *Identity) error {
	if err := a.Cache.Set(ctx, blacklistKey(identity.TokenID), []byte("revoked"), a.AccessTTL); err != nil {
		return trace.Wrap(err)
	}
	keys, err := a.Cache.Keys(ctx, refreshPattern(identity.UserID))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := a.Cache.Delete(ctx, keys...); err != nil {
		return trace.Wrap(err)
	}
	a.log.WithField("user", identity.UserID).Info("User logged out.")
	return nil
}

// Validate checks a token's signature, expiry and revocation status. This
// is the only auth call the gateway makes per request.
func (a *Auth) Validate(ctx context.Context, token string) (*Identity, error) {
	claims, err := a.parse(token)
	if err != nil {
		return nil, trace.AccessDenied("invalid token")
	}
	blacklisted, err := a.Cache.Exists(ctx, blacklistKey(claims.ID))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if blacklisted {
		return nil, trace.AccessDenied("token is revoked")
	}
	return &Identity{
		UserID:    claims.Subject,
		Email:     claims.Email,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (a *Auth) issuePair(ctx context.Context, user *types.User) (*TokenPair, error) {
	now := a.Clock.Now()
	access, _, err := a.sign(user, now, a.AccessTTL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	refresh, refreshID, err := a.sign(user, now, a.RefreshTTL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := a.Cache.Set(ctx, refreshKey(user.ID, refreshID), []byte(refresh), a.RefreshTTL); err != nil {
		return nil, trace.Wrap(err)
	}
	sanitized := *user
	sanitized.PasswordHash = nil
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(a.AccessTTL.Seconds()),
		User:         &sanitized,
	}, nil
}

func (a *Auth) sign(user *types.User, now time.Time, ttl time.Duration) (token, tokenID string, err error) {
	tokenID = uuid.NewString()
	claims := Claims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	return token, tokenID, nil
}

func (a *Auth) parse(token string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return a.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.Clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, trace.BadParameter("token is missing required claims")
	}
	return &claims, nil
}
