// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package invite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/demobroker/pkg/logger"
	"github.com/stacklok/demobroker/pkg/ratelimit"
)

// keyPrefix namespaces invite records in the KV store.
const keyPrefix = "invite:"

// Sentinel errors returned by operator-facing store operations.
var (
	// ErrNotFound is returned when no invite exists for a token.
	ErrNotFound = errors.New("invite not found")
	// ErrAlreadyExists is returned when a vanity token collides with an
	// existing record.
	ErrAlreadyExists = errors.New("invite token already exists")
)

// Store is the redis-backed invite store. It is the only writer of invite
// records; readers receive copies.
type Store struct {
	client    redis.UniversalClient
	retention time.Duration
	failures  *ratelimit.Window

	// now is replaceable in tests.
	now func() time.Time
}

// NewStore creates an invite store on top of the given redis client.
// retention is how long usage history outlives invite expiry; failures is
// the per-address brute-force window.
func NewStore(client redis.UniversalClient, retention time.Duration, failures *ratelimit.Window) *Store {
	return &Store{
		client:    client,
		retention: retention,
		failures:  failures,
		now:       time.Now,
	}
}

// GenerateOptions control invite creation.
type GenerateOptions struct {
	ExpiresIn time.Duration
	MaxUses   int
	Label     string
	CreatedBy string
	// Token, when set, requests a vanity token. Creation fails with
	// ErrAlreadyExists if the token is taken, including by an expired or
	// revoked record still inside its audit-retention TTL.
	Token string
}

// Generate atomically creates a new invite record and returns it.
func (s *Store) Generate(ctx context.Context, opts GenerateOptions) (*Invite, error) {
	if opts.ExpiresIn <= 0 {
		return nil, fmt.Errorf("invite expiry must be positive")
	}
	if opts.MaxUses <= 0 {
		opts.MaxUses = 1
	}

	now := s.now()
	inv := &Invite{
		CreatedAt: now,
		ExpiresAt: now.Add(opts.ExpiresIn),
		Status:    StatusPending,
		MaxUses:   opts.MaxUses,
		Label:     opts.Label,
		CreatedBy: opts.CreatedBy,
	}

	// TTL covers the invite lifetime plus the audit retention tail.
	ttl := opts.ExpiresIn + s.retention

	if opts.Token != "" {
		inv.Token = opts.Token
		ok, err := s.setNX(ctx, inv, ttl)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, opts.Token)
		}
		return inv, nil
	}

	// Collisions on 24 random bytes are not expected; the retry loop is
	// there so a collision is an inconvenience rather than an error.
	for attempt := 0; attempt < 3; attempt++ {
		token, err := newToken()
		if err != nil {
			return nil, err
		}
		inv.Token = token
		ok, err := s.setNX(ctx, inv, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return inv, nil
		}
	}
	return nil, fmt.Errorf("failed to generate a unique invite token")
}

func (s *Store) setNX(ctx context.Context, inv *Invite, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(inv)
	if err != nil {
		return false, fmt.Errorf("failed to marshal invite: %w", err)
	}
	ok, err := s.client.SetNX(ctx, keyPrefix+inv.Token, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to store invite: %w", err)
	}
	return ok, nil
}

// Validate checks a token presented by remoteAddr and returns the invite on
// success or a closed-set rejection. Check ordering: rate-limit short
// circuit, missing, malformed, not found, revoked, used, expired. Every
// failure counts against the caller's address; successes do not reset the
// counter.
func (s *Store) Validate(ctx context.Context, token, remoteAddr string) (*Invite, *Rejection) {
	if blocked, retryAfter := s.failures.Exceeded(remoteAddr); blocked {
		return nil, &Rejection{
			Reason:     ReasonRateLimited,
			Message:    "Too many failed attempts, try again later",
			RetryAfter: retryAfter,
		}
	}

	if token == "" {
		return nil, s.reject(remoteAddr, ReasonMissing, "An invite token is required")
	}
	if len(token) < minTokenLength {
		return nil, s.reject(remoteAddr, ReasonInvalid, "Invite token is malformed")
	}

	inv, err := s.get(ctx, token)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			// KV trouble fails closed: the caller sees not_found rather
			// than a hint that the token may exist.
			logger.Errorw("invite lookup failed", "error", err)
		}
		return nil, s.reject(remoteAddr, ReasonNotFound, "Invite not found")
	}

	if inv.Status == StatusRevoked {
		return nil, s.reject(remoteAddr, ReasonRevoked, "Invite has been revoked")
	}
	if inv.Exhausted() {
		return nil, s.reject(remoteAddr, ReasonUsed, "Invite has already been used")
	}
	if s.now().After(inv.ExpiresAt) {
		// Fix the stored state on encounter, keeping the remaining TTL so
		// the record still ages out on schedule.
		inv.Status = StatusExpired
		if err := s.put(ctx, inv, redis.KeepTTL); err != nil {
			logger.Errorw("failed to persist expired invite state", "error", err)
		}
		return nil, s.reject(remoteAddr, ReasonExpired, "Invite has expired")
	}

	return inv, nil
}

func (s *Store) reject(remoteAddr string, reason Reason, message string) *Rejection {
	s.failures.Record(remoteAddr)
	return &Rejection{Reason: reason, Message: message}
}

// Consume appends a session-usage record to the invite's audit trail,
// increments the use count, and flips the invite to Used once the cap is
// reached. The TTL is extended to (expiration + audit retention) so usage
// history survives invite expiry.
func (s *Store) Consume(ctx context.Context, token string, usage SessionUsage) error {
	inv, err := s.get(ctx, token)
	if err != nil {
		return err
	}

	inv.Audit = append(inv.Audit, usage)
	inv.UseCount++
	if inv.UseCount >= inv.MaxUses {
		inv.Status = StatusUsed
	}

	ttl := s.retention
	if remaining := inv.ExpiresAt.Sub(s.now()); remaining > 0 {
		ttl += remaining
	}
	return s.put(ctx, inv, ttl)
}

// Revoke flips an invite to Revoked, preserving its remaining TTL.
func (s *Store) Revoke(ctx context.Context, token string) error {
	inv, err := s.get(ctx, token)
	if err != nil {
		return err
	}
	if inv.Status == StatusRevoked {
		return nil
	}
	inv.Status = StatusRevoked
	return s.put(ctx, inv, redis.KeepTTL)
}

// Info returns a copy of the invite record for a token.
func (s *Store) Info(ctx context.Context, token string) (*Invite, error) {
	return s.get(ctx, token)
}

// List returns all invite records, optionally filtered by status.
// Operator-only; it scans the invite keyspace.
func (s *Store) List(ctx context.Context, status Status) ([]*Invite, error) {
	var invites []*Invite

	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Expired between SCAN and GET.
				continue
			}
			return nil, fmt.Errorf("failed to read invite: %w", err)
		}
		var inv Invite
		if err := json.Unmarshal(data, &inv); err != nil {
			return nil, fmt.Errorf("failed to unmarshal invite: %w", err)
		}
		if status != "" && inv.Status != status {
			continue
		}
		invites = append(invites, &inv)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan invites: %w", err)
	}

	return invites, nil
}

func (s *Store) get(ctx context.Context, token string) (*Invite, error) {
	data, err := s.client.Get(ctx, keyPrefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get invite: %w", err)
	}

	var inv Invite
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal invite: %w", err)
	}
	return &inv, nil
}

func (s *Store) put(ctx context.Context, inv *Invite, ttl time.Duration) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to marshal invite: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+inv.Token, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store invite: %w", err)
	}
	return nil
}
