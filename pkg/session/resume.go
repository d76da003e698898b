// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// resumeKeyPrefix namespaces session-resume hints in the KV store.
const resumeKeyPrefix = "session:"

// ResumeHint is the session summary persisted under a client id while its
// session runs. The TTL matches the session timeout, so abandoned hints
// self-expire.
type ResumeHint struct {
	SessionID   string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	InviteToken string    `json:"invite_token,omitempty"`
}

// ResumeStore persists resume hints in redis.
type ResumeStore struct {
	client redis.UniversalClient
}

// NewResumeStore creates a resume-hint store on top of the given client.
func NewResumeStore(client redis.UniversalClient) *ResumeStore {
	return &ResumeStore{client: client}
}

// Put records the hint for a client with the given TTL.
func (r *ResumeStore) Put(ctx context.Context, clientID string, hint ResumeHint, ttl time.Duration) error {
	data, err := json.Marshal(hint)
	if err != nil {
		return fmt.Errorf("failed to marshal resume hint: %w", err)
	}
	if err := r.client.Set(ctx, resumeKeyPrefix+clientID, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store resume hint: %w", err)
	}
	return nil
}

// Get returns the hint for a client, or (nil, nil) when none exists.
func (r *ResumeStore) Get(ctx context.Context, clientID string) (*ResumeHint, error) {
	data, err := r.client.Get(ctx, resumeKeyPrefix+clientID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get resume hint: %w", err)
	}
	var hint ResumeHint
	if err := json.Unmarshal(data, &hint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resume hint: %w", err)
	}
	return &hint, nil
}

// Delete removes the hint for a client.
func (r *ResumeStore) Delete(ctx context.Context, clientID string) error {
	if err := r.client.Del(ctx, resumeKeyPrefix+clientID).Err(); err != nil {
		return fmt.Errorf("failed to delete resume hint: %w", err)
	}
	return nil
}
