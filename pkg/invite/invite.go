// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package invite implements the invite store: issuance, validation with
// closed-set reason codes, single-use consumption, and the append-only
// audit trail kept on each invite record.
package invite

import (
	"time"
)

// Status is the lifecycle state of an invite.
type Status string

// Invite statuses. Transitions are monotonic toward the terminal states;
// a Revoked invite never re-activates.
const (
	StatusPending Status = "pending"
	StatusUsed    Status = "used"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// Reason is a closed-set validation failure code surfaced to clients.
type Reason string

// Validation failure reasons.
const (
	ReasonMissing     Reason = "missing"
	ReasonInvalid     Reason = "invalid"
	ReasonNotFound    Reason = "not_found"
	ReasonRevoked     Reason = "revoked"
	ReasonUsed        Reason = "used"
	ReasonExpired     Reason = "expired"
	ReasonRateLimited Reason = "rate_limited"
)

// Rejection carries a validation failure back to the caller. RetryAfter is
// only set for ReasonRateLimited.
type Rejection struct {
	Reason     Reason
	Message    string
	RetryAfter time.Duration
}

// SessionUsage is one entry of an invite's audit trail, recorded when a
// session that was started with the invite ends.
type SessionUsage struct {
	SessionID   string    `json:"session_id"`
	ClientID    string    `json:"client_id"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	EndReason   string    `json:"end_reason"`
	QueueWaitMS int64     `json:"queue_wait_ms"`
	RemoteAddr  string    `json:"remote_addr"`
	UserAgent   string    `json:"user_agent"`
	Errors      []string  `json:"errors,omitempty"`
}

// Invite is a persisted invite record. The audit trail is append-only and
// is never mutated after write.
type Invite struct {
	Token     string         `json:"token"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	Status    Status         `json:"status"`
	MaxUses   int            `json:"max_uses"`
	UseCount  int            `json:"use_count"`
	Label     string         `json:"label,omitempty"`
	CreatedBy string         `json:"created_by,omitempty"`
	Audit     []SessionUsage `json:"audit,omitempty"`
}

// Exhausted reports whether the invite has reached its use cap.
func (i *Invite) Exhausted() bool {
	return i.Status == StatusUsed || i.UseCount >= i.MaxUses
}
