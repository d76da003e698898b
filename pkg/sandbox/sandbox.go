// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sandbox spawns and reaps the per-session terminal containers and
// runs the post-session data-reset hook. The broker owns only the
// container lifecycle; what runs inside is out of its hands.
package sandbox

import (
	"context"
	"time"
)

// SpawnSpec describes one terminal session container.
type SpawnSpec struct {
	// SessionID names the container and its labels.
	SessionID string
	// CredentialFile is the host path of the 0600 credential file; it is
	// bind-mounted read-only, never passed as an argument.
	CredentialFile string
	// TimeoutMinutes is forwarded as non-sensitive environment.
	TimeoutMinutes int
	// Debug enables verbose output inside the sandbox.
	Debug bool
}

// ExitResult is delivered when a session container stops.
type ExitResult struct {
	Code int64
	Err  error
}

// Handle is a running session container.
type Handle interface {
	// ID returns the container id.
	ID() string
	// Wait returns a channel that delivers the container's exit. The
	// channel is closed after one result.
	Wait(ctx context.Context) <-chan ExitResult
	// Stop gracefully terminates the container. The runtime force-kills
	// after the timeout, so Stop doubles as the hard-kill backstop.
	Stop(ctx context.Context, timeout time.Duration) error
	// Kill force-kills the container immediately.
	Kill(ctx context.Context) error
}

// Runner spawns session containers.
type Runner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Handle, error)
}
