// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.SessionSecret = strings.Repeat("a1b2", 10)
	cfg.CredentialsDir = t.TempDir()
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 60*time.Minute, cfg.SessionTimeout)
	assert.Equal(t, 10, cfg.MaxQueueSize)
	assert.Equal(t, 45*time.Minute, cfg.AverageSession)
	assert.Equal(t, 10*time.Second, cfg.DisconnectGrace)
	assert.Equal(t, 30*24*time.Hour, cfg.AuditRetention)
	assert.Equal(t, 10, cfg.RateLimits.InviteFailuresPerHour)
	assert.Equal(t, ":8080", cfg.ListenAddress)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	t.Run("valid config passes", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, validConfig(t).Validate())
	})

	t.Run("short secret rejected", func(t *testing.T) {
		t.Parallel()
		cfg := validConfig(t)
		cfg.SessionSecret = "too-short"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least 32 bytes")
	})

	t.Run("known weak literal rejected", func(t *testing.T) {
		t.Parallel()
		cfg := validConfig(t)
		cfg.SessionSecret = "insecure-dev-secret-do-not-use-in-prod!!"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "weak")
	})

	t.Run("repeated character secret rejected", func(t *testing.T) {
		t.Parallel()
		cfg := validConfig(t)
		cfg.SessionSecret = strings.Repeat("x", 64)
		require.Error(t, cfg.Validate())
	})

	t.Run("missing credentials dir rejected", func(t *testing.T) {
		t.Parallel()
		cfg := validConfig(t)
		cfg.CredentialsDir = "/nonexistent/demobroker/creds"
		require.Error(t, cfg.Validate())
	})

	t.Run("zero queue size rejected", func(t *testing.T) {
		t.Parallel()
		cfg := validConfig(t)
		cfg.MaxQueueSize = 0
		require.Error(t, cfg.Validate())
	})
}
