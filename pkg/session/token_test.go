// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndVerify(t *testing.T) {
	t.Parallel()

	minter := NewMinter("a-very-long-and-random-session-secret-0123456789")

	token := minter.Mint("session-1")
	require.NotEmpty(t, token)

	// Deterministic per session id.
	assert.Equal(t, token, minter.Mint("session-1"))
	assert.NotEqual(t, token, minter.Mint("session-2"))

	assert.True(t, minter.Verify(token, "session-1"))
	assert.False(t, minter.Verify(token, "session-2"))
	assert.False(t, minter.Verify("forged-token", "session-1"))

	other := NewMinter("a-different-long-and-random-session-secret-98765")
	assert.False(t, other.Verify(token, "session-1"))
}

func TestTokenMapLifecycle(t *testing.T) {
	t.Parallel()

	tokens := NewTokenMap()

	_, ok := tokens.Lookup("tok")
	require.False(t, ok)

	tokens.Put("tok", TokenEntry{
		SessionID:  "session-1",
		ClientID:   "client-a",
		RemoteAddr: "10.0.0.1:1234",
		CreatedAt:  time.Now(),
		Pending:    true,
	})

	entry, ok := tokens.Lookup("tok")
	require.True(t, ok)
	assert.True(t, entry.Pending)
	assert.Equal(t, "client-a", entry.ClientID)

	tokens.Activate("tok")
	entry, ok = tokens.Lookup("tok")
	require.True(t, ok)
	assert.False(t, entry.Pending)

	tokens.Rebind("tok", "client-b", "10.0.0.2:4321")
	entry, ok = tokens.Lookup("tok")
	require.True(t, ok)
	assert.Equal(t, "client-b", entry.ClientID)
	assert.Equal(t, "10.0.0.2:4321", entry.RemoteAddr)
	assert.Equal(t, "session-1", entry.SessionID)

	tokens.Delete("tok")
	_, ok = tokens.Lookup("tok")
	assert.False(t, ok)
}
