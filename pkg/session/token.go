// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Minter derives opaque session tokens from session ids under the process
// secret. Tokens are HMAC-SHA256 values; clients cannot forge or inspect
// them.
type Minter struct {
	secret []byte
}

// NewMinter creates a token minter. The secret's strength is enforced at
// config validation, not here.
func NewMinter(secret string) *Minter {
	return &Minter{secret: []byte(secret)}
}

// Mint returns the session token for a session id.
func (m *Minter) Mint(sessionID string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(sessionID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether token is the valid token for sessionID.
// Constant-time.
func (m *Minter) Verify(token, sessionID string) bool {
	expected := m.Mint(sessionID)
	return hmac.Equal([]byte(token), []byte(expected))
}

// TokenEntry describes who a session token was minted for. Pending entries
// belong to sessions that are starting; they become active once the
// sandbox is up.
type TokenEntry struct {
	SessionID  string
	ClientID   string
	RemoteAddr string
	CreatedAt  time.Time
	Pending    bool
}

// TokenMap maps session tokens to their entries for active and pending
// sessions. Entries are removed on session end or client departure.
type TokenMap struct {
	mu      sync.RWMutex
	entries map[string]TokenEntry
}

// NewTokenMap creates an empty token map.
func NewTokenMap() *TokenMap {
	return &TokenMap{entries: make(map[string]TokenEntry)}
}

// Put stores or replaces the entry for a token.
func (t *TokenMap) Put(token string, entry TokenEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[token] = entry
}

// Lookup returns the entry for a token.
func (t *TokenMap) Lookup(token string) (TokenEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[token]
	return entry, ok
}

// Activate flips a pending entry to active.
func (t *TokenMap) Activate(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[token]; ok {
		entry.Pending = false
		t.entries[token] = entry
	}
}

// Rebind updates the owner of a token after a grace-window reconnect.
func (t *TokenMap) Rebind(token, clientID, remoteAddr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[token]; ok {
		entry.ClientID = clientID
		entry.RemoteAddr = remoteAddr
		t.entries[token] = entry
	}
}

// Delete removes the entry for a token.
func (t *TokenMap) Delete(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, token)
}
