// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the first-come-first-served waitlist of
// connected clients. The manager is the only mutator of queue order; all
// operations are atomic relative to position broadcasts.
package queue

import (
	"sync"
	"time"

	"github.com/stacklok/demobroker/pkg/errs"
	"github.com/stacklok/demobroker/pkg/logger"
)

// Entry is one queued client. The queue references clients by identifier
// only; the gateway resolves identifiers to live connections when events
// are emitted.
type Entry struct {
	ClientID    string
	RemoteAddr  string
	UserAgent   string
	InviteToken string
	EnqueuedAt  time.Time
}

// Events receives queue lifecycle notifications, implemented by the
// gateway. A notification for a client that is gone must be a no-op.
type Events interface {
	// QueuePosition informs a client of its current 1-based position.
	QueuePosition(clientID string, position, queueSize int, estimatedWait time.Duration)
}

// Manager owns the waitlist. FIFO strictly by enqueue time, no priorities.
type Manager struct {
	mu      sync.Mutex
	entries []Entry

	maxSize    int
	avgSession time.Duration
	events     Events
	now        func() time.Time
}

// NewManager creates a queue manager with the given cap. avgSession feeds
// the wait-time estimate only.
func NewManager(maxSize int, avgSession time.Duration, events Events) *Manager {
	return &Manager{
		maxSize:    maxSize,
		avgSession: avgSession,
		events:     events,
		now:        time.Now,
	}
}

// Enqueue appends a client to the tail and returns its 1-based position.
// Returns a queue_full error at the cap and an invalid_argument error for
// duplicate entries.
func (m *Manager) Enqueue(e Entry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.entries {
		if existing.ClientID == e.ClientID {
			return 0, errs.NewInvalidArgumentError("Already in queue", nil)
		}
	}
	if len(m.entries) >= m.maxSize {
		return 0, errs.NewQueueFullError("The queue is currently full, please try again later")
	}

	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = m.now()
	}
	m.entries = append(m.entries, e)
	logger.Debugw("client enqueued", "client_id", e.ClientID, "position", len(m.entries))

	m.broadcastLocked()
	return len(m.entries), nil
}

// Leave removes a client by identity. No-op if absent; the bool reports
// whether anything was removed.
func (m *Manager) Leave(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.removeLocked(clientID) {
		return false
	}
	m.broadcastLocked()
	return true
}

// RemoveIfPresent is called by the gateway on disconnect. Identical to
// Leave; kept separate so call sites read by intent.
func (m *Manager) RemoveIfPresent(clientID string) {
	m.Leave(clientID)
}

// PeekHead returns the head entry without removing it.
func (m *Manager) PeekHead() (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) == 0 {
		return Entry{}, false
	}
	return m.entries[0], true
}

// PopHead removes and returns the head entry. Only the session supervisor
// calls this, on promotion. Remaining clients are re-broadcast so the
// client previously at position 2 observes position 1.
func (m *Manager) PopHead() (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) == 0 {
		return Entry{}, false
	}
	head := m.entries[0]
	m.entries = m.entries[1:]
	m.broadcastLocked()
	return head, true
}

// Len returns the current queue size.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// BroadcastPositions re-emits a queue_position to every queued client.
func (m *Manager) BroadcastPositions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcastLocked()
}

func (m *Manager) removeLocked(clientID string) bool {
	for i, e := range m.entries {
		if e.ClientID == clientID {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return true
		}
	}
	return false
}

// broadcastLocked emits fresh positions to every queued client. Caller
// holds m.mu; the events sink must not call back into the manager.
func (m *Manager) broadcastLocked() {
	size := len(m.entries)
	for i, e := range m.entries {
		m.events.QueuePosition(e.ClientID, i+1, size, time.Duration(i+1)*m.avgSession)
	}
}
