// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import "time"

// Inbound message types. Anything else draws an error event without
// disconnecting the client.
const (
	msgJoinQueue  = "join_queue"
	msgLeaveQueue = "leave_queue"
	msgHeartbeat  = "heartbeat"
	msgEndSession = "end_session"
)

// Outbound event types.
const (
	evtStatus         = "status"
	evtQueuePosition  = "queue_position"
	evtQueueFull      = "queue_full"
	evtLeftQueue      = "left_queue"
	evtSessionStart   = "session_starting"
	evtSessionWarning = "session_warning"
	evtSessionEnded   = "session_ended"
	evtInviteInvalid  = "invite_invalid"
	evtError          = "error"
	evtHeartbeatAck   = "heartbeat_ack"
)

// inboundMessage is the client-to-broker message envelope. Unknown fields
// are ignored.
type inboundMessage struct {
	Type string `json:"type"`
	// InviteToken accompanies join_queue.
	InviteToken string `json:"inviteToken,omitempty"`
	// SessionToken accompanies a join_queue sent to resume a session within
	// the reconnect grace window.
	SessionToken string `json:"sessionToken,omitempty"`
}

type statusEvent struct {
	Type          string `json:"type"`
	QueueSize     int    `json:"queue_size"`
	SessionActive bool   `json:"session_active"`
}

type queuePositionEvent struct {
	Type      string `json:"type"`
	Position  int    `json:"position"`
	QueueSize int    `json:"queue_size"`
	// EstimatedWait is in minutes.
	EstimatedWait int `json:"estimated_wait"`
}

type queueFullEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type leftQueueEvent struct {
	Type string `json:"type"`
}

type sessionStartingEvent struct {
	Type         string    `json:"type"`
	TerminalURL  string    `json:"terminal_url"`
	ExpiresAt    time.Time `json:"expires_at"`
	SessionToken string    `json:"session_token"`
}

type sessionWarningEvent struct {
	Type             string `json:"type"`
	MinutesRemaining int    `json:"minutes_remaining"`
}

type sessionEndedEvent struct {
	Type               string `json:"type"`
	Reason             string `json:"reason"`
	ClearSessionCookie bool   `json:"clear_session_cookie"`
}

type inviteInvalidEvent struct {
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
	// RetryAfterSeconds is advisory, set for rate_limited rejections.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type heartbeatAckEvent struct {
	Type string `json:"type"`
}
