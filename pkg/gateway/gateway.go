// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gateway accepts the persistent websocket connections clients use
// to queue for and hold demo sessions. It routes inbound messages to the
// queue manager and session supervisor and fans lifecycle events back out,
// one serialized writer per client.
package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stacklok/demobroker/pkg/errs"
	"github.com/stacklok/demobroker/pkg/invite"
	"github.com/stacklok/demobroker/pkg/logger"
	"github.com/stacklok/demobroker/pkg/queue"
	"github.com/stacklok/demobroker/pkg/ratelimit"
	"github.com/stacklok/demobroker/pkg/session"
)

// InviteValidator checks invite tokens on join_queue. Implemented by the
// invite store.
type InviteValidator interface {
	Validate(ctx context.Context, token, remoteAddr string) (*invite.Invite, *invite.Rejection)
}

// SessionController is the supervisor surface the gateway drives.
// Implemented by *session.Supervisor.
type SessionController interface {
	SessionActive() bool
	ActiveOwner() (string, bool)
	Promote(e queue.Entry) error
	Rebind(token, clientID, remoteAddr string) (*session.RebindResult, error)
	HandleDisconnect(clientID string)
	EndByClient(clientID string, reason session.EndReason) bool
}

// Config holds the gateway settings.
type Config struct {
	MaxQueueSize   int
	AverageSession time.Duration
}

// Gateway owns the set of connected clients and the waitlist. It implements
// queue.Events and session.Events; an event for a client that is gone is a
// lookup miss and is skipped.
type Gateway struct {
	cfg      Config
	invites  InviteValidator
	sessions SessionController

	waitlist  *queue.Manager
	connLimit *ratelimit.Window

	upgrader websocket.Upgrader

	clients clientRegistry
}

// NewGateway creates a gateway and its waitlist. The session controller is
// attached afterwards with SetSessionController since the supervisor needs
// the gateway (as its event sink) and the waitlist to be constructed first.
func NewGateway(cfg Config, invites InviteValidator, connLimit *ratelimit.Window) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		invites:   invites,
		connLimit: connLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin enforcement happens at the fronting reverse proxy.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
	g.clients.init()
	g.waitlist = queue.NewManager(cfg.MaxQueueSize, cfg.AverageSession, g)
	return g
}

// Waitlist exposes the queue manager for the supervisor's promotion path.
func (g *Gateway) Waitlist() *queue.Manager {
	return g.waitlist
}

// SetSessionController attaches the supervisor. Must be called before the
// gateway serves connections.
func (g *Gateway) SetSessionController(c SessionController) {
	g.sessions = c
}

// ServeHTTP upgrades the connection and runs the client until it
// disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	remoteAddr := clientAddr(r)

	if g.connLimit != nil {
		if ok, retryAfter := g.connLimit.Allow(remoteAddr); !ok {
			w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugw("websocket upgrade failed", "remote_addr", remoteAddr, "error", err)
		return
	}

	c := newClient(uuid.NewString(), conn, remoteAddr, r.UserAgent())
	g.clients.add(c)
	logger.Debugw("client connected", "client_id", c.id, "remote_addr", remoteAddr)

	go c.writePump()

	c.enqueue(statusEvent{
		Type:          evtStatus,
		QueueSize:     g.waitlist.Len(),
		SessionActive: g.sessions.SessionActive(),
	})

	g.readLoop(r.Context(), c)

	g.clients.remove(c.id)
	c.close()
	g.waitlist.RemoveIfPresent(c.id)
	g.sessions.HandleDisconnect(c.id)
	logger.Debugw("client disconnected", "client_id", c.id)
}

// readLoop consumes inbound messages until the connection dies.
func (g *Gateway) readLoop(ctx context.Context, c *client) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(errorEvent{Type: evtError, Message: "malformed message"})
			continue
		}
		g.dispatch(ctx, c, msg)
	}
}

// dispatch handles one inbound message. Unknown types draw an error event;
// the connection stays open.
func (g *Gateway) dispatch(ctx context.Context, c *client, msg inboundMessage) {
	switch msg.Type {
	case msgJoinQueue:
		if msg.SessionToken != "" {
			g.handleRebind(c, msg.SessionToken)
			return
		}
		g.handleJoinQueue(ctx, c, msg.InviteToken)
	case msgLeaveQueue:
		// Silent no-op when not queued.
		if g.waitlist.Leave(c.id) {
			c.enqueue(leftQueueEvent{Type: evtLeftQueue})
		}
	case msgHeartbeat:
		c.enqueue(heartbeatAckEvent{Type: evtHeartbeatAck})
	case msgEndSession:
		g.sessions.EndByClient(c.id, session.ReasonUserEnded)
	default:
		c.enqueue(errorEvent{Type: evtError, Message: "unknown message type"})
	}
}

// handleJoinQueue validates the invite and admits the client: straight to a
// session when the slot is idle and nobody waits, to the queue tail
// otherwise.
func (g *Gateway) handleJoinQueue(ctx context.Context, c *client, inviteToken string) {
	// The session owner has nothing to queue for; admitting them would
	// chain a second session on promotion.
	if owner, ok := g.sessions.ActiveOwner(); ok && owner == c.id {
		c.enqueue(errorEvent{Type: evtError, Message: "Already in queue"})
		return
	}

	_, rejection := g.invites.Validate(ctx, inviteToken, c.remoteAddr)
	if rejection != nil {
		c.enqueue(inviteInvalidEvent{
			Type:              evtInviteInvalid,
			Reason:            string(rejection.Reason),
			Message:           rejection.Message,
			RetryAfterSeconds: int(rejection.RetryAfter.Seconds()),
		})
		return
	}

	entry := queue.Entry{
		ClientID:    c.id,
		RemoteAddr:  c.remoteAddr,
		UserAgent:   c.userAgent,
		InviteToken: inviteToken,
	}

	if !g.sessions.SessionActive() && g.waitlist.Len() == 0 {
		err := g.sessions.Promote(entry)
		if err == nil {
			return
		}
		// Lost the race for the slot; fall through to the queue. Spawn
		// failures were already reported via SessionError.
		if !errs.IsType(err, errs.ErrSessionConflict) {
			return
		}
	}

	if _, err := g.waitlist.Enqueue(entry); err != nil {
		switch {
		case errs.IsType(err, errs.ErrQueueFull):
			c.enqueue(queueFullEvent{
				Type:    evtQueueFull,
				Message: "The queue is currently full, please try again later",
			})
		default:
			c.enqueue(errorEvent{Type: evtError, Message: "Already in queue"})
		}
	}
}

// handleRebind resumes a session within the reconnect grace window.
func (g *Gateway) handleRebind(c *client, sessionToken string) {
	result, err := g.sessions.Rebind(sessionToken, c.id, c.remoteAddr)
	if err != nil {
		logger.Debugw("rebind refused", "client_id", c.id, "error", err)
		c.enqueue(errorEvent{Type: evtError, Message: "no session to resume"})
		return
	}
	c.enqueue(sessionStartingEvent{
		Type:         evtSessionStart,
		TerminalURL:  result.TerminalURL,
		ExpiresAt:    result.ExpiresAt,
		SessionToken: result.SessionToken,
	})
}

// QueuePosition implements queue.Events.
func (g *Gateway) QueuePosition(clientID string, position, queueSize int, estimatedWait time.Duration) {
	g.sendTo(clientID, queuePositionEvent{
		Type:          evtQueuePosition,
		Position:      position,
		QueueSize:     queueSize,
		EstimatedWait: int(estimatedWait.Minutes()),
	})
}

// SessionStarting implements session.Events.
func (g *Gateway) SessionStarting(clientID, terminalURL, sessionToken string, expiresAt time.Time) {
	g.sendTo(clientID, sessionStartingEvent{
		Type:         evtSessionStart,
		TerminalURL:  terminalURL,
		ExpiresAt:    expiresAt,
		SessionToken: sessionToken,
	})
}

// SessionWarning implements session.Events.
func (g *Gateway) SessionWarning(clientID string, minutesRemaining int) {
	g.sendTo(clientID, sessionWarningEvent{Type: evtSessionWarning, MinutesRemaining: minutesRemaining})
}

// SessionEnded implements session.Events.
func (g *Gateway) SessionEnded(clientID string, reason session.EndReason) {
	g.sendTo(clientID, sessionEndedEvent{
		Type:               evtSessionEnded,
		Reason:             string(reason),
		ClearSessionCookie: true,
	})
}

// SessionError implements session.Events.
func (g *Gateway) SessionError(clientID, message string) {
	g.sendTo(clientID, errorEvent{Type: evtError, Message: message})
}

// sendTo delivers an event to a client by id. A gone client is a skip, not
// an error.
func (g *Gateway) sendTo(clientID string, event any) {
	c, ok := g.clients.get(clientID)
	if !ok {
		return
	}
	c.enqueue(event)
}

// Shutdown closes every connected client.
func (g *Gateway) Shutdown() {
	for _, c := range g.clients.drain() {
		c.close()
	}
}

// clientAddr extracts the caller's address: the first X-Forwarded-For token
// when a proxy fronts the broker, the socket peer otherwise.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if addr := strings.TrimSpace(first); addr != "" {
			return addr
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
