// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stacklok/demobroker/pkg/logger"
)

const (
	// writeTimeout bounds a single websocket write.
	writeTimeout = 10 * time.Second
	// pongTimeout is how long a connection may stay silent before it is
	// considered dead. Pings go out at a fraction of it.
	pongTimeout  = 60 * time.Second
	pingInterval = pongTimeout * 8 / 10
	// sendBuffer is the per-client outbound event buffer. A client that
	// cannot drain it loses events rather than stalling the broker.
	sendBuffer = 16
)

// client is one connected websocket peer. Outbound events flow through the
// send channel and a single writer goroutine, which preserves emission
// order.
type client struct {
	id         string
	conn       *websocket.Conn
	remoteAddr string
	userAgent  string

	send      chan any
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn, remoteAddr, userAgent string) *client {
	return &client{
		id:         id,
		conn:       conn,
		remoteAddr: remoteAddr,
		userAgent:  userAgent,
		send:       make(chan any, sendBuffer),
		done:       make(chan struct{}),
	}
}

// enqueue queues an event for delivery. Events to a slow client are dropped
// once its buffer fills.
func (c *client) enqueue(event any) {
	select {
	case <-c.done:
	case c.send <- event:
	default:
		logger.Warnw("dropping event for slow client", "client_id", c.id)
	}
}

// close shuts the writer down and closes the connection. Safe to call more
// than once.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writePump is the single writer for the connection. It serializes queued
// events and keeps the connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case event := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(event); err != nil {
				logger.Debugw("websocket write failed", "client_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				logger.Debugw("websocket ping failed", "client_id", c.id, "error", err)
				return
			}
		}
	}
}
