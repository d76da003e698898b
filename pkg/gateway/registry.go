// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import "sync"

// clientRegistry maps client ids to live connections. Lookups for departed
// clients simply miss.
type clientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*client
}

func (r *clientRegistry) init() {
	r.clients = make(map[string]*client)
}

func (r *clientRegistry) add(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.id] = c
}

func (r *clientRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

func (r *clientRegistry) get(id string) (*client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// drain removes and returns every registered client.
func (r *clientRegistry) drain() []*client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	r.clients = make(map[string]*client)
	return out
}
