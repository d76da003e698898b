// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package v1 contains the V1 API for the demo broker.
package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

// HealthcheckRouter sets up the healthcheck route.
func HealthcheckRouter(kv redis.UniversalClient) http.Handler {
	routes := &healthcheckRoutes{kv: kv}
	r := chi.NewRouter()
	r.Get("/", routes.getHealthcheck)
	return r
}

type healthcheckRoutes struct {
	kv redis.UniversalClient
}

// The broker is healthy when its KV store answers; without it invites
// cannot be validated and no session can start.
func (h *healthcheckRoutes) getHealthcheck(w http.ResponseWriter, r *http.Request) {
	if err := h.kv.Ping(r.Context()).Err(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
