// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api contains the HTTP surface of the demo broker: the websocket
// endpoint, the reverse-proxy auth endpoints, and the healthcheck.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	v1 "github.com/stacklok/demobroker/pkg/api/v1"
	"github.com/stacklok/demobroker/pkg/logger"
	"github.com/stacklok/demobroker/pkg/ratelimit"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Deps are the collaborators the HTTP surface exposes.
type Deps struct {
	KV          redis.UniversalClient
	Gateway     http.Handler
	Sessions    v1.SessionAuthorizer
	Invites     v1.InviteValidator
	CookieLimit *ratelimit.Window
	CookieTTL   time.Duration
}

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter assembles the full route tree. The websocket endpoint lives
// outside the timeout middleware since its connections are long-lived.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)

	r.Mount("/ws", deps.Gateway)

	r.Group(func(r chi.Router) {
		r.Use(
			middleware.Timeout(middlewareTimeout),
			headersMiddleware,
		)
		r.Mount("/health", v1.HealthcheckRouter(deps.KV))
		r.Mount("/api/v1beta/session", v1.SessionRouter(deps.Sessions, deps.CookieLimit, deps.CookieTTL))
		r.Mount("/api/v1beta/invite", v1.InviteRouter(deps.Invites))
	})

	return r
}

// Serve runs the HTTP server on address until ctx is cancelled. It is
// assumed that the caller sets up appropriate signal handling.
func Serve(ctx context.Context, address string, deps Deps) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           NewRouter(deps),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("starting HTTP server on %s", address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
