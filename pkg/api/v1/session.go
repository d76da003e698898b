// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/demobroker/pkg/ratelimit"
	"github.com/stacklok/demobroker/pkg/session"
)

// sessionCookieName is the cookie the reverse proxy forwards for
// dashboard access checks.
const sessionCookieName = "demo_session"

// SessionHeader is set on successful validations so downstream access
// logs can attribute requests to a session.
const SessionHeader = "X-Demo-Session"

// SessionAuthorizer resolves session tokens. Implemented by the session
// supervisor.
type SessionAuthorizer interface {
	LookupToken(token string) (session.TokenEntry, bool)
}

// SessionRouter sets up the session validation and cookie routes used by
// the fronting reverse proxy.
func SessionRouter(auth SessionAuthorizer, cookieLimit *ratelimit.Window, cookieTTL time.Duration) http.Handler {
	routes := &sessionRoutes{auth: auth, cookieLimit: cookieLimit, cookieTTL: cookieTTL}
	r := chi.NewRouter()
	r.Get("/validate", routes.getValidate)
	r.Post("/cookie", routes.postCookie)
	return r
}

type sessionRoutes struct {
	auth        SessionAuthorizer
	cookieLimit *ratelimit.Window
	cookieTTL   time.Duration
}

// getValidate authorizes a request on behalf of the reverse proxy: 200
// when the session cookie names an active or pending session AND the
// caller's address matches the one the token was minted for, 401
// otherwise.
func (s *sessionRoutes) getValidate(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		http.Error(w, "no session", http.StatusUnauthorized)
		return
	}

	entry, ok := s.auth.LookupToken(cookie.Value)
	if !ok || entry.RemoteAddr != clientAddr(r) {
		http.Error(w, "no session", http.StatusUnauthorized)
		return
	}

	w.Header().Set(SessionHeader, entry.SessionID)
	w.WriteHeader(http.StatusOK)
}

type cookieRequest struct {
	Token string `json:"token"`
}

// postCookie turns a session token into the browser cookie the terminal
// pages need. Token and caller address must match a live session.
func (s *sessionRoutes) postCookie(w http.ResponseWriter, r *http.Request) {
	addr := clientAddr(r)
	if s.cookieLimit != nil {
		if ok, retryAfter := s.cookieLimit.Allow(addr); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	var req cookieRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	entry, ok := s.auth.LookupToken(req.Token)
	if !ok || entry.RemoteAddr != addr {
		http.Error(w, "no session", http.StatusUnauthorized)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    req.Token,
		Path:     "/",
		MaxAge:   int(s.cookieTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   r.TLS != nil,
	})
	w.WriteHeader(http.StatusNoContent)
}
