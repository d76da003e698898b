// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/demobroker/pkg/invite"
)

// InviteTokenHeader carries the invite token on validation requests; the
// token query parameter works too.
const InviteTokenHeader = "X-Invite-Token"

// InviteValidator checks invite tokens. Implemented by the invite store.
type InviteValidator interface {
	Validate(ctx context.Context, token, remoteAddr string) (*invite.Invite, *invite.Rejection)
}

// InviteRouter sets up the invite validation route.
func InviteRouter(invites InviteValidator) http.Handler {
	routes := &inviteRoutes{invites: invites}
	r := chi.NewRouter()
	r.Get("/validate", routes.getValidate)
	return r
}

type inviteRoutes struct {
	invites InviteValidator
}

type inviteValidationResponse struct {
	Valid         bool       `json:"valid"`
	Reason        string     `json:"reason,omitempty"`
	Message       string     `json:"message,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	RemainingUses int        `json:"remaining_uses,omitempty"`
	Label         string     `json:"label,omitempty"`
}

// getValidate checks an invite token without consuming it. Failed checks
// count against the caller's failure window like gateway joins do.
func (i *inviteRoutes) getValidate(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(InviteTokenHeader)
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	inv, rejection := i.invites.Validate(r.Context(), token, clientAddr(r))
	if rejection != nil {
		if rejection.Reason == invite.ReasonRateLimited {
			w.Header().Set("Retry-After", strconv.Itoa(int(rejection.RetryAfter.Seconds())+1))
		}
		writeJSON(w, rejectionStatus(rejection.Reason), inviteValidationResponse{
			Valid:   false,
			Reason:  string(rejection.Reason),
			Message: rejection.Message,
		})
		return
	}

	writeJSON(w, http.StatusOK, inviteValidationResponse{
		Valid:         true,
		ExpiresAt:     &inv.ExpiresAt,
		RemainingUses: inv.MaxUses - inv.UseCount,
		Label:         inv.Label,
	})
}

func rejectionStatus(reason invite.Reason) int {
	switch reason {
	case invite.ReasonRateLimited:
		return http.StatusTooManyRequests
	case invite.ReasonNotFound:
		return http.StatusNotFound
	case invite.ReasonExpired, invite.ReasonUsed, invite.ReasonRevoked:
		return http.StatusGone
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
