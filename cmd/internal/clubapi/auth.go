package clubapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"clubhouse/cmd/internal/club"
	"clubhouse/cmd/security/token"
)

type principalKey struct{}

// WithPrincipal stores the authenticated caller on ctx.
func WithPrincipal(ctx context.Context, p token.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller stored by the authentication middleware.
func PrincipalFrom(ctx context.Context) (token.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(token.Principal)
	return p, ok && p.UserID != ""
}

func actorID(r *http.Request) string {
	p, _ := PrincipalFrom(r.Context())
	return p.UserID
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// requireAuthentication verifies the bearer token and keeps the local user read model in sync.
func (h *Handler) requireAuthentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := h.verifier.Verify(bearerToken(r))
		if err != nil {
			code := "not_authenticated"
			if errors.Is(err, token.ErrTokenExpired) {
				code = "token_expired"
			}
			writeError(w, http.StatusUnauthorized, code, "authentication required")
			return
		}

		if err := h.syncUser(r.Context(), p); err != nil {
			h.log.Error("clubapi.user_sync.fail", "user_id", p.UserID, "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func (h *Handler) syncUser(ctx context.Context, p token.Principal) error {
	u, err := h.store.GetUser(ctx, p.UserID)
	switch {
	case err == nil:
		if p.Username == "" || u.Username == p.Username {
			return nil
		}
	case !errors.Is(err, club.ErrRowNotFound):
		return err
	}
	return h.store.UpsertUser(ctx, club.User{ID: p.UserID, Username: p.Username})
}
