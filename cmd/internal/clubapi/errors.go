package clubapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"clubhouse/cmd/internal/club"
)

// statusFor maps an operation error onto an HTTP status, a stable code and a client-safe message.
func statusFor(err error) (int, string, string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, "request_cancelled", "request cancelled"
	}

	code := club.CodeOf(err)
	msg := err.Error()
	var oe *club.OpError
	if errors.As(err, &oe) && oe.Kind != nil {
		msg = oe.Kind.Error()
	}

	switch {
	case errors.Is(err, club.ErrNotAuthenticated):
		return http.StatusUnauthorized, code, msg
	case club.CategoryOf(err) == club.CategoryAuthorization:
		return http.StatusForbidden, code, msg
	case errors.Is(err, club.ErrClubNotFound),
		errors.Is(err, club.ErrUserNotFound),
		errors.Is(err, club.ErrMessageNotFound):
		return http.StatusNotFound, code, msg
	case errors.Is(err, club.ErrInvalidInput):
		return http.StatusBadRequest, code, msg
	case club.CategoryOf(err) == club.CategoryPrecondition:
		return http.StatusConflict, code, msg
	}
	if code == "internal" {
		code = "server_error"
	}
	return http.StatusInternalServerError, code, "internal error"
}

func writeOpError(w http.ResponseWriter, log *slog.Logger, r *http.Request, err error) {
	status, code, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error("clubapi.request.fail", "method", r.Method, "path", r.URL.Path, "code", code, "err", err)
	}
	writeError(w, status, code, msg)
}
