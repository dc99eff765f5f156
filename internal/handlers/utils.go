package handlers

import (
	"errors"
	"net/http"

	"mycomanager-backend/internal/auth"
	"mycomanager-backend/internal/services"
	"mycomanager-backend/internal/session"
	"mycomanager-backend/internal/store"
	"mycomanager-backend/pkg/httputil"
)

// statusFor maps service errors to HTTP status codes. The bool is false for
// errors whose text should not reach the client.
func statusFor(err error) (int, bool) {
	switch {
	case errors.Is(err, httputil.ErrInvalidPayload),
		errors.Is(err, auth.ErrValidation),
		errors.Is(err, session.ErrEmptyMessage),
		errors.Is(err, services.ErrIncompleteProfile):
		return http.StatusBadRequest, true
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, session.ErrNotSignedIn),
		errors.Is(err, session.ErrClosed):
		return http.StatusUnauthorized, true
	case errors.Is(err, store.ErrPermissionDenied):
		return http.StatusForbidden, true
	case errors.Is(err, session.ErrUnknownConversation),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, true
	case errors.Is(err, auth.ErrUserAlreadyExists),
		errors.Is(err, session.ErrSendInFlight),
		errors.Is(err, session.ErrNotRetryable):
		return http.StatusConflict, true
	case errors.Is(err, session.ErrMessageNotSaved),
		errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, true
	}
	return http.StatusInternalServerError, false
}

// respondServiceError writes err with its mapped status. Internal errors get fallback instead.
func respondServiceError(w http.ResponseWriter, err error, fallback string) {
	code, expose := statusFor(err)
	if !expose {
		httputil.RespondError(w, code, fallback)
		return
	}
	httputil.RespondError(w, code, err.Error())
}
