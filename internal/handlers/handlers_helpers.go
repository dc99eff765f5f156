package handlers

import (
	"context"
	"errors"
	"net/http"

	"mycomanager-backend/internal/auth"
	"mycomanager-backend/internal/models"
	"mycomanager-backend/internal/services"
	"mycomanager-backend/pkg/httputil"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionService defines the interface expected from the session service.
// This promotes loose coupling and testability.
type SessionService interface {
	SignUp(ctx context.Context, email, password string) (*auth.Session, *services.Live, error)
	SignIn(ctx context.Context, email, password string) (*auth.Session, *services.Live, error)
	SignOut(ctx context.Context, accessToken string) error
	Session(ctx context.Context, user models.User, accessToken string) (*services.Live, error)
	SaveProfile(ctx context.Context, live *services.Live, answers models.ProfileAnswers) (*models.Profile, error)
}

// liveSession resolves the session of the authenticated request, opening it
// on first use. It writes the error response itself and reports false.
func liveSession(w http.ResponseWriter, r *http.Request, svc SessionService, logger *zap.Logger) (*services.Live, bool) {
	userID, ok := auth.GetUserIDFromContext(r.Context())
	token, hasToken := auth.GetAccessTokenFromContext(r.Context())
	if !ok || !hasToken {
		httputil.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return nil, false
	}
	user := models.User{ID: userID, Email: auth.GetEmailFromContext(r.Context())}
	live, err := svc.Session(r.Context(), user, token)
	if err != nil {
		logger.Error("failed to open session", zap.Stringer("userID", userID), zap.Error(err))
		respondServiceError(w, err, "Failed to load your conversations")
		return nil, false
	}
	return live, true
}

// uuidParam parses a chi URL parameter. On failure it responds 400 and reports false.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func userResponse(u models.User) models.UserResponse {
	return models.UserResponse{ID: u.ID, Email: u.Email}
}

func authResponse(sess *auth.Session, live *services.Live) models.AuthResponse {
	return models.AuthResponse{
		AccessToken:     sess.AccessToken,
		RefreshToken:    sess.RefreshToken,
		ExpiresAt:       sess.ExpiresAt,
		User:            userResponse(sess.User),
		NeedsOnboarding: live == nil || live.NeedsOnboarding(),
	}
}

// isAuthRejection reports whether err came from the auth collaborator rejecting the caller.
func isAuthRejection(err error) bool {
	var authErr *auth.Error
	return errors.As(err, &authErr)
}
