package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"mycomanager-backend/internal/auth"
	"mycomanager-backend/internal/models"
	"mycomanager-backend/pkg/httputil"

	"go.uber.org/zap"
)

// TokenVerifier resolves the user an access token belongs to.
type TokenVerifier interface {
	GetUser(ctx context.Context, accessToken string) (*models.User, error)
}

// JwtAuthMiddleware verifies the bearer token from the Authorization header,
// or the token query parameter for WebSocket clients that cannot set headers.
// If valid, it injects the user id, email and token into the request context.
func JwtAuthMiddleware(verifier TokenVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err != nil {
				logger.Debug("auth middleware rejected request", zap.String("path", r.URL.Path), zap.Error(err))
				httputil.RespondError(w, http.StatusUnauthorized, err.Error())
				return
			}

			user, err := verifier.GetUser(r.Context(), tokenString)
			if err != nil {
				logger.Debug("auth middleware: invalid token", zap.Error(err))
				switch {
				case errors.Is(err, auth.ErrTokenExpired):
					httputil.RespondError(w, http.StatusUnauthorized, "Token has expired")
				case errors.Is(err, auth.ErrInvalidToken):
					httputil.RespondError(w, http.StatusUnauthorized, "Invalid token")
				default:
					logger.Error("auth middleware: token verification failed", zap.Error(err))
					httputil.RespondError(w, http.StatusServiceUnavailable, "Could not verify token")
				}
				return
			}

			ctx := auth.WithIdentity(r.Context(), user.ID, user.Email, tokenString)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if t := r.URL.Query().Get("token"); t != "" {
			return t, nil
		}
		return "", errors.New("Authorization header required")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", errors.New("Malformed Authorization header (Expected: Bearer <token>)")
	}
	return parts[1], nil
}
