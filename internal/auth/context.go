package auth

import (
	"context"

	"github.com/google/uuid"
)

// contextKey is a custom type used for context keys to avoid collisions.
type contextKey string

const (
	UserIDKey      contextKey = "userID"
	EmailKey       contextKey = "email"
	AccessTokenKey contextKey = "accessToken"
)

// WithIdentity stores the authenticated user and the token it was proven with.
func WithIdentity(ctx context.Context, userID uuid.UUID, email, accessToken string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, EmailKey, email)
	return context.WithValue(ctx, AccessTokenKey, accessToken)
}

// GetUserIDFromContext retrieves the UserID (uuid.UUID) from the request context.
// Returns the ID and true if found, otherwise uuid.Nil and false.
func GetUserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(UserIDKey).(uuid.UUID)
	return userID, ok
}

func GetEmailFromContext(ctx context.Context) string {
	email, _ := ctx.Value(EmailKey).(string)
	return email
}

// GetAccessTokenFromContext retrieves the bearer token of the request.
func GetAccessTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(AccessTokenKey).(string)
	return token, ok && token != ""
}
