// Package auth covers identity: the Provider abstraction over the auth
// collaborator, JWT handling and request context helpers.
package auth

import (
	"context"
	"errors"
	"time"

	"mycomanager-backend/internal/models"
)

var (
	ErrUserAlreadyExists  = errors.New("user with this email already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token has expired")
	ErrValidation         = errors.New("input validation failed")
)

// Error is a rejection reported by the auth collaborator. Message is the
// provider's own text and is safe to show to the user.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

// Session is the result of a successful sign-in.
// AccessToken is empty after a sign-up that still needs email confirmation.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         models.User
}

// Provider is the auth collaborator.
type Provider interface {
	SignUp(ctx context.Context, email, password string) (*Session, error)
	SignIn(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context, accessToken string) error
	// GetUser resolves the user an access token belongs to.
	GetUser(ctx context.Context, accessToken string) (*models.User, error)
}
