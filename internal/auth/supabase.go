package auth

import (
	"context"
	"strings"
	"time"

	"mycomanager-backend/internal/models"

	gotrue "github.com/supabase-community/gotrue-go"
	"github.com/supabase-community/gotrue-go/types"
	"go.uber.org/zap"
)

// SupabaseProvider delegates identity to Supabase Auth (GoTrue).
type SupabaseProvider struct {
	client gotrue.Client
	logger *zap.Logger
}

var _ Provider = (*SupabaseProvider)(nil)

// NewSupabaseProvider wraps a GoTrue client, usually supabase.Client.Auth.
func NewSupabaseProvider(client gotrue.Client, logger *zap.Logger) *SupabaseProvider {
	return &SupabaseProvider{client: client, logger: logger}
}

func (p *SupabaseProvider) SignUp(ctx context.Context, email, password string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := p.client.Signup(types.SignupRequest{Email: email, Password: password})
	if err != nil {
		p.logger.Info("supabase signup rejected", zap.String("email", email), zap.Error(err))
		return nil, rejection(err, ErrValidation)
	}
	// With email confirmation on, GoTrue answers with the bare user.
	if resp.Session.AccessToken == "" {
		return &Session{User: toUser(resp.User)}, nil
	}
	return toSession(resp.Session), nil
}

func (p *SupabaseProvider) SignIn(ctx context.Context, email, password string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := p.client.SignInWithEmailPassword(email, password)
	if err != nil {
		p.logger.Info("supabase sign-in rejected", zap.String("email", email), zap.Error(err))
		return nil, rejection(err, ErrInvalidCredentials)
	}
	return toSession(resp.Session), nil
}

func (p *SupabaseProvider) SignOut(ctx context.Context, accessToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.client.WithToken(accessToken).Logout(); err != nil {
		return rejection(err, ErrInvalidToken)
	}
	return nil
}

func (p *SupabaseProvider) GetUser(ctx context.Context, accessToken string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := p.client.WithToken(accessToken).GetUser()
	if err != nil {
		return nil, rejection(err, ErrInvalidToken)
	}
	user := toUser(resp.User)
	return &user, nil
}

// rejection keeps GoTrue's message and classifies it for status mapping.
func rejection(err error, kind error) *Error {
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "already registered") {
		kind = ErrUserAlreadyExists
	}
	return &Error{Kind: kind, Message: msg}
}

func toSession(s types.Session) *Session {
	expiresAt := time.Unix(s.ExpiresAt, 0)
	if s.ExpiresAt == 0 {
		expiresAt = time.Now().Add(time.Duration(s.ExpiresIn) * time.Second)
	}
	return &Session{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    expiresAt.UTC(),
		User:         toUser(s.User),
	}
}

func toUser(u types.User) models.User {
	return models.User{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt}
}
