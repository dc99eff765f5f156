package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mycomanager-backend/internal/auth"
	"mycomanager-backend/internal/models"
	"mycomanager-backend/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Custom errors for the local auth provider
var (
	ErrHashingPassword = errors.New("failed to hash password")
	ErrCreatingToken   = errors.New("failed to create access token")
	ErrCreatingUser    = errors.New("failed to create user")
)

// LocalProvider authenticates against the users table with bcrypt passwords
// and issues HS256 tokens. Sign-up confirms immediately.
type LocalProvider struct {
	users      store.UserStore
	secret     string
	expiration time.Duration
	logger     *zap.Logger
}

var _ auth.Provider = (*LocalProvider)(nil)

func NewLocalProvider(users store.UserStore, jwtSecret string, expiration time.Duration, logger *zap.Logger) *LocalProvider {
	return &LocalProvider{
		users:      users,
		secret:     jwtSecret,
		expiration: expiration,
		logger:     logger,
	}
}

// SignUp creates a user and signs it in.
func (p *LocalProvider) SignUp(ctx context.Context, email, password string) (*auth.Session, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil, &auth.Error{Kind: auth.ErrValidation, Message: "email and password cannot be empty"}
	}

	_, err := p.users.GetUserByEmail(ctx, email)
	if err == nil {
		return nil, &auth.Error{Kind: auth.ErrUserAlreadyExists, Message: auth.ErrUserAlreadyExists.Error()}
	}
	if !errors.Is(err, store.ErrNotFound) {
		p.logger.Error("failed to check user existence", zap.String("email", email), zap.Error(err))
		return nil, fmt.Errorf("failed to check user existence: %w", err)
	}

	hashedPassword, err := auth.HashPassword(password)
	if err != nil {
		p.logger.Error("failed to hash password", zap.String("email", email), zap.Error(err))
		return nil, ErrHashingPassword
	}

	user := &models.User{
		ID:             uuid.New(),
		Email:          email,
		HashedPassword: hashedPassword,
	}
	if err := p.users.CreateUser(ctx, user); err != nil {
		p.logger.Error("failed to create user", zap.String("email", email), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrCreatingUser, err)
	}

	p.logger.Info("user signed up", zap.String("email", email), zap.Stringer("userID", user.ID))
	return p.issue(*user)
}

// SignIn verifies credentials and returns a fresh token.
func (p *LocalProvider) SignIn(ctx context.Context, email, password string) (*auth.Session, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	invalid := &auth.Error{Kind: auth.ErrInvalidCredentials, Message: auth.ErrInvalidCredentials.Error()}
	if email == "" || password == "" {
		return nil, invalid
	}

	user, err := p.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Don't reveal whether the user exists.
			return nil, invalid
		}
		p.logger.Error("failed to retrieve user during login", zap.String("email", email), zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve user: %w", err)
	}
	if !auth.CheckPasswordHash(password, user.HashedPassword) {
		return nil, invalid
	}

	p.logger.Info("user logged in", zap.String("email", email), zap.Stringer("userID", user.ID))
	return p.issue(*user)
}

// SignOut only validates the token; local tokens are stateless and expire on their own.
func (p *LocalProvider) SignOut(ctx context.Context, accessToken string) error {
	if _, err := auth.ParseToken(accessToken, p.secret); err != nil {
		return &auth.Error{Kind: auth.ErrInvalidToken, Message: err.Error()}
	}
	return nil
}

func (p *LocalProvider) GetUser(ctx context.Context, accessToken string) (*models.User, error) {
	claims, err := auth.ParseToken(accessToken, p.secret)
	if err != nil {
		kind := auth.ErrInvalidToken
		if errors.Is(err, auth.ErrTokenExpired) {
			kind = auth.ErrTokenExpired
		}
		return nil, &auth.Error{Kind: kind, Message: kind.Error()}
	}
	id, err := claims.UserID()
	if err != nil {
		return nil, &auth.Error{Kind: auth.ErrInvalidToken, Message: err.Error()}
	}
	user, err := p.users.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &auth.Error{Kind: auth.ErrInvalidToken, Message: "user no longer exists"}
		}
		return nil, fmt.Errorf("failed to retrieve user: %w", err)
	}
	return user, nil
}

func (p *LocalProvider) issue(user models.User) (*auth.Session, error) {
	token, expiresAt, err := auth.NewAccessToken(user.ID, user.Email, p.secret, p.expiration)
	if err != nil {
		p.logger.Error("failed to generate JWT", zap.Stringer("userID", user.ID), zap.Error(err))
		return nil, ErrCreatingToken
	}
	user.HashedPassword = ""
	return &auth.Session{AccessToken: token, ExpiresAt: expiresAt, User: user}, nil
}
