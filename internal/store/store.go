package store

import (
	"context"
	"errors"

	"mycomanager-backend/internal/models"

	"github.com/google/uuid"
)

// Store errors. Drivers wrap one of these so callers can classify failures
// with errors.Is. A failed call never leaves a partial write behind.
var (
	// ErrNotFound is returned when a specific record is not found.
	ErrNotFound = errors.New("record not found")
	// ErrPermissionDenied is returned when row-level security rejects the call.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrUnavailable covers transport and database failures.
	ErrUnavailable = errors.New("store unavailable")
)

// Store defines the remote persistence used by a session.
// This allows for mocking in tests and switching between backends.
type Store interface {
	// Conversation operations
	ListConversations(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) // newest first
	CreateConversation(ctx context.Context, userID uuid.UUID, title, emoji string) (*models.Conversation, error)
	UpdateConversationTitle(ctx context.Context, id uuid.UUID, title string) error
	DeleteConversationsForUser(ctx context.Context, userID uuid.UUID) (int64, error)

	// Message operations
	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) // oldest first
	InsertMessage(ctx context.Context, conversationID uuid.UUID, role models.Role, content string) (*models.Message, error)

	// Profile operations
	GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error)
	UpsertProfile(ctx context.Context, userID uuid.UUID, answers models.ProfileAnswers) error
}

// UserStore is implemented by backends that can hold local credentials.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
}

// Closer is implemented by stores holding a connection pool.
type Closer interface {
	Close()
}
