package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"mycomanager-backend/internal/models"
	"mycomanager-backend/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Compile-time checks to ensure PostgresStore implements the store interfaces
var (
	_ store.Store     = (*PostgresStore)(nil)
	_ store.UserStore = (*PostgresStore)(nil)
)

//go:embed schema.sql
var schema string

// DBTX is the part of a pgx pool the store uses.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore talks to the database directly over a pgx pool.
// It bypasses row-level security, so every query filters by owner explicitly.
type PostgresStore struct {
	db     DBTX
	logger *zap.Logger
}

func NewPostgresStore(db DBTX, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// Driver opens a pool from cfg.DatabaseURL and pings it.
func Driver(ctx context.Context, cfg store.DriverConfig, logger *zap.Logger) (*store.Backend, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required for the postgres store")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	logger.Info("Database connection pool established and pinged successfully")

	s := NewPostgresStore(pool, logger)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &store.Backend{
		Open:  store.Shared(s),
		Users: s,
		Close: pool.Close,
	}, nil
}

// EnsureSchema creates missing tables. Existing tables are left untouched.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// classify maps a driver error onto the store error taxonomy.
func (s *PostgresStore) classify(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		s.logger.Debug("postgres error",
			zap.String("op", op),
			zap.String("code", pgErr.Code),
			zap.String("message", pgErr.Message),
			zap.String("detail", pgErr.Detail),
		)
		// 42501 insufficient_privilege
		if pgErr.Code == "42501" {
			return fmt.Errorf("%s: %w: %v", op, store.ErrPermissionDenied, err)
		}
	}
	return fmt.Errorf("%s: %w: %v", op, store.ErrUnavailable, err)
}

// --- Conversation Methods ---

const listConversations = `-- name: ListConversations :many
SELECT id, user_id, title, emoji, created_at
FROM conversations
WHERE user_id = $1
ORDER BY created_at DESC;
`

func (s *PostgresStore) ListConversations(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	rows, err := s.db.Query(ctx, listConversations, userID)
	if err != nil {
		return nil, s.classify("list conversations", err)
	}
	defer rows.Close()

	convs := []models.Conversation{}
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.Emoji, &c.CreatedAt); err != nil {
			return nil, s.classify("scan conversation row", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("iterate conversation rows", err)
	}
	return convs, nil
}

const createConversation = `-- name: CreateConversation :one
INSERT INTO conversations (user_id, title, emoji)
VALUES ($1, $2, $3)
RETURNING id, user_id, title, emoji, created_at;
`

func (s *PostgresStore) CreateConversation(ctx context.Context, userID uuid.UUID, title, emoji string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRow(ctx, createConversation, userID, title, emoji).
		Scan(&c.ID, &c.UserID, &c.Title, &c.Emoji, &c.CreatedAt)
	if err != nil {
		return nil, s.classify("create conversation", err)
	}
	return &c, nil
}

const updateConversationTitle = `-- name: UpdateConversationTitle :exec
UPDATE conversations
SET title = $1
WHERE id = $2;
`

func (s *PostgresStore) UpdateConversationTitle(ctx context.Context, id uuid.UUID, title string) error {
	tag, err := s.db.Exec(ctx, updateConversationTitle, title, id)
	if err != nil {
		return s.classify("update conversation title", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update conversation title %s: %w", id, store.ErrNotFound)
	}
	return nil
}

const deleteConversationsForUser = `-- name: DeleteConversationsForUser :exec
DELETE FROM conversations
WHERE user_id = $1;
`

// DeleteConversationsForUser relies on ON DELETE CASCADE to remove messages.
func (s *PostgresStore) DeleteConversationsForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := s.db.Exec(ctx, deleteConversationsForUser, userID)
	if err != nil {
		return 0, s.classify("delete conversations", err)
	}
	return tag.RowsAffected(), nil
}

// --- Message Methods ---

const listMessages = `-- name: ListMessages :many
SELECT id, conversation_id, role, content, created_at
FROM messages
WHERE conversation_id = $1
ORDER BY created_at ASC, id ASC;
`

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	rows, err := s.db.Query(ctx, listMessages, conversationID)
	if err != nil {
		return nil, s.classify("list messages", err)
	}
	defer rows.Close()

	msgs := []models.Message{}
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, s.classify("scan message row", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("iterate message rows", err)
	}
	return msgs, nil
}

const insertMessage = `-- name: InsertMessage :one
INSERT INTO messages (conversation_id, role, content)
VALUES ($1, $2, $3)
RETURNING id, conversation_id, role, content, created_at;
`

func (s *PostgresStore) InsertMessage(ctx context.Context, conversationID uuid.UUID, role models.Role, content string) (*models.Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid message role %q", role)
	}
	var m models.Message
	err := s.db.QueryRow(ctx, insertMessage, conversationID, role, content).
		Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt)
	if err != nil {
		return nil, s.classify("insert message", err)
	}
	return &m, nil
}

// --- Profile Methods ---

const getProfile = `-- name: GetProfile :one
SELECT id, profile, updated_at
FROM profiles
WHERE id = $1;
`

func (s *PostgresStore) GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	var (
		p   models.Profile
		raw []byte
	)
	err := s.db.QueryRow(ctx, getProfile, userID).Scan(&p.ID, &raw, &p.UpdatedAt)
	if err != nil {
		return nil, s.classify("get profile", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("get profile %s: empty profile: %w", userID, store.ErrNotFound)
	}
	if err := json.Unmarshal(raw, &p.Answers); err != nil {
		return nil, fmt.Errorf("failed to parse profile data: %w", err)
	}
	return &p, nil
}

const upsertProfile = `-- name: UpsertProfile :exec
INSERT INTO profiles (id, profile, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (id) DO UPDATE
SET profile = EXCLUDED.profile, updated_at = EXCLUDED.updated_at;
`

func (s *PostgresStore) UpsertProfile(ctx context.Context, userID uuid.UUID, answers models.ProfileAnswers) error {
	raw, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if _, err := s.db.Exec(ctx, upsertProfile, userID, raw); err != nil {
		return s.classify("upsert profile", err)
	}
	return nil
}
