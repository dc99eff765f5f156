// Package sqlite is a file-backed store for local development and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mycomanager-backend/internal/models"
	"mycomanager-backend/internal/store"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var (
	_ store.Store     = (*SQLiteStore)(nil)
	_ store.UserStore = (*SQLiteStore)(nil)
)

type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens dataSourceName and creates missing tables.
// ":memory:" gives a private throwaway database.
func NewSQLiteStore(dataSourceName string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps in-memory databases and PRAGMAs consistent.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err = s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Driver opens cfg.DatabaseURL as a SQLite file path.
func Driver(_ context.Context, cfg store.DriverConfig, logger *zap.Logger) (*store.Backend, error) {
	dsn := cfg.DatabaseURL
	if dsn == "" {
		dsn = "mycomanager.db"
	}
	s, err := NewSQLiteStore(dsn, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("SQLite database ready", zap.String("path", dsn))
	return &store.Backend{
		Open:  store.Shared(s),
		Users: s,
		Close: func() {
			if err := s.Close(); err != nil {
				logger.Warn("failed to close sqlite database", zap.Error(err))
			}
		},
	}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    PRAGMA foreign_keys = ON;

    CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY, -- UUID
        email TEXT UNIQUE NOT NULL,
        hashed_password TEXT NOT NULL,
        created_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS profiles (
        id TEXT PRIMARY KEY, -- user id
        profile TEXT NOT NULL, -- JSON answers
        updated_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS conversations (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        title TEXT NOT NULL DEFAULT 'Nuova consulenza',
        emoji TEXT NOT NULL DEFAULT '🌱',
        created_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        conversation_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        FOREIGN KEY (conversation_id) REFERENCES conversations (id) ON DELETE CASCADE
    );

    CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations (user_id, created_at);
    CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at);
    `
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) classify(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		s.logger.Debug("sqlite constraint violation", zap.String("op", op), zap.Error(err))
	}
	return fmt.Errorf("%s: %w: %v", op, store.ErrUnavailable, err)
}

func now() time.Time {
	return time.Now().UTC()
}

// Conversation methods

func (s *SQLiteStore) ListConversations(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, title, emoji, created_at FROM conversations WHERE user_id = ? ORDER BY created_at DESC, rowid DESC",
		userID)
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

func (s *SQLiteStore) CreateConversation(ctx context.Context, userID uuid.UUID, title, emoji string) (*models.Conversation, error) {
	c := &models.Conversation{
		ID:        uuid.New(),
		UserID:    userID,
		Title:     title,
		Emoji:     emoji,
		CreatedAt: now(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO conversations (id, user_id, title, emoji, created_at) VALUES (?, ?, ?, ?, ?)",
		c.ID, c.UserID, c.Title, c.Emoji, c.CreatedAt)
	if err != nil {
		return nil, s.classify("create conversation", err)
	}
	return c, nil
}

func (s *SQLiteStore) UpdateConversationTitle(ctx context.Context, id uuid.UUID, title string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE conversations SET title = ? WHERE id = ?", title, id)
	if err != nil {
		return s.classify("update conversation title", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.classify("update conversation title", err)
	}
	if n == 0 {
		return fmt.Errorf("update conversation title %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// DeleteConversationsForUser removes the conversations and their messages in one transaction.
func (s *SQLiteStore) DeleteConversationsForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.classify("begin delete conversations", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM messages WHERE conversation_id IN (SELECT id FROM conversations WHERE user_id = ?)",
		userID); err != nil {
		return 0, s.classify("delete messages", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE user_id = ?", userID)
	if err != nil {
		return 0, s.classify("delete conversations", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.classify("delete conversations", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, s.classify("commit delete conversations", err)
	}
	return n, nil
}

// Message methods

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, conversation_id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, rowid ASC",
		conversationID)
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

func (s *SQLiteStore) InsertMessage(ctx context.Context, conversationID uuid.UUID, role models.Role, content string) (*models.Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid message role %q", role)
	}
	m := &models.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)",
		m.ID, m.ConversationID, string(m.Role), m.Content, m.CreatedAt)
	if err != nil {
		return nil, s.classify("insert message", err)
	}
	return m, nil
}

// Profile methods

func (s *SQLiteStore) GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	var (
		p   models.Profile
		raw string
	)
	err := s.db.QueryRowContext(ctx, "SELECT id, profile, updated_at FROM profiles WHERE id = ?", userID).
		Scan(&p.ID, &raw, &p.UpdatedAt)
	if err != nil {
		return nil, s.classify("get profile", err)
	}
	if err := json.Unmarshal([]byte(raw), &p.Answers); err != nil {
		return nil, fmt.Errorf("failed to parse profile data: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) UpsertProfile(ctx context.Context, userID uuid.UUID, answers models.ProfileAnswers) error {
	raw, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO profiles (id, profile, updated_at) VALUES (?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET profile = excluded.profile, updated_at = excluded.updated_at`,
		userID, string(raw), now())
	if err != nil {
		return s.classify("upsert profile", err)
	}
	return nil
}

// User methods

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, hashed_password, created_at FROM users WHERE email = ?", email).
		Scan(&u.ID, &u.Email, &u.HashedPassword, &u.CreatedAt)
	if err != nil {
		return nil, s.classify("get user by email", err)
	}
	return &u, nil
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, hashed_password, created_at FROM users WHERE id = ?", id).
		Scan(&u.ID, &u.Email, &u.HashedPassword, &u.CreatedAt)
	if err != nil {
		return nil, s.classify("get user by id", err)
	}
	return &u, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	user.CreatedAt = now()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, hashed_password, created_at) VALUES (?, ?, ?, ?)",
		user.ID, user.Email, user.HashedPassword, user.CreatedAt)
	if err != nil {
		return s.classify("create user", err)
	}
	s.logger.Info("CreateUser: inserted user", zap.Stringer("userID", user.ID), zap.String("email", user.Email))
	return nil
}
