// Package supabase implements the store over Supabase's PostgREST API.
// Each Store is bound to one user's access token so that row-level
// security applies to every request.
package supabase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mycomanager-backend/internal/models"
	"mycomanager-backend/internal/store"

	"github.com/google/uuid"
	"github.com/supabase-community/postgrest-go"
	supa "github.com/supabase-community/supabase-go"
	"go.uber.org/zap"
)

const (
	tableConversations = "conversations"
	tableMessages      = "messages"
	tableProfiles      = "profiles"
)

var _ store.Store = (*Store)(nil)

// Store is a PostgREST-backed store.Store.
type Store struct {
	client *supa.Client
	logger *zap.Logger
}

// New creates a client authenticated as the holder of accessToken.
// An empty token falls back to the anon key.
func New(url, anonKey, accessToken string, logger *zap.Logger) (*Store, error) {
	opts := &supa.ClientOptions{Headers: map[string]string{}}
	if accessToken != "" {
		opts.Headers["Authorization"] = "Bearer " + accessToken
	}
	client, err := supa.NewClient(url, anonKey, opts)
	if err != nil {
		return nil, fmt.Errorf("unable to create Supabase client: %w", err)
	}
	return &Store{client: client, logger: logger}, nil
}

// Driver opens token-bound stores on demand.
// Users live in Supabase Auth, so the backend exposes no UserStore.
func Driver(_ context.Context, cfg store.DriverConfig, logger *zap.Logger) (*store.Backend, error) {
	if cfg.SupabaseURL == "" || cfg.SupabaseKey == "" {
		return nil, errors.New("SUPABASE_URL and SUPABASE_ANON_KEY are required for the supabase store")
	}
	return &store.Backend{
		Open: func(_ context.Context, accessToken string) (store.Store, error) {
			return New(cfg.SupabaseURL, cfg.SupabaseKey, accessToken, logger)
		},
	}, nil
}

// PostgREST reports errors as "(code) message"; the codes follow Postgres SQLSTATE
// or PostgREST's own PGRST namespace.
func classify(op string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "42501"), strings.Contains(msg, "PGRST301"), strings.Contains(msg, "PGRST302"):
		return fmt.Errorf("%s: %w: %v", op, store.ErrPermissionDenied, err)
	case strings.Contains(msg, "PGRST116"):
		return fmt.Errorf("%s: %w: %v", op, store.ErrNotFound, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, store.ErrUnavailable, err)
	}
}

type conversationRow struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Title     *string   `json:"title"`
	Emoji     *string   `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

func (r conversationRow) model() models.Conversation {
	c := models.Conversation{ID: r.ID, UserID: r.UserID, CreatedAt: r.CreatedAt}
	if r.Title != nil {
		c.Title = *r.Title
	}
	if r.Emoji != nil {
		c.Emoji = *r.Emoji
	}
	return c
}

type newConversationRow struct {
	UserID uuid.UUID `json:"user_id"`
	Title  string    `json:"title"`
	Emoji  string    `json:"emoji"`
}

type messageRow struct {
	ID             uuid.UUID   `json:"id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	Role           models.Role `json:"role"`
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"created_at"`
}

func (r messageRow) model() models.Message {
	return models.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Role:           r.Role,
		Content:        r.Content,
		CreatedAt:      r.CreatedAt,
	}
}

type newMessageRow struct {
	ConversationID uuid.UUID   `json:"conversation_id"`
	Role           models.Role `json:"role"`
	Content        string      `json:"content"`
}

type profileRow struct {
	ID        uuid.UUID              `json:"id"`
	Profile   *models.ProfileAnswers `json:"profile"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// PostgREST calls are not context aware; ctx is checked before each request.

func (s *Store) ListConversations(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []conversationRow
	_, err := s.client.From(tableConversations).
		Select("*", "", false).
		Eq("user_id", userID.String()).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify("list conversations", err)
	}
	convs := make([]models.Conversation, 0, len(rows))
	for _, r := range rows {
		convs = append(convs, r.model())
	}
	return convs, nil
}

func (s *Store) CreateConversation(ctx context.Context, userID uuid.UUID, title, emoji string) (*models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []conversationRow
	_, err := s.client.From(tableConversations).
		Insert(newConversationRow{UserID: userID, Title: title, Emoji: emoji}, false, "", "representation", "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify("create conversation", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("create conversation: no row returned: %w", store.ErrPermissionDenied)
	}
	c := rows[0].model()
	return &c, nil
}

func (s *Store) UpdateConversationTitle(ctx context.Context, id uuid.UUID, title string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var rows []conversationRow
	_, err := s.client.From(tableConversations).
		Update(map[string]string{"title": title}, "representation", "").
		Eq("id", id.String()).
		ExecuteTo(&rows)
	if err != nil {
		return classify("update conversation title", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("update conversation title %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteConversationsForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var rows []conversationRow
	_, err := s.client.From(tableConversations).
		Delete("representation", "").
		Eq("user_id", userID.String()).
		ExecuteTo(&rows)
	if err != nil {
		return 0, classify("delete conversations", err)
	}
	return int64(len(rows)), nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []messageRow
	_, err := s.client.From(tableMessages).
		Select("*", "", false).
		Eq("conversation_id", conversationID.String()).
		Order("created_at", &postgrest.OrderOpts{Ascending: true}).
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify("list messages", err)
	}
	msgs := make([]models.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.model())
	}
	return msgs, nil
}

func (s *Store) InsertMessage(ctx context.Context, conversationID uuid.UUID, role models.Role, content string) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, fmt.Errorf("invalid message role %q", role)
	}
	var rows []messageRow
	_, err := s.client.From(tableMessages).
		Insert(newMessageRow{ConversationID: conversationID, Role: role, Content: content}, false, "", "representation", "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify("insert message", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert message: no row returned: %w", store.ErrPermissionDenied)
	}
	m := rows[0].model()
	return &m, nil
}

func (s *Store) GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []profileRow
	_, err := s.client.From(tableProfiles).
		Select("*", "", false).
		Eq("id", userID.String()).
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify("get profile", err)
	}
	if len(rows) == 0 || rows[0].Profile == nil {
		return nil, fmt.Errorf("get profile %s: %w", userID, store.ErrNotFound)
	}
	return &models.Profile{ID: rows[0].ID, Answers: *rows[0].Profile, UpdatedAt: rows[0].UpdatedAt}, nil
}

func (s *Store) UpsertProfile(ctx context.Context, userID uuid.UUID, answers models.ProfileAnswers) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	row := profileRow{ID: userID, Profile: &answers, UpdatedAt: time.Now().UTC()}
	_, _, err := s.client.From(tableProfiles).
		Upsert(row, "id", "minimal", "").
		Execute()
	if err != nil {
		return classify("upsert profile", err)
	}
	s.logger.Debug("profile upserted", zap.Stringer("userID", userID))
	return nil
}
