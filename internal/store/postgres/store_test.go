package postgres

import (
	"context"
	"os"
	"regexp"
	"testing"
	"time"

	"mycomanager-backend/internal/models"
	"mycomanager-backend/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return NewPostgresStore(mock, zap.NewNop()), mock
}

var conversationColumns = []string{"id", "user_id", "title", "emoji", "created_at"}

func TestListConversationsNewestFirst(t *testing.T) {
	s, mock := newMockStore(t)
	userID := uuid.New()
	newer, older := uuid.New(), uuid.New()
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = $1\nORDER BY created_at DESC")).
		WithArgs(userID).
		WillReturnRows(mock.NewRows(conversationColumns).
			AddRow(newer, userID, "Muffa verde", "🍄", now).
			AddRow(older, userID, models.PlaceholderTitle, models.DefaultEmoji, now.Add(-time.Hour)))

	convs, err := s.ListConversations(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, newer, convs[0].ID)
	assert.Equal(t, "Muffa verde", convs[0].Title)
	assert.Equal(t, older, convs[1].ID)
}

func TestListMessagesOldestFirst(t *testing.T) {
	s, mock := newMockStore(t)
	convID := uuid.New()
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at ASC, id ASC")).
		WithArgs(convID).
		WillReturnRows(mock.NewRows([]string{"id", "conversation_id", "role", "content", "created_at"}).
			AddRow(uuid.New(), convID, models.RoleUser, "Ho della muffa", now).
			AddRow(uuid.New(), convID, models.RoleAssistant, "Controlla l'umidità.", now.Add(time.Second)))

	msgs, err := s.ListMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "Controlla l'umidità.", msgs[1].Content)
}

func TestUpdateTitleOfMissingConversation(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE conversations")).
		WithArgs("Substrati", id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateConversationTitle(context.Background(), id, "Substrati")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteConversationsReturnsCount(t *testing.T) {
	s, mock := newMockStore(t)
	userID := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM conversations")).
		WithArgs(userID).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := s.DeleteConversationsForUser(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestGetProfileNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	userID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM profiles")).
		WithArgs(userID).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetProfile(context.Background(), userID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetProfileDecodesAnswers(t *testing.T) {
	s, mock := newMockStore(t)
	userID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM profiles")).
		WithArgs(userID).
		WillReturnRows(mock.NewRows([]string{"id", "profile", "updated_at"}).
			AddRow(userID, []byte(`{"esperienza":"principiante","setup":"tenda"}`), time.Now()))

	p, err := s.GetProfile(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, "principiante", p.Answers.Esperienza)
	assert.Equal(t, "tenda", p.Answers.Setup)
}

func TestInsertMessageErrorsAreClassified(t *testing.T) {
	s, mock := newMockStore(t)
	convID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO messages")).
		WithArgs(convID, models.RoleUser, "ciao").
		WillReturnError(&pgconn.PgError{Code: "42501", Message: "permission denied for table messages"})
	_, err := s.InsertMessage(context.Background(), convID, models.RoleUser, "ciao")
	assert.ErrorIs(t, err, store.ErrPermissionDenied)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO messages")).
		WithArgs(convID, models.RoleAssistant, "ciao").
		WillReturnError(&pgconn.PgError{Code: "08006", Message: "connection failure"})
	_, err = s.InsertMessage(context.Background(), convID, models.RoleAssistant, "ciao")
	assert.ErrorIs(t, err, store.ErrUnavailable)

	_, err = s.InsertMessage(context.Background(), convID, models.Role("system"), "ciao")
	assert.Error(t, err)
}

// TestAgainstDatabase runs the store against a real server when
// MYCOMANAGER_TEST_DATABASE_URL is set.
func TestAgainstDatabase(t *testing.T) {
	dsn := os.Getenv("MYCOMANAGER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MYCOMANAGER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewPostgresStore(pool, zap.NewNop())
	require.NoError(t, s.EnsureSchema(ctx))
	userID := uuid.New()
	t.Cleanup(func() { _, _ = s.DeleteConversationsForUser(ctx, userID) })

	first, err := s.CreateConversation(ctx, userID, models.PlaceholderTitle, models.DefaultEmoji)
	require.NoError(t, err)
	second, err := s.CreateConversation(ctx, userID, models.PlaceholderTitle, models.DefaultEmoji)
	require.NoError(t, err)

	convs, err := s.ListConversations(ctx, userID)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, second.ID, convs[0].ID)
	assert.Equal(t, first.ID, convs[1].ID)

	a, err := s.InsertMessage(ctx, first.ID, models.RoleUser, "uno")
	require.NoError(t, err)
	b, err := s.InsertMessage(ctx, first.ID, models.RoleAssistant, "due")
	require.NoError(t, err)
	msgs, err := s.ListMessages(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []uuid.UUID{a.ID, b.ID}, []uuid.UUID{msgs[0].ID, msgs[1].ID})

	_, err = s.GetProfile(ctx, userID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	n, err := s.DeleteConversationsForUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	msgs, err = s.ListMessages(ctx, first.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs, "messages cascade with their conversation")
}
