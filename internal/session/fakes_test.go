package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mycomanager-backend/internal/completion"
	"mycomanager-backend/internal/models"
	"mycomanager-backend/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// memStore is an in-memory store.Store with per-operation error injection.
type memStore struct {
	mu    sync.Mutex
	convs []models.Conversation // insertion order
	msgs  map[uuid.UUID][]models.Message
	clock time.Time

	insertErr error
	createErr error
	titleErr  error
	// afterInsert runs after a message is stored, before InsertMessage returns.
	afterInsert func(models.Message)
	// afterList runs once the conversation list has been read.
	afterList func()
	inserts   int
}

func newMemStore() *memStore {
	return &memStore{
		msgs:  make(map[uuid.UUID][]models.Message),
		clock: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memStore) ListConversations(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	m.mu.Lock()
	out := []models.Conversation{}
	for i := len(m.convs) - 1; i >= 0; i-- {
		if m.convs[i].UserID == userID {
			out = append(out, m.convs[i])
		}
	}
	hook := m.afterList
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return out, nil
}

func (m *memStore) CreateConversation(ctx context.Context, userID uuid.UUID, title, emoji string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	c := models.Conversation{ID: uuid.New(), UserID: userID, Title: title, Emoji: emoji, CreatedAt: m.tick()}
	m.convs = append(m.convs, c)
	return &c, nil
}

func (m *memStore) UpdateConversationTitle(ctx context.Context, id uuid.UUID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.titleErr != nil {
		return m.titleErr
	}
	for i := range m.convs {
		if m.convs[i].ID == id {
			m.convs[i].Title = title
			return nil
		}
	}
	return fmt.Errorf("update title: %w", store.ErrNotFound)
}

func (m *memStore) DeleteConversationsForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []models.Conversation
	var n int64
	for _, c := range m.convs {
		if c.UserID == userID {
			delete(m.msgs, c.ID)
			n++
			continue
		}
		kept = append(kept, c)
	}
	m.convs = kept
	return n, nil
}

func (m *memStore) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Message{}, m.msgs[conversationID]...), nil
}

func (m *memStore) InsertMessage(ctx context.Context, conversationID uuid.UUID, role models.Role, content string) (*models.Message, error) {
	m.mu.Lock()
	if m.insertErr != nil {
		err := m.insertErr
		m.mu.Unlock()
		return nil, err
	}
	msg := models.Message{ID: uuid.New(), ConversationID: conversationID, Role: role, Content: content, CreatedAt: m.tick()}
	m.msgs[conversationID] = append(m.msgs[conversationID], msg)
	m.inserts++
	hook := m.afterInsert
	m.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return &msg, nil
}

func (m *memStore) GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	return nil, store.ErrNotFound
}

func (m *memStore) UpsertProfile(ctx context.Context, userID uuid.UUID, answers models.ProfileAnswers) error {
	return nil
}

func (m *memStore) stored(convID uuid.UUID) []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Message{}, m.msgs[convID]...)
}

func (m *memStore) setInsertErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertErr = err
}

func (m *memStore) insertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inserts
}

// mockCompleter records completion calls.
type mockCompleter struct {
	mock.Mock
}

func (m *mockCompleter) Complete(ctx context.Context, req completion.Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockCompleter) GenerateTitle(ctx context.Context, seed, model string) (string, bool) {
	args := m.Called(ctx, seed, model)
	return args.String(0), args.Bool(1)
}

// recorder collects presenter updates.
type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) Present(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) last(kind UpdateKind) (Update, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.updates) - 1; i >= 0; i-- {
		if r.updates[i].Kind == kind {
			return r.updates[i], true
		}
	}
	return Update{}, false
}

func (r *recorder) count(kind UpdateKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, u := range r.updates {
		if u.Kind == kind {
			n++
		}
	}
	return n
}
