// Package session holds the state of one signed-in user: the conversation
// list, the selected conversation and the message cache. It runs the
// send-message protocol and merges live events into that state.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"mycomanager-backend/internal/cache"
	"mycomanager-backend/internal/completion"
	"mycomanager-backend/internal/models"
	"mycomanager-backend/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrSendInFlight        = errors.New("a message is already being sent")
	ErrEmptyMessage        = errors.New("message is empty")
	ErrNotSignedIn         = errors.New("not signed in")
	ErrUnknownConversation = errors.New("conversation not found")
	ErrMessageNotSaved     = errors.New("message could not be saved")
	ErrNotRetryable        = errors.New("message is not a failed message")
	ErrClosed              = errors.New("session closed")
)

// Completer produces assistant replies and titles.
type Completer interface {
	Complete(ctx context.Context, req completion.Request) (string, error)
	GenerateTitle(ctx context.Context, seed, model string) (string, bool)
}

// Observer receives session metrics.
type Observer interface {
	ObserveSend(outcome string, elapsed time.Duration)
	ObserveEvent(kind, result string)
}

// Config wires a Session to its collaborators.
type Config struct {
	Store        store.Store
	Completer    Completer
	Presenter    Presenter
	Observer     Observer
	DefaultModel string
}

// Session is the state of one signed-in user. Its methods are safe for
// concurrent use; the mutex is never held across a network call.
type Session struct {
	user        models.User
	accessToken string

	store        store.Store
	completer    Completer
	presenter    Presenter
	observer     Observer
	defaultModel string
	cache        *cache.Cache
	logger       *zap.Logger

	sending atomic.Bool

	mu            sync.RWMutex
	conversations []models.Conversation // newest first
	currentID     uuid.UUID             // uuid.Nil when nothing is selected
	closed        bool
}

func New(cfg Config, user models.User, accessToken string, logger *zap.Logger) *Session {
	presenter := cfg.Presenter
	if presenter == nil {
		presenter = discard{}
	}
	model := cfg.DefaultModel
	if model == "" {
		model = completion.DefaultModel
	}
	logger = logger.With(zap.Stringer("userID", user.ID))
	return &Session{
		user:         user,
		accessToken:  accessToken,
		store:        cfg.Store,
		completer:    cfg.Completer,
		presenter:    presenter,
		observer:     cfg.Observer,
		defaultModel: model,
		cache:        cache.New(cfg.Store, logger),
		logger:       logger,
	}
}

func (s *Session) User() models.User {
	return s.user
}

func (s *Session) AccessToken() string {
	return s.accessToken
}

// Sending reports whether a send is in flight.
func (s *Session) Sending() bool {
	return s.sending.Load()
}

// Conversations returns a copy of the list, newest first.
func (s *Session) Conversations() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Conversation(nil), s.conversations...)
}

// Current returns the selected conversation.
func (s *Session) Current() (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentLocked()
}

func (s *Session) currentLocked() (models.Conversation, bool) {
	if s.currentID == uuid.Nil {
		return models.Conversation{}, false
	}
	i := s.indexLocked(s.currentID)
	if i < 0 {
		return models.Conversation{}, false
	}
	return s.conversations[i], true
}

func (s *Session) indexLocked(id uuid.UUID) int {
	for i, c := range s.conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) isCurrent(id uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID == id
}

func (s *Session) conversation(id uuid.UUID) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexLocked(id)
	if i < 0 {
		return models.Conversation{}, false
	}
	return s.conversations[i], true
}

// Header returns what the chat header shows for the current selection.
func (s *Session) Header() Header {
	conv, ok := s.Current()
	if !ok {
		return Header{Emoji: models.DefaultEmoji, Title: models.EmptyChatTitle}
	}
	return Header{Emoji: conv.DisplayEmoji(), Title: conv.DisplayTitle()}
}

// Load fetches the conversation list and, when nothing is selected yet,
// selects the newest conversation.
func (s *Session) Load(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	convs, err := s.store.ListConversations(ctx, s.user.ID)
	if err != nil {
		return fmt.Errorf("failed to load conversations: %w", err)
	}

	s.mu.Lock()
	convs = mergeConversations(convs, s.conversations)
	s.conversations = convs
	if s.currentID != uuid.Nil && s.indexLocked(s.currentID) < 0 {
		s.currentID = uuid.Nil
	}
	selectNewest := s.currentID == uuid.Nil && len(convs) > 0
	s.mu.Unlock()

	s.logger.Info("conversations loaded", zap.Int("count", len(convs)))
	s.presentConversations()
	if !selectNewest {
		s.presentHeader()
		return nil
	}
	return s.Select(ctx, convs[0].ID)
}

// mergeConversations keeps conversations a live insert added while the list
// query was running, in created_at desc order.
func mergeConversations(fetched, known []models.Conversation) []models.Conversation {
	seen := make(map[uuid.UUID]struct{}, len(fetched))
	for _, c := range fetched {
		seen[c.ID] = struct{}{}
	}
	merged := append([]models.Conversation(nil), fetched...)
	for _, c := range known {
		if _, ok := seen[c.ID]; !ok {
			merged = append(merged, c)
		}
	}
	if len(merged) == len(fetched) {
		return merged
	}
	slices.SortStableFunc(merged, func(a, b models.Conversation) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return merged
}

// Select makes id the current conversation and renders its messages,
// loading them from the store on first access.
func (s *Session) Select(ctx context.Context, id uuid.UUID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.indexLocked(id) < 0 {
		s.mu.Unlock()
		return ErrUnknownConversation
	}
	s.currentID = id
	s.mu.Unlock()

	s.presentConversations()
	s.presentHeader()

	msgs, err := s.cache.EnsureLoaded(ctx, id)
	if err != nil {
		return err
	}
	if s.isCurrent(id) {
		s.presentMessages(id, msgs)
	}
	return nil
}

// Messages returns the messages of a conversation of this user.
func (s *Session) Messages(ctx context.Context, id uuid.UUID) ([]models.Message, error) {
	if _, ok := s.conversation(id); !ok {
		return nil, ErrUnknownConversation
	}
	return s.cache.EnsureLoaded(ctx, id)
}

// NewChat creates an untitled conversation and selects it.
func (s *Session) NewChat(ctx context.Context) (models.Conversation, error) {
	if err := s.checkOpen(); err != nil {
		return models.Conversation{}, err
	}
	conv, err := s.store.CreateConversation(ctx, s.user.ID, models.PlaceholderTitle, models.DefaultEmoji)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	s.adopt(*conv)
	s.logger.Info("conversation created", zap.Stringer("conversationID", conv.ID))
	return *conv, nil
}

// adopt prepends a conversation this session created, selects it and seeds
// its empty message list. The insert echo may already have added it.
func (s *Session) adopt(conv models.Conversation) {
	s.mu.Lock()
	if i := s.indexLocked(conv.ID); i >= 0 {
		s.conversations[i] = conv
	} else {
		s.conversations = append([]models.Conversation{conv}, s.conversations...)
	}
	s.currentID = conv.ID
	s.mu.Unlock()

	s.cache.Seed(conv.ID, nil)
	msgs, _ := s.cache.Get(conv.ID)
	s.presentConversations()
	s.presentHeader()
	s.presentMessages(conv.ID, msgs)
}

// ClearHistory deletes every conversation of the user and resets the view.
func (s *Session) ClearHistory(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	n, err := s.store.DeleteConversationsForUser(ctx, s.user.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear history: %w", err)
	}
	s.reset()
	s.logger.Info("history cleared", zap.Int64("deleted", n))
	s.presentConversations()
	s.presentHeader()
	s.presenter.Present(Update{Kind: UpdateMessages})
	return n, nil
}

func (s *Session) reset() {
	s.mu.Lock()
	s.conversations = nil
	s.currentID = uuid.Nil
	s.mu.Unlock()
	s.cache.Clear()
}

// Close drops all state. Later calls fail with ErrClosed.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.reset()
}

func (s *Session) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if s.user.ID == uuid.Nil {
		return ErrNotSignedIn
	}
	return nil
}

func (s *Session) presentConversations() {
	s.mu.RLock()
	u := Update{Kind: UpdateConversations, Conversations: append([]models.Conversation{}, s.conversations...)}
	if s.currentID != uuid.Nil {
		id := s.currentID
		u.CurrentID = &id
	}
	s.mu.RUnlock()
	s.presenter.Present(u)
}

func (s *Session) presentHeader() {
	h := s.Header()
	s.presenter.Present(Update{Kind: UpdateHeader, Header: &h})
}

func (s *Session) presentMessages(id uuid.UUID, msgs []models.Message) {
	s.presenter.Present(Update{Kind: UpdateMessages, ConversationID: &id, Messages: msgs})
}

func (s *Session) presentAppended(msg models.Message) {
	if !s.isCurrent(msg.ConversationID) {
		return
	}
	id := msg.ConversationID
	s.presenter.Present(Update{Kind: UpdateMessageAppended, ConversationID: &id, Message: &msg})
}

func (s *Session) presentChanged(replaces uuid.UUID, msg models.Message) {
	if !s.isCurrent(msg.ConversationID) {
		return
	}
	id := msg.ConversationID
	s.presenter.Present(Update{Kind: UpdateMessageChanged, ConversationID: &id, Message: &msg, ReplacesID: &replaces})
}
