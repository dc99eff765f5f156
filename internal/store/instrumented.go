package store

import (
	"context"
	"errors"
	"time"

	"mycomanager-backend/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Observer receives one sample per store call.
type Observer interface {
	ObserveStoreOp(op string, err error, elapsed time.Duration)
}

// Instrumented decorates a Store with metrics and failure logging.
type Instrumented struct {
	next     Store
	observer Observer
	logger   *zap.Logger
}

var _ Store = (*Instrumented)(nil)

// NewInstrumented wraps next. A nil observer only logs.
func NewInstrumented(next Store, observer Observer, logger *zap.Logger) *Instrumented {
	return &Instrumented{next: next, observer: observer, logger: logger}
}

func (s *Instrumented) track(op string, started time.Time, err error, fields ...zap.Field) {
	if s.observer != nil {
		s.observer.ObserveStoreOp(op, err, time.Since(started))
	}
	if err != nil {
		s.logger.Error("store operation failed", append(fields, zap.String("op", op), zap.Error(err))...)
	}
}

func (s *Instrumented) ListConversations(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	started := time.Now()
	convs, err := s.next.ListConversations(ctx, userID)
	s.track("list_conversations", started, err, zap.Stringer("userID", userID))
	return convs, err
}

func (s *Instrumented) CreateConversation(ctx context.Context, userID uuid.UUID, title, emoji string) (*models.Conversation, error) {
	started := time.Now()
	conv, err := s.next.CreateConversation(ctx, userID, title, emoji)
	s.track("create_conversation", started, err, zap.Stringer("userID", userID))
	return conv, err
}

func (s *Instrumented) UpdateConversationTitle(ctx context.Context, id uuid.UUID, title string) error {
	started := time.Now()
	err := s.next.UpdateConversationTitle(ctx, id, title)
	s.track("update_conversation_title", started, err, zap.Stringer("conversationID", id))
	return err
}

func (s *Instrumented) DeleteConversationsForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	started := time.Now()
	n, err := s.next.DeleteConversationsForUser(ctx, userID)
	s.track("delete_conversations", started, err, zap.Stringer("userID", userID))
	return n, err
}

func (s *Instrumented) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	started := time.Now()
	msgs, err := s.next.ListMessages(ctx, conversationID)
	s.track("list_messages", started, err, zap.Stringer("conversationID", conversationID))
	return msgs, err
}

func (s *Instrumented) InsertMessage(ctx context.Context, conversationID uuid.UUID, role models.Role, content string) (*models.Message, error) {
	started := time.Now()
	msg, err := s.next.InsertMessage(ctx, conversationID, role, content)
	s.track("insert_message", started, err, zap.Stringer("conversationID", conversationID), zap.String("role", string(role)))
	return msg, err
}

func (s *Instrumented) GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	started := time.Now()
	p, err := s.next.GetProfile(ctx, userID)
	// A missing profile is the normal pre-onboarding state, not a failure.
	if errors.Is(err, ErrNotFound) {
		if s.observer != nil {
			s.observer.ObserveStoreOp("get_profile", nil, time.Since(started))
		}
		return nil, err
	}
	s.track("get_profile", started, err, zap.Stringer("userID", userID))
	return p, err
}

func (s *Instrumented) UpsertProfile(ctx context.Context, userID uuid.UUID, answers models.ProfileAnswers) error {
	started := time.Now()
	err := s.next.UpsertProfile(ctx, userID, answers)
	s.track("upsert_profile", started, err, zap.Stringer("userID", userID))
	return err
}
