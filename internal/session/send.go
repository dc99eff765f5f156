package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mycomanager-backend/internal/cache"
	"mycomanager-backend/internal/completion"
	"mycomanager-backend/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SendResult describes a completed send.
type SendResult struct {
	Conversation models.Conversation
	UserMessage  models.Message
	// Reply is the assistant message; its Status is failed when it could not be saved.
	Reply        models.Message
	TitleChanged bool
	// CompletionErr is set when Reply carries a fallback text.
	CompletionErr error
}

// SendMessage runs the send protocol for text in the current conversation,
// creating one first when nothing is selected. An empty model selects the
// default. Only one send runs at a time per session.
func (s *Session) SendMessage(ctx context.Context, text, model string) (*SendResult, error) {
	text = strings.TrimSpace(text)
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if !s.sending.CompareAndSwap(false, true) {
		return nil, ErrSendInFlight
	}
	defer s.idle()
	s.presenter.Present(Update{Kind: UpdateSending, Sending: true})

	return s.send(ctx, text, model)
}

// RetryFailed resubmits a message that could not be saved. A failed user
// message is removed and sent again through the whole protocol; a failed
// assistant reply is only saved again.
func (s *Session) RetryFailed(ctx context.Context, messageID uuid.UUID, model string) (*SendResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if !s.sending.CompareAndSwap(false, true) {
		return nil, ErrSendInFlight
	}

	conv, ok := s.Current()
	if !ok {
		s.sending.Store(false)
		return nil, ErrUnknownConversation
	}
	failed, ok := s.cache.Find(conv.ID, messageID)
	if !ok || failed.Status != models.StatusFailed {
		s.sending.Store(false)
		return nil, ErrNotRetryable
	}
	defer s.idle()
	s.presenter.Present(Update{Kind: UpdateSending, Sending: true})

	if failed.Role == models.RoleAssistant {
		s.cache.Remove(conv.ID, messageID)
		reply := s.persist(ctx, conv.ID, models.RoleAssistant, failed.Content)
		s.rerender(conv.ID)
		return &SendResult{Conversation: conv, Reply: reply}, nil
	}

	s.cache.Remove(conv.ID, messageID)
	s.rerender(conv.ID)
	return s.send(ctx, failed.Content, model)
}

func (s *Session) idle() {
	s.sending.Store(false)
	s.presenter.Present(Update{Kind: UpdateSending, Sending: false})
}

func (s *Session) send(ctx context.Context, text, model string) (*SendResult, error) {
	started := time.Now()
	if model == "" {
		model = s.defaultModel
	}

	conv, err := s.ensureConversation(ctx)
	if err != nil {
		s.observeSend("conversation_failed", started)
		return nil, err
	}

	// History is captured before the optimistic append so it holds prior turns only.
	prior, err := s.cache.EnsureLoaded(ctx, conv.ID)
	if err != nil {
		s.observeSend("load_failed", started)
		return nil, err
	}
	history := models.TurnsFrom(prior)

	userMsg := s.persist(ctx, conv.ID, models.RoleUser, text)
	if userMsg.Status == models.StatusFailed {
		s.observeSend("persist_failed", started)
		return nil, fmt.Errorf("%w: %s", ErrMessageNotSaved, userMsg.ID)
	}
	result := &SendResult{UserMessage: userMsg}

	if conv.IsUntitled() {
		result.TitleChanged = s.generateTitle(ctx, conv.ID, text, model)
	}

	replyText, err := s.completer.Complete(ctx, completion.ChatRequest(history, text, model))
	if err != nil {
		s.logger.Error("completion failed", zap.Stringer("conversationID", conv.ID), zap.Error(err))
		replyText = completion.FallbackText(err)
		result.CompletionErr = err
	}
	result.Reply = s.persist(ctx, conv.ID, models.RoleAssistant, replyText)

	if latest, ok := s.conversation(conv.ID); ok {
		conv = latest
	}
	result.Conversation = conv

	outcome := "ok"
	switch {
	case result.Reply.Status == models.StatusFailed:
		outcome = "reply_not_saved"
	case result.CompletionErr != nil:
		outcome = "completion_fallback"
	}
	s.observeSend(outcome, started)
	return result, nil
}

// ensureConversation returns the current conversation, creating and
// selecting a new one when there is none.
func (s *Session) ensureConversation(ctx context.Context) (models.Conversation, error) {
	if conv, ok := s.Current(); ok {
		return conv, nil
	}
	return s.NewChat(ctx)
}

// persist renders msg as pending, saves it and promotes or fails it.
// The returned message carries the stored id or, on failure, the temporary one.
func (s *Session) persist(ctx context.Context, convID uuid.UUID, role models.Role, content string) models.Message {
	pending := models.Message{
		ID:             uuid.New(),
		ConversationID: convID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
		Status:         models.StatusPending,
	}
	tempID, ok := s.cache.AppendPending(convID, pending)
	if ok {
		s.presentAppended(pending)
	}

	stored, err := s.store.InsertMessage(ctx, convID, role, content)
	if err != nil {
		s.logger.Error("failed to save message",
			zap.Stringer("conversationID", convID),
			zap.String("role", string(role)),
			zap.Error(err))
		pending.Status = models.StatusFailed
		if ok && s.cache.MarkFailed(convID, tempID) {
			s.presentChanged(tempID, pending)
		}
		return pending
	}

	switch s.cache.Confirm(convID, tempID, *stored) {
	case cache.Reconciled:
		s.presentChanged(tempID, *stored)
	case cache.Added:
		s.presentAppended(*stored)
	case cache.Duplicate:
		// An echo got there first and already holds the stored row.
		s.rerender(convID)
	}
	return *stored
}

// generateTitle asks for a title seeded by text and saves it. Failures keep the placeholder.
func (s *Session) generateTitle(ctx context.Context, convID uuid.UUID, text, model string) bool {
	title, ok := s.completer.GenerateTitle(ctx, text, model)
	if !ok {
		return false
	}
	if err := s.store.UpdateConversationTitle(ctx, convID, title); err != nil {
		s.logger.Warn("failed to save generated title", zap.Stringer("conversationID", convID), zap.Error(err))
		return false
	}

	s.mu.Lock()
	i := s.indexLocked(convID)
	if i >= 0 {
		s.conversations[i].Title = title
	}
	s.mu.Unlock()

	s.logger.Info("conversation titled", zap.Stringer("conversationID", convID), zap.String("title", title))
	s.presentConversations()
	if s.isCurrent(convID) {
		s.presentHeader()
	}
	return true
}

func (s *Session) rerender(convID uuid.UUID) {
	if !s.isCurrent(convID) {
		return
	}
	msgs, ok := s.cache.Get(convID)
	if ok {
		s.presentMessages(convID, msgs)
	}
}

func (s *Session) observeSend(outcome string, started time.Time) {
	if s.observer != nil {
		s.observer.ObserveSend(outcome, time.Since(started))
	}
}
