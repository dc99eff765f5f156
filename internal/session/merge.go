package session

import (
	"context"

	"mycomanager-backend/internal/cache"
	"mycomanager-backend/internal/models"
	"mycomanager-backend/internal/realtime"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Run applies live events until ctx ends or events is closed.
func (s *Session) Run(ctx context.Context, events <-chan realtime.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Apply(ev)
		case <-ctx.Done():
			return
		}
	}
}

// Apply merges one live event into the session. Every rule is idempotent,
// so echoes of the session's own writes are harmless.
func (s *Session) Apply(ev realtime.Event) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return
	}

	switch e := ev.(type) {
	case realtime.ConversationInserted:
		s.observeEvent("conversation_inserted", s.applyInsert(e.Conversation))
	case realtime.ConversationUpdated:
		s.observeEvent("conversation_updated", s.applyUpdate(e.Conversation))
	case realtime.ConversationDeleted:
		s.observeEvent("conversation_deleted", s.applyDelete(e.ID))
	case realtime.MessageInserted:
		s.observeEvent("message_inserted", s.applyMessage(e.Message))
	default:
		s.logger.Warn("unknown live event", zap.Any("event", ev))
	}
}

func (s *Session) applyInsert(conv models.Conversation) string {
	if conv.UserID != uuid.Nil && conv.UserID != s.user.ID {
		return "foreign"
	}
	s.mu.Lock()
	if s.indexLocked(conv.ID) >= 0 {
		s.mu.Unlock()
		return "duplicate"
	}
	s.conversations = append([]models.Conversation{conv}, s.conversations...)
	s.mu.Unlock()

	s.presentConversations()
	return "applied"
}

func (s *Session) applyUpdate(conv models.Conversation) string {
	s.mu.Lock()
	i := s.indexLocked(conv.ID)
	if i < 0 {
		s.mu.Unlock()
		return "unknown"
	}
	s.conversations[i] = conv
	current := s.currentID == conv.ID
	s.mu.Unlock()

	s.presentConversations()
	if current {
		s.presentHeader()
	}
	return "applied"
}

func (s *Session) applyDelete(id uuid.UUID) string {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i >= 0 {
		s.conversations = append(s.conversations[:i:i], s.conversations[i+1:]...)
	}
	current := s.currentID == id
	if current {
		s.currentID = uuid.Nil
	}
	s.mu.Unlock()

	s.cache.Invalidate(id)
	if i < 0 && !current {
		return "unknown"
	}
	s.presentConversations()
	if current {
		s.presentHeader()
		s.presenter.Present(Update{Kind: UpdateMessages})
	}
	return "applied"
}

// Message inserts are unfiltered upstream; only the user's conversations count.
func (s *Session) applyMessage(msg models.Message) string {
	if _, ok := s.conversation(msg.ConversationID); !ok {
		return "foreign"
	}
	res := s.cache.Append(msg.ConversationID, msg)
	switch res {
	case cache.Added:
		s.presentAppended(msg)
	case cache.Reconciled:
		s.rerender(msg.ConversationID)
	}
	return res.String()
}

func (s *Session) observeEvent(kind, result string) {
	s.logger.Debug("live event applied", zap.String("kind", kind), zap.String("result", result))
	if s.observer != nil {
		s.observer.ObserveEvent(kind, result)
	}
}
