// Package realtime subscribes to row changes of the conversations and
// messages tables and turns them into typed events.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mycomanager-backend/internal/models"

	"github.com/google/uuid"
)

// Event is one decoded row change.
type Event interface {
	event()
}

// ConversationInserted reports a new conversation of the signed-in user.
type ConversationInserted struct {
	Conversation models.Conversation
}

// ConversationUpdated carries the new row of a changed conversation.
type ConversationUpdated struct {
	Conversation models.Conversation
}

// ConversationDeleted carries the id of a removed conversation.
type ConversationDeleted struct {
	ID uuid.UUID
}

// MessageInserted reports a new message in any conversation the
// caller can read. Sessions drop messages of foreign conversations.
type MessageInserted struct {
	Message models.Message
}

func (ConversationInserted) event() {}
func (ConversationUpdated) event()  {}
func (ConversationDeleted) event()  {}
func (MessageInserted) event()      {}

// Change is a raw postgres_changes payload.
type Change struct {
	Schema    string          `json:"schema"`
	Table     string          `json:"table"`
	Type      string          `json:"type"` // INSERT, UPDATE, DELETE
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record"`
}

const (
	TableConversations = "conversations"
	TableMessages      = "messages"

	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
	ChangeDelete = "DELETE"
)

// ErrIgnoredChange is returned by Decode for changes no event is defined for.
var ErrIgnoredChange = errors.New("ignored change")

type conversationRecord struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Title     *string   `json:"title"`
	Emoji     *string   `json:"emoji"`
	CreatedAt string    `json:"created_at"`
}

type messageRecord struct {
	ID             uuid.UUID   `json:"id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	Role           models.Role `json:"role"`
	Content        string      `json:"content"`
	CreatedAt      string      `json:"created_at"`
}

// Decode converts a raw change into an Event.
func Decode(c Change) (Event, error) {
	switch {
	case c.Table == TableConversations && (c.Type == ChangeInsert || c.Type == ChangeUpdate):
		var r conversationRecord
		if err := json.Unmarshal(c.Record, &r); err != nil {
			return nil, fmt.Errorf("decode conversation record: %w", err)
		}
		if r.ID == uuid.Nil {
			return nil, errors.New("conversation record without id")
		}
		conv := models.Conversation{ID: r.ID, UserID: r.UserID, CreatedAt: parseTimestamp(r.CreatedAt)}
		if r.Title != nil {
			conv.Title = *r.Title
		}
		if r.Emoji != nil {
			conv.Emoji = *r.Emoji
		}
		if c.Type == ChangeInsert {
			return ConversationInserted{Conversation: conv}, nil
		}
		return ConversationUpdated{Conversation: conv}, nil

	case c.Table == TableConversations && c.Type == ChangeDelete:
		var r struct {
			ID uuid.UUID `json:"id"`
		}
		if err := json.Unmarshal(c.OldRecord, &r); err != nil {
			return nil, fmt.Errorf("decode deleted conversation: %w", err)
		}
		if r.ID == uuid.Nil {
			return nil, errors.New("deleted conversation without id")
		}
		return ConversationDeleted{ID: r.ID}, nil

	case c.Table == TableMessages && c.Type == ChangeInsert:
		var r messageRecord
		if err := json.Unmarshal(c.Record, &r); err != nil {
			return nil, fmt.Errorf("decode message record: %w", err)
		}
		if r.ID == uuid.Nil || r.ConversationID == uuid.Nil {
			return nil, errors.New("message record without id")
		}
		return MessageInserted{Message: models.Message{
			ID:             r.ID,
			ConversationID: r.ConversationID,
			Role:           r.Role,
			Content:        r.Content,
			CreatedAt:      parseTimestamp(r.CreatedAt),
		}}, nil
	}
	return nil, fmt.Errorf("%w: %s %s", ErrIgnoredChange, c.Type, c.Table)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
}

// Realtime sends timestamps in the database's text form; an unknown layout yields the zero time.
func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
