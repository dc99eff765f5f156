package models

import (
	"time"

	"github.com/google/uuid"
)

// User represents an authenticated identity.
// For the local auth provider it is a row of the users table; for Supabase it
// mirrors the GoTrue user and HashedPassword stays empty.
type User struct {
	ID             uuid.UUID `db:"id" json:"id"`
	Email          string    `db:"email" json:"email"`
	HashedPassword string    `db:"hashed_password" json:"-"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Conversation is a titled thread of messages between a user and the assistant.
type Conversation struct {
	ID        uuid.UUID `db:"id" json:"id"`
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	Title     string    `db:"title" json:"title"`
	Emoji     string    `db:"emoji" json:"emoji"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// IsUntitled reports whether the conversation still carries the placeholder title.
func (c Conversation) IsUntitled() bool {
	return c.Title == "" || c.Title == PlaceholderTitle
}

// DisplayTitle returns the title shown in headers and lists.
func (c Conversation) DisplayTitle() string {
	if c.Title == "" {
		return FallbackTitle
	}
	return c.Title
}

// DisplayEmoji returns the icon shown in headers and lists.
func (c Conversation) DisplayEmoji() string {
	if c.Emoji == "" {
		return FallbackEmoji
	}
	return c.Emoji
}

// Message is a single immutable entry of a conversation.
// Status is client-side delivery state and is never persisted.
type Message struct {
	ID             uuid.UUID     `db:"id" json:"id"`
	ConversationID uuid.UUID     `db:"conversation_id" json:"conversation_id"`
	Role           Role          `db:"role" json:"role"`
	Content        string        `db:"content" json:"content"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	Status         MessageStatus `db:"-" json:"status,omitempty"`
}

// Confirmed reports whether the store has acknowledged the message.
func (m Message) Confirmed() bool {
	return m.Status == StatusConfirmed
}

// ProfileAnswers holds the onboarding questionnaire answers.
// The JSON keys match the profile blob the web client stores.
type ProfileAnswers struct {
	Esperienza string `json:"esperienza"`
	Obiettivi  string `json:"obiettivi"`
	Setup      string `json:"setup"`
	Problemi   string `json:"problemi"`
}

// Profile is the row of the profiles table (id = user id).
type Profile struct {
	ID        uuid.UUID      `db:"id" json:"id"`
	Answers   ProfileAnswers `db:"profile" json:"profile"`
	UpdatedAt time.Time      `db:"updated_at" json:"updated_at"`
}
