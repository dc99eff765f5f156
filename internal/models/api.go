package models

import (
	"time"

	"github.com/google/uuid"
)

// --- Request Structs ---

// SignupRequest defines the expected body for the signup endpoint.
type SignupRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

// LoginRequest defines the expected body for the login endpoint.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// SaveProfileRequest carries the onboarding answers.
type SaveProfileRequest struct {
	Esperienza string `json:"esperienza" validate:"required"`
	Obiettivi  string `json:"obiettivi" validate:"required"`
	Setup      string `json:"setup" validate:"required"`
	Problemi   string `json:"problemi" validate:"required"`
}

// SendMessageRequest is the body of POST /v1/messages.
// An empty Model selects the configured default.
type SendMessageRequest struct {
	Content string `json:"content" validate:"required"`
	Model   string `json:"model,omitempty"`
}

// --- Response Structs ---

// UserResponse defines the user information returned by the API.
type UserResponse struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
}

// AuthResponse defines the response body for successful authentication.
// NeedsOnboarding tells the front end to run the questionnaire first.
type AuthResponse struct {
	AccessToken     string       `json:"access_token"`
	RefreshToken    string       `json:"refresh_token,omitempty"`
	ExpiresAt       time.Time    `json:"expires_at"`
	User            UserResponse `json:"user"`
	NeedsOnboarding bool         `json:"needs_onboarding"`
}

// ErrorResponse defines the standard structure for API errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ConversationListResponse is returned by GET /v1/conversations.
type ConversationListResponse struct {
	Conversations []Conversation `json:"conversations"`
	CurrentID     *uuid.UUID     `json:"current_id,omitempty"`
}

// MessagesResponse is returned when a conversation is opened.
type MessagesResponse struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}

// SendMessageResponse reports the outcome of one send.
type SendMessageResponse struct {
	Conversation Conversation `json:"conversation"`
	UserMessage  Message      `json:"user_message"`
	Reply        *Message     `json:"reply,omitempty"`
	TitleChanged bool         `json:"title_changed"`
}

// MeResponse describes the signed-in session.
type MeResponse struct {
	User            UserResponse    `json:"user"`
	NeedsOnboarding bool            `json:"needs_onboarding"`
	Profile         *ProfileAnswers `json:"profile,omitempty"`
	LiveUpdates     bool            `json:"live_updates"`
	Sending         bool            `json:"sending"`
}

// ClearHistoryResponse is returned by DELETE /v1/conversations.
type ClearHistoryResponse struct {
	Deleted int64 `json:"deleted"`
}

// OnboardingQuestion is one step of the questionnaire.
type OnboardingQuestion struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// OnboardingResponse lists the questionnaire and the message shown after it.
type OnboardingResponse struct {
	Questions      []OnboardingQuestion `json:"questions"`
	ClosingMessage string               `json:"closing_message"`
}

// ProfileResponse is returned after the profile is read or saved.
type ProfileResponse struct {
	Profile        Profile `json:"profile"`
	ClosingMessage string  `json:"closing_message,omitempty"`
}
