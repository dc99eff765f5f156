package models

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the roles accepted by the messages table.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// MessageStatus is the client-side delivery state of a message.
type MessageStatus string

const (
	StatusConfirmed MessageStatus = ""        // acknowledged by the store
	StatusPending   MessageStatus = "pending" // rendered, not yet acknowledged
	StatusFailed    MessageStatus = "failed"  // the store rejected the insert
)

// Conversation display defaults.
const (
	PlaceholderTitle = "Nuova consulenza"
	DefaultEmoji     = "🌱"
	FallbackTitle    = "Consulenza micologica"
	FallbackEmoji    = "🍄"
	EmptyChatTitle   = "Nuova consulenza micologica"
)

// ChatTurn is one entry of the history sent to the completion endpoint.
type ChatTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TurnsFrom converts confirmed messages into completion history.
// Pending and failed messages are skipped.
func TurnsFrom(msgs []Message) []ChatTurn {
	turns := make([]ChatTurn, 0, len(msgs))
	for _, m := range msgs {
		if !m.Confirmed() || !m.Role.Valid() {
			continue
		}
		turns = append(turns, ChatTurn{Role: m.Role, Content: m.Content})
	}
	return turns
}
