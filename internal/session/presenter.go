package session

import (
	"sync"

	"mycomanager-backend/internal/models"

	"github.com/google/uuid"
)

// UpdateKind names what changed in the view.
type UpdateKind string

const (
	// UpdateConversations carries the whole list and the selected id.
	UpdateConversations UpdateKind = "conversations"
	// UpdateHeader carries the emoji and title of the selected conversation.
	UpdateHeader UpdateKind = "header"
	// UpdateMessages replaces the rendered messages of a conversation.
	UpdateMessages UpdateKind = "messages"
	// UpdateMessageAppended adds one message at the end.
	UpdateMessageAppended UpdateKind = "message_appended"
	// UpdateMessageChanged replaces the message ReplacesID, e.g. pending to confirmed.
	UpdateMessageChanged UpdateKind = "message_changed"
	// UpdateSending toggles the in-flight indicator.
	UpdateSending UpdateKind = "sending"
)

// Header is what the chat header shows.
type Header struct {
	Emoji string `json:"emoji"`
	Title string `json:"title"`
}

// Update is one view change. Only the fields relevant to Kind are set.
type Update struct {
	Kind           UpdateKind            `json:"kind"`
	Conversations  []models.Conversation `json:"conversations,omitempty"`
	CurrentID      *uuid.UUID            `json:"current_id,omitempty"`
	Header         *Header               `json:"header,omitempty"`
	ConversationID *uuid.UUID            `json:"conversation_id,omitempty"`
	Messages       []models.Message      `json:"messages,omitempty"`
	Message        *models.Message       `json:"message,omitempty"`
	ReplacesID     *uuid.UUID            `json:"replaces_id,omitempty"`
	Sending        bool                  `json:"sending,omitempty"`
}

// Presenter renders view updates. Implementations must not block.
type Presenter interface {
	Present(Update)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(Update)

func (f PresenterFunc) Present(u Update) { f(u) }

type discard struct{}

func (discard) Present(Update) {}

// Broadcaster fans updates out to any number of listeners, such as
// websocket connections of the same user. Slow listeners lose updates
// rather than stalling the session.
type Broadcaster struct {
	mu        sync.Mutex
	listeners map[int]chan Update
	next      int
	buffer    int
}

func NewBroadcaster(buffer int) *Broadcaster {
	return &Broadcaster{listeners: make(map[int]chan Update), buffer: buffer}
}

func (b *Broadcaster) Present(u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.listeners {
		select {
		case ch <- u:
		default:
		}
	}
}

// Listen registers a listener. The returned cancel func closes the channel.
func (b *Broadcaster) Listen() (<-chan Update, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Update, b.buffer)
	b.listeners[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners, id)
			close(ch)
		})
	}
}

// Len reports the number of listeners.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}
