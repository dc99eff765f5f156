// Package cache keeps the per-conversation message lists of a session.
//
// Entries are loaded lazily from the store, merged with optimistic local
// writes and live echoes, and deduplicated by message id. Order is the order
// in which messages were first observed.
package cache

import (
	"context"
	"fmt"
	"sync"

	"mycomanager-backend/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Loader fetches the stored messages of a conversation, oldest first.
type Loader interface {
	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error)
}

// AppendResult reports what a merge did.
type AppendResult int

const (
	// NotLoaded: the conversation has no entry; the message was dropped.
	NotLoaded AppendResult = iota
	// Added: the message was appended at the end.
	Added
	// Duplicate: a message with the same id was already present.
	Duplicate
	// Reconciled: a pending entry was promoted to the confirmed message.
	Reconciled
)

func (r AppendResult) String() string {
	switch r {
	case NotLoaded:
		return "not_loaded"
	case Added:
		return "added"
	case Duplicate:
		return "duplicate"
	case Reconciled:
		return "reconciled"
	default:
		return fmt.Sprintf("AppendResult(%d)", int(r))
	}
}

// Cache maps conversation id to its ordered messages.
type Cache struct {
	loader Loader
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[uuid.UUID][]models.Message
	// A load is discarded when its conversation's epoch or the generation
	// moved while it was in flight.
	epochs     map[uuid.UUID]uint64
	generation uint64

	loads singleflight.Group
}

func New(loader Loader, logger *zap.Logger) *Cache {
	return &Cache{
		loader:  loader,
		logger:  logger,
		entries: make(map[uuid.UUID][]models.Message),
		epochs:  make(map[uuid.UUID]uint64),
	}
}

// Get returns a copy of the cached messages.
func (c *Cache) Get(id uuid.UUID) ([]models.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return clone(msgs), true
}

// Loaded reports whether id has an entry.
func (c *Cache) Loaded(id uuid.UUID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[id]
	return ok
}

// EnsureLoaded returns the entry for id, fetching it from the store when absent.
// Concurrent callers for the same id share one fetch.
func (c *Cache) EnsureLoaded(ctx context.Context, id uuid.UUID) ([]models.Message, error) {
	if msgs, ok := c.Get(id); ok {
		return msgs, nil
	}

	c.mu.RLock()
	epoch, generation := c.epochs[id], c.generation
	c.mu.RUnlock()

	v, err, shared := c.loads.Do(id.String(), func() (interface{}, error) {
		if msgs, ok := c.Get(id); ok {
			return msgs, nil
		}
		msgs, err := c.loader.ListMessages(ctx, id)
		if err != nil {
			return nil, err
		}
		msgs = dedupe(msgs)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.epochs[id] != epoch || c.generation != generation {
			c.logger.Debug("discarding stale message load", zap.Stringer("conversationID", id))
			return msgs, nil
		}
		if _, ok := c.entries[id]; !ok {
			c.entries[id] = clone(msgs)
		}
		return msgs, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load messages for %s: %w", id, err)
	}
	if shared {
		c.logger.Debug("shared message load", zap.Stringer("conversationID", id))
	}
	if msgs, ok := c.Get(id); ok {
		return msgs, nil
	}
	return clone(v.([]models.Message)), nil
}

// Seed installs an entry without fetching. An existing entry is kept.
func (c *Cache) Seed(id uuid.UUID, msgs []models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; ok {
		return
	}
	c.entries[id] = dedupe(msgs)
}

// Append merges a confirmed message into a loaded entry.
func (c *Cache) Append(id uuid.UUID, msg models.Message) AppendResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(id, msg)
}

func (c *Cache) appendLocked(id uuid.UUID, msg models.Message) AppendResult {
	msgs, ok := c.entries[id]
	if !ok {
		return NotLoaded
	}
	msg.Status = models.StatusConfirmed
	if indexOf(msgs, msg.ID) >= 0 {
		return Duplicate
	}
	// An echo can overtake the insert acknowledgment; adopt the pending twin.
	for i, m := range msgs {
		if m.Status == models.StatusPending && m.Role == msg.Role && m.Content == msg.Content {
			msgs[i] = msg
			return Reconciled
		}
	}
	c.entries[id] = append(msgs, msg)
	return Added
}

// AppendPending adds a tentative local message and returns its temporary id.
// ok is false when the conversation is not loaded.
func (c *Cache) AppendPending(id uuid.UUID, msg models.Message) (tempID uuid.UUID, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs, loaded := c.entries[id]
	if !loaded {
		return uuid.Nil, false
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.ConversationID = id
	msg.Status = models.StatusPending
	c.entries[id] = append(msgs, msg)
	return msg.ID, true
}

// Confirm promotes the pending entry tempID to stored. If an echo already
// delivered stored, the pending entry is dropped instead.
func (c *Cache) Confirm(id, tempID uuid.UUID, stored models.Message) AppendResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs, ok := c.entries[id]
	if !ok {
		return NotLoaded
	}
	i := indexOf(msgs, tempID)
	if i < 0 {
		return c.appendLocked(id, stored)
	}
	stored.Status = models.StatusConfirmed
	if indexOf(msgs, stored.ID) >= 0 {
		c.entries[id] = append(msgs[:i:i], msgs[i+1:]...)
		return Duplicate
	}
	msgs[i] = stored
	return Reconciled
}

// MarkFailed flags a pending entry as rejected by the store.
func (c *Cache) MarkFailed(id, tempID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.entries[id]
	i := indexOf(msgs, tempID)
	if i < 0 || msgs[i].Status != models.StatusPending {
		return false
	}
	msgs[i].Status = models.StatusFailed
	return true
}

// Find returns the message msgID of conversation id.
func (c *Cache) Find(id, msgID uuid.UUID) (models.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := c.entries[id]
	i := indexOf(msgs, msgID)
	if i < 0 {
		return models.Message{}, false
	}
	return msgs[i], true
}

// Remove deletes one message from an entry.
func (c *Cache) Remove(id, msgID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.entries[id]
	i := indexOf(msgs, msgID)
	if i < 0 {
		return false
	}
	c.entries[id] = append(msgs[:i:i], msgs[i+1:]...)
	return true
}

// Invalidate drops the entry for id.
func (c *Cache) Invalidate(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	c.epochs[id]++
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uuid.UUID][]models.Message)
	c.epochs = make(map[uuid.UUID]uint64)
	c.generation++
}

func indexOf(msgs []models.Message, id uuid.UUID) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func dedupe(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	seen := make(map[uuid.UUID]struct{}, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

func clone(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out
}
