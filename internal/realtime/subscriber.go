package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChannelName is the topic every session joins.
const ChannelName = "mycomanager-realtime"

// Filter selects one kind of row change.
type Filter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// Subscription describes what a Transport should join.
type Subscription struct {
	Channel     string
	AccessToken string
	Filters     []Filter
}

// UserSubscription watches the user's conversations and every readable message insert.
func UserSubscription(userID uuid.UUID, accessToken string) Subscription {
	own := "user_id=eq." + userID.String()
	return Subscription{
		Channel:     ChannelName,
		AccessToken: accessToken,
		Filters: []Filter{
			{Event: ChangeInsert, Schema: "public", Table: TableConversations, Filter: own},
			{Event: ChangeUpdate, Schema: "public", Table: TableConversations, Filter: own},
			{Event: ChangeDelete, Schema: "public", Table: TableConversations, Filter: own},
			{Event: ChangeInsert, Schema: "public", Table: TableMessages},
		},
	}
}

// Stream yields raw changes of one joined channel.
type Stream interface {
	// Next blocks until a change arrives, the stream fails, or ctx ends.
	Next(ctx context.Context) (Change, error)
	Close() error
}

// Transport opens streams.
type Transport interface {
	Connect(ctx context.Context, sub Subscription) (Stream, error)
}

// State of a Subscriber.
type State int

const (
	Unsubscribed State = iota
	Subscribing
	Active
)

func (s State) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Subscribing:
		return "subscribing"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Observer receives subscription lifecycle samples.
type Observer interface {
	ObserveRealtime(what string)
}

// Subscriber keeps at most one active subscription and delivers its
// events on a channel that outlives individual subscriptions.
type Subscriber struct {
	transport Transport
	observer  Observer
	logger    *zap.Logger
	events    chan Event

	// ops serializes Subscribe, Unsubscribe and Close.
	ops sync.Mutex

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

func NewSubscriber(transport Transport, observer Observer, logger *zap.Logger, buffer int) *Subscriber {
	return &Subscriber{
		transport: transport,
		observer:  observer,
		logger:    logger,
		events:    make(chan Event, buffer),
	}
}

// Events is closed by Close.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

var errSubscriberClosed = errors.New("subscriber closed")

// Subscribe tears down any current subscription, waits for it to stop, and
// joins sub. The subscription lives until Unsubscribe, Close or an
// unrecoverable failure; ctx only bounds the join.
func (s *Subscriber) Subscribe(ctx context.Context, sub Subscription) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.stop()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSubscriberClosed
	}
	s.state = Subscribing
	s.mu.Unlock()

	stream, err := s.transport.Connect(ctx, sub)
	if err != nil {
		s.setState(Unsubscribed)
		s.observe("subscribe_failed")
		return fmt.Errorf("failed to subscribe to %s: %w", sub.Channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.state = Active
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	s.observe("subscribed")
	s.logger.Info("realtime subscription active", zap.String("channel", sub.Channel))
	go s.pump(runCtx, sub, stream, done)
	return nil
}

// Unsubscribe stops the current subscription. It is safe to call repeatedly.
func (s *Subscriber) Unsubscribe() {
	s.ops.Lock()
	defer s.ops.Unlock()
	s.stop()
}

// Close unsubscribes and closes the events channel.
func (s *Subscriber) Close() {
	s.ops.Lock()
	defer s.ops.Unlock()
	s.stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// stop cancels the pump and waits for it. Callers hold ops.
func (s *Subscriber) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.state = Unsubscribed
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Debug("realtime subscription stopped")
}

func (s *Subscriber) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Subscriber) observe(what string) {
	if s.observer != nil {
		s.observer.ObserveRealtime(what)
	}
}

// pump forwards decoded events until ctx ends. After a failure it makes one
// resubscription attempt; a replacement that fails before delivering
// anything is not replaced again.
func (s *Subscriber) pump(ctx context.Context, sub Subscription, stream Stream, done chan struct{}) {
	defer close(done)

	resubscribed := false
	delivered := false
	for {
		change, err := stream.Next(ctx)
		if err != nil {
			stream.Close()
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("realtime subscription failed", zap.String("channel", sub.Channel), zap.Error(err))
			s.observe("failed")

			if resubscribed && !delivered {
				s.giveUp(done)
				return
			}
			next, err := s.transport.Connect(ctx, sub)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("realtime resubscription failed", zap.String("channel", sub.Channel), zap.Error(err))
					s.giveUp(done)
				}
				return
			}
			s.observe("resubscribed")
			s.logger.Info("realtime subscription restored", zap.String("channel", sub.Channel))
			stream, resubscribed, delivered = next, true, false
			continue
		}

		ev, err := Decode(change)
		if err != nil {
			if !errors.Is(err, ErrIgnoredChange) {
				s.logger.Warn("dropping undecodable change", zap.String("table", change.Table), zap.Error(err))
			}
			continue
		}
		delivered = true
		select {
		case s.events <- ev:
			s.observe("event")
		case <-ctx.Done():
			stream.Close()
			return
		}
	}
}

// giveUp marks the subscriber unsubscribed if done still belongs to the current pump.
func (s *Subscriber) giveUp(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == done {
		s.cancel()
		s.state = Unsubscribed
		s.cancel = nil
		s.done = nil
	}
	s.logger.Warn("realtime subscription abandoned")
}
