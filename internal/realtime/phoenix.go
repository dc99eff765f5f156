package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a frame to the server
	writeWait = 10 * time.Second

	// Time allowed for the join reply when ctx has no deadline
	joinWait = 10 * time.Second

	// Supabase Realtime drops sockets that miss heartbeats for about a minute
	defaultHeartbeat = 25 * time.Second

	// Maximum message size accepted from the server
	maxMessageSize = 1 << 20

	changeBufferSize = 64

	joinRef = "1"
)

// PhoenixConfig configures the Supabase Realtime transport.
type PhoenixConfig struct {
	// URL is the Supabase project URL (https://<ref>.supabase.co) or a
	// complete ws(s):// socket URL.
	URL               string
	APIKey            string
	HeartbeatInterval time.Duration
	Dialer            *websocket.Dialer
}

// PhoenixTransport speaks the Phoenix channel protocol used by Supabase Realtime.
type PhoenixTransport struct {
	cfg    PhoenixConfig
	logger *zap.Logger
}

var _ Transport = (*PhoenixTransport)(nil)

func NewPhoenixTransport(cfg PhoenixConfig, logger *zap.Logger) *PhoenixTransport {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &PhoenixTransport{cfg: cfg, logger: logger}
}

func (t *PhoenixTransport) endpoint() (string, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported realtime URL scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/realtime/v1/websocket"
	}
	q := u.Query()
	if t.cfg.APIKey != "" {
		q.Set("apikey", t.cfg.APIKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type joinConfig struct {
	Broadcast struct {
		Self bool `json:"self"`
	} `json:"broadcast"`
	Presence struct {
		Key string `json:"key"`
	} `json:"presence"`
	PostgresChanges []Filter `json:"postgres_changes"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changesPayload struct {
	Data Change `json:"data"`
}

// Connect dials the socket, joins the channel and waits for the join reply.
func (t *PhoenixTransport) Connect(ctx context.Context, sub Subscription) (Stream, error) {
	endpoint, err := t.endpoint()
	if err != nil {
		return nil, err
	}
	conn, _, err := t.cfg.Dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial realtime socket: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	s := &phoenixStream{
		conn:    conn,
		topic:   "realtime:" + sub.Channel,
		changes: make(chan Change, changeBufferSize),
		failed:  make(chan struct{}),
		stop:    make(chan struct{}),
		logger:  t.logger.With(zap.String("topic", "realtime:"+sub.Channel)),
	}

	join := joinPayload{AccessToken: sub.AccessToken}
	join.Config.PostgresChanges = sub.Filters
	if err := s.send(s.topic, "phx_join", join, joinRef); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send join: %w", err)
	}
	if err := s.awaitJoin(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	readWait := 2*t.cfg.HeartbeatInterval + writeWait
	go s.readPump(readWait)
	go s.heartbeat(t.cfg.HeartbeatInterval)
	return s, nil
}

type phoenixStream struct {
	conn   *websocket.Conn
	topic  string
	logger *zap.Logger

	writeMu sync.Mutex
	ref     atomic.Uint64

	changes chan Change

	failOnce sync.Once
	failed   chan struct{}
	err      error

	closeOnce sync.Once
	stop      chan struct{}
}

func (s *phoenixStream) nextRef() string {
	// ref 1 is the join
	return strconv.FormatUint(s.ref.Add(1)+1, 10)
}

func (s *phoenixStream) send(topic, event string, payload interface{}, ref string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := phxMessage{Topic: topic, Event: event, Payload: raw, Ref: ref}
	if topic == s.topic {
		msg.JoinRef = joinRef
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

func (s *phoenixStream) awaitJoin(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(joinWait)
	}
	s.conn.SetReadDeadline(deadline)
	defer s.conn.SetReadDeadline(time.Time{})

	for {
		var msg phxMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read join reply: %w", err)
		}
		if msg.Event != "phx_reply" || msg.Ref != joinRef {
			continue
		}
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return fmt.Errorf("malformed join reply: %w", err)
		}
		if reply.Status != "ok" {
			return fmt.Errorf("join rejected: %s %s", reply.Status, string(reply.Response))
		}
		s.logger.Debug("joined realtime channel")
		return nil
	}
}

func (s *phoenixStream) fail(err error) {
	s.failOnce.Do(func() {
		s.err = err
		close(s.failed)
	})
}

// readPump decodes server frames until the socket fails or the stream closes.
func (s *phoenixStream) readPump(readWait time.Duration) {
	for {
		s.conn.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(fmt.Errorf("realtime socket read: %w", err))
			return
		}
		var msg phxMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("malformed realtime frame", zap.Error(err))
			continue
		}

		switch msg.Event {
		case "postgres_changes":
			var p changesPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				s.logger.Warn("malformed postgres_changes payload", zap.Error(err))
				continue
			}
			select {
			case s.changes <- p.Data:
			case <-s.stop:
				return
			}
		case "phx_error":
			s.fail(fmt.Errorf("channel error: %s", string(msg.Payload)))
			return
		case "phx_close":
			s.fail(errors.New("channel closed by server"))
			return
		case "system":
			var reply replyPayload
			if err := json.Unmarshal(msg.Payload, &reply); err == nil && reply.Status == "error" {
				s.fail(fmt.Errorf("realtime system error: %s", string(msg.Payload)))
				return
			}
		case "phx_reply", "presence_state", "presence_diff":
		default:
			s.logger.Debug("ignoring realtime event", zap.String("event", msg.Event))
		}
	}
}

func (s *phoenixStream) heartbeat(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.send("phoenix", "heartbeat", struct{}{}, s.nextRef()); err != nil {
				s.fail(fmt.Errorf("heartbeat: %w", err))
				return
			}
		case <-s.stop:
			return
		case <-s.failed:
			return
		}
	}
}

func (s *phoenixStream) Next(ctx context.Context) (Change, error) {
	select {
	case c := <-s.changes:
		return c, nil
	case <-s.failed:
		return Change{}, s.err
	case <-ctx.Done():
		return Change{}, ctx.Err()
	}
}

// Close leaves the channel and closes the socket.
func (s *phoenixStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		select {
		case <-s.failed:
		default:
			if leaveErr := s.send(s.topic, "phx_leave", struct{}{}, s.nextRef()); leaveErr != nil {
				s.logger.Debug("failed to send phx_leave", zap.Error(leaveErr))
			}
			s.writeMu.Lock()
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			s.writeMu.Unlock()
		}
		err = s.conn.Close()
	})
	return err
}
