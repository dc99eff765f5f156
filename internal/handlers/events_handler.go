package handlers

import (
	"net/http"
	"time"

	"mycomanager-backend/internal/services"
	"mycomanager-backend/internal/session"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames.
	maxMessageSize = 4 * 1024
)

// ClientGauge tracks connected view-stream clients.
type ClientGauge interface {
	Inc()
	Dec()
}

// EventsHandler streams session view updates over a WebSocket.
type EventsHandler struct {
	sessions SessionService
	upgrader websocket.Upgrader
	clients  ClientGauge
	logger   *zap.Logger
}

// NewEventsHandler accepts connections from allowedOrigins; an empty list allows any origin.
func NewEventsHandler(sessions SessionService, allowedOrigins []string, clients ClientGauge, logger *zap.Logger) *EventsHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &EventsHandler{
		sessions: sessions,
		clients:  clients,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(allowed) == 0 || allowed[origin]
			},
		},
	}
}

// HandleEvents handles GET /v1/events. The first frames are a snapshot of
// the conversation list, header and current messages; every later frame is
// one session.Update as JSON.
func (h *EventsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	live, ok := liveSession(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	logger := h.logger.With(zap.Stringer("userID", live.Session.User().ID))
	updates, cancel := live.Updates.Listen()
	snapshot := h.snapshot(r, live)
	if h.clients != nil {
		h.clients.Inc()
	}
	logger.Info("event stream connected")

	closed := make(chan struct{})
	go h.readPump(conn, closed, logger)
	h.writePump(conn, snapshot, updates, closed, logger)

	cancel()
	if h.clients != nil {
		h.clients.Dec()
	}
	logger.Info("event stream disconnected")
}

func (h *EventsHandler) snapshot(r *http.Request, live *services.Live) []session.Update {
	s := live.Session
	convs := s.Conversations()
	header := s.Header()
	list := session.Update{Kind: session.UpdateConversations, Conversations: convs}
	out := []session.Update{list, {Kind: session.UpdateHeader, Header: &header}}

	if cur, ok := s.Current(); ok {
		id := cur.ID
		out[0].CurrentID = &id
		if msgs, err := s.Messages(r.Context(), cur.ID); err == nil {
			out = append(out, session.Update{Kind: session.UpdateMessages, ConversationID: &id, Messages: msgs})
		}
	}
	if s.Sending() {
		out = append(out, session.Update{Kind: session.UpdateSending, Sending: true})
	}
	return out
}

// readPump drains the connection so pongs and close frames are processed.
func (h *EventsHandler) readPump(conn *websocket.Conn, closed chan struct{}, logger *zap.Logger) {
	defer close(closed)
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *EventsHandler) writePump(conn *websocket.Conn, snapshot []session.Update, updates <-chan session.Update, closed <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for _, u := range snapshot {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(u); err != nil {
			logger.Warn("failed to write snapshot", zap.Error(err))
			return
		}
	}

	for {
		select {
		case u, ok := <-updates:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(u); err != nil {
				logger.Warn("failed to write update", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
