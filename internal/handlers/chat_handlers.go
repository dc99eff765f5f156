package handlers

import (
	"net/http"

	"mycomanager-backend/internal/models"
	"mycomanager-backend/internal/session"
	"mycomanager-backend/pkg/httputil"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChatHandlers handles conversations and messages of the signed-in user.
type ChatHandlers struct {
	sessions SessionService
	logger   *zap.Logger
}

func NewChatHandlers(sessions SessionService, logger *zap.Logger) *ChatHandlers {
	return &ChatHandlers{sessions: sessions, logger: logger}
}

// HandleListConversations handles GET /v1/conversations.
func (h *ChatHandlers) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	live, ok := liveSession(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	resp := models.ConversationListResponse{Conversations: live.Session.Conversations()}
	if resp.Conversations == nil {
		resp.Conversations = []models.Conversation{}
	}
	if cur, ok := live.Session.Current(); ok {
		id := cur.ID
		resp.CurrentID = &id
	}
	httputil.RespondJSON(w, http.StatusOK, resp)
}

// HandleNewChat handles POST /v1/conversations: an untitled conversation, selected.
func (h *ChatHandlers) HandleNewChat(w http.ResponseWriter, r *http.Request) {
	live, ok := liveSession(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	conv, err := live.Session.NewChat(r.Context())
	if err != nil {
		respondServiceError(w, err, "Failed to create conversation")
		return
	}
	httputil.RespondJSON(w, http.StatusCreated, conv)
}

// HandleClearHistory handles DELETE /v1/conversations.
func (h *ChatHandlers) HandleClearHistory(w http.ResponseWriter, r *http.Request) {
	live, ok := liveSession(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	n, err := live.Session.ClearHistory(r.Context())
	if err != nil {
		respondServiceError(w, err, "Failed to clear history")
		return
	}
	httputil.RespondJSON(w, http.StatusOK, models.ClearHistoryResponse{Deleted: n})
}

// HandleSelectConversation handles POST /v1/conversations/{conversationID}/select.
func (h *ChatHandlers) HandleSelectConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "conversationID")
	if !ok {
		return
	}
	live, ok := liveSession(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	if err := live.Session.Select(r.Context(), id); err != nil {
		respondServiceError(w, err, "Failed to open conversation")
		return
	}
	conv, ok := live.Session.Current()
	if !ok {
		httputil.RespondError(w, http.StatusNotFound, "conversation not found")
		return
	}
	msgs, err := live.Session.Messages(r.Context(), conv.ID)
	if err != nil {
		respondServiceError(w, err, "Failed to load messages")
		return
	}
	httputil.RespondJSON(w, http.StatusOK, models.MessagesResponse{Conversation: conv, Messages: nonNil(msgs)})
}

// HandleGetMessages handles GET /v1/conversations/{conversationID}/messages
// without changing the selection.
func (h *ChatHandlers) HandleGetMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "conversationID")
	if !ok {
		return
	}
	live, ok := liveSession(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	for _, c := range live.Session.Conversations() {
		if c.ID != id {
			continue
		}
		msgs, err := live.Session.Messages(r.Context(), id)
		if err != nil {
			respondServiceError(w, err, "Failed to load messages")
			return
		}
		httputil.RespondJSON(w, http.StatusOK, models.MessagesResponse{Conversation: c, Messages: nonNil(msgs)})
		return
	}
	httputil.RespondError(w, http.StatusNotFound, "conversation not found")
}

// HandleSendMessage handles POST /v1/messages: the full send protocol in the
// current conversation, which is created when nothing is selected.
func (h *ChatHandlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req models.SendMessageRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	live, ok := liveSession(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	res, err := live.Session.SendMessage(r.Context(), req.Content, req.Model)
	if err != nil {
		respondServiceError(w, err, "Failed to send message")
		return
	}
	httputil.RespondJSON(w, http.StatusOK, sendResponse(res))
}

// HandleRetryMessage handles POST /v1/messages/{messageID}/retry.
func (h *ChatHandlers) HandleRetryMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "messageID")
	if !ok {
		return
	}
	var req struct {
		Model string `json:"model"`
	}
	if r.ContentLength > 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	live, ok := liveSession(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	res, err := live.Session.RetryFailed(r.Context(), id, req.Model)
	if err != nil {
		respondServiceError(w, err, "Failed to resend message")
		return
	}
	httputil.RespondJSON(w, http.StatusOK, sendResponse(res))
}

func sendResponse(res *session.SendResult) models.SendMessageResponse {
	resp := models.SendMessageResponse{
		Conversation: res.Conversation,
		UserMessage:  res.UserMessage,
		TitleChanged: res.TitleChanged,
	}
	if res.Reply.ID != uuid.Nil {
		reply := res.Reply
		resp.Reply = &reply
	}
	return resp
}

func nonNil(msgs []models.Message) []models.Message {
	if msgs == nil {
		return []models.Message{}
	}
	return msgs
}
