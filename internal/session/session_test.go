package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"mycomanager-backend/internal/completion"
	"mycomanager-backend/internal/models"
	"mycomanager-backend/internal/realtime"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSession(t *testing.T, st *memStore) (*Session, *mockCompleter, *recorder) {
	t.Helper()
	comp := &mockCompleter{}
	rec := &recorder{}
	user := models.User{ID: uuid.New(), Email: "coltivatore@example.com"}
	s := New(Config{Store: st, Completer: comp, Presenter: rec}, user, "token", zap.NewNop())
	return s, comp, rec
}

func requestWith(userText string, historyLen int) interface{} {
	return mock.MatchedBy(func(r completion.Request) bool {
		return r.UserText == userText && len(r.History) == historyLen
	})
}

func contents(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestFirstMessageScenario(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	s, comp, _ := newTestSession(t, st)

	const text = "Ho muffa verde sul substrato"
	comp.On("GenerateTitle", mock.Anything, text, completion.DefaultModel).Return("Muffa verde sul substrato", true).Once()
	comp.On("Complete", mock.Anything, requestWith(text, 0)).Return("Probabile contaminazione da Trichoderma.", nil).Once()

	require.NoError(t, s.Load(ctx))
	_, ok := s.Current()
	require.False(t, ok)
	assert.Equal(t, models.EmptyChatTitle, s.Header().Title)

	res, err := s.SendMessage(ctx, text, "")
	require.NoError(t, err)
	comp.AssertExpectations(t)
	assert.Equal(t, "GenerateTitle", comp.Calls[0].Method, "title is generated before the reply")
	assert.Equal(t, "Complete", comp.Calls[1].Method)

	stored := st.stored(res.Conversation.ID)
	require.Len(t, stored, 2)
	assert.Equal(t, models.RoleUser, stored[0].Role)
	assert.Equal(t, text, stored[0].Content)
	assert.Equal(t, models.RoleAssistant, stored[1].Role)
	assert.Equal(t, "Probabile contaminazione da Trichoderma.", stored[1].Content)

	assert.True(t, res.TitleChanged)
	assert.Equal(t, "Muffa verde sul substrato", res.Conversation.Title)
	assert.Equal(t, "Muffa verde sul substrato", s.Header().Title)
	assert.Equal(t, models.DefaultEmoji, s.Header().Emoji)
	assert.False(t, s.Sending())

	msgs, err := s.Messages(ctx, res.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{stored[0].ID, stored[1].ID}, []uuid.UUID{msgs[0].ID, msgs[1].ID})
	for _, m := range msgs {
		assert.True(t, m.Confirmed())
	}
}

func TestTitleGeneratedOnlyWhileUntitled(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	s, comp, _ := newTestSession(t, st)

	comp.On("GenerateTitle", mock.Anything, "primo", mock.Anything).Return("", false).Once()
	comp.On("GenerateTitle", mock.Anything, "secondo", mock.Anything).Return("Ottimizzazione LC", true).Once()
	comp.On("Complete", mock.Anything, mock.Anything).Return("ok", nil)

	res, err := s.SendMessage(ctx, "primo", "")
	require.NoError(t, err)
	assert.False(t, res.TitleChanged)
	assert.Equal(t, models.PlaceholderTitle, res.Conversation.Title, "failed generation keeps the placeholder")

	res, err = s.SendMessage(ctx, "secondo", "")
	require.NoError(t, err)
	assert.True(t, res.TitleChanged)

	_, err = s.SendMessage(ctx, "terzo", "")
	require.NoError(t, err)

	comp.AssertNumberOfCalls(t, "GenerateTitle", 2)
	comp.AssertNumberOfCalls(t, "Complete", 3)
	conv, _ := s.Current()
	assert.Equal(t, "Ottimizzazione LC", conv.Title)
}

func TestHistoryExcludesCurrentMessage(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	s, comp, _ := newTestSession(t, st)

	comp.On("GenerateTitle", mock.Anything, mock.Anything, mock.Anything).Return("Titolo", true)
	comp.On("Complete", mock.Anything, requestWith("uno", 0)).Return("r1", nil).Once()
	comp.On("Complete", mock.Anything, requestWith("due", 2)).Return("r2", nil).Once()

	_, err := s.SendMessage(ctx, "uno", "")
	require.NoError(t, err)
	_, err = s.SendMessage(ctx, "due", "claude-3-haiku-20240307")
	require.NoError(t, err)
	comp.AssertExpectations(t)

	last := comp.Calls[len(comp.Calls)-1].Arguments.Get(1).(completion.Request)
	assert.Equal(t, "claude-3-haiku-20240307", last.Model)
	assert.Equal(t, []models.ChatTurn{
		{Role: models.RoleUser, Content: "uno"},
		{Role: models.RoleAssistant, Content: "r1"},
	}, last.History)
}

func TestSendGuardRejectsWithoutMutation(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	s, comp, _ := newTestSession(t, st)

	started := make(chan struct{})
	release := make(chan struct{})
	comp.On("GenerateTitle", mock.Anything, mock.Anything, mock.Anything).Return("", false)
	comp.On("Complete", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return("ok", nil).Once()

	done := make(chan error, 1)
	go func() {
		_, err := s.SendMessage(ctx, "primo", "")
		done <- err
	}()
	<-started
	require.True(t, s.Sending())

	conv, ok := s.Current()
	require.True(t, ok)
	inserts := st.insertCount()
	before, _ := s.Messages(ctx, conv.ID)
	convs := s.Conversations()

	_, err := s.SendMessage(ctx, "secondo", "")
	assert.ErrorIs(t, err, ErrSendInFlight)

	assert.Equal(t, inserts, st.insertCount())
	after, _ := s.Messages(ctx, conv.ID)
	assert.Equal(t, before, after)
	assert.Equal(t, convs, s.Conversations())

	close(release)
	require.NoError(t, <-done)
	assert.False(t, s.Sending())
}

func TestSendRejectsEmptyText(t *testing.T) {
	s, comp, rec := newTestSession(t, newMemStore())

	_, err := s.SendMessage(context.Background(), "   \n", "")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, s.Conversations())
	assert.Zero(t, rec.count(UpdateSending))
	comp.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestPersistenceFailureMarksMessageAndRetry(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	s, comp, rec := newTestSession(t, st)

	st.setInsertErr(errors.New("connection reset"))
	_, err := s.SendMessage(ctx, "Quanta umidità?", "")
	require.ErrorIs(t, err, ErrMessageNotSaved)
	comp.AssertNotCalled(t, "GenerateTitle", mock.Anything, mock.Anything, mock.Anything)
	comp.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)

	conv, ok := s.Current()
	require.True(t, ok)
	msgs, err := s.Messages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.StatusFailed, msgs[0].Status)

	changed, ok := rec.last(UpdateMessageChanged)
	require.True(t, ok)
	assert.Equal(t, models.StatusFailed, changed.Message.Status)

	st.setInsertErr(nil)
	comp.On("GenerateTitle", mock.Anything, "Quanta umidità?", mock.Anything).Return("Umidità", true).Once()
	comp.On("Complete", mock.Anything, requestWith("Quanta umidità?", 0)).Return("85-90%", nil).Once()

	res, err := s.RetryFailed(ctx, msgs[0].ID, "")
	require.NoError(t, err)
	assert.Equal(t, "85-90%", res.Reply.Content)

	msgs, err = s.Messages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Quanta umidità?", "85-90%"}, contents(msgs))
	for _, m := range msgs {
		assert.True(t, m.Confirmed())
	}
	assert.Len(t, st.stored(conv.ID), 2)

	_, err = s.RetryFailed(ctx, msgs[0].ID, "")
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestRejectedRetryLeavesIndicatorAlone(t *testing.T) {
	ctx := context.Background()
	s, _, rec := newTestSession(t, newMemStore())

	_, err := s.RetryFailed(ctx, uuid.New(), "")
	assert.ErrorIs(t, err, ErrUnknownConversation)

	_, err = s.NewChat(ctx)
	require.NoError(t, err)
	_, err = s.RetryFailed(ctx, uuid.New(), "")
	assert.ErrorIs(t, err, ErrNotRetryable)

	assert.Zero(t, rec.count(UpdateSending))
	assert.False(t, s.Sending())
}

func TestCompletionErrorPersistsFallback(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	s, comp, _ := newTestSession(t, st)

	comp.On("GenerateTitle", mock.Anything, mock.Anything, mock.Anything).Return("", false)
	comp.On("Complete", mock.Anything, mock.Anything).Return("", &completion.HTTPError{Status: 500, Body: "boom"})

	res, err := s.SendMessage(ctx, "ciao", "")
	require.NoError(t, err)
	assert.Error(t, res.CompletionErr)
	assert.Equal(t, "Errore AI (status 500).", res.Reply.Content)

	stored := st.stored(res.Conversation.ID)
	require.Len(t, stored, 2)
	assert.Equal(t, "Errore AI (status 500).", stored[1].Content)
}

func TestLoadSelectsNewestConversation(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	s, _, rec := newTestSession(t, st)

	older, _ := st.CreateConversation(ctx, s.User().ID, "Vecchia", "🍄")
	newer, _ := st.CreateConversation(ctx, s.User().ID, "Nuova", "🌿")
	_, _ = st.InsertMessage(ctx, newer.ID, models.RoleUser, "ciao")

	require.NoError(t, s.Load(ctx))
	conv, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, newer.ID, conv.ID)
	assert.Equal(t, Header{Emoji: "🌿", Title: "Nuova"}, s.Header())

	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, older.ID, convs[1].ID)

	u, ok := rec.last(UpdateMessages)
	require.True(t, ok)
	assert.Equal(t, []string{"ciao"}, contents(u.Messages))
}

func TestLoadKeepsConversationInsertedDuringQuery(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	s, _, _ := newTestSession(t, st)

	stored, _ := st.CreateConversation(ctx, s.User().ID, "Vecchia", "🍄")
	late := models.Conversation{
		ID: uuid.New(), UserID: s.User().ID, Title: "Da un altro dispositivo",
		Emoji: "🌿", CreatedAt: stored.CreatedAt.Add(time.Minute),
	}
	st.afterList = func() {
		s.Apply(realtime.ConversationInserted{Conversation: late})
	}

	require.NoError(t, s.Load(ctx))
	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, late.ID, convs[0].ID)
	assert.Equal(t, stored.ID, convs[1].ID)

	current, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, late.ID, current.ID)
}

func TestDeleteEventResetsDisplayAndCache(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	s, _, rec := newTestSession(t, st)

	conv, _ := st.CreateConversation(ctx, s.User().ID, "Da cancellare", "🍄")
	require.NoError(t, s.Load(ctx))
	require.True(t, s.cache.Loaded(conv.ID))

	s.Apply(realtime.ConversationDeleted{ID: conv.ID})

	_, ok := s.Current()
	assert.False(t, ok)
	assert.Empty(t, s.Conversations())
	assert.False(t, s.cache.Loaded(conv.ID))
	assert.Equal(t, Header{Emoji: models.DefaultEmoji, Title: models.EmptyChatTitle}, s.Header())

	u, ok := rec.last(UpdateMessages)
	require.True(t, ok)
	assert.Nil(t, u.ConversationID)
	assert.Empty(t, u.Messages)

	// A repeated delete is a no-op.
	s.Apply(realtime.ConversationDeleted{ID: conv.ID})
	assert.Empty(t, s.Conversations())
}

func TestRoundTripReload(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	s, comp, _ := newTestSession(t, st)
	comp.On("GenerateTitle", mock.Anything, mock.Anything, mock.Anything).Return("Pleurotus", true)
	comp.On("Complete", mock.Anything, mock.Anything).Return("risposta", nil)

	for _, text := range []string{"uno", "due", "tre"} {
		_, err := s.SendMessage(ctx, text, "")
		require.NoError(t, err)
	}
	conv, _ := s.Current()
	before, err := s.Messages(ctx, conv.ID)
	require.NoError(t, err)

	reloaded := New(Config{Store: st, Completer: comp}, s.User(), "token", zap.NewNop())
	require.NoError(t, reloaded.Load(ctx))
	again, ok := reloaded.Current()
	require.True(t, ok)
	assert.Equal(t, conv.ID, again.ID)
	assert.Equal(t, "Pleurotus", again.Title)

	after, err := reloaded.Messages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].Role, after[i].Role)
		assert.Equal(t, before[i].Content, after[i].Content)
	}
}

func TestEchoAfterAcknowledgmentIsDeduplicated(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	s, comp, _ := newTestSession(t, st)
	comp.On("GenerateTitle", mock.Anything, mock.Anything, mock.Anything).Return("", false)
	comp.On("Complete", mock.Anything, mock.Anything).Return("risposta", nil)

	res, err := s.SendMessage(ctx, "ciao", "")
	require.NoError(t, err)

	s.Apply(realtime.MessageInserted{Message: res.UserMessage})
	s.Apply(realtime.MessageInserted{Message: res.Reply})

	msgs, err := s.Messages(ctx, res.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ciao", "risposta"}, contents(msgs))
}

func TestEchoBeforeAcknowledgmentIsDeduplicated(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	s, comp, _ := newTestSession(t, st)
	comp.On("GenerateTitle", mock.Anything, mock.Anything, mock.Anything).Return("", false)
	comp.On("Complete", mock.Anything, mock.Anything).Return("risposta", nil)

	st.afterInsert = func(m models.Message) {
		s.Apply(realtime.MessageInserted{Message: m})
	}

	res, err := s.SendMessage(ctx, "ciao", "")
	require.NoError(t, err)

	msgs, err := s.Messages(ctx, res.Conversation.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	stored := st.stored(res.Conversation.ID)
	assert.Equal(t, stored[0].ID, msgs[0].ID)
	assert.Equal(t, stored[1].ID, msgs[1].ID)
	for _, m := range msgs {
		assert.True(t, m.Confirmed())
	}
}

func TestApplyConversationEvents(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	s, _, _ := newTestSession(t, st)

	conv, err := s.NewChat(ctx)
	require.NoError(t, err)

	// Echo of our own insert.
	s.Apply(realtime.ConversationInserted{Conversation: conv})
	assert.Len(t, s.Conversations(), 1)

	other := models.Conversation{ID: uuid.New(), UserID: s.User().ID, Title: "Da un altro dispositivo"}
	s.Apply(realtime.ConversationInserted{Conversation: other})
	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, other.ID, convs[0].ID)

	foreign := models.Conversation{ID: uuid.New(), UserID: uuid.New()}
	s.Apply(realtime.ConversationInserted{Conversation: foreign})
	assert.Len(t, s.Conversations(), 2)

	updated := conv
	updated.Title = "Substrati"
	updated.Emoji = "🧪"
	s.Apply(realtime.ConversationUpdated{Conversation: updated})
	assert.Equal(t, Header{Emoji: "🧪", Title: "Substrati"}, s.Header())
}

func TestMessageForUnknownConversationIgnored(t *testing.T) {
	s, _, rec := newTestSession(t, newMemStore())
	convID := uuid.New()

	s.Apply(realtime.MessageInserted{Message: models.Message{ID: uuid.New(), ConversationID: convID, Role: models.RoleUser, Content: "x"}})
	assert.False(t, s.cache.Loaded(convID))
	assert.Zero(t, rec.count(UpdateMessageAppended))
}

func TestMessageEchoForUnloadedConversation(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	s, _, rec := newTestSession(t, st)

	a, _ := st.CreateConversation(ctx, s.User().ID, "A", "🍄")
	_, _ = st.CreateConversation(ctx, s.User().ID, "B", "🍄")
	require.NoError(t, s.Load(ctx)) // selects B
	require.False(t, s.cache.Loaded(a.ID))

	m, _ := st.InsertMessage(ctx, a.ID, models.RoleUser, "da altrove")
	s.Apply(realtime.MessageInserted{Message: *m})
	assert.False(t, s.cache.Loaded(a.ID))

	// Lazily loaded later from the store, exactly once.
	require.NoError(t, s.Select(ctx, a.ID))
	msgs, _ := s.Messages(ctx, a.ID)
	assert.Equal(t, []string{"da altrove"}, contents(msgs))

	n := rec.count(UpdateMessageAppended)
	m2, _ := st.InsertMessage(ctx, a.ID, models.RoleAssistant, "risposta")
	s.Apply(realtime.MessageInserted{Message: *m2})
	assert.Equal(t, n+1, rec.count(UpdateMessageAppended))
}

func TestClearHistory(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	s, _, _ := newTestSession(t, st)

	_, _ = st.CreateConversation(ctx, s.User().ID, "A", "🍄")
	_, _ = st.CreateConversation(ctx, s.User().ID, "B", "🍄")
	require.NoError(t, s.Load(ctx))

	n, err := s.ClearHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Empty(t, s.Conversations())
	_, ok := s.Current()
	assert.False(t, ok)
}

func TestSelectUnknownConversation(t *testing.T) {
	s, _, _ := newTestSession(t, newMemStore())
	assert.ErrorIs(t, s.Select(context.Background(), uuid.New()), ErrUnknownConversation)
}

func TestClosedSessionRejectsOperations(t *testing.T) {
	s, _, _ := newTestSession(t, newMemStore())
	s.Close()

	_, err := s.SendMessage(context.Background(), "ciao", "")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Load(context.Background()), ErrClosed)
}

func TestRunStopsWhenEventsClose(t *testing.T) {
	s, _, _ := newTestSession(t, newMemStore())
	events := make(chan realtime.Event, 1)
	conv := models.Conversation{ID: uuid.New(), UserID: s.User().ID}
	events <- realtime.ConversationInserted{Conversation: conv}
	close(events)

	s.Run(context.Background(), events)
	assert.Len(t, s.Conversations(), 1)
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster(1)
	ch, cancel := b.Listen()
	assert.Equal(t, 1, b.Len())

	b.Present(Update{Kind: UpdateHeader})
	b.Present(Update{Kind: UpdateSending}) // dropped, buffer full
	u := <-ch
	assert.Equal(t, UpdateHeader, u.Kind)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, b.Len())
}
