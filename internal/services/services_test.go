package services

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mycomanager-backend/internal/auth"
	"mycomanager-backend/internal/completion"
	"mycomanager-backend/internal/metrics"
	"mycomanager-backend/internal/models"
	"mycomanager-backend/internal/realtime"
	"mycomanager-backend/internal/store"
	"mycomanager-backend/internal/store/sqlite"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubCompleter struct{}

func (stubCompleter) Complete(ctx context.Context, req completion.Request) (string, error) {
	return "Controlla l'umidità.", nil
}

func (stubCompleter) GenerateTitle(ctx context.Context, seed, model string) (string, bool) {
	return "Muffa verde", true
}

type fakeStream struct {
	changes <-chan realtime.Change
	closed  chan struct{}
	once    sync.Once
}

func (s *fakeStream) Next(ctx context.Context) (realtime.Change, error) {
	select {
	case c := <-s.changes:
		return c, nil
	case <-s.closed:
		return realtime.Change{}, context.Canceled
	case <-ctx.Done():
		return realtime.Change{}, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeTransport struct {
	changes  chan realtime.Change
	connects atomic.Int32
}

func (t *fakeTransport) Connect(ctx context.Context, sub realtime.Subscription) (realtime.Stream, error) {
	t.connects.Add(1)
	return &fakeStream{changes: t.changes, closed: make(chan struct{})}, nil
}

func newLocal(t *testing.T) (*sqlite.SQLiteStore, *LocalProvider) {
	t.Helper()
	st, err := sqlite.NewSQLiteStore(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, NewLocalProvider(st, "secret", time.Hour, zap.NewNop())
}

func TestLocalProviderSignUpAndSignIn(t *testing.T) {
	_, p := newLocal(t)
	ctx := context.Background()

	sess, err := p.SignUp(ctx, "  Spore@Example.com ", "micelio")
	require.NoError(t, err)
	assert.Equal(t, "spore@example.com", sess.User.Email)
	assert.NotEmpty(t, sess.AccessToken)
	assert.Empty(t, sess.User.HashedPassword)

	_, err = p.SignUp(ctx, "spore@example.com", "altro")
	assert.ErrorIs(t, err, auth.ErrUserAlreadyExists)
	_, err = p.SignUp(ctx, "", "x")
	assert.ErrorIs(t, err, auth.ErrValidation)

	_, err = p.SignIn(ctx, "spore@example.com", "sbagliata")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = p.SignIn(ctx, "nobody@example.com", "micelio")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	in, err := p.SignIn(ctx, "SPORE@example.com", "micelio")
	require.NoError(t, err)
	user, err := p.GetUser(ctx, in.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, sess.User.ID, user.ID)

	require.NoError(t, p.SignOut(ctx, in.AccessToken))
	_, err = p.GetUser(ctx, "garbage")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestLocalProviderRejectsTokenOfUnknownUser(t *testing.T) {
	_, p := newLocal(t)
	token, _, err := auth.NewAccessToken(uuid.New(), "ghost@example.com", "secret", time.Hour)
	require.NoError(t, err)
	_, err = p.GetUser(context.Background(), token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func newService(t *testing.T, transport realtime.Transport) (*SessionService, *metrics.Collector) {
	t.Helper()
	st, p := newLocal(t)
	collector := metrics.NewCollector("test")
	cfg := SessionServiceConfig{
		Provider:  p,
		OpenStore: store.Shared(st),
		Completer: stubCompleter{},
		Metrics:   collector,
	}
	if transport != nil {
		cfg.Transport = transport
	}
	svc := NewSessionService(cfg, zap.NewNop())
	t.Cleanup(svc.Close)
	return svc, collector
}

func TestSessionLifecycle(t *testing.T) {
	svc, collector := newService(t, nil)
	ctx := context.Background()

	sess, live, err := svc.SignUp(ctx, "spore@example.com", "micelio")
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.True(t, live.NeedsOnboarding())
	assert.False(t, live.LiveUpdates())
	assert.Equal(t, 1, svc.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.ActiveSessions))

	again, err := svc.Session(ctx, sess.User, sess.AccessToken)
	require.NoError(t, err)
	assert.Same(t, live, again)

	_, err = svc.SaveProfile(ctx, live, models.ProfileAnswers{Esperienza: "principiante"})
	assert.ErrorIs(t, err, ErrIncompleteProfile)

	p, err := svc.SaveProfile(ctx, live, models.ProfileAnswers{
		Esperienza: "principiante", Obiettivi: "resa", Setup: "tenda", Problemi: "muffa",
	})
	require.NoError(t, err)
	assert.Equal(t, "tenda", p.Answers.Setup)
	assert.False(t, live.NeedsOnboarding())

	res, err := live.Session.SendMessage(ctx, "Ho della muffa verde", "")
	require.NoError(t, err)
	assert.Equal(t, "Muffa verde", res.Conversation.Title)
	assert.Equal(t, "Controlla l'umidità.", res.Reply.Content)

	require.NoError(t, svc.SignOut(ctx, sess.AccessToken))
	assert.Equal(t, 0, svc.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.ActiveSessions))

	// A fresh sign-in restores the saved state from the store.
	_, live2, err := svc.SignIn(ctx, "spore@example.com", "micelio")
	require.NoError(t, err)
	assert.False(t, live2.NeedsOnboarding())
	convs := live2.Session.Conversations()
	require.Len(t, convs, 1)
	current, ok := live2.Session.Current()
	require.True(t, ok)
	assert.Equal(t, convs[0].ID, current.ID)
	msgs, err := live2.Session.Messages(ctx, current.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestSignInFailureOpensNothing(t *testing.T) {
	svc, _ := newService(t, nil)
	_, _, err := svc.SignIn(context.Background(), "nobody@example.com", "x")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	assert.Equal(t, 0, svc.Len())
}

func TestLiveEventsReachSession(t *testing.T) {
	transport := &fakeTransport{changes: make(chan realtime.Change, 1)}
	svc, _ := newService(t, transport)
	ctx := context.Background()

	sess, live, err := svc.SignUp(ctx, "spore@example.com", "micelio")
	require.NoError(t, err)
	assert.EqualValues(t, 1, transport.connects.Load())
	assert.True(t, live.LiveUpdates())

	convID := uuid.New()
	record, err := json.Marshal(map[string]any{
		"id":         convID,
		"user_id":    sess.User.ID,
		"title":      "Da un altro dispositivo",
		"emoji":      "🍄",
		"created_at": time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)
	transport.changes <- realtime.Change{
		Schema: "public",
		Table:  realtime.TableConversations,
		Type:   realtime.ChangeInsert,
		Record: record,
	}

	assert.Eventually(t, func() bool {
		for _, c := range live.Session.Conversations() {
			if c.ID == convID {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, svc.SignOut(ctx, sess.AccessToken))
	assert.False(t, live.LiveUpdates())
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestExpiredSessionsAreClosed(t *testing.T) {
	st, p := newLocal(t)
	collector := metrics.NewCollector("test")
	clock := &testClock{now: time.Now()}
	svc := NewSessionService(SessionServiceConfig{
		Provider:  p,
		OpenStore: store.Shared(st),
		Completer: stubCompleter{},
		Metrics:   collector,
		Now:       clock.Now,
	}, zap.NewNop())
	t.Cleanup(svc.Close)
	ctx := context.Background()

	_, _, err := svc.SignUp(ctx, "spore@example.com", "micelio")
	require.NoError(t, err)
	var last *auth.Session
	for i := 0; i < 2; i++ {
		last, _, err = svc.SignIn(ctx, "spore@example.com", "micelio")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, svc.Len())
	assert.Equal(t, 0, svc.sweep())

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 3, svc.sweep())
	assert.Equal(t, 0, svc.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.ActiveSessions))

	_, err = svc.Session(ctx, last.User, last.AccessToken)
	assert.ErrorIs(t, err, auth.ErrTokenExpired)
	assert.Equal(t, 0, svc.Len())
}

func TestLookupClosesExpiredSession(t *testing.T) {
	st, p := newLocal(t)
	clock := &testClock{now: time.Now()}
	svc := NewSessionService(SessionServiceConfig{
		Provider:  p,
		OpenStore: store.Shared(st),
		Completer: stubCompleter{},
		Now:       clock.Now,
	}, zap.NewNop())
	t.Cleanup(svc.Close)
	ctx := context.Background()

	sess, live, err := svc.SignUp(ctx, "spore@example.com", "micelio")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	_, err = svc.Session(ctx, sess.User, sess.AccessToken)
	assert.ErrorIs(t, err, auth.ErrTokenExpired)
	assert.Equal(t, 0, svc.Len())
	_, err = live.Session.NewChat(ctx)
	assert.Error(t, err)
}
