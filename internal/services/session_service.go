package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mycomanager-backend/internal/auth"
	"mycomanager-backend/internal/metrics"
	"mycomanager-backend/internal/models"
	"mycomanager-backend/internal/onboarding"
	"mycomanager-backend/internal/realtime"
	"mycomanager-backend/internal/session"
	"mycomanager-backend/internal/store"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var ErrIncompleteProfile = errors.New("every onboarding question needs an answer")

const (
	updatesBuffer = 64
	eventsBuffer  = 64

	defaultSweepInterval = time.Minute
)

// Live is one signed-in session held in memory, keyed by its access token.
type Live struct {
	Session *session.Session
	// Updates fans view changes out to connected event-stream clients.
	Updates *session.Broadcaster

	store      store.Store
	subscriber *realtime.Subscriber
	cancel     context.CancelFunc
	// expiresAt is the access token's exp; zero when the token carries none.
	expiresAt time.Time

	mu      sync.RWMutex
	profile *models.Profile
}

// Profile returns the saved onboarding profile, nil before onboarding.
func (l *Live) Profile() *models.Profile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.profile
}

func (l *Live) NeedsOnboarding() bool {
	return l.Profile() == nil
}

func (l *Live) setProfile(p *models.Profile) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.profile = p
}

// LiveUpdates reports whether a realtime subscription is feeding the session.
func (l *Live) LiveUpdates() bool {
	return l.subscriber != nil && l.subscriber.State() == realtime.Active
}

func (l *Live) expired(now time.Time) bool {
	return !l.expiresAt.IsZero() && !now.Before(l.expiresAt)
}

func (l *Live) close() {
	if l.subscriber != nil {
		l.subscriber.Close()
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.Session.Close()
}

// SessionServiceConfig wires the SessionService.
type SessionServiceConfig struct {
	Provider auth.Provider
	// OpenStore returns a store bound to an access token.
	OpenStore func(ctx context.Context, accessToken string) (store.Store, error)
	Completer session.Completer
	// Transport is nil when live updates are unavailable.
	Transport    realtime.Transport
	Metrics      *metrics.Collector
	DefaultModel string
	// SweepInterval is how often sessions with an expired token are closed.
	SweepInterval time.Duration
	Now           func() time.Time
}

// SessionService opens, looks up and tears down signed-in sessions.
type SessionService struct {
	cfg    SessionServiceConfig
	logger *zap.Logger
	group  singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Live

	stop     chan struct{}
	stopOnce sync.Once
}

// NewSessionService starts a janitor that closes sessions whose access
// token has expired. Close stops it.
func NewSessionService(cfg SessionServiceConfig, logger *zap.Logger) *SessionService {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &SessionService{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Live),
		stop:     make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *SessionService) janitor() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

// sweep closes every session whose token has expired.
func (s *SessionService) sweep() int {
	now := s.cfg.Now()
	s.mu.Lock()
	var expired []*Live
	for token, live := range s.sessions {
		if live.expired(now) {
			expired = append(expired, live)
			delete(s.sessions, token)
		}
	}
	n := len(s.sessions)
	s.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}
	for _, live := range expired {
		live.close()
	}
	s.gauge(n)
	s.logger.Info("closed expired sessions", zap.Int("closed", len(expired)), zap.Int("open", n))
	return len(expired)
}

// SignUp registers a user. When the provider signs the user in right away
// the session is opened too; otherwise the returned Live is nil.
func (s *SessionService) SignUp(ctx context.Context, email, password string) (*auth.Session, *Live, error) {
	sess, err := s.cfg.Provider.SignUp(ctx, email, password)
	if err != nil {
		return nil, nil, err
	}
	if sess.AccessToken == "" {
		return sess, nil, nil
	}
	live, err := s.Session(ctx, sess.User, sess.AccessToken)
	if err != nil {
		return nil, nil, err
	}
	return sess, live, nil
}

// SignIn authenticates and opens the session: the profile and the
// conversation list are loaded, and live updates are subscribed.
func (s *SessionService) SignIn(ctx context.Context, email, password string) (*auth.Session, *Live, error) {
	sess, err := s.cfg.Provider.SignIn(ctx, email, password)
	if err != nil {
		return nil, nil, err
	}
	live, err := s.Session(ctx, sess.User, sess.AccessToken)
	if err != nil {
		return nil, nil, err
	}
	return sess, live, nil
}

// Session returns the live session of token, opening it on first use.
func (s *SessionService) Session(ctx context.Context, user models.User, accessToken string) (*Live, error) {
	if live, ok := s.lookup(accessToken); ok {
		return live, nil
	}
	v, err, _ := s.group.Do(accessToken, func() (interface{}, error) {
		if live, ok := s.lookup(accessToken); ok {
			return live, nil
		}
		live, err := s.open(ctx, user, accessToken)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.sessions[accessToken] = live
		n := len(s.sessions)
		s.mu.Unlock()
		s.gauge(n)
		return live, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Live), nil
}

// lookup returns the open session of accessToken, closing it first when
// the token has expired.
func (s *SessionService) lookup(accessToken string) (*Live, bool) {
	s.mu.Lock()
	live, ok := s.sessions[accessToken]
	if !ok || !live.expired(s.cfg.Now()) {
		s.mu.Unlock()
		return live, ok
	}
	delete(s.sessions, accessToken)
	n := len(s.sessions)
	s.mu.Unlock()

	live.close()
	s.gauge(n)
	return nil, false
}

func (s *SessionService) open(ctx context.Context, user models.User, accessToken string) (*Live, error) {
	logger := s.logger.With(zap.Stringer("userID", user.ID))

	expiresAt, _ := auth.TokenExpiry(accessToken)
	if !expiresAt.IsZero() && !s.cfg.Now().Before(expiresAt) {
		return nil, auth.ErrTokenExpired
	}

	st, err := s.cfg.OpenStore(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	var storeObserver store.Observer
	var sessionObserver session.Observer
	var realtimeObserver realtime.Observer
	if s.cfg.Metrics != nil {
		storeObserver, sessionObserver, realtimeObserver = s.cfg.Metrics, s.cfg.Metrics, s.cfg.Metrics
	}
	st = store.NewInstrumented(st, storeObserver, logger)

	updates := session.NewBroadcaster(updatesBuffer)
	sess := session.New(session.Config{
		Store:        st,
		Completer:    s.cfg.Completer,
		Presenter:    updates,
		Observer:     sessionObserver,
		DefaultModel: s.cfg.DefaultModel,
	}, user, accessToken, logger)
	live := &Live{Session: sess, Updates: updates, store: st, expiresAt: expiresAt}

	// Subscribing first means nothing written during the initial load is missed;
	// merges are idempotent.
	runCtx, cancel := context.WithCancel(context.Background())
	live.cancel = cancel
	if s.cfg.Transport != nil {
		sub := realtime.NewSubscriber(s.cfg.Transport, realtimeObserver, logger, eventsBuffer)
		if err := sub.Subscribe(ctx, realtime.UserSubscription(user.ID, accessToken)); err != nil {
			logger.Warn("live updates unavailable for this session", zap.Error(err))
		}
		live.subscriber = sub
		go sess.Run(runCtx, sub.Events())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := st.GetProfile(gctx, user.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load profile: %w", err)
		}
		live.setProfile(p)
		return nil
	})
	g.Go(func() error {
		return sess.Load(gctx)
	})
	if err := g.Wait(); err != nil {
		live.close()
		return nil, err
	}

	logger.Info("session opened", zap.Bool("needsOnboarding", live.NeedsOnboarding()), zap.Bool("liveUpdates", live.LiveUpdates()))
	return live, nil
}

// SaveProfile upserts the onboarding answers of the session's user.
func (s *SessionService) SaveProfile(ctx context.Context, live *Live, answers models.ProfileAnswers) (*models.Profile, error) {
	if !onboarding.Complete(answers) {
		return nil, ErrIncompleteProfile
	}
	userID := live.Session.User().ID
	if err := live.store.UpsertProfile(ctx, userID, answers); err != nil {
		return nil, fmt.Errorf("failed to save profile: %w", err)
	}
	p, err := live.store.GetProfile(ctx, userID)
	if err != nil {
		// The write went through; fall back to what was sent.
		s.logger.Warn("failed to read back profile", zap.Stringer("userID", userID), zap.Error(err))
		p = &models.Profile{ID: userID, Answers: answers}
	}
	live.setProfile(p)
	return p, nil
}

// SignOut ends the session at the provider and drops all local state.
// Local teardown happens even when the provider call fails.
func (s *SessionService) SignOut(ctx context.Context, accessToken string) error {
	err := s.cfg.Provider.SignOut(ctx, accessToken)
	if err != nil {
		s.logger.Warn("provider sign-out failed", zap.Error(err))
	}

	s.mu.Lock()
	live, ok := s.sessions[accessToken]
	delete(s.sessions, accessToken)
	n := len(s.sessions)
	s.mu.Unlock()

	if ok {
		live.close()
		s.logger.Info("session closed", zap.Stringer("userID", live.Session.User().ID))
	}
	s.gauge(n)
	return err
}

// Close stops the janitor and tears down every session.
func (s *SessionService) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Live)
	s.mu.Unlock()

	for _, live := range sessions {
		live.close()
	}
	s.gauge(0)
}

// Len reports the number of open sessions.
func (s *SessionService) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *SessionService) gauge(n int) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveSessions.Set(float64(n))
	}
}
