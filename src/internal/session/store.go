package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"civic-session-svc/src/internal/broadcast"
	"civic-session-svc/src/internal/models"
	"civic-session-svc/src/internal/storage"

	"github.com/sirupsen/logrus"
)

// Listener observes state changes of a Store. Listeners run synchronously after
// the store lock is released and must not block for long.
type Listener func(ctx context.Context, change Change)

// Store is the per-tab source of truth for who is signed in.
//
// The durable area is shared by every tab and holds user_{id}, token_{id} and
// lastUserId. The tab area holds only the sessionUserId pointer. Cross-tab
// effects travel through the bus as login-event-{id} / logout-event-{id}.
type Store struct {
	mu       sync.Mutex
	tabID    string
	durable  storage.Area
	tab      storage.Area
	bus      broadcast.Bus
	now      func() time.Time
	current  *Session
	degraded bool

	unsubscribe []func()

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int

	log *logrus.Entry
}

type Option func(*Store)

func WithTabID(id string) Option {
	return func(s *Store) {
		s.tabID = id
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func WithListener(l Listener) Option {
	return func(s *Store) {
		s.listeners[s.nextID] = l
		s.nextID++
	}
}

func NewStore(durable, tab storage.Area, bus broadcast.Bus, opts ...Option) *Store {
	s := &Store{
		durable:   durable,
		tab:       tab,
		bus:       bus,
		now:       time.Now,
		listeners: make(map[int]Listener),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.log = logrus.WithField("tab_id", s.tabID)
	return s
}

// Start subscribes to cross-tab events and recovers the session of a fresh or
// reloaded tab. A storage failure during subscription is returned as a warning
// alongside whatever recovery produced.
func (s *Store) Start(ctx context.Context) (*Session, error) {
	var warning error
	for _, prefix := range []string{LoginEventPrefix, LogoutEventPrefix} {
		unsubscribe, err := s.bus.Subscribe(ctx, prefix, s.HandleBroadcast)
		if err != nil {
			s.log.WithError(err).WithField("prefix", prefix).Warn("Failed to subscribe to session broadcasts")
			warning = err
			continue
		}
		s.mu.Lock()
		s.unsubscribe = append(s.unsubscribe, unsubscribe)
		s.mu.Unlock()
	}

	sess, err := s.RecoverSession(ctx)
	if err != nil {
		return nil, err
	}
	return sess, warning
}

// Close stops reacting to broadcasts.
func (s *Store) Close() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
}

// RecoverSession resolves the tab pointer, falling back to lastUserId after a
// reload, and loads the durable record it points to. A missing record is not an
// error: the tab simply stays anonymous.
func (s *Store) RecoverSession(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	prev, prevUser := s.stateLocked(), s.userIDLocked()

	sess, err := s.recoverLocked(ctx)
	if err != nil {
		s.markDegradedLocked(err)
		s.mu.Unlock()
		s.log.WithError(err).Warn("Session recovery failed")
		return nil, err
	}

	s.current = sess
	change := s.changeLocked(prev, prevUser, OriginRecovery)
	s.mu.Unlock()

	if sess == nil {
		s.log.Debug("No session to recover")
		if prev == Authenticated {
			s.emit(ctx, change)
		}
		return nil, nil
	}

	s.log.WithField("user_id", sess.UserID).Info("Session recovered")
	s.emit(ctx, change)

	out := *sess
	return &out, nil
}

func (s *Store) recoverLocked(ctx context.Context) (*Session, error) {
	userID, err := s.tab.Get(ctx, keySessionUserID)
	if err != nil {
		if !errors.Is(err, models.ErrKeyNotFound) {
			return nil, err
		}

		userID, err = s.durable.Get(ctx, keyLastUserID)
		if err != nil {
			if errors.Is(err, models.ErrKeyNotFound) {
				return nil, nil
			}
			return nil, err
		}

		if err := s.tab.Set(ctx, keySessionUserID, userID); err != nil {
			return nil, err
		}
		s.log.WithField("user_id", userID).Debug("Tab pointer restored from lastUserId")
	}

	return s.loadLocked(ctx, userID)
}

// loadLocked returns nil without error when either half of the record is gone.
func (s *Store) loadLocked(ctx context.Context, userID string) (*Session, error) {
	raw, err := s.durable.Get(ctx, userKey(userID))
	if err != nil {
		if errors.Is(err, models.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}

	token, err := s.durable.Get(ctx, tokenKey(userID))
	if err != nil {
		if errors.Is(err, models.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if token == "" {
		return nil, nil
	}

	var rec userRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("Ignoring unreadable user record")
		return nil, nil
	}
	if rec.UserID == "" {
		rec.UserID = userID
	}

	return &Session{
		UserID:    userID,
		Token:     token,
		Profile:   rec.Profile,
		IssuedAt:  rec.IssuedAt,
		ExpiresAt: tokenExpiry(token),
	}, nil
}

// SignIn makes profile.UserID the tab's active user, persists the record, points
// lastUserId at it and tells the other tabs. Signing in over another user
// replaces that user in this tab only; their durable record is left alone.
//
// When the durable area is unavailable the tab is still signed in, held in
// memory only, and the storage error is returned as a warning.
func (s *Store) SignIn(ctx context.Context, token string, profile Profile) error {
	userID := strings.TrimSpace(profile.UserID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", models.ErrInvalidCredentials)
	}
	if token == "" {
		return fmt.Errorf("%w: token is required", models.ErrInvalidCredentials)
	}
	profile.UserID = userID

	now := s.now()
	record, err := json.Marshal(userRecord{Profile: profile, IssuedAt: now})
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidCredentials, err)
	}

	sess := &Session{
		UserID:    userID,
		Token:     token,
		Profile:   profile,
		IssuedAt:  now,
		ExpiresAt: tokenExpiry(token),
	}

	s.mu.Lock()
	prev, prevUser := s.stateLocked(), s.userIDLocked()

	if err := s.tab.Set(ctx, keySessionUserID, userID); err != nil {
		s.mu.Unlock()
		return err
	}
	s.current = sess

	persistErr := s.persistLocked(ctx, userID, token, string(record), now)
	s.markDegradedLocked(persistErr)
	change := s.changeLocked(prev, prevUser, OriginLocal)
	s.mu.Unlock()

	logger := s.log.WithFields(logrus.Fields{
		"user_id": userID,
		"role":    profile.Role,
	})
	if persistErr != nil {
		logger.WithError(persistErr).Warn("Signed in without durable session")
	} else {
		logger.Info("Signed in")
	}

	s.emit(ctx, change)
	return persistErr
}

func (s *Store) persistLocked(ctx context.Context, userID, token, record string, now time.Time) error {
	if err := s.durable.Set(ctx, userKey(userID), record); err != nil {
		return err
	}
	if err := s.durable.Set(ctx, tokenKey(userID), token); err != nil {
		return err
	}
	if err := s.durable.Set(ctx, keyLastUserID, userID); err != nil {
		return err
	}

	// A stale logout event would suppress the next sign-out broadcast.
	if err := s.bus.Retract(ctx, logoutTopic(userID)); err != nil {
		return err
	}

	payload, err := json.Marshal(loginEvent{UserID: userID, Timestamp: now.UnixMilli()})
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, loginTopic(userID), payload)
}

// SignOut ends the tab's session and every other tab signed in as the same
// user. It is a no-op for an anonymous tab.
func (s *Store) SignOut(ctx context.Context) error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return nil
	}

	userID := s.current.UserID
	prev := s.stateLocked()
	s.current = nil

	err := s.tab.Delete(ctx, keySessionUserID)
	if err == nil {
		err = s.clearLocked(ctx, userID)
	}
	s.markDegradedLocked(err)
	change := s.changeLocked(prev, userID, OriginLocal)
	s.mu.Unlock()

	logger := s.log.WithField("user_id", userID)
	if err != nil {
		logger.WithError(err).Warn("Signed out with incomplete cleanup")
	} else {
		logger.Info("Signed out")
	}

	s.emit(ctx, change)
	return err
}

func (s *Store) clearLocked(ctx context.Context, userID string) error {
	if err := s.durable.Delete(ctx, userKey(userID)); err != nil {
		return err
	}
	if err := s.durable.Delete(ctx, tokenKey(userID)); err != nil {
		return err
	}

	// Another tab may have signed in as someone else in the meantime.
	last, err := s.durable.Get(ctx, keyLastUserID)
	switch {
	case err == nil && last == userID:
		if err := s.durable.Delete(ctx, keyLastUserID); err != nil {
			return err
		}
	case err != nil && !errors.Is(err, models.ErrKeyNotFound):
		return err
	}

	topic := logoutTopic(userID)
	outstanding, err := s.bus.Outstanding(ctx, topic)
	if err != nil {
		return err
	}
	if outstanding {
		s.log.WithField("user_id", userID).Debug("Logout already broadcast")
		return nil
	}
	return s.bus.Publish(ctx, topic, []byte(strconv.FormatInt(s.now().UnixMilli(), 10)))
}

// HandleBroadcast applies another tab's login or logout event. Only tabs whose
// pointer names the event's user react; everything else is ignored.
func (s *Store) HandleBroadcast(ctx context.Context, msg broadcast.Message) {
	prefix, userID, ok := parseTopic(msg.Topic)
	if !ok {
		return
	}

	logger := s.log.WithFields(logrus.Fields{
		"topic":   msg.Topic,
		"user_id": userID,
	})

	if prefix == LoginEventPrefix {
		var evt loginEvent
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			logger.WithError(err).Warn("Ignoring malformed login event")
			return
		}
		if evt.UserID != "" && evt.UserID != userID {
			logger.WithField("payload_user_id", evt.UserID).Warn("Ignoring login event with mismatched user")
			return
		}
	}

	s.mu.Lock()
	pointer, err := s.tab.Get(ctx, keySessionUserID)
	if err != nil || pointer != userID {
		s.mu.Unlock()
		logger.Debug("Ignoring broadcast for another user")
		return
	}

	prev, prevUser := s.stateLocked(), s.userIDLocked()

	switch prefix {
	case LogoutEventPrefix:
		if s.current == nil {
			s.mu.Unlock()
			return
		}
		s.current = nil

	case LoginEventPrefix:
		sess, err := s.loadLocked(ctx, userID)
		if err != nil || sess == nil {
			s.markDegradedLocked(err)
			s.mu.Unlock()
			logger.WithError(err).Debug("Login event without a usable record")
			return
		}
		s.current = sess
	}

	change := s.changeLocked(prev, prevUser, OriginBroadcast)
	s.mu.Unlock()

	logger.WithField("state", change.To.String()).Info("Session synced from another tab")
	s.emit(ctx, change)
}

// Authorize returns the active session for a call to the report APIs. The token
// is re-read from the durable area so a refresh by another tab is picked up; if
// that area is unreachable the in-memory session is used.
func (s *Store) Authorize(ctx context.Context) (Session, error) {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return Session{}, models.ErrNotAuthenticated
	}

	prev, prevUser := s.stateLocked(), s.userIDLocked()
	sess := *s.current
	fresh, err := s.loadLocked(ctx, sess.UserID)
	switch {
	case err != nil:
		s.markDegradedLocked(err)
		s.log.WithError(err).Warn("Using in-memory session for authorization")
	case fresh == nil:
		// The record was removed behind this tab's back; the tab follows it.
		s.current = nil
		change := s.changeLocked(prev, prevUser, OriginRecovery)
		s.mu.Unlock()

		s.log.WithField("user_id", prevUser).Info("Session record gone, tab signed out")
		s.emit(ctx, change)
		return Session{}, fmt.Errorf("%w: %w", models.ErrNotAuthenticated, models.ErrSessionNotFound)
	default:
		s.current = fresh
		sess = *fresh
	}
	now := s.now()
	s.mu.Unlock()

	if sess.IsExpired(now) {
		return Session{}, fmt.Errorf("%w: %w", models.ErrNotAuthenticated, models.ErrSessionExpired)
	}
	return sess, nil
}

// Current returns a copy of the active session.
func (s *Store) Current() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return Session{}, false
	}
	return *s.current, true
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Degraded reports whether the last durable operation failed, leaving the tab
// with a memory-only session.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Store) TabID() string {
	return s.tabID
}

// OnChange registers l and returns a function that removes it.
func (s *Store) OnChange(l Listener) func() {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Store) emit(ctx context.Context, change Change) {
	s.listenersMu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		l(ctx, change)
	}
}

func (s *Store) stateLocked() State {
	if s.current == nil {
		return Anonymous
	}
	return Authenticated
}

func (s *Store) userIDLocked() string {
	if s.current == nil {
		return ""
	}
	return s.current.UserID
}

func (s *Store) changeLocked(from State, prevUser string, origin Origin) Change {
	change := Change{
		TabID:  s.tabID,
		From:   from,
		To:     s.stateLocked(),
		UserID: prevUser,
		Origin: origin,
		At:     s.now(),
	}
	if s.current != nil {
		sess := *s.current
		change.UserID = sess.UserID
		change.Session = &sess
		if from == Authenticated && prevUser != sess.UserID {
			change.PreviousUserID = prevUser
		}
	}
	return change
}

func (s *Store) markDegradedLocked(err error) {
	switch {
	case err == nil:
		s.degraded = false
	case errors.Is(err, models.ErrStorageUnavailable):
		s.degraded = true
	}
}
