package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"civic-session-svc/src/internal/broadcast"
	"civic-session-svc/src/internal/models"
	"civic-session-svc/src/internal/session"
	"civic-session-svc/src/internal/storage"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type changeLog struct {
	mu      sync.Mutex
	changes []session.Change
}

func (l *changeLog) listen(_ context.Context, c session.Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *changeLog) all() []session.Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]session.Change(nil), l.changes...)
}

type keyLog struct {
	mu   sync.Mutex
	seen []storage.Change
}

func (l *keyLog) record(c storage.Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, c)
}

func (l *keyLog) count(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.seen {
		if c.Key == key && !c.Deleted {
			n++
		}
	}
	return n
}

type testTab struct {
	store   *session.Store
	conn    storage.Conn
	area    *storage.TabArea
	changes *changeLog
}

func openTab(t *testing.T, m *storage.Memory, name string) *testTab {
	t.Helper()

	conn := m.Connect()
	tab := &testTab{
		conn:    conn,
		area:    storage.NewTabArea(),
		changes: &changeLog{},
	}
	tab.store = session.NewStore(conn, tab.area, broadcast.NewStorageBus(conn, time.Minute),
		session.WithTabID(name),
		session.WithListener(tab.changes.listen),
	)

	_, err := tab.store.Start(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() {
		tab.store.Close()
		_ = conn.Close()
	})
	return tab
}

// flush waits until every change written by writer so far has been delivered
// to reader's subscribers.
func flush(t *testing.T, writer, reader storage.Conn) {
	t.Helper()

	marker := fmt.Sprintf("flush-%d", time.Now().UnixNano())
	seen := make(chan struct{})
	var once sync.Once
	unsubscribe, err := reader.Subscribe(context.Background(), func(c storage.Change) {
		if c.Key == marker {
			once.Do(func() { close(seen) })
		}
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, writer.Set(context.Background(), marker, "1"))
	select {
	case <-seen:
	case <-time.After(waitFor):
		t.Fatal("flush marker not delivered")
	}
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return token
}

func TestSignInThenRecover(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	t.Cleanup(m.Close)

	a := openTab(t, m, "a")
	require.Equal(t, session.Anonymous, a.store.State())

	profile := session.Profile{UserID: "u1", Name: "Ada", Role: "citizen"}
	require.NoError(t, a.store.SignIn(ctx, "tok-1", profile))
	require.Equal(t, session.Authenticated, a.store.State())

	b := openTab(t, m, "b")
	sess, ok := b.store.Current()
	require.True(t, ok)
	assert.Equal(t, "u1", sess.UserID)
	assert.Equal(t, "tok-1", sess.Token)
	assert.Equal(t, "Ada", sess.Profile.Name)
	assert.Equal(t, "citizen", sess.Profile.Role)

	pointer, err := b.area.Get(ctx, "sessionUserId")
	require.NoError(t, err)
	assert.Equal(t, "u1", pointer)

	last, err := a.conn.Get(ctx, "lastUserId")
	require.NoError(t, err)
	assert.Equal(t, "u1", last)
}

func TestSignInRequiresUserID(t *testing.T) {
	m := storage.NewMemory()
	t.Cleanup(m.Close)
	a := openTab(t, m, "a")

	err := a.store.SignIn(context.Background(), "tok", session.Profile{})
	require.ErrorIs(t, err, models.ErrInvalidCredentials)
	assert.Equal(t, session.Anonymous, a.store.State())

	err = a.store.SignIn(context.Background(), "", session.Profile{UserID: "u1"})
	require.ErrorIs(t, err, models.ErrInvalidCredentials)
	assert.Empty(t, m.Keys())
}

func TestSignOutClearsRecovery(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	t.Cleanup(m.Close)

	a := openTab(t, m, "a")
	require.NoError(t, a.store.SignIn(ctx, "tok-1", session.Profile{UserID: "u1"}))
	require.NoError(t, a.store.SignOut(ctx))
	assert.Equal(t, session.Anonymous, a.store.State())

	_, err := a.conn.Get(ctx, "lastUserId")
	require.ErrorIs(t, err, models.ErrKeyNotFound)
	_, err = a.conn.Get(ctx, "user_u1")
	require.ErrorIs(t, err, models.ErrKeyNotFound)
	_, err = a.conn.Get(ctx, "token_u1")
	require.ErrorIs(t, err, models.ErrKeyNotFound)

	sess, err := a.store.RecoverSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)

	b := openTab(t, m, "b")
	assert.Equal(t, session.Anonymous, b.store.State())
}

func TestDoubleSignOutBroadcastsOnce(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	t.Cleanup(m.Close)

	a := openTab(t, m, "a")
	observer := m.Connect()
	t.Cleanup(func() { _ = observer.Close() })
	events := &keyLog{}
	_, err := observer.Subscribe(ctx, events.record)
	require.NoError(t, err)

	require.NoError(t, a.store.SignIn(ctx, "tok-1", session.Profile{UserID: "u1"}))
	require.NoError(t, a.store.SignOut(ctx))
	require.NoError(t, a.store.SignOut(ctx))
	flush(t, a.conn, observer)

	assert.Equal(t, 1, events.count("logout-event-u1"))
	assert.Equal(t, 1, events.count("login-event-u1"))
}

func TestSignOutAfterNewSignInBroadcastsAgain(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	t.Cleanup(m.Close)

	a := openTab(t, m, "a")
	observer := m.Connect()
	t.Cleanup(func() { _ = observer.Close() })
	events := &keyLog{}
	_, err := observer.Subscribe(ctx, events.record)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, a.store.SignIn(ctx, "tok", session.Profile{UserID: "u1"}))
		require.NoError(t, a.store.SignOut(ctx))
	}
	flush(t, a.conn, observer)

	assert.Equal(t, 2, events.count("logout-event-u1"))
}

func TestFreshTabIgnoresOtherTabsLogin(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	t.Cleanup(m.Close)

	a := openTab(t, m, "a")
	b := openTab(t, m, "b")

	require.NoError(t, a.store.SignIn(ctx, "tok-1", session.Profile{UserID: "u1"}))
	flush(t, a.conn, b.conn)

	assert.Equal(t, session.Anonymous, b.store.State())
	assert.Empty(t, b.changes.all())
}

func TestCrossTabLogout(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	t.Cleanup(m.Close)

	a := openTab(t, m, "a")
	require.NoError(t, a.store.SignIn(ctx, "tok-1", session.Profile{UserID: "u1"}))

	b := openTab(t, m, "b")
	require.Equal(t, session.Authenticated, b.store.State())

	require.NoError(t, a.store.SignOut(ctx))

	require.Eventually(t, func() bool {
		return len(b.changes.all()) == 2
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, session.Anonymous, b.store.State())

	changes := b.changes.all()
	last := changes[len(changes)-1]
	assert.Equal(t, session.OriginBroadcast, last.Origin)
	assert.Equal(t, session.Anonymous, last.To)
	assert.Equal(t, "u1", last.UserID)
}

func TestLoginBroadcastResyncsSameUser(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	t.Cleanup(m.Close)

	a := openTab(t, m, "a")
	require.NoError(t, a.store.SignIn(ctx, "tok-1", session.Profile{UserID: "u1"}))
	b := openTab(t, m, "b")

	require.NoError(t, a.store.SignOut(ctx))
	require.Eventually(t, func() bool {
		return b.store.State() == session.Anonymous
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, a.store.SignIn(ctx, "tok-2", session.Profile{UserID: "u1"}))
	require.Eventually(t, func() bool {
		sess, ok := b.store.Current()
		return ok && sess.Token == "tok-2"
	}, waitFor, 10*time.Millisecond)
}

func TestUsersDoNotInterfere(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	t.Cleanup(m.Close)

	a := openTab(t, m, "a")
	b := openTab(t, m, "b")

	require.NoError(t, a.store.SignIn(ctx, "tok-1", session.Profile{UserID: "u1"}))
	require.NoError(t, b.store.SignIn(ctx, "tok-2", session.Profile{UserID: "u2"}))

	require.NoError(t, a.store.SignOut(ctx))
	flush(t, a.conn, b.conn)

	sess, ok := b.store.Current()
	require.True(t, ok)
	assert.Equal(t, "u2", sess.UserID)

	// u2 wrote lastUserId last, so u1's sign-out must leave it alone.
	last, err := b.conn.Get(ctx, "lastUserId")
	require.NoError(t, err)
	assert.Equal(t, "u2", last)

	_, err = b.conn.Get(ctx, "user_u2")
	require.NoError(t, err)
}

func TestRecoveryAfterReload(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	t.Cleanup(m.Close)

	a := openTab(t, m, "a")
	require.NoError(t, a.store.SignIn(ctx, "tok-1", session.Profile{UserID: "u1"}))

	a.area.Clear()
	sess, err := a.store.RecoverSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "u1", sess.UserID)

	pointer, err := a.area.Get(ctx, "sessionUserId")
	require.NoError(t, err)
	assert.Equal(t, "u1", pointer)

	changes := a.changes.all()
	assert.Equal(t, session.OriginRecovery, changes[len(changes)-1].Origin)
}

func TestRecoverIgnoresDanglingPointer(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	t.Cleanup(m.Close)

	seed := m.Connect()
	t.Cleanup(func() { _ = seed.Close() })
	require.NoError(t, seed.Set(ctx, "lastUserId", "ghost"))
	require.NoError(t, seed.Set(ctx, "user_broken", "{not json"))
	require.NoError(t, seed.Set(ctx, "token_broken", "tok"))

	a := openTab(t, m, "a")
	assert.Equal(t, session.Anonymous, a.store.State())

	require.NoError(t, seed.Set(ctx, "lastUserId", "broken"))
	a.area.Clear()
	sess, err := a.store.RecoverSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestSignInOverAnotherUser(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	t.Cleanup(m.Close)

	a := openTab(t, m, "a")
	require.NoError(t, a.store.SignIn(ctx, "tok-1", session.Profile{UserID: "u1"}))
	require.NoError(t, a.store.SignIn(ctx, "tok-2", session.Profile{UserID: "u2"}))

	sess, ok := a.store.Current()
	require.True(t, ok)
	assert.Equal(t, "u2", sess.UserID)

	_, err := a.conn.Get(ctx, "user_u1")
	require.NoError(t, err)
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := storage.NewMemory()
	t.Cleanup(m.Close)

	conn := m.Connect()
	t.Cleanup(func() { _ = conn.Close() })
	store := session.NewStore(conn, storage.NewTabArea(), broadcast.NewStorageBus(conn, time.Minute),
		session.WithClock(func() time.Time { return now }))

	_, err := store.Authorize(ctx)
	require.ErrorIs(t, err, models.ErrNotAuthenticated)

	valid := signedToken(t, now.Add(time.Hour))
	require.NoError(t, store.SignIn(ctx, valid, session.Profile{UserID: "u1"}))

	sess, err := store.Authorize(ctx)
	require.NoError(t, err)
	assert.Equal(t, valid, sess.Token)
	assert.True(t, sess.ExpiresAt.Equal(now.Add(time.Hour)))

	// Another tab refreshed the token.
	require.NoError(t, conn.Set(ctx, "token_u1", "opaque-refresh"))
	sess, err = store.Authorize(ctx)
	require.NoError(t, err)
	assert.Equal(t, "opaque-refresh", sess.Token)

	expired := signedToken(t, now.Add(-time.Minute))
	require.NoError(t, store.SignIn(ctx, expired, session.Profile{UserID: "u1"}))
	_, err = store.Authorize(ctx)
	require.ErrorIs(t, err, models.ErrNotAuthenticated)
	require.ErrorIs(t, err, models.ErrSessionExpired)
}

func TestAuthorizeDropsSessionWithoutRecord(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	t.Cleanup(m.Close)

	a := openTab(t, m, "a")
	require.NoError(t, a.store.SignIn(ctx, "tok-1", session.Profile{UserID: "u1"}))
	require.NoError(t, a.conn.Delete(ctx, "token_u1"))

	_, err := a.store.Authorize(ctx)
	require.ErrorIs(t, err, models.ErrNotAuthenticated)
	require.ErrorIs(t, err, models.ErrSessionNotFound)

	assert.Equal(t, session.Anonymous, a.store.State())
	_, ok := a.store.Current()
	assert.False(t, ok)

	changes := a.changes.all()
	require.NotEmpty(t, changes)
	last := changes[len(changes)-1]
	assert.Equal(t, session.OriginRecovery, last.Origin)
	assert.Equal(t, session.Authenticated, last.From)
	assert.Equal(t, session.Anonymous, last.To)
	assert.Equal(t, "u1", last.UserID)
}

func TestSignInOverAnotherUserReportsPreviousUser(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	t.Cleanup(m.Close)

	a := openTab(t, m, "a")
	require.NoError(t, a.store.SignIn(ctx, "tok-1", session.Profile{UserID: "u1"}))
	require.NoError(t, a.store.SignIn(ctx, "tok-2", session.Profile{UserID: "u2"}))
	require.NoError(t, a.store.SignIn(ctx, "tok-3", session.Profile{UserID: "u2"}))

	changes := a.changes.all()
	require.Len(t, changes, 3)
	assert.Empty(t, changes[0].PreviousUserID)
	assert.Equal(t, "u1", changes[1].PreviousUserID)
	assert.Equal(t, "u2", changes[1].UserID)
	assert.Empty(t, changes[2].PreviousUserID)
}

type unavailableArea struct{}

func (unavailableArea) Get(context.Context, string) (string, error) {
	return "", fmt.Errorf("%w: connection refused", models.ErrStorageUnavailable)
}

func (unavailableArea) Set(context.Context, string, string) error {
	return fmt.Errorf("%w: connection refused", models.ErrStorageUnavailable)
}

func (unavailableArea) Delete(context.Context, string) error {
	return fmt.Errorf("%w: connection refused", models.ErrStorageUnavailable)
}

func TestStorageUnavailableDegradesToTabSession(t *testing.T) {
	ctx := context.Background()
	hub := broadcast.NewChannelBus(time.Minute, broadcast.DefaultBufferSize)
	member := hub.Join()
	t.Cleanup(member.Leave)

	store := session.NewStore(unavailableArea{}, storage.NewTabArea(), member, session.WithTabID("a"))

	_, err := store.Start(ctx)
	require.ErrorIs(t, err, models.ErrStorageUnavailable)
	assert.Equal(t, session.Anonymous, store.State())

	err = store.SignIn(ctx, "tok", session.Profile{UserID: "u1"})
	require.ErrorIs(t, err, models.ErrStorageUnavailable)
	assert.Equal(t, session.Authenticated, store.State())
	assert.True(t, store.Degraded())

	sess, err := store.Authorize(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok", sess.Token)

	err = store.SignOut(ctx)
	require.ErrorIs(t, err, models.ErrStorageUnavailable)
	assert.Equal(t, session.Anonymous, store.State())
}

func TestChannelBusTabsSync(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	t.Cleanup(m.Close)
	hub := broadcast.NewChannelBus(time.Minute, broadcast.DefaultBufferSize)

	open := func(name string) *session.Store {
		conn := m.Connect()
		member := hub.Join()
		store := session.NewStore(conn, storage.NewTabArea(), member, session.WithTabID(name))
		t.Cleanup(func() {
			store.Close()
			member.Leave()
			_ = conn.Close()
		})
		return store
	}

	a := open("a")
	_, err := a.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, a.SignIn(ctx, "tok-1", session.Profile{UserID: "u1"}))

	b := open("b")
	_, err = b.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, session.Authenticated, b.State())

	require.NoError(t, a.SignOut(ctx))
	require.Eventually(t, func() bool {
		return b.State() == session.Anonymous
	}, waitFor, 10*time.Millisecond)
}

func TestHandleBroadcastIgnoresForeignTopics(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	t.Cleanup(m.Close)

	a := openTab(t, m, "a")
	require.NoError(t, a.store.SignIn(ctx, "tok-1", session.Profile{UserID: "u1"}))

	for _, topic := range []string{"logout-event-", "logout-event-u2", "theme", "user_u1"} {
		a.store.HandleBroadcast(ctx, broadcast.Message{Topic: topic, Payload: []byte("1")})
	}
	a.store.HandleBroadcast(ctx, broadcast.Message{Topic: "login-event-u1", Payload: []byte(`{"userId":"u2"}`)})

	assert.Equal(t, session.Authenticated, a.store.State())
}

func TestOnChangeRemove(t *testing.T) {
	ctx := context.Background()
	m := storage.NewMemory()
	t.Cleanup(m.Close)
	a := openTab(t, m, "a")

	extra := &changeLog{}
	remove := a.store.OnChange(extra.listen)
	require.NoError(t, a.store.SignIn(ctx, "tok", session.Profile{UserID: "u1"}))
	remove()
	require.NoError(t, a.store.SignOut(ctx))

	changes := extra.all()
	require.Len(t, changes, 1)
	assert.Equal(t, session.OriginLocal, changes[0].Origin)
	assert.Equal(t, session.Authenticated, changes[0].To)
}
