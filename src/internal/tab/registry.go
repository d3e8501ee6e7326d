package tab

import (
	"context"
	"errors"
	"sync"
	"time"

	"civic-session-svc/src/internal/broadcast"
	"civic-session-svc/src/internal/models"
	"civic-session-svc/src/internal/session"
	"civic-session-svc/src/internal/storage"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
)

const (
	DefaultIdleTimeout     = 30 * time.Minute
	DefaultEventBufferSize = 16
)

// BusFactory returns the bus a new tab publishes on, plus a release function
// called when the tab closes.
type BusFactory func(conn storage.Conn) (broadcast.Bus, func())

// StorageBuses carries broadcasts through the tab's own shared-area connection.
func StorageBuses(retention time.Duration) BusFactory {
	return func(conn storage.Conn) (broadcast.Bus, func()) {
		return broadcast.NewStorageBus(conn, retention), nil
	}
}

// ChannelBuses joins every tab to the same in-process hub.
func ChannelBuses(hub *broadcast.ChannelBus) BusFactory {
	return func(storage.Conn) (broadcast.Bus, func()) {
		member := hub.Join()
		return member, member.Leave
	}
}

// Registry tracks open tabs. A tab not touched for the idle timeout is closed,
// which is how a vanished client's tab storage gets cleared.
type Registry struct {
	tabs       *ttlcache.Cache[string, *Tab]
	connector  storage.Connector
	newBus     BusFactory
	listeners  []session.Listener
	bufferSize int
	idle       time.Duration
	now        func() time.Time
	shutdown   sync.Once
}

type Option func(*Registry)

func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.idle = d
		r.tabs = newTabCache(d)
	}
}

func WithBusFactory(f BusFactory) Option {
	return func(r *Registry) {
		r.newBus = f
	}
}

// WithSessionListener attaches l to every tab's store.
func WithSessionListener(l session.Listener) Option {
	return func(r *Registry) {
		r.listeners = append(r.listeners, l)
	}
}

func WithEventBufferSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

func newTabCache(idle time.Duration) *ttlcache.Cache[string, *Tab] {
	return ttlcache.New[string, *Tab](
		ttlcache.WithTTL[string, *Tab](idle),
	)
}

func NewRegistry(connector storage.Connector, opts ...Option) *Registry {
	r := &Registry{
		tabs:       newTabCache(DefaultIdleTimeout),
		connector:  connector,
		newBus:     StorageBuses(10 * time.Minute),
		bufferSize: DefaultEventBufferSize,
		idle:       DefaultIdleTimeout,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	r.tabs.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Tab]) {
		if reason == ttlcache.EvictionReasonExpired {
			logrus.WithField("tab_id", item.Key()).Info("Tab idle timeout reached")
		}
		item.Value().close()
	})

	go r.tabs.Start()
	return r
}

// Open creates a tab and recovers its session. A storage outage does not prevent
// the tab from opening; the error is returned next to the tab as a warning.
func (r *Registry) Open(ctx context.Context) (*Tab, *session.Session, error) {
	id := uuid.NewString()
	conn := r.connector.Connect()
	bus, release := r.newBus(conn)

	opts := []session.Option{session.WithTabID(id)}
	for _, l := range r.listeners {
		opts = append(opts, session.WithListener(l))
	}

	area := storage.NewTabArea()
	tab := &Tab{
		ID:         id,
		Store:      session.NewStore(conn, area, bus, opts...),
		OpenedAt:   r.now(),
		area:       area,
		conn:       conn,
		releaseBus: release,
		bufferSize: r.bufferSize,
		keepAlive:  func() { r.tabs.Get(id) },
		keepEvery:  r.idle / 3,
		done:       make(chan struct{}),
	}

	sess, err := tab.Store.Start(ctx)
	if err != nil && !errors.Is(err, models.ErrStorageUnavailable) {
		tab.close()
		return nil, nil, err
	}

	r.tabs.Set(id, tab, ttlcache.DefaultTTL)

	logger := logrus.WithField("tab_id", id)
	if err != nil {
		logger.WithError(err).Warn("Tab opened without durable storage")
	} else {
		logger.Info("Tab opened")
	}

	return tab, sess, err
}

// Get returns an open tab and resets its idle timer.
func (r *Registry) Get(id string) (*Tab, error) {
	item := r.tabs.Get(id)
	if item == nil {
		return nil, models.ErrTabNotFound
	}
	return item.Value(), nil
}

// Close closes the tab as a client unload would. Its pointer is cleared; the
// shared area is left untouched.
func (r *Registry) Close(id string) error {
	item := r.tabs.Get(id)
	if item == nil {
		return models.ErrTabNotFound
	}
	r.tabs.Delete(id)
	item.Value().close()
	return nil
}

func (r *Registry) Stats() models.TabStats {
	var stats models.TabStats
	for _, item := range r.tabs.Items() {
		tab := item.Value()
		stats.Open++
		if tab.Store.State() == session.Authenticated {
			stats.Authenticated++
		} else {
			stats.Anonymous++
		}
		if tab.Store.Degraded() {
			stats.Degraded++
		}
	}
	return stats
}

// Shutdown closes every tab and stops idle expiry.
func (r *Registry) Shutdown() {
	r.shutdown.Do(func() {
		r.tabs.Stop()
		for _, item := range r.tabs.Items() {
			item.Value().close()
		}
		r.tabs.DeleteAll()
		logrus.Info("Tab registry shut down")
	})
}
