package storage

import (
	"context"
	"sync"
	"time"

	"civic-session-svc/src/internal/models"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
)

// Memory is an in-process shared area. Every tab served by this process gets its
// own connection; keys written with a TTL expire through ttlcache.
type Memory struct {
	mu    sync.Mutex
	items *ttlcache.Cache[string, string]
	conns map[string]*MemoryConn
}

func NewMemory() *Memory {
	items := ttlcache.New[string, string](
		ttlcache.WithDisableTouchOnHit[string, string](),
	)

	m := &Memory{
		items: items,
		conns: make(map[string]*MemoryConn),
	}

	// Runs under the cache lock, so fan-out happens on its own goroutine.
	items.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, string]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		change := Change{Key: item.Key(), OldValue: item.Value(), Deleted: true}
		go m.notifyAll(change)
	})

	go items.Start()

	return m
}

// Connect opens a connection for one tab.
func (m *Memory) Connect() Conn {
	conn := &MemoryConn{
		id:         uuid.NewString(),
		area:       m,
		dispatcher: newDispatcher(),
	}

	m.mu.Lock()
	m.conns[conn.id] = conn
	m.mu.Unlock()

	logrus.WithField("conn_id", conn.id).Debug("Memory storage connection opened")
	return conn
}

// Keys lists the live keys of the area. It exists for tests that inspect the
// shared state; production code reads keys through a Conn.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for _, key := range m.items.Keys() {
		if m.items.Get(key) != nil {
			keys = append(keys, key)
		}
	}
	return keys
}

// Close stops expiry processing and every open connection.
func (m *Memory) Close() {
	m.items.Stop()

	m.mu.Lock()
	conns := make([]*MemoryConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (m *Memory) get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.items.Get(key)
	if item == nil {
		return "", models.ErrKeyNotFound
	}
	return item.Value(), nil
}

func (m *Memory) set(origin, key, value string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var old string
	existed := false
	if item := m.items.Get(key); item != nil {
		old, existed = item.Value(), true
	}

	m.items.Set(key, value, ttl)

	if existed && old == value {
		return
	}
	m.enqueueLocked(origin, Change{Key: key, OldValue: old, NewValue: value})
}

func (m *Memory) delete(origin, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.items.Get(key)
	if item == nil {
		return
	}
	old := item.Value()
	m.items.Delete(key)
	m.enqueueLocked(origin, Change{Key: key, OldValue: old, Deleted: true})
}

func (m *Memory) enqueueLocked(origin string, change Change) {
	for id, c := range m.conns {
		if id == origin {
			continue
		}
		c.enqueue(change)
	}
}

func (m *Memory) notifyAll(change Change) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enqueueLocked("", change)
}

func (m *Memory) disconnect(id string) {
	m.mu.Lock()
	delete(m.conns, id)
	m.mu.Unlock()
}

// MemoryConn is one tab's view of a Memory area.
type MemoryConn struct {
	id   string
	area *Memory
	*dispatcher
}

func (c *MemoryConn) ID() string {
	return c.id
}

func (c *MemoryConn) Get(_ context.Context, key string) (string, error) {
	return c.area.get(key)
}

func (c *MemoryConn) Set(_ context.Context, key, value string) error {
	c.area.set(c.id, key, value, ttlcache.NoTTL)
	return nil
}

func (c *MemoryConn) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	c.area.set(c.id, key, value, ttl)
	return nil
}

func (c *MemoryConn) Delete(_ context.Context, key string) error {
	c.area.delete(c.id, key)
	return nil
}

func (c *MemoryConn) Subscribe(_ context.Context, fn func(Change)) (func(), error) {
	return c.subscribe(fn), nil
}

func (c *MemoryConn) Close() error {
	c.area.disconnect(c.id)
	c.stop()
	logrus.WithField("conn_id", c.id).Debug("Memory storage connection closed")
	return nil
}
