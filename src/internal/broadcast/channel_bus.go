package broadcast

import (
	"context"
	"strings"
	"sync"
	"time"

	"civic-session-svc/src/internal/models"

	"github.com/sirupsen/logrus"
)

const DefaultBufferSize = 100

// ChannelBus is an in-process hub. Each Join returns the bus as seen by one tab;
// messages fan out to every other member over buffered channels.
type ChannelBus struct {
	mu         sync.Mutex
	members    map[*ChannelMember]struct{}
	published  map[string]time.Time
	retention  time.Duration
	bufferSize int
	now        func() time.Time
}

func NewChannelBus(retention time.Duration, bufferSize int) *ChannelBus {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	return &ChannelBus{
		members:    make(map[*ChannelMember]struct{}),
		published:  make(map[string]time.Time),
		retention:  retention,
		bufferSize: bufferSize,
		now:        time.Now,
	}
}

// Join adds a member whose deliveries run on its own goroutine.
func (b *ChannelBus) Join() *ChannelMember {
	m := &ChannelMember{
		hub:  b,
		ch:   make(chan Message, b.bufferSize),
		subs: make(map[int]subscription),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.members[m] = struct{}{}
	b.mu.Unlock()

	go m.run()
	return m
}

func (b *ChannelBus) leave(m *ChannelMember) {
	b.mu.Lock()
	delete(b.members, m)
	b.mu.Unlock()
}

func (b *ChannelBus) publish(from *ChannelMember, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.published[msg.Topic] = b.now()

	var full bool
	for m := range b.members {
		if m == from {
			continue
		}
		select {
		case m.ch <- msg:
		default:
			full = true
		}
	}

	if full {
		logrus.WithField("topic", msg.Topic).Warn("Broadcast dropped for a slow member")
		return models.ErrBufferFull
	}
	return nil
}

func (b *ChannelBus) outstanding(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	at, ok := b.published[topic]
	if !ok {
		return false
	}
	if b.retention > 0 && b.now().Sub(at) >= b.retention {
		delete(b.published, topic)
		return false
	}
	return true
}

func (b *ChannelBus) retract(topic string) {
	b.mu.Lock()
	delete(b.published, topic)
	b.mu.Unlock()
}

type subscription struct {
	ctx     context.Context
	prefix  string
	handler Handler
}

// ChannelMember implements Bus for one tab.
type ChannelMember struct {
	hub    *ChannelBus
	ch     chan Message
	mu     sync.Mutex
	subs   map[int]subscription
	nextID int
	done   chan struct{}
	once   sync.Once
}

func (m *ChannelMember) Publish(_ context.Context, topic string, payload []byte) error {
	return m.hub.publish(m, Message{Topic: topic, Payload: payload})
}

func (m *ChannelMember) Subscribe(ctx context.Context, prefix string, h Handler) (func(), error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = subscription{ctx: ctx, prefix: prefix, handler: h}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}, nil
}

func (m *ChannelMember) Outstanding(_ context.Context, topic string) (bool, error) {
	return m.hub.outstanding(topic), nil
}

func (m *ChannelMember) Retract(_ context.Context, topic string) error {
	m.hub.retract(topic)
	return nil
}

// Leave detaches the member from the hub and stops its delivery goroutine.
func (m *ChannelMember) Leave() {
	m.once.Do(func() {
		m.hub.leave(m)
		close(m.done)
	})
}

func (m *ChannelMember) run() {
	for {
		select {
		case <-m.done:
			return
		case msg := <-m.ch:
			m.mu.Lock()
			matched := make([]subscription, 0, len(m.subs))
			for _, s := range m.subs {
				if strings.HasPrefix(msg.Topic, s.prefix) {
					matched = append(matched, s)
				}
			}
			m.mu.Unlock()

			for _, s := range matched {
				s.handler(s.ctx, msg)
			}
		}
	}
}
