package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"civic-session-svc/src/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const changesChannel = "changes"

// notification is the Pub/Sub message announcing a change to the other connections.
type notification struct {
	Origin string `json:"origin"`
	Change
}

// Redis is a shared area kept in Redis, so tabs served by different processes
// observe each other's writes. Changes travel over one Pub/Sub channel and are
// tagged with the writing connection so nobody is notified of its own write.
type Redis struct {
	client  *redis.Client
	prefix  string
	channel string

	mu     sync.RWMutex
	conns  map[string]*RedisConn
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{
		client:  client,
		prefix:  prefix,
		channel: prefixed(prefix, changesChannel),
		conns:   make(map[string]*RedisConn),
		done:    make(chan struct{}),
	}
}

func prefixed(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}

// Start subscribes to the change channel and fans notifications out to the
// local connections until Close is called.
func (r *Redis) Start(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		logrus.WithError(err).WithField("channel", r.channel).Error("Failed to subscribe to storage changes")
		return fmt.Errorf("%w: %w", models.ErrStorageUnavailable, models.ErrRedisConnection)
	}

	r.mu.Lock()
	r.pubsub = pubsub
	r.mu.Unlock()

	go r.listen(pubsub.Channel())

	logrus.WithField("channel", r.channel).Info("Listening for storage changes")
	return nil
}

func (r *Redis) listen(messages <-chan *redis.Message) {
	for {
		select {
		case <-r.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			r.dispatch(msg.Payload)
		}
	}
}

func (r *Redis) dispatch(payload string) {
	n, err := decodeNotification(payload)
	if err != nil {
		logrus.WithError(err).Warn("Dropping malformed storage notification")
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, c := range r.conns {
		if id == n.Origin {
			continue
		}
		c.enqueue(n.Change)
	}
}

func encodeNotification(origin string, change Change) (string, error) {
	data, err := json.Marshal(notification{Origin: origin, Change: change})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeNotification(payload string) (notification, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return notification{}, err
	}
	if n.Key == "" {
		return notification{}, errors.New("notification without key")
	}
	return n, nil
}

func (r *Redis) Connect() Conn {
	conn := &RedisConn{
		id:         uuid.NewString(),
		area:       r,
		dispatcher: newDispatcher(),
	}

	r.mu.Lock()
	r.conns[conn.id] = conn
	r.mu.Unlock()

	logrus.WithField("conn_id", conn.id).Debug("Redis storage connection opened")
	return conn
}

func (r *Redis) Close() error {
	r.mu.Lock()
	pubsub := r.pubsub
	r.pubsub = nil
	conns := make([]*RedisConn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	r.once.Do(func() {
		close(r.done)
	})

	for _, c := range conns {
		_ = c.Close()
	}

	if pubsub != nil {
		return pubsub.Close()
	}
	return nil
}

func (r *Redis) disconnect(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

func (r *Redis) publish(ctx context.Context, origin string, change Change) {
	payload, err := encodeNotification(origin, change)
	if err != nil {
		logrus.WithError(err).WithField("key", change.Key).Error("Failed to encode storage notification")
		return
	}

	// Delivery is best-effort; the write itself already succeeded.
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		logrus.WithError(err).WithField("key", change.Key).Warn("Failed to publish storage notification")
	}
}

// RedisConn is one tab's connection to a Redis area.
type RedisConn struct {
	id   string
	area *Redis
	*dispatcher
}

func (c *RedisConn) ID() string {
	return c.id
}

func (c *RedisConn) Get(ctx context.Context, key string) (string, error) {
	value, err := c.area.client.Get(ctx, prefixed(c.area.prefix, key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", models.ErrKeyNotFound
		}
		logrus.WithError(err).WithField("key", key).Error("Failed to get key from redis")
		return "", fmt.Errorf("%w: %w", models.ErrStorageUnavailable, models.ErrRedisGet)
	}
	return value, nil
}

func (c *RedisConn) Set(ctx context.Context, key, value string) error {
	return c.SetWithTTL(ctx, key, value, 0)
}

func (c *RedisConn) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	args := redis.SetArgs{Get: true}
	if ttl > 0 {
		args.TTL = ttl
	}

	old, err := c.area.client.SetArgs(ctx, prefixed(c.area.prefix, key), value, args).Result()
	existed := true
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logrus.WithError(err).WithField("key", key).Error("Failed to set key in redis")
			return fmt.Errorf("%w: %w", models.ErrStorageUnavailable, models.ErrRedisSet)
		}
		existed = false
	}

	if existed && old == value {
		return nil
	}

	c.area.publish(ctx, c.id, Change{Key: key, OldValue: old, NewValue: value})
	return nil
}

func (c *RedisConn) Delete(ctx context.Context, key string) error {
	old, err := c.area.client.GetDel(ctx, prefixed(c.area.prefix, key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		logrus.WithError(err).WithField("key", key).Error("Failed to delete key from redis")
		return fmt.Errorf("%w: %w", models.ErrStorageUnavailable, models.ErrRedisDelete)
	}

	c.area.publish(ctx, c.id, Change{Key: key, OldValue: old, Deleted: true})
	return nil
}

func (c *RedisConn) Subscribe(_ context.Context, fn func(Change)) (func(), error) {
	return c.subscribe(fn), nil
}

func (c *RedisConn) Close() error {
	c.area.disconnect(c.id)
	c.stop()
	logrus.WithField("conn_id", c.id).Debug("Redis storage connection closed")
	return nil
}
