package broadcast

import (
	"context"
	"errors"
	"strings"
	"time"

	"civic-session-svc/src/internal/models"
	"civic-session-svc/src/internal/storage"

	"github.com/sirupsen/logrus"
)

// StorageBus publishes by writing the topic as a key of a shared area and
// subscribes through the area's change notifications. Retention bounds how long
// event keys live; zero keeps them until retracted.
type StorageBus struct {
	area      storage.Shared
	retention time.Duration
}

func NewStorageBus(area storage.Shared, retention time.Duration) *StorageBus {
	return &StorageBus{area: area, retention: retention}
}

func (b *StorageBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if expiring, ok := b.area.(storage.Expiring); ok && b.retention > 0 {
		return expiring.SetWithTTL(ctx, topic, string(payload), b.retention)
	}
	return b.area.Set(ctx, topic, string(payload))
}

func (b *StorageBus) Subscribe(ctx context.Context, prefix string, h Handler) (func(), error) {
	return b.area.Subscribe(ctx, func(change storage.Change) {
		// Removal of an event key is housekeeping, not an event.
		if change.Deleted || !strings.HasPrefix(change.Key, prefix) {
			return
		}
		h(ctx, Message{Topic: change.Key, Payload: []byte(change.NewValue)})
	})
}

func (b *StorageBus) Outstanding(ctx context.Context, topic string) (bool, error) {
	_, err := b.area.Get(ctx, topic)
	if err != nil {
		if errors.Is(err, models.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *StorageBus) Retract(ctx context.Context, topic string) error {
	if err := b.area.Delete(ctx, topic); err != nil {
		logrus.WithError(err).WithField("topic", topic).Warn("Failed to retract broadcast")
		return err
	}
	return nil
}
