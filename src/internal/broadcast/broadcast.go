// Package broadcast carries cross-tab notifications.
//
// Topics are plain strings such as "login-event-u1". Publish never reaches the
// publishing tab itself; subscribers filter by topic prefix.
package broadcast

import "context"

type Message struct {
	Topic   string
	Payload []byte
}

type Handler func(ctx context.Context, msg Message)

type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, prefix string, h Handler) (func(), error)
	// Outstanding reports whether topic was published and has not yet been
	// retracted or expired.
	Outstanding(ctx context.Context, topic string) (bool, error)
	Retract(ctx context.Context, topic string) error
}
