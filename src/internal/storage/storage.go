// Package storage provides the key-value areas a session store persists to.
//
// An Area is a plain key-value map. A Shared area is visible to every tab of the
// same origin and notifies each connection of changes made by other connections,
// never of its own writes, and only when the stored value actually changes.
package storage

import (
	"context"
	"time"
)

// Change describes a mutation of a shared key as observed by other connections.
type Change struct {
	Key      string `json:"key"`
	OldValue string `json:"oldValue,omitempty"`
	NewValue string `json:"newValue,omitempty"`
	Deleted  bool   `json:"deleted,omitempty"`
}

type Area interface {
	// Get returns models.ErrKeyNotFound when the key is absent.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Expiring is implemented by areas able to drop a key after a retention period.
type Expiring interface {
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
}

type Shared interface {
	Area
	// Subscribe registers fn for changes written by other connections.
	// The returned function removes the subscription.
	Subscribe(ctx context.Context, fn func(Change)) (func(), error)
}

// Conn is one tab's connection to a shared area.
type Conn interface {
	Shared
	Expiring
	ID() string
	Close() error
}

// Connector hands out connections to a shared area.
type Connector interface {
	Connect() Conn
}
