package storage

import (
	"context"
	"sync"

	"civic-session-svc/src/internal/models"
)

// TabArea is storage scoped to a single tab. It is never shared and is lost
// when the tab closes.
type TabArea struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewTabArea() *TabArea {
	return &TabArea{items: make(map[string]string)}
}

func (a *TabArea) Get(_ context.Context, key string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	value, ok := a.items[key]
	if !ok {
		return "", models.ErrKeyNotFound
	}
	return value, nil
}

func (a *TabArea) Set(_ context.Context, key, value string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.items[key] = value
	return nil
}

func (a *TabArea) Delete(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.items, key)
	return nil
}

// Clear drops every key, as closing the tab would.
func (a *TabArea) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.items = make(map[string]string)
}
