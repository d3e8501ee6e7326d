package tab

import (
	"context"
	"sync"
	"time"

	"civic-session-svc/src/internal/session"
	"civic-session-svc/src/internal/storage"

	"github.com/sirupsen/logrus"
)

// Tab is one client execution context: its private area, its connection to the
// shared area and the session store living on top of them.
type Tab struct {
	ID       string
	Store    *session.Store
	OpenedAt time.Time

	area       *storage.TabArea
	conn       storage.Conn
	releaseBus func()
	bufferSize int

	// keepAlive resets the idle timer while an event stream is open.
	keepAlive func()
	keepEvery time.Duration

	done chan struct{}
	once sync.Once
}

// Events streams the tab's session changes until the tab closes or the returned
// cancel function is called. Changes are dropped for a consumer that falls
// behind rather than stalling the store. The tab does not expire while the
// stream is open.
func (t *Tab) Events() (<-chan session.Change, func()) {
	events := make(chan session.Change, t.bufferSize)

	var mu sync.Mutex
	stopped := false

	remove := t.Store.OnChange(func(_ context.Context, change session.Change) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		select {
		case events <- change:
		default:
			logrus.WithField("tab_id", t.ID).Warn("Dropping session change for slow event consumer")
		}
	})

	quit := make(chan struct{})
	go t.holdOpen(quit)

	return events, func() {
		remove()
		mu.Lock()
		if !stopped {
			stopped = true
			close(events)
			close(quit)
		}
		mu.Unlock()
	}
}

func (t *Tab) holdOpen(quit <-chan struct{}) {
	if t.keepAlive == nil || t.keepEvery <= 0 {
		return
	}

	ticker := time.NewTicker(t.keepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.keepAlive()
		case <-quit:
			return
		case <-t.done:
			return
		}
	}
}

// Done is closed when the tab is closed.
func (t *Tab) Done() <-chan struct{} {
	return t.done
}

func (t *Tab) close() {
	t.once.Do(func() {
		t.Store.Close()
		if t.releaseBus != nil {
			t.releaseBus()
		}
		if err := t.conn.Close(); err != nil {
			logrus.WithError(err).WithField("tab_id", t.ID).Warn("Failed to close tab connection")
		}
		t.area.Clear()
		close(t.done)

		logrus.WithFields(logrus.Fields{
			"tab_id":   t.ID,
			"lifetime": time.Since(t.OpenedAt).Round(time.Second).String(),
		}).Info("Tab closed")
	})
}
