package storage

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// dispatcher delivers changes to a connection's subscribers on its own goroutine.
// Enqueue never blocks so writers holding area locks cannot deadlock on a slow tab.
type dispatcher struct {
	mu     sync.Mutex
	subs   map[int]func(Change)
	nextID int
	queue  []Change
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		subs: make(map[int]func(Change)),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) subscribe(fn func(Change)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

func (d *dispatcher) enqueue(change Change) {
	d.mu.Lock()
	d.queue = append(d.queue, change)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}

		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			change := d.queue[0]
			d.queue = d.queue[1:]
			handlers := make([]func(Change), 0, len(d.subs))
			for _, fn := range d.subs {
				handlers = append(handlers, fn)
			}
			d.mu.Unlock()

			for _, fn := range handlers {
				d.deliver(fn, change)
			}
		}
	}
}

func (d *dispatcher) deliver(fn func(Change), change Change) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("key", change.Key).Errorf("Change subscriber panicked: %v", r)
		}
	}()
	fn(change)
}

func (d *dispatcher) stop() {
	d.once.Do(func() {
		close(d.done)
	})
}
