package notify

import (
	"context"
	"sync"
)

// AllExperiments subscribes to every experiment.
const AllExperiments = "*"

// Handler receives published notifications.
type Handler func(ctx context.Context, n Notification)

// Subscription removes a handler when no longer needed.
type Subscription interface {
	Unsubscribe()
}

// MemoryBus delivers notifications synchronously to in-process subscribers
// and keeps a bounded history.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]*entry
	history  []Notification
	limit    int
}

type entry struct {
	fn Handler
}

// NewMemoryBus keeps up to limit notifications of history (1024 when <= 0).
func NewMemoryBus(limit int) *MemoryBus {
	if limit <= 0 {
		limit = 1024
	}
	return &MemoryBus{handlers: make(map[string][]*entry), limit: limit}
}

// Subscribe registers fn for one experiment or AllExperiments.
func (b *MemoryBus) Subscribe(expID string, fn Handler) Subscription {
	e := &entry{fn: fn}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[expID] = append(b.handlers[expID], e)
	return &memorySub{bus: b, expID: expID, entry: e}
}

func (b *MemoryBus) Publish(ctx context.Context, n Notification) error {
	b.mu.Lock()
	b.history = append(b.history, n)
	if over := len(b.history) - b.limit; over > 0 {
		b.history = append([]Notification(nil), b.history[over:]...)
	}
	targets := append([]*entry(nil), b.handlers[n.ExpID]...)
	targets = append(targets, b.handlers[AllExperiments]...)
	b.mu.Unlock()

	for _, e := range targets {
		e.fn(ctx, n)
	}
	return nil
}

// History returns a copy of the retained notifications, oldest first.
func (b *MemoryBus) History() []Notification {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Notification(nil), b.history...)
}

// Filter returns retained notifications matching pred.
func (b *MemoryBus) Filter(pred func(Notification) bool) []Notification {
	var out []Notification
	for _, n := range b.History() {
		if pred(n) {
			out = append(out, n)
		}
	}
	return out
}

type memorySub struct {
	bus   *MemoryBus
	expID string
	entry *entry
}

func (s *memorySub) Unsubscribe() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := b.handlers[s.expID]
	kept := make([]*entry, 0, len(handlers))
	for _, h := range handlers {
		if h != s.entry {
			kept = append(kept, h)
		}
	}
	b.handlers[s.expID] = kept
}
