// Package bus is the in-process event bus: named events fan out to any
// number of independent subscribers, each owning an explicit subscription
// handle it must close. Producers never block on slow consumers; a full
// subscriber buffer drops that delivery and counts it.
package bus

import (
	"log/slog"
	"sync"

	"github.com/example/servlink/internal/events"
	"github.com/example/servlink/internal/observability"
)

const defaultBuffer = 64

// Subscription delivers envelopes for one event name on C until Close.
type Subscription struct {
	C chan events.Envelope

	bus   *Bus
	event string
	once  sync.Once
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.event, s)
		close(s.C)
	})
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	logger *slog.Logger
	closed bool
}

func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[string][]*Subscription), logger: logger}
}

// Subscribe registers a buffered channel for the named event.
func (b *Bus) Subscribe(event string) *Subscription {
	s := &Subscription{C: make(chan events.Envelope, defaultBuffer), bus: b, event: event}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.C)
		s.once.Do(func() {})
		return s
	}
	b.subs[event] = append(b.subs[event], s)
	return s
}

// Publish fans env out to current subscribers of env.Event. A subscriber
// whose buffer is full misses this delivery; the resync path repairs such
// gaps from authoritative state. The read lock is held across the sends:
// a channel is only ever closed after its subscription left the map, so a
// publisher can never race a close. The sends never block (select with
// default), so holding the lock here is cheap.
func (b *Bus) Publish(env events.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs[env.Event] {
		select {
		case s.C <- env:
		default:
			observability.BusDroppedTotal.WithLabelValues(env.Event).Inc()
			b.logger.Warn("bus subscriber full, dropping", "event", env.Event)
		}
	}
}

// Close tears the bus down and closes every subscriber channel. Channels
// are closed only after the map is emptied under the lock, so in-flight
// publishers either saw the subscription before the close or not at all.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()
	for _, s := range all {
		s.once.Do(func() { close(s.C) })
	}
}

func (b *Bus) remove(event string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	subs := b.subs[event]
	for i, s := range subs {
		if s == sub {
			b.subs[event] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}
