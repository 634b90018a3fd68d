// Package events provides in-process fan-out of service events.
//
// The engine publishes an [Event] after every successful mutation. The
// socket transport and the REST event stream subscribe and forward events
// to connected clients. Delivery is non-blocking: a subscriber whose buffer
// is full misses the event.
package events

import (
	"log/slog"
	"sync"

	"github.com/rhuss/plume/pkg/debug"
	"github.com/rhuss/plume/pkg/observability"
	"github.com/rhuss/plume/pkg/service"
)

// Event names.
const (
	Created = "created"
	Updated = "updated"
	Patched = "patched"
	Removed = "removed"
)

// NameFor returns the event name emitted by a successful op.
func NameFor(op service.Operation) (string, bool) {
	switch op {
	case service.Create:
		return Created, true
	case service.Update:
		return Updated, true
	case service.Patch:
		return Patched, true
	case service.Remove:
		return Removed, true
	}
	return "", false
}

// Event is a service state change.
type Event struct {
	Path string `json:"path"`
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Topic returns the client-facing event name, e.g. "users created".
func (e Event) Topic() string {
	return e.Path + " " + e.Name
}

// Publisher accepts events.
type Publisher interface {
	Publish(ev Event)
}

// DefaultBuffer is the per-subscriber channel capacity used when NewBus is
// given a non-positive size.
const DefaultBuffer = 64

type subscriber struct {
	ch    chan Event
	paths map[string]bool
}

func (s *subscriber) wants(ev Event) bool {
	return len(s.paths) == 0 || s.paths[ev.Path]
}

// Bus fans events out to subscribers. It is safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	next   uint64
	buffer int
	closed bool
	logger *slog.Logger
}

// NewBus creates a Bus whose subscribers buffer up to buffer events.
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   map[uint64]*subscriber{},
		buffer: buffer,
		logger: logger,
	}
}

// Publish delivers ev to every interested subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	observability.EventsPublishedTotal.WithLabelValues(ev.Path, ev.Name).Inc()
	debug.Log("events", "publish", "service", ev.Path, "event", ev.Name, "subscribers", len(b.subs))

	for id, s := range b.subs {
		if !s.wants(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			observability.EventsDroppedTotal.WithLabelValues(ev.Path).Inc()
			b.logger.Warn("dropping event for slow subscriber",
				"subscriber", id, "service", ev.Path, "event", ev.Name)
		}
	}
}

// Subscribe registers a subscriber for the given service paths (all paths
// when none are given). The returned cancel function unregisters it and
// closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(paths ...string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, b.buffer)}
	if len(paths) > 0 {
		s.paths = make(map[string]bool, len(paths))
		for _, p := range paths {
			s.paths[service.NormalizePath(p)] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
