// Package broadcast fans committed mutations out to observers.
//
// Delivery is best-effort. Each subscriber has a bounded buffer and events that
// do not fit are dropped for that subscriber only. Every event carries a
// sequence number from one counter, so a subscriber that sees a jump knows it
// missed something and should reload the full listing.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jacentio/treeorder/store"
)

// Type names a push event.
type Type string

const (
	ItemMoved   Type = "itemMoved"
	ItemCreated Type = "itemCreated"
	ItemDeleted Type = "itemDeleted"
)

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool {
	switch t {
	case ItemMoved, ItemCreated, ItemDeleted:
		return true
	}
	return false
}

// Event is one committed mutation. Item is set for moves and creates, ItemID
// for every type.
type Event struct {
	Seq    uint64      `json:"seq"`
	Type   Type        `json:"type"`
	Item   *store.Item `json:"item,omitempty"`
	ItemID int64       `json:"itemId"`
}

// Moved returns the event for a committed move.
func Moved(it *store.Item) Event {
	c := it.Clone()
	return Event{Type: ItemMoved, Item: &c, ItemID: it.ID}
}

// Created returns the event for a committed create.
func Created(it *store.Item) Event {
	c := it.Clone()
	return Event{Type: ItemCreated, Item: &c, ItemID: it.ID}
}

// Deleted returns the event for a committed delete.
func Deleted(id int64) Event {
	return Event{Type: ItemDeleted, ItemID: id}
}

// Publisher accepts committed events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

const (
	defaultBuffer = 64
	maxBuffer     = 4096
)

// Config holds configuration for a Hub.
type Config struct {
	// Buffer is the per-subscriber queue length.
	// Default: 64
	// Max: 4096
	Buffer int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Buffer: defaultBuffer}
}

func (c *Config) validate() {
	if c.Buffer < 1 {
		c.Buffer = defaultBuffer
	}
	if c.Buffer > maxBuffer {
		c.Buffer = maxBuffer
	}
}

// Hub is an in-process Publisher with any number of subscribers.
type Hub struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	seq    uint64
	subs   map[string]*Subscription
	closed bool
}

var _ Publisher = (*Hub)(nil)

// NewHub creates a new hub.
func NewHub(config Config, logger *slog.Logger) *Hub {
	config.validate()
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		config: config,
		logger: logger,
		subs:   make(map[string]*Subscription),
	}
}

// Subscription receives events from a Hub until closed.
type Subscription struct {
	ID string

	hub     *Hub
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// C returns the event channel. It is closed when the subscription or the hub
// is closed.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events did not fit in the buffer.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.hub.subs, s.ID)
		close(s.ch)
	})
}

// Subscribe registers a new subscriber. On a closed hub the returned
// subscription's channel is already closed.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		ID:  uuid.NewString(),
		hub: h,
		ch:  make(chan Event, h.config.Buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	h.subs[sub.ID] = sub
	return sub
}

// Publish stamps ev with the next sequence number and offers it to every
// subscriber without blocking.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}

	h.seq++
	ev.Seq = h.seq
	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			h.logger.Debug("dropped event for slow subscriber",
				"subscriber", sub.ID,
				"seq", ev.Seq,
				"type", ev.Type,
			)
		}
	}
	return nil
}

// Seq returns the sequence number of the last published event.
func (h *Hub) Seq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, sub := range h.subs {
		sub.closeLocked()
	}
}
