// Package bus is the in-process State Feed: item events keyed by
// (item, event kind) plus a connection lifecycle channel. Delivery is a
// synchronous fan-out on the publisher's goroutine, in subscription order.
package bus

import (
	"fmt"
	"log/slog"
	"sync"

	"ohbridge/internal/logging"
	"ohbridge/internal/models"
	"ohbridge/internal/status"
)

// Key addresses an item channel. An empty Item with Kind RawEvent is the
// global raw channel.
type Key struct {
	Item string
	Kind models.EventKind
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Item, k.Kind)
}

// ItemHandler receives item events
type ItemHandler func(models.ItemEvent)

// LifecycleEvent is a connection state transition of the event stream
type LifecycleEvent struct {
	Signal status.Signal
	Text   string // Human readable reason, set for errors
	Err    error
}

// LifecycleHandler receives connection lifecycle events
type LifecycleHandler func(LifecycleEvent)

// Subscription is the handle returned by Subscribe, needed to unsubscribe
type Subscription struct {
	id        uint64
	key       Key
	lifecycle bool
}

// Valid reports whether the handle came from a Subscribe call
func (s Subscription) Valid() bool { return s.id != 0 }

// Feed is the subscription side of the bus, as consumed by nodes
type Feed interface {
	Subscribe(key Key, h ItemHandler) Subscription
	SubscribeLifecycle(h LifecycleHandler) Subscription
	Unsubscribe(s Subscription) bool
}

type itemEntry struct {
	id uint64
	h  ItemHandler
}

type lifecycleEntry struct {
	id uint64
	h  LifecycleHandler
}

// Bus implements Feed and the publishing side
type Bus struct {
	mu        sync.RWMutex
	next      uint64
	items     map[Key][]itemEntry
	lifecycle []lifecycleEntry
	logger    *slog.Logger
}

// New creates an empty bus
func New(logger *slog.Logger) *Bus {
	return &Bus{
		items:  make(map[Key][]itemEntry),
		logger: logging.Component(logger, "bus"),
	}
}

// Subscribe registers h on an item channel
func (b *Bus) Subscribe(key Key, h ItemHandler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.items[key] = append(b.items[key], itemEntry{id: b.next, h: h})
	b.logger.Debug("subscribed", "channel", key.String())
	return Subscription{id: b.next, key: key}
}

// SubscribeLifecycle registers h on the lifecycle channel
func (b *Bus) SubscribeLifecycle(h LifecycleHandler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.lifecycle = append(b.lifecycle, lifecycleEntry{id: b.next, h: h})
	return Subscription{id: b.next, lifecycle: true}
}

// Unsubscribe removes a subscription. It reports false if the handle was
// unknown or already removed.
func (b *Bus) Unsubscribe(s Subscription) bool {
	if !s.Valid() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.lifecycle {
		for i, e := range b.lifecycle {
			if e.id == s.id {
				b.lifecycle = append(b.lifecycle[:i:i], b.lifecycle[i+1:]...)
				return true
			}
		}
		return false
	}

	entries := b.items[s.key]
	for i, e := range entries {
		if e.id == s.id {
			entries = append(entries[:i:i], entries[i+1:]...)
			if len(entries) == 0 {
				delete(b.items, s.key)
			} else {
				b.items[s.key] = entries
			}
			b.logger.Debug("unsubscribed", "channel", s.key.String())
			return true
		}
	}
	return false
}

// Publish delivers ev to every handler of (ev.Item, ev.Type)
func (b *Bus) Publish(ev models.ItemEvent) {
	b.PublishTo(Key{Item: ev.Item, Kind: ev.Type}, ev)
}

// PublishTo delivers ev on an explicit channel
func (b *Bus) PublishTo(key Key, ev models.ItemEvent) {
	b.mu.RLock()
	entries := b.items[key]
	b.mu.RUnlock()

	for _, e := range entries {
		b.deliver(key.String(), func() { e.h(ev) })
	}
}

// PublishLifecycle delivers a lifecycle transition to every lifecycle handler
func (b *Bus) PublishLifecycle(ev LifecycleEvent) {
	b.mu.RLock()
	entries := b.lifecycle
	b.mu.RUnlock()

	for _, e := range entries {
		b.deliver("connection-state", func() { e.h(ev) })
	}
}

// Count returns the number of live subscriptions
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.lifecycle)
	for _, entries := range b.items {
		n += len(entries)
	}
	return n
}

func (b *Bus) deliver(channel string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked", "channel", channel, "panic", r)
		}
	}()
	fn()
}
