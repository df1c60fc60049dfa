package bus

import "sync"

// Group tracks the subscriptions one node makes so Close can release them
// all on teardown.
type Group struct {
	feed Feed
	mu   sync.Mutex
	subs []Subscription
}

// NewGroup returns a group subscribing through feed
func NewGroup(feed Feed) *Group {
	return &Group{feed: feed}
}

// Subscribe registers h and remembers the handle
func (g *Group) Subscribe(key Key, h ItemHandler) {
	s := g.feed.Subscribe(key, h)
	g.mu.Lock()
	g.subs = append(g.subs, s)
	g.mu.Unlock()
}

// SubscribeLifecycle registers h and remembers the handle
func (g *Group) SubscribeLifecycle(h LifecycleHandler) {
	s := g.feed.SubscribeLifecycle(h)
	g.mu.Lock()
	g.subs = append(g.subs, s)
	g.mu.Unlock()
}

// Len is the number of live subscriptions in the group
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// Close unsubscribes everything. Safe to call more than once.
func (g *Group) Close() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, s := range subs {
		g.feed.Unsubscribe(s)
	}
}
