// Package watch implements the state-watch node: it forwards the state of one
// item as a flow message whenever the item reports an event.
package watch

import (
	"context"
	"log/slog"
	"sync"

	"ohbridge/internal/bus"
	"ohbridge/internal/clock"
	"ohbridge/internal/logging"
	"ohbridge/internal/metrics"
	"ohbridge/internal/models"
	"ohbridge/internal/status"
	"ohbridge/internal/vars"
)

// Config is one watch node declaration
type Config struct {
	Name          string             `mapstructure:"name"`
	Item          string             `mapstructure:"item"`
	EventTypes    []models.EventKind `mapstructure:"event_types"`
	InitialOutput bool               `mapstructure:"initial_output"` // emit the current state on every connect
	StoreState    bool               `mapstructure:"store_state"`    // write the state into the flow store under the item name
	ChangesOnly   bool               `mapstructure:"changes_only"`
	OHTimestamp   bool               `mapstructure:"oh_timestamp"`
}

// ItemGetter fetches the current state of an item
type ItemGetter interface {
	GetItem(ctx context.Context, name string) (models.Item, error)
}

type Deps struct {
	Feed    bus.Feed
	Items   ItemGetter
	Vars    vars.Scopes
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Emit    func(models.Message)
	Status  func(node string, d status.Display)
}

// Watch is one running state-watch node
type Watch struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	subs   *bus.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	last    string
	seen    bool
	events  uint64 // events handled, live or fetched
	display status.Display
}

func New(cfg Config, deps Deps) *Watch {
	if cfg.Name == "" {
		cfg.Name = cfg.Item
	}
	if len(cfg.EventTypes) == 0 {
		cfg.EventTypes = []models.EventKind{models.ItemStateChangedEvent}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Emit == nil {
		deps.Emit = func(models.Message) {}
	}
	if deps.Status == nil {
		deps.Status = func(string, status.Display) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watch{
		cfg:    cfg,
		deps:   deps,
		logger: logging.Component(deps.Logger, "watch").With("node", cfg.Name),
		subs:   bus.NewGroup(deps.Feed),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (w *Watch) Name() string { return w.cfg.Name }

func (w *Watch) Config() Config { return w.cfg }

// Start subscribes to the item and the connection lifecycle
func (w *Watch) Start() {
	for _, kind := range w.cfg.EventTypes {
		w.subs.Subscribe(bus.Key{Item: w.cfg.Item, Kind: kind}, w.onEvent)
	}
	w.subs.SubscribeLifecycle(w.onLifecycle)
}

// Close removes every subscription
func (w *Watch) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	w.cancel()
	w.subs.Close()
}

// LastState returns the last state seen, if any
func (w *Watch) LastState() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, w.seen
}

func (w *Watch) Status() status.Display {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.display
}

func (w *Watch) onLifecycle(ev bus.LifecycleEvent) {
	switch ev.Signal {
	case status.Connected:
		w.setDisplay(status.Map(status.Connection, status.Connected, ""))
		if w.cfg.InitialOutput {
			go w.emitCurrent()
		}
	case status.Disconnected, status.Error:
		w.setDisplay(status.Map(status.Connection, ev.Signal, ev.Text))
	}
}

// emitCurrent fetches the item and emits it as an ItemStateEvent. The fetched
// state is dropped when a live event arrived during the fetch.
func (w *Watch) emitCurrent() {
	if w.deps.Items == nil {
		return
	}
	w.mu.Lock()
	since := w.events
	w.mu.Unlock()

	item, err := w.deps.Items.GetItem(w.ctx, w.cfg.Item)
	if err != nil {
		if w.ctx.Err() == nil {
			w.logger.Warn("cannot read initial state", "item", w.cfg.Item, "error", err)
			w.setDisplay(status.Map(status.Node, status.Error, err.Error()))
		}
		return
	}
	w.handle(models.ItemEvent{Item: item.Name, Type: models.ItemStateEvent, State: item.State}, &since)
}

func (w *Watch) onEvent(ev models.ItemEvent) { w.handle(ev, nil) }

// handle emits ev. since is set for fetched states and holds the event count
// seen when the fetch started.
func (w *Watch) handle(ev models.ItemEvent, since *uint64) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if since != nil && *since != w.events {
		w.mu.Unlock()
		w.logger.Debug("fetched state superseded by a live event", "state", ev.State)
		return
	}
	w.events++
	if w.cfg.ChangesOnly && w.seen && w.last == ev.State {
		w.mu.Unlock()
		w.logger.Debug("unchanged state dropped", "state", ev.State)
		return
	}
	w.last, w.seen = ev.State, true
	msg := models.Message{
		Node:      w.cfg.Name,
		Topic:     w.cfg.Item,
		Payload:   ev.State,
		Item:      ev.Item,
		Type:      ev.Type,
		Timestamp: w.timestamp(),
	}
	d := status.Map(status.Node, status.CurrentState, ev.State)
	changed := d != w.display
	w.display = d
	w.mu.Unlock()

	if changed {
		w.deps.Status(w.cfg.Name, d)
	}
	w.deps.Emit(msg)
	w.deps.Metrics.WatchEmitted(w.cfg.Name)

	if w.cfg.StoreState && w.deps.Vars.Flow != nil {
		if err := w.deps.Vars.Flow.Set(w.ctx, w.cfg.Item, ev.State); err != nil {
			w.logger.Warn("cannot store state", "error", err)
		}
	}
}

func (w *Watch) setDisplay(d status.Display) {
	w.mu.Lock()
	if w.closed || d == w.display {
		w.mu.Unlock()
		return
	}
	w.display = d
	w.mu.Unlock()
	w.deps.Status(w.cfg.Name, d)
}

func (w *Watch) timestamp() any {
	now := w.deps.Clock.Now()
	if w.cfg.OHTimestamp {
		return now.Local().Format("2006-01-02T15:04:05.000")
	}
	return now.UnixMilli()
}
