// Package engine wires the hub connection, the bus and the configured
// trigger and watch nodes together and owns their lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"ohbridge/internal/bus"
	"ohbridge/internal/clock"
	"ohbridge/internal/condition"
	"ohbridge/internal/config"
	"ohbridge/internal/logging"
	"ohbridge/internal/metrics"
	"ohbridge/internal/models"
	"ohbridge/internal/openhab"
	"ohbridge/internal/scheduler"
	"ohbridge/internal/status"
	"ohbridge/internal/trigger"
	"ohbridge/internal/vars"
	"ohbridge/internal/watch"
)

// ErrNodeNotFound is returned for an unknown node name
var ErrNodeNotFound = errors.New("node not found")

const recentSize = 100

// Options carries the optional collaborators of an Engine
type Options struct {
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Vars      vars.Scopes // memory stores when empty
	Clock     clock.Clock
	Transport openhab.Transport // chosen from the hub config when nil
	Queue     CommandQueue      // commands are sent directly when nil
	Scheduler *scheduler.Scheduler
	Sinks     []Sink
}

// Engine is the core control engine
type Engine struct {
	cfg     *config.Config
	opts    Options
	logger  *slog.Logger
	bus     *bus.Bus
	client  *openhab.Client
	stream  *openhab.Stream
	board   *status.Board
	sched   *scheduler.Scheduler
	ownCron bool

	ctx    context.Context
	cancel context.CancelFunc
	out    chan models.Message
	wg     sync.WaitGroup

	mu       sync.RWMutex
	started  bool
	stopped  bool
	triggers map[string]*trigger.Trigger
	watches  map[string]*watch.Watch
	failed   map[string]string // node -> config error
	recent   []models.Message
}

// NewEngine creates a new engine instance
func NewEngine(cfg *config.Config, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Vars.Flow == nil || opts.Vars.Global == nil {
		opts.Vars = vars.NewMemoryScopes()
	}
	logger := logging.Component(opts.Logger, "engine")
	b := bus.New(opts.Logger)
	client := openhab.NewClient(cfg.OpenHAB, opts.Logger, opts.Metrics)

	streamOpts := []openhab.StreamOption{openhab.WithClock(opts.Clock), openhab.WithMetrics(opts.Metrics)}
	if opts.Transport != nil {
		streamOpts = append(streamOpts, openhab.WithTransport(opts.Transport))
	}

	sched := opts.Scheduler
	ownCron := false
	if sched == nil {
		sched = scheduler.NewScheduler(opts.Logger)
		ownCron = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		bus:      b,
		client:   client,
		stream:   openhab.NewStream(client, b, opts.Logger, streamOpts...),
		board:    status.NewBoard(),
		sched:    sched,
		ownCron:  ownCron,
		ctx:      ctx,
		cancel:   cancel,
		out:      make(chan models.Message, 256),
		triggers: make(map[string]*trigger.Trigger),
		watches:  make(map[string]*watch.Watch),
		failed:   make(map[string]string),
	}
}

// Start builds the nodes, starts delivering messages and connects to the hub.
// Nodes with configuration errors are skipped and shown with an error status.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine: already started")
	}
	e.started = true
	e.mu.Unlock()

	if err := e.cfg.Validate(); err != nil {
		if fatal := e.recordConfigErrors(err); fatal != nil {
			return fatal
		}
	}

	resolver := condition.NewResolver(e.opts.Vars, e.opts.Clock)
	for _, tc := range e.cfg.Triggers {
		if e.isFailed(tc.Name) {
			continue
		}
		t := trigger.New(tc, trigger.Deps{
			Feed:     e.bus,
			Items:    e.client,
			Vars:     e.opts.Vars,
			Resolver: resolver,
			Clock:    e.opts.Clock,
			Logger:   e.opts.Logger,
			Metrics:  e.opts.Metrics,
			Emit:     e.emit,
			Send:     e.send,
			Status:   e.board.Set,
		})
		if err := e.sched.AddOrUpdateSchedules(t, tc.Schedules); err != nil {
			e.markFailed(tc.Name, err.Error())
			continue
		}
		t.Start()
		e.mu.Lock()
		e.triggers[t.Name()] = t
		e.mu.Unlock()
	}
	for _, wc := range e.cfg.Watches {
		if e.isFailed(wc.Name) {
			continue
		}
		w := watch.New(wc, watch.Deps{
			Feed:    e.bus,
			Items:   e.client,
			Vars:    e.opts.Vars,
			Clock:   e.opts.Clock,
			Logger:  e.opts.Logger,
			Metrics: e.opts.Metrics,
			Emit:    e.emit,
			Status:  e.board.Set,
		})
		w.Start()
		e.mu.Lock()
		e.watches[w.Name()] = w
		e.mu.Unlock()
	}

	e.wg.Add(1)
	go e.deliverLoop()
	if e.ownCron {
		e.sched.Start()
	}
	e.stream.Connect()

	e.logger.Info("engine started", "triggers", len(e.triggers), "watches", len(e.watches), "failed", len(e.failed))
	return nil
}

// recordConfigErrors marks nodes with errors as failed. Errors that are not
// tied to a node are returned.
func (e *Engine) recordConfigErrors(err error) error {
	var fatal []error
	for _, one := range flatten(err) {
		var cerr *config.Error
		if errors.As(one, &cerr) && cerr.Node != "" {
			e.markFailed(cerr.Node, cerr.Error())
			continue
		}
		fatal = append(fatal, one)
	}
	return errors.Join(fatal...)
}

func flatten(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range joined.Unwrap() {
			out = append(out, flatten(e)...)
		}
		return out
	}
	return []error{err}
}

func (e *Engine) markFailed(node, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, done := e.failed[node]; done {
		return
	}
	e.failed[node] = msg
	e.board.Set(node, status.Map(status.Node, status.Error, msg))
	e.logger.Error("node disabled", "node", node, "error", msg)
}

func (e *Engine) isFailed(node string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.failed[node]
	return ok
}

// Stop disconnects from the hub, closes every node and drains pending messages
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped || !e.started {
		e.stopped = true
		e.mu.Unlock()
		return
	}
	e.stopped = true
	triggers := e.triggers
	watches := e.watches
	e.mu.Unlock()

	e.stream.Disconnect()
	for name, t := range triggers {
		e.sched.RemoveSchedules(name)
		t.Close()
	}
	for _, w := range watches {
		w.Close()
	}
	if e.ownCron {
		e.sched.Stop()
	}
	close(e.out)
	e.cancel()
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

func (e *Engine) Bus() *bus.Bus { return e.bus }

func (e *Engine) Client() *openhab.Client { return e.client }

func (e *Engine) Stream() *openhab.Stream { return e.stream }

func (e *Engine) Board() *status.Board { return e.board }

// ConnectionStatus is the display of the hub connection
func (e *Engine) ConnectionStatus() status.Display {
	ev := e.stream.State()
	return status.Map(status.Connection, ev.Signal, ev.Text)
}

// Trigger returns a running trigger by name
func (e *Engine) Trigger(name string) (*trigger.Trigger, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.triggers[name]
	return t, ok
}

func (e *Engine) TriggerSnapshot(name string) (trigger.Snapshot, bool) {
	t, ok := e.Trigger(name)
	if !ok {
		return trigger.Snapshot{}, false
	}
	return t.Snapshot(), true
}

// Refresh drops the item cache and re-publishes the state of every item
func (e *Engine) Refresh(ctx context.Context) error {
	e.client.InvalidateItems()
	return e.stream.Refresh(ctx)
}

// Triggers returns snapshots of every running trigger, sorted by name
func (e *Engine) Triggers() []trigger.Snapshot {
	e.mu.RLock()
	list := make([]*trigger.Trigger, 0, len(e.triggers))
	for _, t := range e.triggers {
		list = append(list, t)
	}
	e.mu.RUnlock()

	out := make([]trigger.Snapshot, 0, len(list))
	for _, t := range list {
		out = append(out, t.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Failed returns the nodes disabled by configuration errors
func (e *Engine) Failed() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.failed))
	for k, v := range e.failed {
		out[k] = v
	}
	return out
}

// Input delivers a control input to a trigger
func (e *Engine) Input(node string, in trigger.Input) error {
	t, ok := e.Trigger(node)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, node)
	}
	return t.Input(in)
}

// Recent returns up to n of the latest emitted messages, oldest first
func (e *Engine) Recent(n int) []models.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if n <= 0 || n > len(e.recent) {
		n = len(e.recent)
	}
	return append([]models.Message(nil), e.recent[len(e.recent)-n:]...)
}

// emit is called by nodes after their lock is released
func (e *Engine) emit(msg models.Message) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.recent = append(e.recent, msg)
	if len(e.recent) > recentSize {
		e.recent = e.recent[len(e.recent)-recentSize:]
	}
	// Sending under the lock keeps Stop from closing the channel mid-send.
	select {
	case e.out <- msg:
	case <-e.ctx.Done():
	}
	e.mu.Unlock()
	e.logger.Debug("emitted", "node", msg.Node, "end", msg.End)
}
