package openhab

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"ohbridge/internal/bus"
	"ohbridge/internal/clock"
	"ohbridge/internal/logging"
	"ohbridge/internal/metrics"
	"ohbridge/internal/models"
	"ohbridge/internal/status"
)

const (
	DefaultRetryDelay = 15 * time.Second
	initialStateRetry = 5 * time.Second
)

// Publisher is the publishing side of the bus
type Publisher interface {
	Publish(ev models.ItemEvent)
	PublishTo(key bus.Key, ev models.ItemEvent)
	PublishLifecycle(ev bus.LifecycleEvent)
}

// Stream is the Event Stream Client. It keeps at most one transport open,
// publishes every parsed frame on the bus and reconnects after retryable
// failures.
type Stream struct {
	client    *Client
	transport Transport
	pub       Publisher
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	delay     time.Duration
	raw       bool

	snapshots chan snapshot

	mu         sync.Mutex
	active     bool   // between Connect and Disconnect, or a terminal error
	gen        uint64 // bumped on every dial and on Disconnect
	conn       Conn
	runCtx     context.Context
	cancel     context.CancelFunc
	retry      clock.Timer
	stateRetry clock.Timer
	state      status.Signal
	last       bus.LifecycleEvent
	opens      int
}

// snapshot carries fetched item states to the reader goroutine, which is the
// only one publishing item events
type snapshot struct {
	gen   uint64
	items []models.Item
	done  chan struct{}
}

type frameResult struct {
	data []byte
	err  error
}

type StreamOption func(*Stream)

// WithTransport replaces the transport chosen from the client config
func WithTransport(t Transport) StreamOption {
	return func(s *Stream) { s.transport = t }
}

func WithClock(c clock.Clock) StreamOption {
	return func(s *Stream) { s.clock = c }
}

func WithMetrics(m *metrics.Metrics) StreamOption {
	return func(s *Stream) { s.metrics = m }
}

// NewStream creates a disconnected stream
func NewStream(client *Client, pub Publisher, logger *slog.Logger, opts ...StreamOption) *Stream {
	s := &Stream{
		client: client,
		pub:    pub,
		clock:  clock.Real(),
		logger: logging.Component(logger, "stream"),
		delay:  client.cfg.RetryDelay,
		raw:    client.cfg.AllowRawEvents,
		state:  status.Disconnected,

		snapshots: make(chan snapshot),
	}
	if s.delay <= 0 {
		s.delay = DefaultRetryDelay
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.transport == nil {
		s.transport = NewTransport(client)
	}
	return s
}

// Connect opens the stream unless it is already open, opening or waiting
// for a retry.
func (s *Stream) Connect() {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.dialLocked()
	ev := s.setStateLocked(status.Connecting, "", nil)
	s.mu.Unlock()

	s.logger.Info("connecting", "url", s.client.BaseURL(), "transport", s.transport.Name())
	s.pub.PublishLifecycle(ev)
}

// Disconnect closes the transport and cancels a pending retry. Calling it on
// a disconnected stream does nothing.
func (s *Stream) Disconnect() {
	s.mu.Lock()
	if !s.active && s.state == status.Disconnected {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.gen++
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.stopStateRetryLocked()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	conn := s.conn
	s.conn = nil
	ev := s.setStateLocked(status.Disconnected, "", nil)
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.metrics.SetConnected(false)
	s.logger.Info("disconnected")
	s.pub.PublishLifecycle(ev)
}

// State returns the last lifecycle transition
func (s *Stream) State() bus.LifecycleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Connected reports whether a transport is open
func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Opens counts transport open attempts
func (s *Stream) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// RetryPending reports whether a reconnect is scheduled
func (s *Stream) RetryPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry != nil
}

// Refresh re-publishes the current state of every item. It returns once the
// states are published.
func (s *Stream) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	g, runCtx := s.gen, s.runCtx
	s.mu.Unlock()

	items, err := s.client.ListItems(ctx, true)
	if err != nil {
		return err
	}
	return s.deliver(ctx, runCtx, g, items)
}

// deliver hands items to the reader goroutine of generation g and waits
// until they are published
func (s *Stream) deliver(ctx, runCtx context.Context, g uint64, items []models.Item) error {
	snap := snapshot{gen: g, items: items, done: make(chan struct{})}
	select {
	case s.snapshots <- snap:
	case <-runCtx.Done():
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	<-snap.done
	return nil
}

func (s *Stream) setStateLocked(sig status.Signal, text string, err error) bus.LifecycleEvent {
	s.state = sig
	s.last = bus.LifecycleEvent{Signal: sig, Text: text, Err: err}
	return s.last
}

func (s *Stream) dialLocked() {
	s.gen++
	g := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.runCtx = ctx
	s.cancel = cancel
	s.opens++
	go s.run(ctx, g)
}

func (s *Stream) current(g uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active && g == s.gen
}

func (s *Stream) run(ctx context.Context, g uint64) {
	conn, err := s.transport.Open(ctx)
	if err != nil {
		s.fail(g, err)
		return
	}

	s.mu.Lock()
	if !s.active || g != s.gen {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	ev := s.setStateLocked(status.Connected, "", nil)
	s.mu.Unlock()

	s.metrics.SetConnected(true)
	s.logger.Info("connected", "url", s.client.BaseURL())
	s.pub.PublishLifecycle(ev)

	// Frames arriving meanwhile wait in the connection, so live events are
	// published after the snapshot.
	s.loadInitialState(ctx, g)

	frames := make(chan frameResult)
	go pump(ctx, conn, frames)
	for {
		select {
		case f := <-frames:
			if f.err != nil {
				conn.Close()
				s.fail(g, f.err)
				return
			}
			if !s.current(g) {
				return
			}
			s.handleFrame(f.data)
		case snap := <-s.snapshots:
			if snap.gen == g {
				s.publishStates(g, snap.items)
			}
			close(snap.done)
		case <-ctx.Done():
			return
		}
	}
}

func pump(ctx context.Context, conn Conn, frames chan<- frameResult) {
	for {
		data, err := conn.Next()
		select {
		case frames <- frameResult{data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Stream) handleFrame(data []byte) {
	ev, err := ParseFrame(data)
	if errors.Is(err, ErrNotItemEvent) {
		if s.raw {
			s.pub.PublishTo(bus.Key{Kind: models.RawEvent}, rawEvent(ev.Topic, data))
		}
		return
	}
	if err != nil {
		s.metrics.ParseError()
		s.logger.Warn("dropping frame", "error", err)
		return
	}

	s.metrics.FrameReceived(string(ev.Type))
	s.logger.Debug("event", "item", ev.Item, "type", ev.Type, "state", ev.State)
	if s.raw {
		raw := rawEvent(ev.Topic, data)
		raw.Item = ev.Item
		s.pub.PublishTo(bus.Key{Kind: models.RawEvent}, raw)
		s.pub.PublishTo(bus.Key{Item: ev.Item, Kind: models.RawEvent}, raw)
	}
	s.pub.Publish(ev)
}

func rawEvent(topic string, data []byte) models.ItemEvent {
	payload := json.RawMessage(data)
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(data))
	}
	return models.ItemEvent{Type: models.RawEvent, Topic: topic, Payload: payload}
}

// fail classifies err and schedules one reconnect when it is retryable
func (s *Stream) fail(g uint64, err error) {
	cerr := Classify(s.client.BaseURL(), err)

	s.mu.Lock()
	if !s.active || g != s.gen {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.stopStateRetryLocked()
	retry := cerr.Retryable()
	if retry {
		if s.retry == nil {
			s.retry = s.clock.AfterFunc(s.delay, func() { s.reconnect(g) })
		}
	} else {
		s.active = false
	}
	ev := s.setStateLocked(status.Error, cerr.Kind.String(), cerr)
	s.mu.Unlock()

	s.metrics.SetConnected(false)
	s.metrics.ConnectionError(cerr.Kind.String())
	if retry {
		s.logger.Warn("stream failed, retrying", "error", cerr, "retry_in", s.delay)
	} else {
		s.logger.Error("stream failed, not retrying", "error", cerr)
	}
	s.pub.PublishLifecycle(ev)
}

func (s *Stream) reconnect(g uint64) {
	s.mu.Lock()
	if !s.active || g != s.gen {
		s.mu.Unlock()
		return
	}
	s.retry = nil
	s.dialLocked()
	ev := s.setStateLocked(status.Connecting, "", nil)
	s.mu.Unlock()

	s.metrics.Reconnect()
	s.logger.Info("reconnecting", "url", s.client.BaseURL())
	s.pub.PublishLifecycle(ev)
}

// loadInitialState publishes one ItemStateEvent per item so listeners start
// from the current state. It runs on the reader goroutine. A 503 means the
// hub is still starting and the fetch is tried again later.
func (s *Stream) loadInitialState(ctx context.Context, g uint64) {
	items, err := s.client.ListItems(ctx, true)
	if err != nil {
		s.initialStateFailed(ctx, g, err)
		return
	}
	s.publishStates(g, items)
}

func (s *Stream) initialStateFailed(ctx context.Context, g uint64, err error) {
	if ctx.Err() != nil {
		return
	}
	var cerr *CommandError
	if !errors.As(err, &cerr) || cerr.Status != http.StatusServiceUnavailable {
		s.logger.Warn("initial state fetch failed", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || g != s.gen {
		return
	}
	s.logger.Warn("hub not ready, fetching item states again shortly", "retry_in", initialStateRetry)
	s.stateRetry = s.clock.AfterFunc(initialStateRetry, func() { s.retryInitialState(ctx, g) })
}

// retryInitialState runs on the clock's goroutine and hands the states to
// the reader goroutine
func (s *Stream) retryInitialState(ctx context.Context, g uint64) {
	s.mu.Lock()
	s.stateRetry = nil
	s.mu.Unlock()
	if ctx.Err() != nil || !s.current(g) {
		return
	}

	items, err := s.client.ListItems(ctx, true)
	if err != nil {
		s.initialStateFailed(ctx, g, err)
		return
	}
	if err := s.deliver(ctx, ctx, g, items); err != nil && ctx.Err() == nil {
		s.logger.Warn("initial state not published", "error", err)
	}
}

func (s *Stream) stopStateRetryLocked() {
	if s.stateRetry != nil {
		s.stateRetry.Stop()
		s.stateRetry = nil
	}
}

func (s *Stream) publishStates(g uint64, items []models.Item) {
	for _, item := range items {
		if !s.current(g) {
			return
		}
		payload, _ := json.Marshal(map[string]string{"type": item.Type, "value": item.State})
		s.pub.Publish(models.ItemEvent{
			Item:    item.Name,
			Type:    models.ItemStateEvent,
			State:   item.State,
			Payload: payload,
		})
	}
	s.logger.Debug("item states published", "count", len(items))
}
