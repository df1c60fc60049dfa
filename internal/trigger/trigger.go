// Package trigger implements the trigger node: conditions over watched item
// states, armed/disarmed state, rising-edge fires and the after-trigger
// policies (nothing, no-delay, timer, wait for untrigger).
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"ohbridge/internal/bus"
	"ohbridge/internal/clock"
	"ohbridge/internal/condition"
	"ohbridge/internal/logging"
	"ohbridge/internal/metrics"
	"ohbridge/internal/models"
	"ohbridge/internal/status"
	"ohbridge/internal/vars"
)

// ErrUnknownInput is returned for an input message the trigger does not accept
var ErrUnknownInput = errors.New("trigger: unknown input")

// Action is an explicit control input
type Action string

const (
	ActionArm    Action = "arm"
	ActionDisarm Action = "disarm"
	ActionReset  Action = "reset"
)

// Input is an inbound message. A payload of "RESET" resets the trigger;
// anything else is an arm/disarm value when input arming is enabled.
type Input struct {
	Payload any `json:"payload"`
	State   any `json:"state,omitempty"`
}

// ItemGetter fetches the current state of an item
type ItemGetter interface {
	GetItem(ctx context.Context, name string) (models.Item, error)
}

// Deps are the collaborators of a trigger
type Deps struct {
	Feed     bus.Feed
	Items    ItemGetter
	Vars     vars.Scopes
	Resolver *condition.Resolver // built from Vars and Clock when nil
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Emit     func(models.Message)
	Send     func(models.OutboundCommand)
	Status   func(node string, d status.Display)
}

// runtime is the mutable state of one trigger, guarded by Trigger.mu
type runtime struct {
	armed     bool
	armKnown  bool
	triggered bool            // an after-trigger cycle is running
	latched   bool            // conditions currently satisfied
	satisfied map[string]bool // per watched item
	last      *models.TriggerInfo
	lastState string
	timer     clock.Timer
	timerGen  uint64
	display   status.Display
}

// Snapshot is a read-only copy of the runtime state
type Snapshot struct {
	Name         string              `json:"name"`
	Items        []string            `json:"items"`
	Armed        bool                `json:"armed"`
	Triggered    bool                `json:"triggered"`
	Latched      bool                `json:"latched"`
	TimerPending bool                `json:"timer_pending"`
	LastTrigger  *models.TriggerInfo `json:"last_trigger,omitempty"`
	LastState    string              `json:"last_state,omitempty"`
	Status       status.Display      `json:"status"`
}

// Trigger is one running trigger node
type Trigger struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	subs   *bus.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	st     runtime
}

// New builds a trigger. It does nothing until Start.
func New(cfg Config, deps Deps) *Trigger {
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Resolver == nil {
		deps.Resolver = condition.NewResolver(deps.Vars, deps.Clock)
	}
	if deps.Emit == nil {
		deps.Emit = func(models.Message) {}
	}
	if deps.Send == nil {
		deps.Send = func(models.OutboundCommand) {}
	}
	if deps.Status == nil {
		deps.Status = func(string, status.Display) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Trigger{
		cfg:    cfg,
		deps:   deps,
		logger: logging.Component(deps.Logger, "trigger").With("node", cfg.Name),
		subs:   bus.NewGroup(deps.Feed),
		ctx:    ctx,
		cancel: cancel,
		st:     runtime{satisfied: make(map[string]bool)},
	}
}

func (t *Trigger) Name() string { return t.cfg.Name }

func (t *Trigger) Config() Config { return t.cfg }

// Start subscribes to the watched items, the arm item and the connection
// lifecycle, and applies a static arm source.
func (t *Trigger) Start() {
	for _, item := range t.cfg.Items {
		for _, kind := range t.cfg.EventTypes {
			t.subs.Subscribe(bus.Key{Item: item, Kind: kind}, t.onEvent)
		}
	}
	if t.cfg.ArmSource == ArmByItem && t.cfg.ArmItem != "" {
		for _, kind := range t.cfg.EventTypes {
			t.subs.Subscribe(bus.Key{Item: t.cfg.ArmItem, Kind: kind}, t.onArmEvent)
		}
	}
	t.subs.SubscribeLifecycle(t.onLifecycle)

	if t.cfg.ArmSource != ArmByItem {
		t.withLock(func(*effects) { t.applyArmSourceLocked() })
	}
	t.logger.Debug("started", "items", t.cfg.Items, "after_trigger", t.cfg.AfterTrigger)
}

// Close removes every subscription and cancels the pending timer
func (t *Trigger) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.stopTimerLocked()
	t.mu.Unlock()

	t.cancel()
	t.subs.Close()
	t.logger.Debug("closed")
}

// Snapshot copies the current runtime state
func (t *Trigger) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	var last *models.TriggerInfo
	if t.st.last != nil {
		cp := *t.st.last
		last = &cp
	}
	return Snapshot{
		Name:         t.cfg.Name,
		Items:        append([]string(nil), t.cfg.Items...),
		Armed:        t.st.armed,
		Triggered:    t.st.triggered,
		Latched:      t.st.latched,
		TimerPending: t.st.timer != nil,
		LastTrigger:  last,
		LastState:    t.st.lastState,
		Status:       t.st.display,
	}
}

// Input handles an inbound control message
func (t *Trigger) Input(in Input) error {
	if s, ok := in.Payload.(string); ok && strings.EqualFold(strings.TrimSpace(s), "RESET") {
		t.Do(ActionReset)
		return nil
	}
	if !t.cfg.InputArmDisarm {
		return fmt.Errorf("%w: arm/disarm input is disabled", ErrUnknownInput)
	}
	t.withLock(func(*effects) {
		t.armLocked(!t.isDisarmed(armValue(in)))
	})
	return nil
}

// Do applies an explicit action, used by schedules and the HTTP API
func (t *Trigger) Do(a Action) error {
	switch a {
	case ActionArm:
		t.withLock(func(*effects) { t.armLocked(true) })
	case ActionDisarm:
		t.withLock(func(*effects) { t.armLocked(false) })
	case ActionReset:
		t.withLock(func(*effects) { t.resetLocked() })
		if t.cfg.ArmSource == ArmByItem {
			go t.fetchArmItem()
		}
	default:
		return fmt.Errorf("%w: action %q", ErrUnknownInput, a)
	}
	return nil
}

func (t *Trigger) withLock(fn func(fx *effects)) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	fx := &effects{}
	fn(fx)
	t.mu.Unlock()
	t.flush(fx)
}

func (t *Trigger) onLifecycle(ev bus.LifecycleEvent) {
	switch ev.Signal {
	case status.Connected:
		if t.cfg.ArmSource == ArmByItem {
			go t.fetchArmItem()
			return
		}
		t.withLock(func(*effects) {
			t.applyArmSourceLocked()
			t.showArmedLocked()
		})
	case status.Error:
		t.withLock(func(*effects) {
			t.setDisplayLocked(status.Map(status.Node, status.Error, ev.Text))
		})
	}
}

// fetchArmItem reads the arm item from the hub and arms accordingly
func (t *Trigger) fetchArmItem() {
	if t.deps.Items == nil || t.cfg.ArmItem == "" {
		return
	}
	item, err := t.deps.Items.GetItem(t.ctx, t.cfg.ArmItem)
	if err != nil {
		if t.ctx.Err() != nil {
			return
		}
		t.logger.Warn("cannot read arm item", "item", t.cfg.ArmItem, "error", err)
		t.withLock(func(*effects) {
			t.setDisplayLocked(status.Map(status.Node, status.Error, err.Error()))
		})
		return
	}
	t.withLock(func(*effects) {
		t.armLocked(!t.isDisarmed(item.State))
		t.showArmedLocked()
	})
}

func (t *Trigger) onArmEvent(ev models.ItemEvent) {
	t.withLock(func(*effects) {
		t.armLocked(!t.isDisarmed(ev.State))
	})
}

func (t *Trigger) applyArmSourceLocked() {
	switch t.cfg.ArmSource {
	case ArmAlways:
		t.armLocked(true)
	case ArmNever:
		t.armLocked(false)
	}
}

// armLocked changes the armed state. Repeating the current state is a no-op.
func (t *Trigger) armLocked(armed bool) {
	if t.st.armKnown && t.st.armed == armed {
		return
	}
	t.st.armKnown = true
	t.st.armed = armed
	t.clearCycleLocked()
	if !armed {
		t.st.last = nil
	}
	if !t.cfg.KeepTimerOnDisarm {
		t.stopTimerLocked()
	}
	t.logger.Info("armed state changed", "armed", armed)
	t.showArmedLocked()
}

func (t *Trigger) clearCycleLocked() {
	t.st.triggered = false
	t.st.latched = false
	clear(t.st.satisfied)
}

func (t *Trigger) resetLocked() {
	t.stopTimerLocked()
	t.clearCycleLocked()
	t.logger.Info("reset")
	t.applyArmSourceLocked()
	t.showArmedLocked()
}

func (t *Trigger) showArmedLocked() {
	if !t.st.armKnown {
		return
	}
	switch {
	case t.st.armed:
		t.setDisplayLocked(status.Map(status.Node, status.Armed, ""))
	case t.st.timer != nil:
		// a kept timer still owes the end message
		t.setDisplayLocked(status.Map(status.Node, status.Triggered, "disarmed"))
	default:
		t.setDisplayLocked(status.Map(status.Node, status.Disarmed, ""))
	}
}

func (t *Trigger) setDisplayLocked(d status.Display) {
	if d == t.st.display {
		return
	}
	t.st.display = d
	t.deps.Status(t.cfg.Name, d)
}

// isDisarmed reports whether v is one of the disarmed values
func (t *Trigger) isDisarmed(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case string:
		if x == "" {
			return true
		}
	}
	for _, s := range t.cfg.DisarmedValues {
		if condition.LooseEqual(v, s) {
			return true
		}
	}
	return false
}

// armValue picks the first set value of state, payload and payload.state
func armValue(in Input) any {
	if truthy(in.State) {
		return in.State
	}
	if m, ok := in.Payload.(map[string]any); ok {
		if s, ok := m["state"]; ok {
			return s
		}
	}
	if truthy(in.Payload) {
		return in.Payload
	}
	return false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	}
	return true
}

func (t *Trigger) onEvent(ev models.ItemEvent) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	fx := &effects{}
	t.handleEventLocked(ev, fx)
	t.mu.Unlock()
	t.flush(fx)
}

func (t *Trigger) handleEventLocked(ev models.ItemEvent, fx *effects) {
	defer t.storeStateLocked(ev.State, fx)
	if !t.st.armed {
		return
	}
	ctx := t.ctx

	primary, err := t.deps.Resolver.MatchState(ctx, t.cfg.Conditions, ev.State)
	if err != nil {
		t.logger.Warn("trigger condition failed", "item", ev.Item, "error", err)
	}
	t.st.satisfied[ev.Item] = primary

	additional := true
	if primary && !(t.cfg.AdditionalFrequency == FirstTrigger && t.st.latched) {
		additional, err = t.deps.Resolver.MatchVariables(ctx, t.cfg.Additional)
		if err != nil {
			t.logger.Warn("additional condition failed", "item", ev.Item, "error", err)
		}
	}
	pass := primary && additional

	wasLatched := t.st.latched
	switch {
	case pass:
		t.st.latched = true
	case primary || !t.anySatisfiedLocked():
		t.st.latched = false
	}
	t.logger.Debug("event evaluated", "item", ev.Item, "state", ev.State, "primary", primary, "additional", additional, "latched", t.st.latched)

	fired := false
	if pass && !wasLatched && t.st.timer == nil {
		t.fireLocked(ev, fx)
		fired = true
	}
	if t.st.latched {
		t.setDisplayLocked(status.Map(status.Node, status.Triggered, ""))
	}

	switch t.cfg.AfterTrigger {
	case AfterNothing:
		if fired {
			t.finishLocked()
		}
	case AfterNoDelay:
		if fired {
			last := t.st.last
			t.deps.Clock.AfterFunc(0, func() {
				t.withLock(func(fx *effects) { t.endMessageLocked(last, fx) })
			})
			t.finishLocked()
		}
	case AfterTimer:
		if fired {
			t.startTimerLocked()
		} else if pass && t.st.timer != nil && t.cfg.TimerResetEveryTrigger {
			t.startTimerLocked()
		}
	case AfterUntrigger:
		if wasLatched && !t.st.latched && t.st.triggered {
			t.endMessageLocked(t.st.last, fx)
			t.finishLocked()
		}
	}
	if wasLatched && !t.st.latched && !t.st.triggered && t.st.timer == nil {
		t.showArmedLocked()
	}
}

func (t *Trigger) anySatisfiedLocked() bool {
	for _, ok := range t.st.satisfied {
		if ok {
			return true
		}
	}
	return false
}

// finishLocked ends an after-trigger cycle: applies the arm/disarm
// directive and clears the triggered flag.
func (t *Trigger) finishLocked() {
	switch t.cfg.ArmDisarm {
	case DirectiveArm:
		t.armLocked(true)
	case DirectiveDisarm:
		t.armLocked(false)
	}
	t.st.triggered = false
	if !t.st.latched {
		t.showArmedLocked()
	}
}

func (t *Trigger) startTimerLocked() {
	t.stopTimerLocked()
	d := t.delayLocked()
	gen := t.st.timerGen
	t.st.timer = t.deps.Clock.AfterFunc(d, func() { t.onTimer(gen) })
	t.logger.Debug("timer started", "delay", d)
}

func (t *Trigger) stopTimerLocked() {
	if t.st.timer != nil {
		t.st.timer.Stop()
		t.st.timer = nil
	}
	t.st.timerGen++
}

func (t *Trigger) onTimer(gen uint64) {
	t.withLock(func(fx *effects) {
		if gen != t.st.timerGen {
			return
		}
		t.st.timer = nil
		if t.cfg.TimerRetryWhileTriggered && t.st.latched && t.st.armed {
			t.startTimerLocked()
			return
		}
		t.endMessageLocked(t.st.last, fx)
		t.finishLocked()
	})
}

func (t *Trigger) delayLocked() time.Duration {
	if t.cfg.TimerType == "" {
		return t.cfg.timerDuration()
	}
	v, err := t.deps.Resolver.Resolve(t.ctx, t.cfg.TimerType, t.cfg.TimerSource)
	if err != nil {
		t.logger.Warn("cannot resolve timer", "error", err)
		return t.cfg.timerDuration()
	}
	ms := condition.ToNumber(v)
	if math.IsNaN(ms) || ms < 0 {
		return 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}
