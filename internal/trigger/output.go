package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"ohbridge/internal/condition"
	"ohbridge/internal/models"
)

// effects are collected under the trigger lock and delivered after it is
// released, in order.
type effects struct {
	msgs  []models.Message
	cmds  []models.OutboundCommand
	store []func(ctx context.Context) error
}

func (t *Trigger) flush(fx *effects) {
	for _, msg := range fx.msgs {
		t.deps.Emit(msg)
	}
	for _, cmd := range fx.cmds {
		t.deps.Send(cmd)
	}
	for _, fn := range fx.store {
		if err := fn(t.ctx); err != nil {
			t.logger.Warn("cannot store state", "error", err)
		}
	}
}

// fireLocked emits the trigger message for ev and starts an after-trigger cycle
func (t *Trigger) fireLocked(ev models.ItemEvent, fx *effects) {
	info := &models.TriggerInfo{
		Item:      ev.Item,
		Type:      ev.Type,
		State:     ev.State,
		Timestamp: t.timestamp(),
	}
	msg := models.Message{
		Node:    t.cfg.Name,
		Topic:   toString(t.resolveOutput(t.cfg.Topic, t.cfg.TopicType, ev)),
		Payload: t.resolveOutput(t.cfg.Payload, t.cfg.PayloadType, ev),
		Trigger: info,
	}
	t.st.last = info
	t.st.triggered = true
	fx.msgs = append(fx.msgs, msg)

	if c := t.cfg.Command; c != nil && c.Item != "" {
		fx.cmds = append(fx.cmds, models.OutboundCommand{Node: t.cfg.Name, Item: c.Item, Kind: c.Kind, Payload: toString(msg.Payload)})
	}
	t.deps.Metrics.TriggerFired(t.cfg.Name)
	t.logger.Info("fired", "item", ev.Item, "state", ev.State)
}

// endMessageLocked emits the after-trigger end message
func (t *Trigger) endMessageLocked(last *models.TriggerInfo, fx *effects) {
	var ev models.ItemEvent
	if last != nil {
		ev = models.ItemEvent{Item: last.Item, Type: last.Type, State: last.State}
	}
	msg := models.Message{
		Node:    t.cfg.Name,
		Topic:   toString(t.resolveOutput(t.cfg.TopicEnd, t.cfg.TopicEndType, ev)),
		Payload: t.resolveOutput(t.cfg.PayloadEnd, t.cfg.PayloadEndType, ev),
		Trigger: last,
		End:     true,
	}
	fx.msgs = append(fx.msgs, msg)

	if c := t.cfg.Command; c != nil && c.Item != "" && c.OnEnd {
		fx.cmds = append(fx.cmds, models.OutboundCommand{Node: t.cfg.Name, Item: c.Item, Kind: c.Kind, Payload: toString(msg.Payload)})
	}
	t.deps.Metrics.TriggerEnded(t.cfg.Name)
	t.logger.Info("end")
}

func (t *Trigger) storeStateLocked(state string, fx *effects) {
	t.st.lastState = state
	if !t.cfg.StoreState || t.cfg.StoreStateVariable == "" {
		return
	}
	store := t.deps.Resolver.Vars.Of(t.cfg.StoreStateScope)
	if store == nil {
		return
	}
	key := t.cfg.StoreStateVariable
	fx.store = append(fx.store, func(ctx context.Context) error {
		return store.Set(ctx, key, state)
	})
}

// resolveOutput resolves a topic or payload setting. The msg type reads a
// field of the triggering event.
func (t *Trigger) resolveOutput(raw string, typ condition.ValueType, ev models.ItemEvent) any {
	if typ == TypeMsg {
		return eventField(ev, raw)
	}
	v, err := t.deps.Resolver.Resolve(t.ctx, typ, raw)
	if err != nil {
		t.logger.Warn("cannot resolve output value", "type", typ, "error", err)
		return nil
	}
	return v
}

func eventField(ev models.ItemEvent, field string) any {
	switch strings.ToLower(field) {
	case "item":
		return ev.Item
	case "type":
		return string(ev.Type)
	case "state", "payload":
		return ev.State
	case "topic":
		return ev.Topic
	case "raw":
		if len(ev.Payload) == 0 {
			return nil
		}
		var v any
		if err := json.Unmarshal(ev.Payload, &v); err != nil {
			return nil
		}
		return v
	}
	return nil
}

// timestamp is epoch millis, or the local time without zone the way the hub
// formats it.
func (t *Trigger) timestamp() any {
	now := t.deps.Clock.Now()
	if t.cfg.OHTimestamp {
		return now.Local().Format("2006-01-02T15:04:05.000")
	}
	return now.UnixMilli()
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case fmt.Stringer:
		return x.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
