package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ohbridge/internal/bus"
	"ohbridge/internal/clock"
	"ohbridge/internal/condition"
	"ohbridge/internal/logging"
	"ohbridge/internal/models"
	"ohbridge/internal/status"
	"ohbridge/internal/vars"
)

type harness struct {
	bus   *bus.Bus
	clock *clock.Fake
	vars  vars.Scopes
	trig  *Trigger

	mu      sync.Mutex
	msgs    []models.Message
	cmds    []models.OutboundCommand
	display []status.Display
}

type stubItems map[string]string

func (s stubItems) GetItem(_ context.Context, name string) (models.Item, error) {
	state, ok := s[name]
	if !ok {
		return models.Item{}, errors.New("Not found")
	}
	return models.Item{Name: name, State: state}, nil
}

func newHarness(t *testing.T, cfg Config, items ItemGetter) *harness {
	t.Helper()
	h := &harness{
		bus:   bus.New(logging.Nop()),
		clock: clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		vars:  vars.NewMemoryScopes(),
	}
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	h.trig = New(cfg, Deps{
		Feed:   h.bus,
		Items:  items,
		Vars:   h.vars,
		Clock:  h.clock,
		Logger: logging.Nop(),
		Emit: func(m models.Message) {
			h.mu.Lock()
			h.msgs = append(h.msgs, m)
			h.mu.Unlock()
		},
		Send: func(c models.OutboundCommand) {
			h.mu.Lock()
			h.cmds = append(h.cmds, c)
			h.mu.Unlock()
		},
		Status: func(_ string, d status.Display) {
			h.mu.Lock()
			h.display = append(h.display, d)
			h.mu.Unlock()
		},
	})
	h.trig.Start()
	t.Cleanup(h.trig.Close)
	return h
}

func (h *harness) send(item, state string) {
	h.bus.Publish(models.ItemEvent{Item: item, Type: models.ItemStateChangedEvent, State: state})
}

func (h *harness) fires() []models.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []models.Message
	for _, m := range h.msgs {
		if !m.End {
			out = append(out, m)
		}
	}
	return out
}

func (h *harness) ends() []models.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []models.Message
	for _, m := range h.msgs {
		if m.End {
			out = append(out, m)
		}
	}
	return out
}

func isOn() condition.Set {
	return condition.Set{Logic: condition.And, Conditions: []condition.Condition{
		{Comparator: condition.Eq, Type: condition.TypeString, Value: "ON"},
	}}
}

func TestRisingEdgeFiresOnce(t *testing.T) {
	for _, policy := range []AfterTrigger{AfterNothing, AfterNoDelay, AfterUntrigger} {
		t.Run(string(policy), func(t *testing.T) {
			h := newHarness(t, Config{
				Items:        []string{"Door"},
				Conditions:   isOn(),
				AfterTrigger: policy,
				Topic:        "door",
				Payload:      "opened",
			}, nil)

			for _, s := range []string{"OFF", "ON", "ON", "OFF", "ON"} {
				h.send("Door", s)
				h.clock.Advance(0)
			}

			fires := h.fires()
			require.Len(t, fires, 2)
			assert.Equal(t, "door", fires[0].Topic)
			assert.Equal(t, "opened", fires[0].Payload)
			assert.Equal(t, "ON", fires[0].Trigger.State)
			assert.Equal(t, "Door", fires[0].Trigger.Item)
			assert.Equal(t, h.clock.Now().UnixMilli(), fires[0].Trigger.Timestamp)
		})
	}
}

func TestDisarmResetsTriggeredAndTimer(t *testing.T) {
	h := newHarness(t, Config{
		Items:        []string{"Motion"},
		Conditions:   isOn(),
		AfterTrigger: AfterTimer,
		Timer:        30,
	}, nil)

	h.send("Motion", "ON")
	snap := h.trig.Snapshot()
	require.True(t, snap.Triggered)
	require.True(t, snap.TimerPending)

	require.NoError(t, h.trig.Do(ActionDisarm))
	snap = h.trig.Snapshot()
	assert.False(t, snap.Armed)
	assert.False(t, snap.Triggered)
	assert.False(t, snap.Latched)
	assert.False(t, snap.TimerPending)
	assert.Zero(t, h.clock.Pending())

	h.clock.Advance(time.Minute)
	assert.Empty(t, h.ends())
	assert.Equal(t, status.Map(status.Node, status.Disarmed, ""), snap.Status)
}

func TestDisarmKeepsTimer(t *testing.T) {
	h := newHarness(t, Config{
		Items:             []string{"Motion"},
		Conditions:        isOn(),
		AfterTrigger:      AfterTimer,
		Timer:             30,
		KeepTimerOnDisarm: true,
	}, nil)

	h.send("Motion", "ON")
	require.NoError(t, h.trig.Do(ActionDisarm))
	snap := h.trig.Snapshot()
	assert.False(t, snap.Armed)
	assert.True(t, snap.TimerPending)
	assert.Equal(t, status.Map(status.Node, status.Triggered, "disarmed"), snap.Status)

	h.clock.Advance(30 * time.Second)
	assert.Len(t, h.ends(), 1, "the kept timer still ends the cycle")
	assert.Equal(t, status.Map(status.Node, status.Disarmed, ""), h.trig.Snapshot().Status)
}

func TestDisarmedTriggerIgnoresEvents(t *testing.T) {
	h := newHarness(t, Config{Items: []string{"Door"}, Conditions: isOn(), ArmSource: ArmNever}, nil)
	h.send("Door", "ON")
	assert.Empty(t, h.fires())
	assert.Equal(t, "ON", h.trig.Snapshot().LastState)
}

func TestTimerSingleton(t *testing.T) {
	h := newHarness(t, Config{
		Items:                  []string{"Motion"},
		Conditions:             isOn(),
		AfterTrigger:           AfterTimer,
		Timer:                  10,
		TimerResetEveryTrigger: true,
		PayloadEnd:             "done",
	}, nil)

	h.send("Motion", "ON")
	h.clock.Advance(2 * time.Second)
	h.send("Motion", "OFF")
	h.clock.Advance(2 * time.Second)
	h.send("Motion", "ON") // rising edge while the timer runs: restarts, does not fire

	assert.Len(t, h.fires(), 1)
	assert.Equal(t, 1, h.clock.Pending())

	h.clock.Advance(10*time.Second - time.Millisecond)
	assert.Empty(t, h.ends())
	h.clock.Advance(time.Millisecond)
	require.Len(t, h.ends(), 1)
	assert.Equal(t, "done", h.ends()[0].Payload)
	assert.Zero(t, h.clock.Pending())
	assert.False(t, h.trig.Snapshot().Triggered)
}

func TestTimerRestartsOnEveryQualifyingEvent(t *testing.T) {
	h := newHarness(t, Config{
		Items: []string{"temperature"},
		Conditions: condition.Set{Logic: condition.And, Conditions: []condition.Condition{
			{Comparator: condition.Gt, Type: condition.TypeNumber, Value: "25"},
		}},
		AfterTrigger:           AfterTimer,
		Timer:                  30,
		TimerUnits:             "seconds",
		TimerResetEveryTrigger: true,
		TopicEnd:               "cooled",
	}, nil)

	start := h.clock.Now()
	for _, temp := range []string{"26", "27", "28"} {
		h.send("temperature", temp)
		h.clock.Advance(5 * time.Second)
	}
	// last event at +10s, clock now at +15s
	require.Len(t, h.fires(), 1)
	assert.Equal(t, "26", h.fires()[0].Trigger.State)

	h.clock.Advance(25*time.Second - time.Millisecond)
	assert.Empty(t, h.ends())

	h.clock.Advance(time.Millisecond)
	ends := h.ends()
	require.Len(t, ends, 1)
	assert.Equal(t, "cooled", ends[0].Topic)
	assert.Equal(t, start.Add(40*time.Second), h.clock.Now())

	h.clock.Advance(time.Hour)
	assert.Len(t, h.ends(), 1)
}

func TestTimerWithoutResetKeepsFirstDeadline(t *testing.T) {
	h := newHarness(t, Config{
		Items:        []string{"Motion"},
		Conditions:   isOn(),
		AfterTrigger: AfterTimer,
		Timer:        500,
		TimerUnits:   "milliseconds",
	}, nil)

	h.send("Motion", "ON")
	h.clock.Advance(300 * time.Millisecond)
	h.send("Motion", "ON")
	h.clock.Advance(200 * time.Millisecond)
	assert.Len(t, h.ends(), 1)
}

func TestTimerRetryWhileTriggered(t *testing.T) {
	h := newHarness(t, Config{
		Items:                    []string{"Motion"},
		Conditions:               isOn(),
		AfterTrigger:             AfterTimer,
		Timer:                    1,
		TimerUnits:               "minutes",
		TimerRetryWhileTriggered: true,
	}, nil)

	h.send("Motion", "ON")
	h.clock.Advance(time.Minute)
	assert.Empty(t, h.ends(), "still satisfied, timer re-armed")
	assert.True(t, h.trig.Snapshot().TimerPending)

	h.send("Motion", "OFF")
	h.clock.Advance(time.Minute)
	assert.Len(t, h.ends(), 1)
}

func TestTimerFromTypedSource(t *testing.T) {
	h := newHarness(t, Config{
		Items:        []string{"Motion"},
		Conditions:   isOn(),
		AfterTrigger: AfterTimer,
		TimerType:    condition.TypeFlow,
		TimerSource:  "delay_ms",
	}, nil)
	require.NoError(t, h.vars.Flow.Set(context.Background(), "delay_ms", 1500.0))

	h.send("Motion", "ON")
	h.clock.Advance(1499 * time.Millisecond)
	assert.Empty(t, h.ends())
	h.clock.Advance(time.Millisecond)
	assert.Len(t, h.ends(), 1)
}

func TestNoDelaySendsEndOnNextTick(t *testing.T) {
	h := newHarness(t, Config{
		Items:        []string{"Button"},
		Conditions:   isOn(),
		AfterTrigger: AfterNoDelay,
		PayloadEnd:   "released",
	}, nil)

	h.send("Button", "ON")
	assert.Len(t, h.fires(), 1)
	assert.Empty(t, h.ends(), "end message must not be sent synchronously")
	assert.False(t, h.trig.Snapshot().Triggered)

	h.clock.Advance(0)
	require.Len(t, h.ends(), 1)
	assert.Equal(t, "released", h.ends()[0].Payload)
	assert.Equal(t, "ON", h.ends()[0].Trigger.State)
}

func TestUntriggerWaitsForConditionToDrop(t *testing.T) {
	h := newHarness(t, Config{
		Items:        []string{"Window"},
		Conditions:   condition.Set{Conditions: []condition.Condition{{Comparator: condition.Eq, Value: "OPEN"}}},
		AfterTrigger: AfterUntrigger,
		PayloadEnd:   "closed again",
		ArmDisarm:    DirectiveDisarm,
	}, nil)

	h.send("Window", "OPEN")
	h.send("Window", "OPEN")
	assert.Len(t, h.fires(), 1)
	assert.Empty(t, h.ends())
	assert.True(t, h.trig.Snapshot().Triggered)

	h.send("Window", "CLOSED")
	require.Len(t, h.ends(), 1)
	snap := h.trig.Snapshot()
	assert.False(t, snap.Triggered)
	assert.False(t, snap.Armed, "disarm directive applied at the end of the cycle")
}

func TestNothingPolicyAppliesDirective(t *testing.T) {
	h := newHarness(t, Config{
		Items:      []string{"Door"},
		Conditions: isOn(),
		ArmDisarm:  DirectiveDisarm,
	}, nil)

	h.send("Door", "ON")
	assert.Len(t, h.fires(), 1)
	assert.False(t, h.trig.Snapshot().Armed)

	h.send("Door", "OFF")
	h.send("Door", "ON")
	assert.Len(t, h.fires(), 1)
}

func TestMultipleItemsStayLatched(t *testing.T) {
	h := newHarness(t, Config{
		Items:        []string{"DoorA", "DoorB"},
		Conditions:   isOn(),
		AfterTrigger: AfterUntrigger,
	}, nil)

	h.send("DoorA", "ON")
	h.send("DoorB", "ON")
	assert.Len(t, h.fires(), 1)

	h.send("DoorA", "OFF")
	assert.Empty(t, h.ends(), "DoorB still satisfies the condition")
	assert.True(t, h.trig.Snapshot().Latched)

	h.send("DoorB", "OFF")
	assert.Len(t, h.ends(), 1)
}

func TestAdditionalConditions(t *testing.T) {
	cfg := Config{
		Items:      []string{"Motion"},
		Conditions: isOn(),
		Additional: condition.Set{Logic: condition.And, Conditions: []condition.Condition{
			{Comparator: condition.Eq, VariableType: condition.TypeFlow, Variable: "mode", Type: condition.TypeString, Value: "away"},
		}},
		AfterTrigger: AfterUntrigger,
	}

	t.Run("every trigger", func(t *testing.T) {
		h := newHarness(t, cfg, nil)
		ctx := context.Background()
		require.NoError(t, h.vars.Flow.Set(ctx, "mode", "home"))

		h.send("Motion", "ON")
		assert.Empty(t, h.fires())

		require.NoError(t, h.vars.Flow.Set(ctx, "mode", "away"))
		h.send("Motion", "ON")
		assert.Len(t, h.fires(), 1)

		require.NoError(t, h.vars.Flow.Set(ctx, "mode", "home"))
		h.send("Motion", "ON")
		assert.Len(t, h.ends(), 1, "failing additional condition untriggers")
	})

	t.Run("first trigger only", func(t *testing.T) {
		once := cfg
		once.AdditionalFrequency = FirstTrigger
		h := newHarness(t, once, nil)
		ctx := context.Background()
		require.NoError(t, h.vars.Flow.Set(ctx, "mode", "away"))

		h.send("Motion", "ON")
		require.NoError(t, h.vars.Flow.Set(ctx, "mode", "home"))
		h.send("Motion", "ON")
		assert.Len(t, h.fires(), 1)
		assert.Empty(t, h.ends(), "not re-checked while latched")
	})

	t.Run("empty list passes", func(t *testing.T) {
		empty := cfg
		empty.Additional = condition.Set{Logic: condition.Or}
		h := newHarness(t, empty, nil)
		h.send("Motion", "ON")
		assert.Len(t, h.fires(), 1)
	})
}

func TestArmByItem(t *testing.T) {
	h := newHarness(t, Config{
		Items:      []string{"Door"},
		Conditions: isOn(),
		ArmSource:  ArmByItem,
		ArmItem:    "AlarmArmed",
	}, stubItems{"AlarmArmed": "OFF"})

	h.bus.PublishLifecycle(bus.LifecycleEvent{Signal: status.Connected})
	require.Eventually(t, func() bool {
		return h.trig.Snapshot().Status == status.Map(status.Node, status.Disarmed, "")
	}, time.Second, 5*time.Millisecond)

	h.send("Door", "ON")
	assert.Empty(t, h.fires())

	h.send("AlarmArmed", "ON")
	assert.True(t, h.trig.Snapshot().Armed)
	h.send("Door", "OFF")
	h.send("Door", "ON")
	assert.Len(t, h.fires(), 1)

	for _, v := range []string{"0", "CLOSED", "UNDEF", "NULL"} {
		h.send("AlarmArmed", "ON")
		h.send("AlarmArmed", v)
		assert.False(t, h.trig.Snapshot().Armed, v)
	}
}

func TestArmItemFetchError(t *testing.T) {
	h := newHarness(t, Config{
		Items:      []string{"Door"},
		Conditions: isOn(),
		ArmSource:  ArmByItem,
		ArmItem:    "Missing",
	}, stubItems{})

	h.bus.PublishLifecycle(bus.LifecycleEvent{Signal: status.Connected})
	require.Eventually(t, func() bool {
		return h.trig.Snapshot().Status.Fill == "red"
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, h.trig.Snapshot().Status.Text, "Not found")
}

func TestInputArmDisarm(t *testing.T) {
	h := newHarness(t, Config{Items: []string{"Door"}, Conditions: isOn(), InputArmDisarm: true}, nil)

	cases := []struct {
		in    Input
		armed bool
	}{
		{Input{Payload: "OFF"}, false},
		{Input{Payload: "ON"}, true},
		{Input{Payload: 0.0}, false},
		{Input{Payload: true}, true},
		{Input{Payload: false}, false},
		{Input{State: "OPEN"}, true},
		{Input{Payload: map[string]any{"state": "CLOSED"}}, false},
		{Input{Payload: "armed"}, true},
		{Input{}, false},
	}
	for _, c := range cases {
		require.NoError(t, h.trig.Input(c.in))
		assert.Equal(t, c.armed, h.trig.Snapshot().Armed, "%+v", c.in)
	}
}

func TestCustomDisarmedValues(t *testing.T) {
	h := newHarness(t, Config{
		Items:          []string{"Door"},
		Conditions:     isOn(),
		InputArmDisarm: true,
		DisarmedValues: []string{"CLOSE", "AWAY"},
	}, nil)

	require.NoError(t, h.trig.Input(Input{Payload: "AWAY"}))
	assert.False(t, h.trig.Snapshot().Armed)
	require.NoError(t, h.trig.Input(Input{Payload: "CLOSED"}))
	assert.True(t, h.trig.Snapshot().Armed)
}

func TestInputDisabled(t *testing.T) {
	h := newHarness(t, Config{Items: []string{"Door"}, Conditions: isOn()}, nil)
	err := h.trig.Input(Input{Payload: "OFF"})
	assert.ErrorIs(t, err, ErrUnknownInput)
	assert.True(t, h.trig.Snapshot().Armed)
	assert.ErrorIs(t, h.trig.Do("explode"), ErrUnknownInput)
}

func TestResetInput(t *testing.T) {
	h := newHarness(t, Config{
		Items:        []string{"Motion"},
		Conditions:   isOn(),
		AfterTrigger: AfterTimer,
		Timer:        30,
	}, nil)

	h.send("Motion", "ON")
	require.True(t, h.trig.Snapshot().TimerPending)

	require.NoError(t, h.trig.Input(Input{Payload: "RESET"}))
	snap := h.trig.Snapshot()
	assert.False(t, snap.Triggered)
	assert.False(t, snap.Latched)
	assert.False(t, snap.TimerPending)
	assert.True(t, snap.Armed)
	assert.Zero(t, h.clock.Pending())

	h.send("Motion", "ON")
	assert.Len(t, h.fires(), 2, "reset clears the latch")
}

func TestOutputsStoreStateAndCommand(t *testing.T) {
	h := newHarness(t, Config{
		Items:              []string{"Temp"},
		Conditions:         condition.Set{Conditions: []condition.Condition{{Comparator: condition.Gte, Type: condition.TypeNumber, Value: "30"}}},
		Topic:              "item",
		TopicType:          TypeMsg,
		Payload:            "state",
		PayloadType:        TypeMsg,
		StoreState:         true,
		StoreStateVariable: "lastTemp",
		Command:            &CommandTarget{Item: "Fan", Kind: models.Command},
		OHTimestamp:        true,
	}, nil)

	h.send("Temp", "31")
	fires := h.fires()
	require.Len(t, fires, 1)
	assert.Equal(t, "Temp", fires[0].Topic)
	assert.Equal(t, "31", fires[0].Payload)
	assert.Equal(t, h.clock.Now().Local().Format("2006-01-02T15:04:05.000"), fires[0].Trigger.Timestamp)

	h.mu.Lock()
	cmds := h.cmds
	h.mu.Unlock()
	assert.Equal(t, []models.OutboundCommand{{Node: "test", Item: "Fan", Kind: models.Command, Payload: "31"}}, cmds)

	v, ok, err := h.vars.Flow.Get(context.Background(), "lastTemp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "31", v)
}

func TestCloseReleasesEverything(t *testing.T) {
	h := newHarness(t, Config{
		Items:        []string{"A", "B"},
		Conditions:   isOn(),
		AfterTrigger: AfterTimer,
		Timer:        10,
		ArmSource:    ArmByItem,
		ArmItem:      "Arm",
		EventTypes:   []models.EventKind{models.ItemStateChangedEvent},
	}, stubItems{"Arm": "ON"})
	// 2 items + arm item + lifecycle
	assert.Equal(t, 4, h.bus.Count())

	h.send("Arm", "ON")
	h.send("A", "ON")
	require.True(t, h.trig.Snapshot().TimerPending)

	h.trig.Close()
	h.trig.Close()
	assert.Zero(t, h.bus.Count())
	assert.Zero(t, h.clock.Pending())
	h.clock.Advance(time.Minute)
	assert.Empty(t, h.ends())
}

func TestStatusDisplays(t *testing.T) {
	h := newHarness(t, Config{Items: []string{"Door"}, Conditions: isOn(), AfterTrigger: AfterUntrigger}, nil)

	h.send("Door", "ON")
	assert.Equal(t, status.Map(status.Node, status.Triggered, ""), h.trig.Snapshot().Status)
	h.send("Door", "OFF")
	assert.Equal(t, status.Map(status.Node, status.Armed, ""), h.trig.Snapshot().Status)

	h.bus.PublishLifecycle(bus.LifecycleEvent{Signal: status.Error, Text: "Connection refused"})
	assert.Equal(t, "Connection refused", h.trig.Snapshot().Status.Text)
	h.bus.PublishLifecycle(bus.LifecycleEvent{Signal: status.Connected})
	assert.Equal(t, status.Map(status.Node, status.Armed, ""), h.trig.Snapshot().Status)
}
