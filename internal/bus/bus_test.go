package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ohbridge/internal/logging"
	"ohbridge/internal/models"
	"ohbridge/internal/status"
)

func TestBus_FanOutInOrder(t *testing.T) {
	b := New(logging.Nop())
	key := Key{Item: "Lamp", Kind: models.ItemStateChangedEvent}

	var first, second []string
	b.Subscribe(key, func(ev models.ItemEvent) { first = append(first, ev.State) })
	b.Subscribe(key, func(ev models.ItemEvent) { second = append(second, ev.State) })
	b.Subscribe(Key{Item: "Other", Kind: models.ItemStateChangedEvent}, func(models.ItemEvent) {
		t.Fatal("other item must not receive Lamp events")
	})

	for _, s := range []string{"OFF", "ON", "OFF"} {
		b.Publish(models.ItemEvent{Item: "Lamp", Type: models.ItemStateChangedEvent, State: s})
	}

	assert.Equal(t, []string{"OFF", "ON", "OFF"}, first)
	assert.Equal(t, []string{"OFF", "ON", "OFF"}, second)
}

func TestBus_KindIsPartOfKey(t *testing.T) {
	b := New(logging.Nop())
	got := 0
	b.Subscribe(Key{Item: "Lamp", Kind: models.ItemCommandEvent}, func(models.ItemEvent) { got++ })

	b.Publish(models.ItemEvent{Item: "Lamp", Type: models.ItemStateChangedEvent, State: "ON"})
	assert.Zero(t, got)

	b.Publish(models.ItemEvent{Item: "Lamp", Type: models.ItemCommandEvent, State: "ON"})
	assert.Equal(t, 1, got)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(logging.Nop())
	key := Key{Item: "Lamp", Kind: models.ItemStateChangedEvent}
	got := 0
	sub := b.Subscribe(key, func(models.ItemEvent) { got++ })

	assert.True(t, b.Unsubscribe(sub))
	assert.False(t, b.Unsubscribe(sub))
	assert.False(t, b.Unsubscribe(Subscription{}))

	b.Publish(models.ItemEvent{Item: "Lamp", Type: models.ItemStateChangedEvent})
	assert.Zero(t, got)
	assert.Zero(t, b.Count())
}

func TestBus_UnsubscribeDuringPublish(t *testing.T) {
	b := New(logging.Nop())
	key := Key{Item: "Lamp", Kind: models.ItemStateChangedEvent}
	calls := 0
	var sub Subscription
	sub = b.Subscribe(key, func(models.ItemEvent) {
		calls++
		b.Unsubscribe(sub)
	})
	b.Subscribe(key, func(models.ItemEvent) { calls++ })

	b.Publish(models.ItemEvent{Item: "Lamp", Type: models.ItemStateChangedEvent})
	assert.Equal(t, 2, calls, "snapshot taken before delivery still reaches both handlers")

	b.Publish(models.ItemEvent{Item: "Lamp", Type: models.ItemStateChangedEvent})
	assert.Equal(t, 3, calls)
}

func TestBus_PanickingHandlerIsContained(t *testing.T) {
	b := New(logging.Nop())
	key := Key{Item: "Lamp", Kind: models.ItemStateChangedEvent}
	reached := false
	b.Subscribe(key, func(models.ItemEvent) { panic("boom") })
	b.Subscribe(key, func(models.ItemEvent) { reached = true })

	assert.NotPanics(t, func() {
		b.Publish(models.ItemEvent{Item: "Lamp", Type: models.ItemStateChangedEvent})
	})
	assert.True(t, reached)
}

func TestBus_Lifecycle(t *testing.T) {
	b := New(logging.Nop())
	var got []status.Signal
	sub := b.SubscribeLifecycle(func(ev LifecycleEvent) { got = append(got, ev.Signal) })

	b.PublishLifecycle(LifecycleEvent{Signal: status.Connecting})
	b.PublishLifecycle(LifecycleEvent{Signal: status.Connected})
	assert.Equal(t, []status.Signal{status.Connecting, status.Connected}, got)

	assert.True(t, b.Unsubscribe(sub))
	b.PublishLifecycle(LifecycleEvent{Signal: status.Disconnected})
	assert.Len(t, got, 2)
}

func TestGroup_CloseReleasesEverything(t *testing.T) {
	b := New(logging.Nop())
	g := NewGroup(b)
	g.Subscribe(Key{Item: "A", Kind: models.ItemStateChangedEvent}, func(models.ItemEvent) {})
	g.Subscribe(Key{Item: "A", Kind: models.GroupItemStateChangedEvent}, func(models.ItemEvent) {})
	g.SubscribeLifecycle(func(LifecycleEvent) {})

	assert.Equal(t, 3, b.Count())
	assert.Equal(t, 3, g.Len())

	g.Close()
	g.Close()
	assert.Zero(t, b.Count())
	assert.Zero(t, g.Len())
}
