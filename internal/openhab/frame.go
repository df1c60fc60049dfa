package openhab

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ohbridge/internal/models"
)

type frame struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	Type    string `json:"type"`
}

type framePayload struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// topic suffix -> event kind, for frames that carry no type
var suffixKinds = map[string]models.EventKind{
	"state":          models.ItemStateEvent,
	"statechanged":   models.ItemStateChangedEvent,
	"stateupdated":   models.ItemStateUpdatedEvent,
	"command":        models.ItemCommandEvent,
	"statepredicted": models.ItemStatePredictedEvent,
	"updated":        models.ItemUpdatedEvent,
	"added":          models.ItemAddedEvent,
	"removed":        models.ItemRemovedEvent,
}

// ParseFrame decodes one stream frame into an item event. Malformed frames
// return a *ParseError; frames for non-item topics return ErrNotItemEvent.
func ParseFrame(data []byte) (models.ItemEvent, error) {
	data = bytes.TrimSpace(data)
	fail := func(err error) (models.ItemEvent, error) {
		return models.ItemEvent{}, &ParseError{Data: string(data), Err: err}
	}
	if len(data) == 0 {
		return fail(errors.New("empty frame"))
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return fail(err)
	}
	if f.Topic == "" {
		return fail(errors.New("missing topic"))
	}

	item, kind, ok := splitTopic(f.Topic)
	if !ok {
		return models.ItemEvent{Topic: f.Topic}, ErrNotItemEvent
	}
	if item == "" {
		return fail(fmt.Errorf("no item name in topic %q", f.Topic))
	}
	if f.Type != "" {
		kind = models.EventKind(f.Type)
	}
	if kind == "" {
		return fail(fmt.Errorf("cannot derive event type from topic %q", f.Topic))
	}

	ev := models.ItemEvent{Item: item, Type: kind, Topic: f.Topic}
	if strings.TrimSpace(f.Payload) == "" {
		return ev, nil
	}

	var p framePayload
	if err := json.Unmarshal([]byte(f.Payload), &p); err != nil {
		// Item added/updated payloads are arrays of item definitions
		if !json.Valid([]byte(f.Payload)) {
			return fail(fmt.Errorf("payload: %w", err))
		}
	}
	ev.Payload = json.RawMessage(f.Payload)
	ev.State = stateOf(p.Value)
	return ev, nil
}

// splitTopic finds "items/<name>[/<member>]/<suffix>" inside a topic
func splitTopic(topic string) (item string, kind models.EventKind, ok bool) {
	segs := strings.Split(topic, "/")
	idx := -1
	for i, s := range segs {
		if s == "items" {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", "", false
	}
	if idx+1 >= len(segs) {
		return "", "", true
	}

	item = segs[idx+1]
	rest := segs[idx+2:]
	if len(rest) == 0 {
		return item, "", true
	}
	suffix := strings.ToLower(rest[len(rest)-1])
	kind = suffixKinds[suffix]
	if len(rest) == 2 && suffix == "statechanged" {
		kind = models.GroupItemStateChangedEvent
	}
	return item, kind, true
}

func stateOf(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
