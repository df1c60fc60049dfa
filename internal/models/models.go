package models

import (
	"encoding/json"
	"time"
)

// EventKind is the openHAB event type carried by a frame
type EventKind string

const (
	ItemStateEvent             EventKind = "ItemStateEvent"
	ItemStateChangedEvent      EventKind = "ItemStateChangedEvent"
	ItemStateUpdatedEvent      EventKind = "ItemStateUpdatedEvent"
	GroupItemStateChangedEvent EventKind = "GroupItemStateChangedEvent"
	ItemCommandEvent           EventKind = "ItemCommandEvent"
	ItemStatePredictedEvent    EventKind = "ItemStatePredictedEvent"
	ItemUpdatedEvent           EventKind = "ItemUpdatedEvent"
	ItemAddedEvent             EventKind = "ItemAddedEvent"
	ItemRemovedEvent           EventKind = "ItemRemovedEvent"
	// RawEvent carries every parsed frame unfiltered when raw events are enabled
	RawEvent EventKind = "RawEvent"
)

// StateChangeKinds are the kinds trigger nodes listen to by default
var StateChangeKinds = []EventKind{ItemStateChangedEvent, GroupItemStateChangedEvent}

// Item represents an item as returned by the openHAB REST API
type Item struct {
	Name       string   `json:"name"`
	Label      string   `json:"label,omitempty"`
	Type       string   `json:"type"`
	State      string   `json:"state"`
	Link       string   `json:"link,omitempty"`
	Category   string   `json:"category,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	GroupNames []string `json:"groupNames,omitempty"`
	Members    []Item   `json:"members,omitempty"` // Only set for group items fetched with members
}

// ItemEvent is one parsed frame from the event stream
type ItemEvent struct {
	Item    string          `json:"item"`
	Type    EventKind       `json:"type"`
	State   string          `json:"state"`
	Payload json.RawMessage `json:"payload,omitempty"` // Decoded inner payload object
	Topic   string          `json:"topic,omitempty"`
}

// TriggerInfo describes the event that caused a trigger to fire
type TriggerInfo struct {
	Item      string    `json:"item"`
	Type      EventKind `json:"type"`
	State     string    `json:"state"`
	Timestamp any       `json:"timestamp"` // Epoch millis or openHAB local timestamp string
}

// Message is what nodes emit towards the flow engine
type Message struct {
	Node      string       `json:"node"`
	Topic     string       `json:"topic,omitempty"`
	Payload   any          `json:"payload"`
	Item      string       `json:"item,omitempty"`
	Type      EventKind    `json:"type,omitempty"`
	Timestamp any          `json:"timestamp,omitempty"`
	Trigger   *TriggerInfo `json:"trigger,omitempty"`
	End       bool         `json:"end,omitempty"` // Set on the after-trigger "end" message
}

// CommandKind selects between a state replace and a command
type CommandKind string

const (
	Update  CommandKind = "Update"
	Command CommandKind = "Command"
)

// OutboundCommand is an item command produced by a node
type OutboundCommand struct {
	Node    string      `json:"node"`
	Item    string      `json:"item"`
	Kind    CommandKind `json:"kind"`
	Payload string      `json:"payload"`
}

// HistoryEntry is one stored trigger message
type HistoryEntry struct {
	ID         int64           `json:"id"`
	Node       string          `json:"node"`
	Item       string          `json:"item"`
	State      string          `json:"state"`
	End        bool            `json:"end"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recorded_at"`
}
