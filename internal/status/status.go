// Package status maps connection and node lifecycle signals to the compact
// display descriptor every node shows (colour, shape, text).
package status

import (
	"sort"
	"sync"
)

// Domain selects which signal table applies
type Domain int

const (
	Connection Domain = iota
	Node
)

// Signal is a lifecycle signal within a Domain
type Signal int

const (
	Connecting Signal = iota
	Connected
	Disconnected
	Error
	CurrentState
	Armed
	Disarmed
	Triggered
)

func (s Signal) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Error:
		return "error"
	case CurrentState:
		return "current-state"
	case Armed:
		return "armed"
	case Disarmed:
		return "disarmed"
	case Triggered:
		return "triggered"
	default:
		return "unknown"
	}
}

// Display is what a node renders as its status badge
type Display struct {
	Fill  string `json:"fill,omitempty"`  // green, red, grey, blue, yellow
	Shape string `json:"shape,omitempty"` // dot or ring
	Text  string `json:"text,omitempty"`
}

// Map turns a signal into a display. A non-empty text replaces the default label.
func Map(domain Domain, signal Signal, text string) Display {
	label := func(def string) string {
		if text != "" {
			return text
		}
		return def
	}

	if domain == Connection {
		switch signal {
		case Connecting:
			return Display{Fill: "green", Shape: "ring", Text: label("connecting")}
		case Connected:
			return Display{Fill: "green", Shape: "dot", Text: label("connected")}
		case Disconnected:
			return Display{Fill: "grey", Shape: "dot", Text: label("disconnected")}
		case Error:
			return Display{Fill: "red", Shape: "dot", Text: label("error")}
		}
		return Display{Fill: "grey", Shape: "dot", Text: text}
	}

	switch signal {
	case Error:
		return Display{Fill: "red", Shape: "dot", Text: label("error")}
	case Armed:
		return Display{Fill: "blue", Shape: "ring", Text: label("armed")}
	case Disarmed:
		return Display{Fill: "grey", Shape: "ring", Text: label("disarmed")}
	case Triggered:
		return Display{Fill: "blue", Shape: "dot", Text: label("triggered")}
	default:
		return Display{Fill: "grey", Shape: "dot", Text: text}
	}
}

// Board keeps the latest display of every node for the HTTP API.
type Board struct {
	mu       sync.RWMutex
	displays map[string]Display
}

func NewBoard() *Board {
	return &Board{displays: make(map[string]Display)}
}

// Set records the display of a node.
func (b *Board) Set(node string, d Display) {
	b.mu.Lock()
	b.displays[node] = d
	b.mu.Unlock()
}

// Get returns the last display of a node.
func (b *Board) Get(node string) (Display, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.displays[node]
	return d, ok
}

// Remove forgets a node.
func (b *Board) Remove(node string) {
	b.mu.Lock()
	delete(b.displays, node)
	b.mu.Unlock()
}

// Snapshot copies all displays.
func (b *Board) Snapshot() map[string]Display {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Display, len(b.displays))
	for k, v := range b.displays {
		out[k] = v
	}
	return out
}

// Names lists the nodes on the board in order.
func (b *Board) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.displays))
	for k := range b.displays {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
