package engine

import (
	"bytes"
	"encoding/json"

	"ohbridge/internal/trigger"
)

// DecodeInput turns a raw control message into a trigger input. An object
// with payload or state keys is read as such; any other JSON value becomes
// the payload; text that is not JSON is used verbatim.
func DecodeInput(raw []byte) trigger.Input {
	raw = bytes.TrimSpace(raw)
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return trigger.Input{Payload: string(raw)}
	}
	if obj, ok := v.(map[string]any); ok {
		payload, hasPayload := obj["payload"]
		state, hasState := obj["state"]
		if hasPayload || hasState {
			return trigger.Input{Payload: payload, State: state}
		}
	}
	return trigger.Input{Payload: v}
}
