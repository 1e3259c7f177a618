package streaming

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event kinds delivered by the streaming API.
const (
	EventUpdate       = "update"
	EventStatusUpdate = "status.update"
	EventDelete       = "delete"
	EventNotification = "notification"
)

// envelope is one decoded streaming frame.
type envelope struct {
	Stream  string
	Event   string
	Payload []byte
}

var errNoEvent = errors.New("envelope has no event")

// decodeEnvelope decodes a frame of the form
// {"stream": ..., "event": ..., "payload": ...}. Payloads delivered as JSON
// strings are unwrapped, so a status payload comes back as the status object
// and a delete payload as the bare id.
func decodeEnvelope(data []byte) (*envelope, error) {
	var raw struct {
		Stream  json.RawMessage `json:"stream"`
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if raw.Event == "" {
		return nil, errNoEvent
	}

	stream, err := decodeStream(raw.Stream)
	if err != nil {
		return nil, err
	}
	payload, err := decodePayload(raw.Payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", raw.Event, err)
	}

	return &envelope{Stream: stream, Event: raw.Event, Payload: payload}, nil
}

// decodeStream accepts the topic either as a string or, as newer servers
// send it, a list of strings.
func decodeStream(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '[' {
		var parts []string
		if err := json.Unmarshal(raw, &parts); err != nil {
			return "", fmt.Errorf("unmarshal stream: %w", err)
		}
		return strings.Join(parts, ":"), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("unmarshal stream: %w", err)
	}
	return s, nil
}

func decodePayload(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return []byte(s), nil
}
