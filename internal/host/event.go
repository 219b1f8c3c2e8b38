package host

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

var ErrMalformedEvent = errors.New("malformed event payload")

// Event is a bus event as delivered to listeners. Data holds the string form
// of the payload "event" field.
type Event struct {
	Type string
	ID   string
	Data string
}

type eventPayload struct {
	ID    json.RawMessage `json:"id"`
	Event json.RawMessage `json:"event"`
}

// ParseEvent decodes a bus event payload of the form {"id": "...", "event": <scalar>}.
func ParseEvent(eventType string, payload []byte) (Event, error) {
	var p eventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Event{}, errors.Wrapf(ErrMalformedEvent, "%s: %s", eventType, err)
	}

	data, err := scalarString(p.Event)
	if err != nil {
		return Event{}, errors.Wrapf(ErrMalformedEvent, "%s: event field: %s", eventType, err)
	}

	// A missing or non-scalar id leaves ID empty, so only listeners without
	// an entity filter match.
	id, _ := scalarString(p.ID)

	return Event{Type: eventType, ID: id, Data: data}, nil
}

// scalarString renders a JSON scalar the way the event codes are written in
// configuration: strings verbatim, numbers by their literal text and booleans
// capitalised.
func scalarString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", errors.New("missing")
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return "", err
		}
		if b {
			return "True", nil
		}
		return "False", nil
	case 'n':
		return "", errors.New("null")
	case '{', '[':
		return "", errors.New("not a scalar")
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}

	return n.String(), nil
}

// StateChange carries the new state of a tracked entity. NewState is nil when
// the entity was removed or has no state.
type StateChange struct {
	EntityID string
	NewState *State
}

type State struct {
	EntityID string
	State    string
}
