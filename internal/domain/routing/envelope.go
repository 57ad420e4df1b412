package routing

import (
	"encoding/json"
	"errors"
	"fmt"

	"notify-relay/internal/platform/codec"
)

// ErrMalformedMessage marks a bus body that is not a {event, data} object.
var ErrMalformedMessage = errors.New("malformed bus message")

// Envelope is a bus message body. Data is kept as raw bytes and forwarded
// untouched; its shape belongs to the publisher.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ParseEnvelope decodes raw into an Envelope. A body that is not a JSON
// object, or that has no string event, is malformed.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := codec.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: body is null", ErrMalformedMessage)
	}

	var env Envelope
	rawEvent, ok := fields["event"]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformedMessage)
	}
	if err := codec.Unmarshal(rawEvent, &env.Event); err != nil || env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: event must be a non-empty string", ErrMalformedMessage)
	}

	env.Data = fields["data"]
	if len(env.Data) == 0 {
		env.Data = json.RawMessage("null")
	}
	return env, nil
}
