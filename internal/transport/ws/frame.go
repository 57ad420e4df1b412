package ws

import (
	"encoding/json"
	"fmt"

	"notify-relay/internal/platform/codec"
)

// Frame is the JSON text frame exchanged with clients in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// EncodeFrame renders event and data as a text frame. Raw JSON data is
// embedded untouched.
func EncodeFrame(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = json.RawMessage(v)
	default:
		encoded, err := codec.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		raw = encoded
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	return codec.Marshal(Frame{Event: event, Data: raw})
}

// DecodeFrame parses a client text frame.
func DecodeFrame(payload []byte) (Frame, error) {
	var f Frame
	if err := codec.Unmarshal(payload, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("decode frame: missing event")
	}
	return f, nil
}
