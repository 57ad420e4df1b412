// Package codec is the JSON codec shared by the bus and websocket layers.
package codec

import (
	"github.com/bytedance/sonic"
)

// api decodes like encoding/json, but json.RawMessage values are written
// verbatim: no compaction and no HTML escaping.
var api = sonic.Config{
	SortMapKeys:    true,
	CopyString:     true,
	ValidateString: true,
}.Froze()

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}
