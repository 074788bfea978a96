package codec

import (
	"encoding/json"
)

// ContentTypeJSON is set on every message this module publishes.
const ContentTypeJSON = "application/json"

// JSONCodec uses Go's standard library encoding/json for serialization.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (JSONCodec) ContentType() string {
	return ContentTypeJSON
}
