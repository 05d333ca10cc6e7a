package codec

import (
	"encoding/json"
)

// JSONCodec encodes the whole envelope with encoding/json. Easy to debug with
// tcpdump, at the cost of a larger frame than BinaryCodec.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
