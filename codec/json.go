package codec

import "encoding/json"

// JSON marshals payloads with encoding/json. It is the codec producers fall
// back to when none is configured, and the one the inbox assumes when a row
// carries no content-type metadata, so a JSON row written by an old producer
// stays readable forever.
type JSON struct{}

func (JSON) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// ContentType is the value stamped into outbox row metadata so the consuming
// side can pick the matching codec.
func (JSON) ContentType() string {
	return "application/json"
}

// Compile-time check.
var _ Codec = JSON{}
