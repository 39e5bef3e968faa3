package xcomm

import (
	"encoding/json"
	"fmt"
)

// EncodeMessage serializes the envelope to its wire form: a single UTF-8
// JSON object with topic, type, payload, id, correlation_id, reply_to and
// headers. Every backend uses this format.
func EncodeMessage(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("xcomm: encode nil message")
	}
	if m.Topic == "" {
		return nil, fmt.Errorf("xcomm: message topic must not be empty")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("xcomm: encode message %s: %w", m.ID, err)
	}
	return data, nil
}

// DecodeMessage parses a wire frame back into an envelope. Payload and
// Headers are always non-nil after a successful decode; correlation_id and
// reply_to may arrive as JSON null, which decodes to the empty string.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("xcomm: decode message: %w", err)
	}
	if m.Topic == "" {
		return nil, fmt.Errorf("xcomm: decoded message has no topic")
	}
	if m.Payload == nil {
		m.Payload = map[string]any{}
	}
	if m.Headers == nil {
		m.Headers = map[string]string{}
	}
	return &m, nil
}
