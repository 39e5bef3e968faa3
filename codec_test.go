package xcomm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	m := NewMessage("orders.created", "evt", map[string]any{"amount": 12.5})
	m.CorrelationID = "corr-1"
	m.ReplyTo = "_INBOX.abc"
	m.Headers["traceparent"] = "00-abc"

	data, err := EncodeMessage(m)
	require.NoError(t, err)

	got, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, m.Topic, got.Topic)
	assert.Equal(t, m.Type, got.Type)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.CorrelationID, got.CorrelationID)
	assert.Equal(t, m.ReplyTo, got.ReplyTo)
	assert.Equal(t, "00-abc", got.Headers["traceparent"])
	assert.Equal(t, 12.5, got.Payload["amount"])
}

func TestEncodeMessage_WireFieldNames(t *testing.T) {
	m := NewMessage("t", "evt", nil)
	data, err := EncodeMessage(m)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, field := range []string{"topic", "type", "payload", "id", "correlation_id", "reply_to", "headers"} {
		assert.Contains(t, raw, field)
	}
	assert.Len(t, raw, 7)
}

func TestEncodeMessage_RejectsEmptyTopic(t *testing.T) {
	_, err := EncodeMessage(&Message{Type: "evt"})
	require.Error(t, err)

	_, err = EncodeMessage(nil)
	require.Error(t, err)
}

func TestDecodeMessage_NullCorrelationAndReply(t *testing.T) {
	frame := `{"topic":"t","type":"evt","payload":{},"id":"1","correlation_id":null,"reply_to":null,"headers":{}}`
	m, err := DecodeMessage([]byte(frame))
	require.NoError(t, err)
	assert.Empty(t, m.CorrelationID)
	assert.Empty(t, m.ReplyTo)
}

func TestDecodeMessage_NormalizesMissingMaps(t *testing.T) {
	m, err := DecodeMessage([]byte(`{"topic":"t","id":"1"}`))
	require.NoError(t, err)
	require.NotNil(t, m.Payload)
	require.NotNil(t, m.Headers)
}

func TestDecodeMessage_Malformed(t *testing.T) {
	_, err := DecodeMessage([]byte(`{not json`))
	require.Error(t, err)

	_, err = DecodeMessage([]byte(`{"type":"evt"}`))
	require.Error(t, err, "missing topic must be rejected")
}
