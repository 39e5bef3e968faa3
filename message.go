package xcomm

import (
	"github.com/google/uuid"
)

// Message is the envelope traveling the bus. All backends put the same
// seven-field JSON object on the wire; Payload is opaque application data.
//
// Headers is the only field mutated after construction: trace-context
// injection writes into it before every publish. Business logic must treat
// a Message as immutable once published.
type Message struct {
	// Topic is the routing key the message is published to.
	Topic string `json:"topic"`
	// Type is the application-defined message kind (e.g. "rpc", "evt").
	Type string `json:"type"`
	// Payload is opaque application data.
	Payload map[string]any `json:"payload"`
	// ID is globally unique and stable across serialize/deserialize
	// round-trips; durable backends de-duplicate on it.
	ID string `json:"id"`
	// CorrelationID links a reply to its originating request.
	CorrelationID string `json:"correlation_id"`
	// ReplyTo is the ephemeral topic a requester listens on for the reply.
	ReplyTo string `json:"reply_to"`
	// Headers carries cross-cutting metadata such as trace context.
	Headers map[string]string `json:"headers"`
}

// NewMessage constructs an envelope with a fresh unique ID.
func NewMessage(topic, typ string, payload map[string]any) *Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Message{
		Topic:   topic,
		Type:    typ,
		Payload: payload,
		ID:      uuid.NewString(),
		Headers: map[string]string{},
	}
}

// NewReply constructs the response envelope for req: addressed to the
// request's reply topic and correlated to it. The request's correlation id
// wins when present, otherwise the request id is used.
func NewReply(req *Message, typ string, payload map[string]any) *Message {
	m := NewMessage(req.ReplyTo, typ, payload)
	m.CorrelationID = req.CorrelationID
	if m.CorrelationID == "" {
		m.CorrelationID = req.ID
	}
	return m
}

// clone returns a shallow copy with its own Headers map, so per-publish
// header injection never mutates the caller's message.
func (m *Message) clone() *Message {
	cp := *m
	cp.Headers = make(map[string]string, len(m.Headers)+2)
	for k, v := range m.Headers {
		cp.Headers[k] = v
	}
	return &cp
}
