package xcomm

import (
	"context"
	"time"
)

// DefaultDLQSuffix is appended to a topic to name its dead-letter stream.
const DefaultDLQSuffix = ".DLQ"

// Handler processes a single delivered message. On ephemeral backends a
// returned error aborts that delivery; on durable backends it triggers the
// retry/dead-letter pipeline.
type Handler func(ctx context.Context, msg *Message) error

// Bus is the contract every backend implements.
//
// Subscribe registers a local handler and returns a subscription id; the
// first subscription for a topic may lazily start a background listener.
// Handlers sharing a topic run in subscription order for any individually
// received message.
//
// Unsubscribe is idempotent and removes exactly one registration; removing
// the last handler for a topic releases the underlying network
// subscription or consumer.
//
// Publish hands the envelope to the transport. The in-process backend
// delivers synchronously to local handlers before returning; network
// backends return once the send call completes, not after remote delivery.
// Connection and send failures surface as *TransportError.
//
// Request is request/response layered on the other three operations; every
// backend delegates to the shared Request function. ErrRequestTimeout is
// returned when no reply arrives in time.
//
// Close cancels all background listeners, awaits them, and releases the
// underlying connection. A closed bus rejects further operations with
// ErrBusClosed.
type Bus interface {
	Subscribe(ctx context.Context, topic string, h Handler) (string, error)
	Unsubscribe(ctx context.Context, subID string) error
	Publish(ctx context.Context, msg *Message) error
	Request(ctx context.Context, topic string, msg *Message, timeout time.Duration) (*Message, error)
	Close(ctx context.Context) error
}
