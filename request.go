package xcomm

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// replyTopicPrefix namespaces the ephemeral reply topics Request creates.
const replyTopicPrefix = "_INBOX."

// NewReplyTopic returns a unique single-use reply topic.
func NewReplyTopic() string {
	return replyTopicPrefix + uuid.NewString()
}

// IsReplyTopic reports whether topic is a single-use reply inbox created
// by Request. Durable backends must not persist consumer state for these:
// the subscription lives for one call, and whatever group, consumer or
// stream backs it is torn down on unsubscribe.
func IsReplyTopic(topic string) bool {
	return strings.HasPrefix(topic, replyTopicPrefix)
}

// Request is the shared request/response implementation every backend
// delegates to. It rewrites msg with a fresh reply topic and a correlation
// id (defaulting to the message's own id), subscribes a one-shot handler on
// the reply topic, publishes, and waits up to timeout for the first reply.
//
// The reply subscription is removed on every exit path: success, timeout,
// publish failure, or context cancellation.
func Request(ctx context.Context, b Bus, topic string, msg *Message, timeout time.Duration) (*Message, error) {
	out := msg.clone()
	out.Topic = topic
	out.ReplyTo = NewReplyTopic()
	if out.CorrelationID == "" {
		out.CorrelationID = out.ID
	}

	replyCh := make(chan *Message, 1)
	var once sync.Once
	subID, err := b.Subscribe(ctx, out.ReplyTo, func(_ context.Context, reply *Message) error {
		once.Do(func() { replyCh <- reply })
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Unsubscribe with a background context: the caller's ctx may already
	// be done on the timeout/cancel paths, and the cleanup must still run.
	defer func() { _ = b.Unsubscribe(context.Background(), subID) }()

	if err := b.Publish(ctx, out); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RPCFunc computes the reply payload for one request.
type RPCFunc func(ctx context.Context, req *Message) (*Message, error)

// HandleRPC registers a responder on topic. For each request carrying a
// reply_to it invokes fn, stamps the reply with the request's correlation
// id, and publishes it back. Requests without a reply_to are plain events
// and are ignored by the responder. Returns the subscription id.
func HandleRPC(ctx context.Context, b Bus, topic string, fn RPCFunc) (string, error) {
	return b.Subscribe(ctx, topic, func(ctx context.Context, req *Message) error {
		if req.ReplyTo == "" {
			return nil
		}
		reply, err := fn(ctx, req)
		if err != nil {
			return err
		}
		if reply == nil {
			return nil
		}
		reply.Topic = req.ReplyTo
		if reply.CorrelationID == "" {
			reply.CorrelationID = req.CorrelationID
			if reply.CorrelationID == "" {
				reply.CorrelationID = req.ID
			}
		}
		return b.Publish(ctx, reply)
	})
}
