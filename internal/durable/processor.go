// Package durable implements the consume pipeline shared by the durable
// backends (Redis Streams, NATS JetStream): de-dup, bounded retry with
// fixed backoff, dead-letter placement, and an always-acknowledge policy
// that guarantees forward progress.
package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xcomm"
	"github.com/trickstertwo/xcomm/internal/dedup"
)

// Header keys stamped onto dead-lettered envelopes.
const (
	HeaderDLQError = "x-dlq-error"
	HeaderDLQTopic = "x-dlq-topic"
)

// Processor runs handlers for one delivered message with the durable
// semantics. The caller acknowledges the delivery regardless of the
// returned error; a non-nil return means the message was dead-lettered (or
// the dead-letter write itself failed) and is reported for accounting.
type Processor struct {
	// MaxRetries is the number of re-attempts after the first failure.
	MaxRetries int
	// Backoff is the fixed delay between attempts.
	Backoff time.Duration
	// Window de-duplicates redelivered ids; nil disables de-dup.
	Window *dedup.Window
	// DeadLetter publishes the failed envelope to the topic's DLQ; nil
	// disables dead-lettering.
	DeadLetter func(ctx context.Context, msg *xcomm.Message, cause error) error

	Clock  xclock.Clock
	Logger *xlog.Logger
}

// Process dispatches msg to handlers. Handlers run in order; a failure of
// any handler fails the attempt and the whole set is retried after
// Backoff, up to MaxRetries times. Panics count as failures.
func (p *Processor) Process(ctx context.Context, msg *xcomm.Message, handlers []xcomm.Handler) error {
	if p.Window != nil && p.Window.Observe(msg.ID) {
		p.Logger.Debug().Str("topic", msg.Topic).Str("id", msg.ID).Msg("duplicate delivery skipped")
		return nil
	}
	if len(handlers) == 0 {
		return nil
	}

	hctx := xcomm.ExtractTrace(ctx, msg)
	attempts := p.MaxRetries + 1
	start := p.Clock.Now()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = p.runOnce(hctx, msg, handlers)
		if lastErr == nil {
			p.Logger.Debug().
				Str("topic", msg.Topic).
				Str("id", msg.ID).
				Dur("dur", p.Clock.Since(start)).
				Msg("message processed")
			return nil
		}
		if attempt == attempts {
			break
		}
		p.Logger.Warn().
			Str("topic", msg.Topic).
			Str("id", msg.ID).
			Err(lastErr).
			Msg("handler failed, retrying")
		select {
		case <-time.After(p.Backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return p.deadLetter(ctx, msg, lastErr)
}

// deadLetter routes an exhausted or poison message to the DLQ. The
// original is acked by the caller either way; a failed DLQ write is the
// one place a durable backend can silently lose a message, so it is logged
// loudly and joined into the returned error.
func (p *Processor) deadLetter(ctx context.Context, msg *xcomm.Message, cause error) error {
	if p.DeadLetter == nil {
		p.Logger.Error().
			Str("topic", msg.Topic).
			Str("id", msg.ID).
			Err(cause).
			Msg("retries exhausted, dead-letter disabled, message dropped")
		return cause
	}
	if err := p.DeadLetter(ctx, msg, cause); err != nil {
		p.Logger.Error().
			Str("topic", msg.Topic).
			Str("id", msg.ID).
			Err(err).
			Msg("dead-letter publish failed, message lost")
		return errors.Join(cause, err)
	}
	p.Logger.Warn().
		Str("topic", msg.Topic).
		Str("id", msg.ID).
		Err(cause).
		Msg("message dead-lettered")
	return cause
}

func (p *Processor) runOnce(ctx context.Context, msg *xcomm.Message, handlers []xcomm.Handler) error {
	for _, h := range handlers {
		if err := xcomm.RecoveryMiddleware()(h)(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// DeadLetterEnvelope builds the envelope written to a DLQ: the original
// message readdressed to dlqTopic with the failure recorded in headers.
func DeadLetterEnvelope(msg *xcomm.Message, dlqTopic string, cause error) *xcomm.Message {
	dl := *msg
	dl.Topic = dlqTopic
	dl.Headers = make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		dl.Headers[k] = v
	}
	dl.Headers[HeaderDLQTopic] = msg.Topic
	dl.Headers[HeaderDLQError] = fmt.Sprintf("%v", cause)
	return &dl
}
