// Package xcomm is a transport-agnostic communication bus for cooperating
// services: publish/subscribe plus correlation-id based request/response
// over interchangeable backends.
//
// The Bus interface is the whole public contract. Backends live under
// adapter/ and share identical envelope, correlation and failure semantics:
//
//   - inproc: local fan-out, no network
//   - redisps: ephemeral Redis pub/sub broadcast
//   - redisstream: durable Redis Streams consumer groups (retry, DLQ, de-dup)
//   - natscore: ephemeral NATS subjects with native request/response bridging
//   - natsjs: durable NATS JetStream pull consumers (retry, DLQ, de-dup)
//   - wsbus: WebSocket hub server and client
//
// Request/response is implemented once (Request) on top of
// Subscribe/Publish/Unsubscribe and works identically on every backend.
package xcomm
