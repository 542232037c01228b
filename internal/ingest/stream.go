// Package ingest moves raw source views from the message stream into
// the reconciliation engine. The transport is abstracted behind Stream
// so the daemon can run against NATS JetStream in production and an
// in-process stream in tests and single-binary development.
package ingest

import (
	"context"
	"errors"
)

// ErrClosed is returned by stream operations after Close.
var ErrClosed = errors.New("ingest: stream closed")

// Handler consumes one raw message. A nil return acknowledges the
// message; an error leaves it unacknowledged so the transport may
// redeliver (JetStream) or drop it (memory).
type Handler func(ctx context.Context, data []byte) error

// Subscription is one live subject binding.
type Subscription interface {
	// Drain stops delivery and waits for in-flight handlers.
	Drain() error
}

// Stream is the transport carrying per-source transaction views.
// Implementations must preserve publish order within a subject.
type Stream interface {
	// Publish appends one message to subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe delivers subject's messages to h, one at a time, in
	// order. durable names the consumer so a restart resumes instead
	// of replaying. ctx bounds handler invocations; cancelling it
	// stops delivery.
	Subscribe(ctx context.Context, subject, durable string, h Handler) (Subscription, error)

	// Close tears down the transport and all subscriptions.
	Close() error
}
