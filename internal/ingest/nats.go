package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSOptions configure the JetStream transport.
type NATSOptions struct {
	// URL of the broker, e.g. nats://127.0.0.1:4222.
	URL string
	// Stream is the JetStream stream name the subjects live under.
	Stream string
	// Subjects the stream binds. Created on first connect if the
	// stream doesn't exist yet.
	Subjects []string
	// Name identifies this client connection on the broker.
	Name string
}

// NATSStream is the JetStream-backed transport. Consumers are durable,
// so a restarted daemon resumes where it left off, and unacknowledged
// messages are redelivered.
type NATSStream struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
	closed atomic.Bool
}

// ConnectNATS dials the broker, ensures the stream exists, and returns
// the transport. The connection reconnects forever on broker restarts.
func ConnectNATS(opts NATSOptions, logger *slog.Logger) (*NATSStream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "recond"
	}

	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", opts.URL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	if err := ensureStream(js, opts.Stream, opts.Subjects); err != nil {
		nc.Close()
		return nil, err
	}

	return &NATSStream{
		conn:   nc,
		js:     js,
		logger: logger.With("component", "stream", "backend", "nats"),
	}, nil
}

// ensureStream creates the JetStream stream if it doesn't already
// exist.
func ensureStream(js nats.JetStreamContext, name string, subjects []string) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil // Stream already exists.
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  nats.FileStorage,
		// Retain last 100000 messages or 256MB, whichever comes first.
		MaxMsgs:  100000,
		MaxBytes: 256 << 20,
	})
	if err != nil {
		return fmt.Errorf("create %s stream: %w", name, err)
	}

	return nil
}

// Publish appends data to subject, waiting for broker acknowledgement.
func (s *NATSStream) Publish(ctx context.Context, subject string, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe binds a durable push consumer to subject. Handler errors
// leave the message unacknowledged; JetStream redelivers it after the
// ack wait.
func (s *NATSStream) Subscribe(ctx context.Context, subject, durable string, h Handler) (Subscription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	sub, err := s.js.Subscribe(subject, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return // shutting down; leave unacked for the next run
		}
		if err := h(ctx, msg.Data); err != nil {
			s.logger.Warn("handler failed, message left for redelivery",
				"subject", msg.Subject, "error", err)
			return
		}
		if err := msg.Ack(); err != nil {
			s.logger.Warn("ack failed", "subject", msg.Subject, "error", err)
		}
	},
		nats.Durable(sanitizeDurable(durable)),
		nats.DeliverNew(),
		nats.AckExplicit(),
		nats.ManualAck(),
	)
	if err != nil {
		return nil, fmt.Errorf("jetstream subscribe %s: %w", subject, err)
	}

	s.logger.Info("subscribed", "subject", subject, "durable", durable)
	return &natsSubscription{sub: sub}, nil
}

// Close drains in-flight messages and closes the connection.
func (s *NATSStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (n *natsSubscription) Drain() error {
	return n.sub.Drain()
}

// sanitizeDurable maps a durable name onto the characters JetStream
// accepts. Dots separate subject tokens and are not allowed in
// consumer names.
func sanitizeDurable(name string) string {
	return strings.NewReplacer(".", "-", "*", "-", ">", "-", " ", "-").Replace(name)
}
