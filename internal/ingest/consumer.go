package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/koshbank/recon/internal/recon"
	"github.com/koshbank/recon/internal/telemetry"
	"github.com/koshbank/recon/internal/types"
)

// Submitter accepts decoded views for reconciliation. *recon.Engine
// satisfies this.
type Submitter interface {
	Submit(ctx context.Context, view *types.TransactionView) error
}

// ConsumerStats are one consumer's delivery counters.
type ConsumerStats struct {
	Source    string `json:"source"`
	Received  int64  `json:"received"`
	Submitted int64  `json:"submitted"`
	Malformed int64  `json:"malformed"`
}

// Consumer binds one upstream source's subject to the engine. Each
// message is decoded, stamped with the consumer's source name, and
// submitted. Messages that can't be decoded or fail validation are
// counted and skipped; they are acknowledged so the stream doesn't
// redeliver garbage forever.
type Consumer struct {
	source  string
	subject string
	durable string
	stream  Stream
	engine  Submitter
	logger  *slog.Logger

	sub Subscription

	received  atomic.Int64
	submitted atomic.Int64
	malformed atomic.Int64
}

// NewConsumer builds a consumer for one source. durablePrefix is
// combined with the source name so each source gets its own durable
// consumer on the stream.
func NewConsumer(stream Stream, engine Submitter, source, subject, durablePrefix string, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	initConsumerMetrics()
	return &Consumer{
		source:  source,
		subject: subject,
		durable: fmt.Sprintf("%s-%s", durablePrefix, source),
		stream:  stream,
		engine:  engine,
		logger:  logger.With("component", "consumer", "source", source),
	}
}

// Start subscribes and begins feeding the engine. Delivery stops when
// ctx is cancelled or Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.stream.Subscribe(ctx, c.subject, c.durable, c.handle)
	if err != nil {
		return fmt.Errorf("consumer %s: %w", c.source, err)
	}
	c.sub = sub
	c.logger.Info("consumer started", "subject", c.subject)
	return nil
}

// Stop drains the subscription, waiting for the in-flight message.
func (c *Consumer) Stop() error {
	if c.sub == nil {
		return nil
	}
	return c.sub.Drain()
}

// Stats returns the consumer's counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Source:    c.source,
		Received:  c.received.Load(),
		Submitted: c.submitted.Load(),
		Malformed: c.malformed.Load(),
	}
}

func (c *Consumer) handle(ctx context.Context, data []byte) error {
	c.received.Add(1)
	consumerMetrics.received.Add(ctx, 1, metric.WithAttributes(
		attribute.String("recon.source", c.source)))

	view, err := types.DecodeView(data)
	if err != nil {
		c.skip(ctx, "undecodable view", err)
		return nil
	}

	// The subject binding is authoritative: a payload claiming another
	// source is stamped with ours so one feed can't impersonate
	// another.
	if view.Source != c.source {
		c.logger.Warn("payload source overridden",
			"txn_id", view.TxnID, "claimed", view.Source)
		view.Source = c.source
	}

	if err := c.engine.Submit(ctx, view); err != nil {
		if errors.Is(err, recon.ErrClosed) || errors.Is(err, context.Canceled) {
			return err // leave unacked; the next run picks it up
		}
		c.skip(ctx, "view rejected", err)
		return nil
	}

	c.submitted.Add(1)
	return nil
}

// skip counts and logs a message that will be acknowledged without
// reaching the engine.
func (c *Consumer) skip(ctx context.Context, reason string, err error) {
	c.malformed.Add(1)
	consumerMetrics.malformed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("recon.source", c.source)))
	c.logger.Warn(reason, "error", err)
}

var (
	consumerMetricsOnce sync.Once
	consumerMetrics     struct {
		received  metric.Int64Counter
		malformed metric.Int64Counter
	}
)

func initConsumerMetrics() {
	consumerMetricsOnce.Do(func() {
		meter := telemetry.Meter("github.com/koshbank/recon/ingest")
		consumerMetrics.received, _ = meter.Int64Counter("recon.ingest.received",
			metric.WithDescription("Messages delivered to source consumers"))
		consumerMetrics.malformed, _ = meter.Int64Counter("recon.ingest.malformed",
			metric.WithDescription("Messages skipped as undecodable or invalid"))
	})
}
