package ingest

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// memoryBuffer is how many undelivered messages a subject holds before
// Publish blocks.
const memoryBuffer = 1024

// MemoryStream is an in-process Stream for tests and single-process
// development. Delivery within a subject is ordered; unlike JetStream,
// a handler error drops the message (at-most-once), and durable names
// are ignored.
type MemoryStream struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string][]*memorySub
	closed atomic.Bool
}

// NewMemory builds an empty in-process stream.
func NewMemory(logger *slog.Logger) *MemoryStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStream{
		logger: logger.With("component", "stream", "backend", "memory"),
		subs:   make(map[string][]*memorySub),
	}
}

// Publish hands data to every subscriber of subject. Messages for
// subjects nobody subscribed to are dropped.
func (s *MemoryStream) Publish(ctx context.Context, subject string, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	subs := make([]*memorySub, len(s.subs[subject]))
	copy(subs, s.subs[subject])
	s.mu.Unlock()

	msg := make([]byte, len(data))
	copy(msg, data)
	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.stop:
		}
	}
	return nil
}

// Subscribe starts a delivery goroutine for subject. The durable name
// is accepted for interface parity and otherwise unused.
func (s *MemoryStream) Subscribe(ctx context.Context, subject, durable string, h Handler) (Subscription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		ch:   make(chan []byte, memoryBuffer),
		stop: make(chan struct{}),
	}
	s.mu.Lock()
	s.subs[subject] = append(s.subs[subject], sub)
	s.mu.Unlock()

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.stop:
				return
			case data := <-sub.ch:
				if err := h(ctx, data); err != nil {
					s.logger.Warn("handler failed, message dropped",
						"subject", subject, "error", err)
				}
			}
		}
	}()
	return sub, nil
}

// Close stops all subscriptions.
func (s *MemoryStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string][]*memorySub)
	s.mu.Unlock()

	for _, list := range subs {
		for _, sub := range list {
			_ = sub.Drain()
		}
	}
	return nil
}

type memorySub struct {
	ch   chan []byte
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Drain stops delivery. Buffered messages that were not yet handled
// are discarded.
func (m *memorySub) Drain() error {
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()
	return nil
}
