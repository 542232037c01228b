package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func collect(t *testing.T, ch <-chan string, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for len(out) < n {
		select {
		case v := <-ch:
			out = append(out, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d messages", len(out), n)
		}
	}
	return out
}

func TestMemoryStreamDeliversInOrder(t *testing.T) {
	s := NewMemory(nil)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	got := make(chan string, 16)
	_, err := s.Subscribe(ctx, "txns.core", "recond-core", func(_ context.Context, data []byte) error {
		got <- string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := s.Publish(ctx, "txns.core", []byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	msgs := collect(t, got, 5)
	for i, m := range msgs {
		if want := fmt.Sprintf("m%d", i); m != want {
			t.Errorf("msgs[%d] = %q, want %q", i, m, want)
		}
	}
}

func TestMemoryStreamSubjectIsolation(t *testing.T) {
	s := NewMemory(nil)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	core := make(chan string, 4)
	gateway := make(chan string, 4)
	if _, err := s.Subscribe(ctx, "txns.core", "d1", func(_ context.Context, data []byte) error {
		core <- string(data)
		return nil
	}); err != nil {
		t.Fatalf("subscribe core: %v", err)
	}
	if _, err := s.Subscribe(ctx, "txns.gateway", "d2", func(_ context.Context, data []byte) error {
		gateway <- string(data)
		return nil
	}); err != nil {
		t.Fatalf("subscribe gateway: %v", err)
	}

	if err := s.Publish(ctx, "txns.core", []byte("for-core")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := collect(t, core, 1); got[0] != "for-core" {
		t.Errorf("core got %q", got[0])
	}
	select {
	case v := <-gateway:
		t.Errorf("gateway received %q for another subject", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryStreamDrainStopsDelivery(t *testing.T) {
	s := NewMemory(nil)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	got := make(chan string, 4)
	sub, err := s.Subscribe(ctx, "txns.core", "d", func(_ context.Context, data []byte) error {
		got <- string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := s.Publish(ctx, "txns.core", []byte("first")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	collect(t, got, 1)

	if err := sub.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if err := s.Publish(ctx, "txns.core", []byte("late")); err != nil {
		t.Fatalf("publish after drain: %v", err)
	}
	select {
	case v := <-got:
		t.Errorf("received %q after drain", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryStreamHandlerErrorDropsMessage(t *testing.T) {
	s := NewMemory(nil)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	got := make(chan string, 4)
	if _, err := s.Subscribe(ctx, "txns.core", "d", func(_ context.Context, data []byte) error {
		if string(data) == "poison" {
			return errors.New("boom")
		}
		got <- string(data)
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := s.Publish(ctx, "txns.core", []byte("poison")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := s.Publish(ctx, "txns.core", []byte("good")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// The failing message is dropped and delivery continues.
	if msgs := collect(t, got, 1); msgs[0] != "good" {
		t.Errorf("got %q, want %q", msgs[0], "good")
	}
}

func TestMemoryStreamClosed(t *testing.T) {
	s := NewMemory(nil)
	s.Close()

	if err := s.Publish(context.Background(), "txns.core", []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after close = %v, want ErrClosed", err)
	}
	if _, err := s.Subscribe(context.Background(), "txns.core", "d", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after close = %v, want ErrClosed", err)
	}
}
