package msgbus

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisBus(t *testing.T) (*RedisBus, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedisBus(client), context.Background()
}

func TestRedisBusPublishWatchFlow(t *testing.T) {
	bus, ctx := newRedisBus(t)
	ch, err := bus.Watch(ctx, "topic")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "topic", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != "hello" {
			t.Fatalf("unexpected payload %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for publish")
	}
}

func TestRedisBusUnwatchLastWatcherClosesSubscription(t *testing.T) {
	bus, ctx := newRedisBus(t)
	ch, err := bus.Watch(ctx, "topic")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Unwatch(ctx, "topic", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for close")
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.subs["topic"]; ok {
		t.Fatal("subscription still present after last unwatch")
	}
}

func TestRedisBusTopicsAreIsolated(t *testing.T) {
	bus, ctx := newRedisBus(t)
	chA, err := bus.Watch(ctx, "a")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if _, err := bus.Watch(ctx, "b"); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "a", []byte("only-a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-chA:
		if string(msg) != "only-a" {
			t.Fatalf("unexpected payload %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for publish")
	}
}
