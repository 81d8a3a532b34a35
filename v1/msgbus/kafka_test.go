package msgbus

import (
	"context"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/google/uuid"
)

func newKafkaBus(t *testing.T) (*KafkaBus, context.Context) {
	t.Helper()
	addr := os.Getenv("LOOM_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("LOOM_TEST_KAFKA_ADDR not set, skipping Kafka integration tests")
	}
	t.Logf("TestKafkaBus: using real Kafka at %s", addr)

	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest

	bus, err := NewKafkaBus([]string{addr}, config)
	if err != nil {
		t.Fatalf("NewKafkaBus: %v", err)
	}

	ctx := context.Background()
	t.Cleanup(func() {
		bus.Close()
	})
	return bus, ctx
}

func TestKafkaBusPublishWatchFlowAndMetrics(t *testing.T) {
	bus, ctx := newKafkaBus(t)
	topic := "test-" + uuid.NewString()

	ch, err := bus.Watch(ctx, topic)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	// give the partition consumer a moment to position at the newest offset
	time.Sleep(500 * time.Millisecond)

	if err := bus.Publish(ctx, topic, []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != "hello" {
			t.Fatalf("unexpected payload %q", msg)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for publish")
	}
	if m := bus.Metrics(); m.Published != 1 {
		t.Fatalf("expected published 1 got %d", m.Published)
	}
}

func TestKafkaBusUnwatchClosesChannel(t *testing.T) {
	bus, ctx := newKafkaBus(t)
	topic := "test-" + uuid.NewString()

	ch, err := bus.Watch(ctx, topic)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Unwatch(ctx, topic, ch); err != nil {
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
}
